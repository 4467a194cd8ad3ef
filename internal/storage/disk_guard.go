package storage

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"go.uber.org/zap"
)

// DiskUsage is a filesystem usage sample
type DiskUsage struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// UsagePercent returns the used share of the filesystem
func (u DiskUsage) UsagePercent() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.TotalBytes-u.AvailableBytes) / float64(u.TotalBytes) * 100.0
}

// DiskGuardConfig holds disk guard thresholds
type DiskGuardConfig struct {
	DataDir          string
	CheckInterval    time.Duration
	WarningThreshold float64
	RejectThreshold  float64
}

// DiskGuard refuses writes once the data directory's filesystem is nearly full
type DiskGuard struct {
	cfg    DiskGuardConfig
	statfs func(path string) (DiskUsage, error)
	logger *zap.Logger

	mu        sync.Mutex
	lastCheck time.Time
	usage     DiskUsage
	rejecting bool
}

// NewDiskGuard creates a guard for cfg.DataDir
func NewDiskGuard(cfg DiskGuardConfig, logger *zap.Logger) (*DiskGuard, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 80.0
	}
	if cfg.RejectThreshold <= 0 {
		cfg.RejectThreshold = 95.0
	}
	return &DiskGuard{cfg: cfg, statfs: statfs, logger: logger}, nil
}

// CheckBeforeWrite returns a DiskFull error when a write of size bytes should be refused
func (g *DiskGuard) CheckBeforeWrite(size uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if time.Since(g.lastCheck) > g.cfg.CheckInterval {
		if err := g.refresh(); err != nil {
			g.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if g.rejecting || size > g.usage.AvailableBytes {
		return fserrors.DiskFull(g.usage.UsagePercent(), g.usage.AvailableBytes)
	}
	return nil
}

// Usage returns the last usage sample
func (g *DiskGuard) Usage() DiskUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}

// Refresh samples the filesystem now
func (g *DiskGuard) Refresh() (DiskUsage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.refresh(); err != nil {
		return g.usage, err
	}
	return g.usage, nil
}

// refresh must be called with mu held
func (g *DiskGuard) refresh() error {
	usage, err := g.statfs(g.cfg.DataDir)
	if err != nil {
		return err
	}
	g.usage = usage
	g.lastCheck = time.Now()

	pct := usage.UsagePercent()
	wasRejecting := g.rejecting
	g.rejecting = pct >= g.cfg.RejectThreshold

	switch {
	case g.rejecting && !wasRejecting:
		g.logger.Error("Disk nearly full, rejecting writes",
			zap.Float64("usage_percent", pct),
			zap.Uint64("available_bytes", usage.AvailableBytes))
	case !g.rejecting && wasRejecting:
		g.logger.Info("Disk usage recovered, accepting writes",
			zap.Float64("usage_percent", pct))
	case pct >= g.cfg.WarningThreshold:
		g.logger.Warn("Disk usage warning", zap.Float64("usage_percent", pct))
	}
	return nil
}

func statfs(path string) (DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskUsage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return DiskUsage{
		TotalBytes:     stat.Blocks * uint64(stat.Bsize),
		AvailableBytes: stat.Bavail * uint64(stat.Bsize),
	}, nil
}
