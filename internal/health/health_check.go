package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the overall node health
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDraining Status = "draining"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Check is one named probe
type Check func() CheckResult

// Checker tracks whether the node should keep receiving traffic. The /health probe
// answers 200 while the node serves and every check passes, 503 otherwise.
type Checker struct {
	nodeID string
	checks []Check
	logger *zap.Logger

	mu        sync.RWMutex
	serving   bool
	lastCheck time.Time
	results   map[string]CheckResult
}

// NewChecker creates a checker in the serving state
func NewChecker(nodeID string, logger *zap.Logger, checks ...Check) *Checker {
	return &Checker{
		nodeID:  nodeID,
		checks:  checks,
		logger:  logger,
		serving: true,
		results: make(map[string]CheckResult),
	}
}

// Start runs the checks every interval until ctx is done
func (h *Checker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.RunChecks()
	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			return
		}
	}
}

// RunChecks executes every check once
func (h *Checker) RunChecks() {
	results := make(map[string]CheckResult, len(h.checks))
	for _, check := range h.checks {
		r := check()
		results[r.Name] = r
		if !r.Healthy {
			h.logger.Warn("Health check failing", zap.String("check", r.Name), zap.String("message", r.Message))
		}
	}

	h.mu.Lock()
	h.results = results
	h.lastCheck = time.Now()
	h.mu.Unlock()
}

// SetServing flips the serving flag; shutdown sets it false so probes fail fast
func (h *Checker) SetServing(serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serving = serving
}

// Status returns the overall status
func (h *Checker) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *Checker) statusLocked() Status {
	if !h.serving {
		return StatusDraining
	}
	for _, r := range h.results {
		if !r.Healthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

// Results returns a copy of the last check results
func (h *Checker) Results() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]CheckResult, len(h.results))
	for k, v := range h.results {
		out[k] = v
	}
	return out
}

// HealthHandler answers the directory's and clients' liveness probe
func (h *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	status := h.statusLocked()
	checks := make([]CheckResult, 0, len(h.results))
	for _, c := range h.results {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if status == StatusHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"node_id":   h.nodeID,
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// DataDirCheck verifies the data directory exists and is writable
func DataDirCheck(dataDir string) Check {
	return func() CheckResult {
		result := CheckResult{Name: "data_dir_accessible", Timestamp: time.Now()}

		info, err := os.Stat(dataDir)
		if err != nil {
			result.Message = fmt.Sprintf("Data directory not accessible: %v", err)
			return result
		}
		if !info.IsDir() {
			result.Message = "Data path is not a directory"
			return result
		}

		probe := filepath.Join(dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
		f, err := os.Create(probe)
		if err != nil {
			result.Message = fmt.Sprintf("Cannot write to data directory: %v", err)
			return result
		}
		f.Close()
		os.Remove(probe)

		result.Healthy = true
		result.Message = "Data directory is accessible and writable"
		return result
	}
}

// DiskUsageCheck fails once usage reaches limit percent
func DiskUsageCheck(usage func() float64, limit float64) Check {
	return func() CheckResult {
		pct := usage()
		return CheckResult{
			Name:      "disk_space",
			Healthy:   pct < limit,
			Message:   fmt.Sprintf("Disk usage: %.2f%%", pct),
			Timestamp: time.Now(),
		}
	}
}
