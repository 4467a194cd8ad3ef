package client

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultProbeInterval is the time between health probes
	DefaultProbeInterval = 10 * time.Second
	// DefaultProbeTimeout bounds a single probe
	DefaultProbeTimeout = 5 * time.Second
)

// Prober polls a node's health endpoint and flags it unhealthy on a non-200 answer
// or a timeout. It never switches nodes itself.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	healthy  atomic.Bool
	logger   *zap.Logger
}

// NewProber creates a prober for url. The node is assumed healthy until a probe fails.
func NewProber(url string, interval, timeout time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	p := &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
	p.healthy.Store(true)
	return p
}

// Run probes every interval until ctx is done
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Probe issues one health request and returns the resulting state
func (p *Prober) Probe(ctx context.Context) bool {
	ok := p.check(ctx)
	was := p.healthy.Swap(ok)
	switch {
	case was && !ok:
		p.logger.Warn("Node became unhealthy, reconnect to pick another node", zap.String("url", p.url))
	case !was && ok:
		p.logger.Info("Node healthy again", zap.String("url", p.url))
	}
	return ok
}

func (p *Prober) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Health probe failed", zap.String("url", p.url), zap.Error(err))
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Healthy reports the last probe result
func (p *Prober) Healthy() bool {
	return p.healthy.Load()
}
