package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestProber_TracksStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewProber(srv.URL+"/health", time.Hour, time.Second, zap.NewNop())
	ctx := context.Background()

	assert.True(t, p.Probe(ctx))
	assert.True(t, p.Healthy())

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, p.Probe(ctx))
	assert.False(t, p.Healthy())

	status.Store(http.StatusOK)
	assert.True(t, p.Probe(ctx))
}

func TestProber_TimeoutIsUnhealthy(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewProber(srv.URL, time.Hour, 50*time.Millisecond, zap.NewNop())
	assert.False(t, p.Probe(context.Background()))
}

func TestProber_RunStopsWithContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := NewProber(srv.URL, 10*time.Millisecond, time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return hits.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prober did not stop")
	}
}
