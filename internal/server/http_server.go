package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/devrev/pairfs/internal/health"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HTTPServerConfig holds configuration for the health and metrics listener
type HTTPServerConfig struct {
	Addr string

	// Collect refreshes gauges before each interval; optional
	Collect         func()
	CollectInterval time.Duration
}

// HTTPServer serves /health and /metrics
type HTTPServer struct {
	cfg        HTTPServerConfig
	httpServer *http.Server
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewHTTPServer creates a new health and metrics server
func NewHTTPServer(cfg HTTPServerConfig, checker *health.Checker, gatherer prometheus.Gatherer, logger *zap.Logger) *HTTPServer {
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = 15 * time.Second
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", checker.HealthHandler).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return &HTTPServer{
		cfg: cfg,
		httpServer: &http.Server{
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start binds the listener and serves in the background
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting health server", zap.String("addr", ln.Addr().String()))

	if s.cfg.Collect != nil {
		go s.collect()
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, nil before Start
func (s *HTTPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *HTTPServer) collect() {
	ticker := time.NewTicker(s.cfg.CollectInterval)
	defer ticker.Stop()

	s.cfg.Collect()
	for {
		select {
		case <-ticker.C:
			s.cfg.Collect()
		case <-s.stopChan:
			return
		}
	}
}

// Stop gracefully stops the server
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("health server shutdown failed: %w", err)
	}
	return nil
}
