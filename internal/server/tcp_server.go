package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/devrev/pairfs/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ConnHandler serves one accepted connection. It must not close conn.
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// TCPServerConfig holds listener settings
type TCPServerConfig struct {
	Addr        string
	AcceptRate  float64
	AcceptBurst int
}

// TCPServer accepts protocol connections and runs a goroutine per connection
type TCPServer struct {
	cfg     TCPServerConfig
	handler ConnHandler
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
}

// NewTCPServer creates a new TCP server
func NewTCPServer(cfg TCPServerConfig, handler ConnHandler, m *metrics.Metrics, logger *zap.Logger) *TCPServer {
	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		cfg:     cfg,
		handler: handler,
		limiter: rate.NewLimiter(limit, cfg.AcceptBurst),
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket
func (s *TCPServer) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, nil before Listen
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until Shutdown. Connections over the admission rate are
// closed immediately.
func (s *TCPServer) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("tcp server is not listening")
	}

	s.logger.Info("Accepting connections", zap.String("addr", ln.Addr().String()))

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.logger.Warn("Accept failed, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		tempDelay = 0

		if !s.limiter.Allow() {
			s.metrics.ConnectionRejected()
			s.logger.Debug("Connection rejected by rate limit", zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handle(conn)
	}
}

func (s *TCPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *TCPServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.metrics.ConnectionClosed()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Connection handler panicked",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Any("panic", r))
		}
	}()

	s.metrics.ConnectionOpened()
	s.handler.Serve(s.ctx, conn)
}

func (s *TCPServer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// StopAccepting closes the listener; in-flight connections keep running
func (s *TCPServer) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
}

// Shutdown stops accepting and waits for in-flight connections until ctx is done,
// then force-closes whatever is left.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.StopAccepting()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
	}

	s.cancel()
	s.mu.Lock()
	remaining := len(s.conns)
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.logger.Warn("Shutdown timed out, closed remaining connections", zap.Int("connections", remaining))
	<-done
	return ctx.Err()
}
