package server

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type echoHandler struct {
	served atomic.Int32
}

func (h *echoHandler) Serve(ctx context.Context, conn net.Conn) {
	h.served.Add(1)
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	conn.Write([]byte(line))
}

type blockingHandler struct {
	started chan struct{}
}

func (h *blockingHandler) Serve(ctx context.Context, conn net.Conn) {
	close(h.started)
	buf := make([]byte, 1)
	conn.Read(buf)
}

func startServer(t *testing.T, cfg TCPServerConfig, h ConnHandler) *TCPServer {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	s := NewTCPServer(cfg, h, nil, zap.NewNop())
	require.NoError(t, s.Listen())
	go s.Serve()
	return s
}

func TestTCPServer_ServesConnections(t *testing.T) {
	h := &echoHandler{}
	s := startServer(t, TCPServerConfig{}, h)
	defer s.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", s.Addr().String())
		require.NoError(t, err)
		_, err = conn.Write([]byte("ping\n"))
		require.NoError(t, err)

		reply, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "ping\n", reply)
		conn.Close()
	}
	assert.Equal(t, int32(3), h.served.Load())
}

func TestTCPServer_RateLimitRejects(t *testing.T) {
	h := &echoHandler{}
	s := startServer(t, TCPServerConfig{AcceptRate: 0.001, AcceptBurst: 1}, h)
	defer s.Shutdown(context.Background())

	first, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	first.Write([]byte("a\n"))
	_, err = bufio.NewReader(first).ReadString('\n')
	require.NoError(t, err)

	second, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bufio.NewReader(second).ReadString('\n')
	assert.Error(t, err)
	assert.Equal(t, int32(1), h.served.Load())
}

func TestTCPServer_ShutdownWaitsThenForceCloses(t *testing.T) {
	h := &blockingHandler{started: make(chan struct{})}
	s := startServer(t, TCPServerConfig{}, h)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = net.DialTimeout("tcp", s.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestTCPServer_ServeBeforeListen(t *testing.T) {
	s := NewTCPServer(TCPServerConfig{Addr: "127.0.0.1:0"}, &echoHandler{}, nil, zap.NewNop())
	assert.Error(t, s.Serve())
	assert.Nil(t, s.Addr())
}
