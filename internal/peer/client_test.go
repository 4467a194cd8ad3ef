package peer

import (
	"context"
	"net"
	"testing"
	"time"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeNode answers one request per connection using handle
func fakeNode(t *testing.T, handle func(conn *protocol.Conn)) *model.NodeRecord {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				handle(protocol.NewConn(c, 0))
			}(c)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return &model.NodeRecord{NodeID: "peer-1", Address: "127.0.0.1", Port: addr.Port, Active: true}
}

func TestClient_Replicate(t *testing.T) {
	received := make(chan string, 1)
	node := fakeNode(t, func(conn *protocol.Conn) {
		verb, _ := conn.ReadString()
		name, _ := conn.ReadString()
		data, _ := conn.ReadPayload()
		received <- verb + ":" + name + ":" + string(data)
		conn.Reply(protocol.TextReplicated)
	})

	c := NewClient(time.Second, 0, nil, zap.NewNop())
	require.NoError(t, c.Replicate(context.Background(), node, "a.txt", []byte("hi")))
	assert.Equal(t, "REPLICATE:a.txt:hi", <-received)
}

func TestClient_UnexpectedReply(t *testing.T) {
	node := fakeNode(t, func(conn *protocol.Conn) {
		conn.ReadString()
		conn.ReadString()
		conn.Reply("Error: disk on fire")
	})

	c := NewClient(time.Second, 0, nil, zap.NewNop())
	err := c.DeleteReplica(context.Background(), node, "a.txt")
	require.Error(t, err)
	assert.False(t, fserrors.Is(err, fserrors.ErrCodePeerUnreachable))
}

func TestClient_ReadFromServer(t *testing.T) {
	node := fakeNode(t, func(conn *protocol.Conn) {
		conn.ReadString()
		name, _ := conn.ReadString()
		if name == "a.txt" {
			conn.WritePayload([]byte("content"))
		} else {
			conn.WritePayload(nil)
		}
		conn.Flush()
	})

	c := NewClient(time.Second, 0, nil, zap.NewNop())
	data, found, err := c.ReadFromServer(context.Background(), node, "a.txt")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "content", string(data))

	_, found, err = c.ReadFromServer(context.Background(), node, "missing.txt")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	node := &model.NodeRecord{NodeID: "gone", Address: "127.0.0.1", Port: port}
	c := NewClient(500*time.Millisecond, 0, nil, zap.NewNop())

	_, _, err = c.ReadFromServer(context.Background(), node, "a.txt")
	assert.True(t, fserrors.Is(err, fserrors.ErrCodePeerUnreachable))
}

func TestClient_ConnectionDroppedMidReply(t *testing.T) {
	node := fakeNode(t, func(conn *protocol.Conn) {
		conn.ReadString()
		conn.ReadString()
		conn.ReadPayload()
	})

	c := NewClient(time.Second, 0, nil, zap.NewNop())
	err := c.UpdateReplica(context.Background(), node, "a.txt", []byte("x"))
	assert.True(t, fserrors.Is(err, fserrors.ErrCodePeerUnreachable))
}
