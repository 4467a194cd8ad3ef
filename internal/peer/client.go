package peer

import (
	"context"
	"fmt"
	"net"
	"time"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/metrics"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/protocol"
	"go.uber.org/zap"
)

// API is the set of node to node calls
type API interface {
	Replicate(ctx context.Context, node *model.NodeRecord, fileName string, data []byte) error
	UpdateReplica(ctx context.Context, node *model.NodeRecord, fileName string, data []byte) error
	DeleteReplica(ctx context.Context, node *model.NodeRecord, fileName string) error
	// ReadFromServer returns the node's copy; a zero-length answer is reported as found=false
	ReadFromServer(ctx context.Context, node *model.NodeRecord, fileName string) (data []byte, found bool, err error)
	// CommitEdit forwards edited content to the file's primary and returns its reply text
	CommitEdit(ctx context.Context, node *model.NodeRecord, fileName string, data []byte) (string, error)
}

// Client dials other nodes over the framed TCP protocol, one connection per call
type Client struct {
	timeout    time.Duration
	maxPayload int
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewClient creates a new peer client
func NewClient(timeout time.Duration, maxPayload int, m *metrics.Metrics, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		timeout:    timeout,
		maxPayload: maxPayload,
		metrics:    m,
		logger:     logger,
	}
}

// call dials node, runs fn on the framed connection and closes it. Dial and
// transport failures become PeerUnreachable.
func (c *Client) call(ctx context.Context, node *model.NodeRecord, command string, fn func(conn *protocol.Conn) error) error {
	start := time.Now()
	defer c.metrics.ObservePeerRequest(command, start)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	addr := node.Endpoint()
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fserrors.PeerUnreachable(node.NodeID, addr, err)
	}
	defer raw.Close()

	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}

	if err := fn(protocol.NewConn(raw, c.maxPayload)); err != nil {
		if fserrors.IsFSError(err) {
			return err
		}
		c.logger.Debug("Peer call failed",
			zap.String("peer", node.NodeID),
			zap.String("command", command),
			zap.Error(err))
		return fserrors.PeerUnreachable(node.NodeID, addr, err)
	}
	return nil
}

func (c *Client) sendContent(ctx context.Context, node *model.NodeRecord, command, fileName string, data []byte) (string, error) {
	var reply string
	err := c.call(ctx, node, command, func(conn *protocol.Conn) error {
		if err := conn.WriteString(command); err != nil {
			return err
		}
		if err := conn.WriteString(fileName); err != nil {
			return err
		}
		if err := conn.WritePayload(data); err != nil {
			return err
		}
		if err := conn.Flush(); err != nil {
			return err
		}
		var err error
		reply, err = conn.ReadString()
		return err
	})
	return reply, err
}

func expect(node *model.NodeRecord, command, reply, want string) error {
	if reply == want {
		return nil
	}
	return fserrors.InternalError(fmt.Sprintf("%s on %s answered %q", command, node.NodeID, reply), nil).
		WithDetail("node_id", node.NodeID)
}

// Replicate pushes a new replica to node
func (c *Client) Replicate(ctx context.Context, node *model.NodeRecord, fileName string, data []byte) error {
	reply, err := c.sendContent(ctx, node, protocol.CmdReplicate, fileName, data)
	if err != nil {
		return err
	}
	return expect(node, protocol.CmdReplicate, reply, protocol.TextReplicated)
}

// UpdateReplica overwrites node's replica with new content
func (c *Client) UpdateReplica(ctx context.Context, node *model.NodeRecord, fileName string, data []byte) error {
	reply, err := c.sendContent(ctx, node, protocol.CmdUpdateReplica, fileName, data)
	if err != nil {
		return err
	}
	return expect(node, protocol.CmdUpdateReplica, reply, protocol.TextReplicaUpdated)
}

// CommitEdit sends a standalone EDITED_CONTENT to the primary
func (c *Client) CommitEdit(ctx context.Context, node *model.NodeRecord, fileName string, data []byte) (string, error) {
	return c.sendContent(ctx, node, protocol.CmdEditedContent, fileName, data)
}

// DeleteReplica removes node's copy of fileName
func (c *Client) DeleteReplica(ctx context.Context, node *model.NodeRecord, fileName string) error {
	var reply string
	err := c.call(ctx, node, protocol.CmdDeleteReplica, func(conn *protocol.Conn) error {
		if err := conn.WriteString(protocol.CmdDeleteReplica); err != nil {
			return err
		}
		if err := conn.WriteString(fileName); err != nil {
			return err
		}
		if err := conn.Flush(); err != nil {
			return err
		}
		var err error
		reply, err = conn.ReadString()
		return err
	})
	if err != nil {
		return err
	}
	return expect(node, protocol.CmdDeleteReplica, reply, protocol.TextReplicaDeleted)
}

// ReadFromServer fetches node's copy of fileName
func (c *Client) ReadFromServer(ctx context.Context, node *model.NodeRecord, fileName string) ([]byte, bool, error) {
	var data []byte
	err := c.call(ctx, node, protocol.CmdReadFromServer, func(conn *protocol.Conn) error {
		if err := conn.WriteString(protocol.CmdReadFromServer); err != nil {
			return err
		}
		if err := conn.WriteString(fileName); err != nil {
			return err
		}
		if err := conn.Flush(); err != nil {
			return err
		}
		var err error
		data, err = conn.ReadPayload()
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}
