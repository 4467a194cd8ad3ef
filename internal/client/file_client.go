package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/devrev/pairfs/internal/protocol"
)

// FileClient issues user commands to one node. Every command uses its own connection.
type FileClient struct {
	addr       string
	timeout    time.Duration
	maxPayload int
}

// NewFileClient creates a client for the node at addr
func NewFileClient(addr string, timeout time.Duration, maxPayload int) *FileClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FileClient{addr: addr, timeout: timeout, maxPayload: maxPayload}
}

// Addr returns the node endpoint
func (c *FileClient) Addr() string {
	return c.addr
}

func (c *FileClient) dial(ctx context.Context) (net.Conn, *protocol.Conn, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	return conn, protocol.NewConn(conn, c.maxPayload), nil
}

func (c *FileClient) roundTrip(ctx context.Context, send func(p *protocol.Conn) error, recv func(p *protocol.Conn) error) error {
	conn, p, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))
	if err := send(p); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if err := p.Flush(); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if err := recv(p); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return nil
}

func (c *FileClient) store(ctx context.Context, verb, name string, data []byte) (string, error) {
	var reply string
	err := c.roundTrip(ctx, func(p *protocol.Conn) error {
		if err := p.WriteString(verb); err != nil {
			return err
		}
		if err := p.WriteString(name); err != nil {
			return err
		}
		return p.WritePayload(data)
	}, func(p *protocol.Conn) error {
		var err error
		reply, err = p.ReadString()
		return err
	})
	return reply, err
}

// Create stores new text content under name
func (c *FileClient) Create(ctx context.Context, name string, content []byte) (string, error) {
	return c.store(ctx, protocol.CmdCreate, name, content)
}

// Upload stores the bytes of a local file under name
func (c *FileClient) Upload(ctx context.Context, name string, data []byte) (string, error) {
	return c.store(ctx, protocol.CmdUpload, name, data)
}

func (c *FileClient) simple(ctx context.Context, verb, name string) (string, error) {
	var reply string
	err := c.roundTrip(ctx, func(p *protocol.Conn) error {
		if err := p.WriteString(verb); err != nil {
			return err
		}
		return p.WriteString(name)
	}, func(p *protocol.Conn) error {
		var err error
		reply, err = p.ReadString()
		return err
	})
	return reply, err
}

// Read returns the status text and, when it is OK, the content
func (c *FileClient) Read(ctx context.Context, name string) (string, []byte, error) {
	var status string
	var data []byte
	err := c.roundTrip(ctx, func(p *protocol.Conn) error {
		if err := p.WriteString(protocol.CmdRead); err != nil {
			return err
		}
		return p.WriteString(name)
	}, func(p *protocol.Conn) error {
		var err error
		if status, err = p.ReadString(); err != nil {
			return err
		}
		data, err = p.ReadPayload()
		return err
	})
	return status, data, err
}

// Delete removes name from the cluster
func (c *FileClient) Delete(ctx context.Context, name string) (string, error) {
	return c.simple(ctx, protocol.CmdDelete, name)
}

// Write takes the write lease on name, passes the current content to editor and sends
// back the result. If the lease is refused the server's text is returned unchanged.
func (c *FileClient) Write(ctx context.Context, name string, editor Editor) (string, error) {
	conn, p, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))
	if err := p.WriteString(protocol.CmdWrite); err != nil {
		return "", err
	}
	if err := p.WriteString(name); err != nil {
		return "", err
	}
	if err := p.Flush(); err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}

	status, err := p.ReadString()
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	current, err := p.ReadPayload()
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if status != protocol.StatusOK {
		return status, nil
	}

	conn.SetDeadline(time.Time{})
	edited, err := editor.Edit(ctx, name, current)
	if err != nil {
		return "", err
	}

	conn.SetDeadline(time.Now().Add(c.timeout))
	if err := p.WriteString(protocol.CmdEditedContent); err != nil {
		return "", err
	}
	if err := p.WritePayload(edited); err != nil {
		return "", err
	}
	if err := p.Flush(); err != nil {
		return "", fmt.Errorf("failed to send edit: %w", err)
	}
	reply, err := p.ReadString()
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return reply, nil
}

// Session is an open file on a node; it holds the connection until Close
type Session struct {
	conn    net.Conn
	p       *protocol.Conn
	timeout time.Duration
}

// Open starts a SEEK session. A nil session comes back with the server's text when
// the file could not be opened.
func (c *FileClient) Open(ctx context.Context, name string) (*Session, string, error) {
	conn, p, err := c.dial(ctx)
	if err != nil {
		return nil, "", err
	}

	conn.SetDeadline(time.Now().Add(c.timeout))
	if err := p.WriteString(protocol.CmdOpen); err == nil {
		err = p.WriteString(name)
	}
	if err == nil {
		err = p.Flush()
	}
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("failed to send request: %w", err)
	}

	reply, err := p.ReadString()
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}
	if reply != protocol.TextOpened {
		conn.Close()
		return nil, reply, nil
	}
	return &Session{conn: conn, p: p, timeout: c.timeout}, reply, nil
}

// Seek returns up to 1024 bytes of text starting at offset
func (s *Session) Seek(offset int32) (string, error) {
	s.conn.SetDeadline(time.Now().Add(s.timeout))
	if err := s.p.WriteString(protocol.CmdSeek); err != nil {
		return "", err
	}
	if err := s.p.WriteInt(offset); err != nil {
		return "", err
	}
	if err := s.p.Flush(); err != nil {
		return "", err
	}
	return s.p.ReadString()
}

// Close ends the session and the connection
func (s *Session) Close() (string, error) {
	defer s.conn.Close()
	s.conn.SetDeadline(time.Now().Add(s.timeout))
	if err := s.p.WriteString(protocol.CmdClose); err != nil {
		return "", err
	}
	if err := s.p.Flush(); err != nil {
		return "", err
	}
	return s.p.ReadString()
}
