package handler

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/failover"
	"github.com/devrev/pairfs/internal/lease"
	"github.com/devrev/pairfs/internal/metrics"
	"github.com/devrev/pairfs/internal/peer"
	"github.com/devrev/pairfs/internal/protocol"
	"github.com/devrev/pairfs/internal/replication"
	"github.com/devrev/pairfs/internal/storage"
	"github.com/devrev/pairfs/internal/store"
	"github.com/devrev/pairfs/internal/validation"
	"go.uber.org/zap"
)

// Config holds per-connection limits
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// EditTimeout bounds the wait for EDITED_CONTENT and for the next SEEK
	EditTimeout time.Duration
	MaxPayload  int
}

// Deps are the collaborators a handler dispatches to
type Deps struct {
	NodeID     string
	Local      *storage.LocalStore
	Cache      *storage.FetchCache
	Files      *store.FileStore
	Nodes      *store.NodeRegistry
	Leases     *lease.Manager
	Replicator *replication.Coordinator
	Resolver   *failover.Resolver
	Peers      peer.API
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Handler runs the request protocol for connections accepted by one node
type Handler struct {
	cfg        Config
	nodeID     string
	local      *storage.LocalStore
	cache      *storage.FetchCache
	files      *store.FileStore
	nodes      *store.NodeRegistry
	leases     *lease.Manager
	replicator *replication.Coordinator
	resolver   *failover.Resolver
	peers      peer.API
	validator  *validation.Validator
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New creates a connection handler
func New(cfg Config, deps Deps) *Handler {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.EditTimeout <= 0 {
		cfg.EditTimeout = 10 * time.Minute
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = protocol.DefaultMaxPayload
	}
	return &Handler{
		cfg:        cfg,
		nodeID:     deps.NodeID,
		local:      deps.Local,
		cache:      deps.Cache,
		files:      deps.Files,
		nodes:      deps.Nodes,
		leases:     deps.Leases,
		replicator: deps.Replicator,
		resolver:   deps.Resolver,
		peers:      deps.Peers,
		validator:  validation.NewValidator(cfg.MaxPayload),
		metrics:    deps.Metrics,
		logger:     deps.Logger.With(zap.String("node_id", deps.NodeID)),
	}
}

// request is the state of one command on one connection
type request struct {
	conn   net.Conn
	c      *protocol.Conn
	cfg    *Config
	logger *zap.Logger

	// withPayload is set while the answer due is a status followed by a payload
	withPayload bool
}

func (r *request) deadline(d time.Duration) {
	r.conn.SetDeadline(time.Now().Add(d))
}

func (r *request) reply(text string) error {
	r.deadline(r.cfg.WriteTimeout)
	return r.c.Reply(text)
}

func (r *request) replyPayload(status string, data []byte) error {
	r.deadline(r.cfg.WriteTimeout)
	return r.c.ReplyPayload(status, data)
}

// fail answers with the text for cause and returns cause
func (r *request) fail(cause error) error {
	var err error
	if r.withPayload {
		err = r.replyPayload(protocol.ResponseText(cause), nil)
	} else {
		err = r.reply(protocol.ResponseText(cause))
	}
	if err != nil {
		return err
	}
	return cause
}

// readFailed handles an error while reading request fields. Frame violations are
// answered; a broken stream is not.
func (r *request) readFailed(err error) error {
	if errors.Is(err, protocol.ErrPayloadTooLarge) || errors.Is(err, protocol.ErrNegativeLength) || errors.Is(err, protocol.ErrStringTooLong) {
		return r.fail(fserrors.MalformedRequest("bad frame", err))
	}
	return err
}

func (r *request) readName(v *validation.Validator) (string, error) {
	name, err := r.c.ReadString()
	if err != nil {
		return "", r.readFailed(err)
	}
	if err := v.ValidateFileName(name); err != nil {
		return "", r.fail(err)
	}
	return name, nil
}

func (r *request) readContent(v *validation.Validator) ([]byte, error) {
	data, err := r.c.ReadPayload()
	if err != nil {
		return nil, r.readFailed(err)
	}
	if err := v.ValidatePayload(data); err != nil {
		return nil, r.fail(err)
	}
	return data, nil
}

// Serve reads one command from conn and runs it to completion. OPEN keeps the
// connection for its SEEK/CLOSE loop. The caller closes conn.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	r := &request{
		conn:   conn,
		c:      protocol.NewConn(conn, h.cfg.MaxPayload),
		cfg:    &h.cfg,
		logger: h.logger.With(zap.String("remote", conn.RemoteAddr().String())),
	}

	r.deadline(h.cfg.ReadTimeout)
	verb, err := r.c.ReadString()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.logger.Debug("Failed to read command", zap.Error(err))
		}
		return
	}

	label := verb
	if !knownCommand(verb) {
		label = "UNKNOWN"
	}
	r.logger = r.logger.With(zap.String("command", label))

	start := time.Now()
	err = h.dispatch(ctx, r, verb)
	h.metrics.ObserveRequest(label, statusLabel(err), start)

	switch {
	case err == nil:
	case fserrors.IsFSError(err):
		r.logger.Info("Request failed", zap.Error(err))
	default:
		r.logger.Debug("Connection ended", zap.Error(err))
	}
}

func (h *Handler) dispatch(ctx context.Context, r *request, verb string) error {
	switch verb {
	case protocol.CmdCreate:
		return h.handleStore(ctx, r, protocol.TextCreated)
	case protocol.CmdUpload:
		return h.handleStore(ctx, r, protocol.TextUploaded)
	case protocol.CmdRead:
		return h.handleRead(ctx, r)
	case protocol.CmdWrite:
		return h.handleWrite(ctx, r)
	case protocol.CmdOpen:
		return h.handleOpen(ctx, r)
	case protocol.CmdDelete:
		return h.handleDelete(ctx, r)
	case protocol.CmdReplicate:
		return h.handleReplicaWrite(r, protocol.TextReplicated)
	case protocol.CmdUpdateReplica:
		return h.handleReplicaWrite(r, protocol.TextReplicaUpdated)
	case protocol.CmdDeleteReplica:
		return h.handleDeleteReplica(r)
	case protocol.CmdReadFromServer:
		return h.handleReadFromServer(r)
	case protocol.CmdEditedContent:
		return h.handleEditedContent(ctx, r)
	default:
		if err := r.reply(protocol.TextUnknown); err != nil {
			return err
		}
		return fserrors.MalformedRequest("unknown command", nil)
	}
}

func knownCommand(verb string) bool {
	switch verb {
	case protocol.CmdCreate, protocol.CmdUpload, protocol.CmdRead, protocol.CmdWrite,
		protocol.CmdOpen, protocol.CmdDelete:
		return true
	}
	return protocol.IsPeerCommand(verb)
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if !fserrors.IsFSError(err) {
		return "aborted"
	}
	return strconv.Itoa(int(fserrors.GetCode(err)))
}
