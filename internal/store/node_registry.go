package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/devrev/pairfs/internal/directory"
	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"go.uber.org/zap"
)

// NodeRegistry tracks node liveness and load counters under server-info/<id>
type NodeRegistry struct {
	dir        directory.Directory
	locks      *keyLocks
	maxRetries int
	now        func() time.Time
	logger     *zap.Logger
}

// NewNodeRegistry creates a new node registry
func NewNodeRegistry(dir directory.Directory, maxRetries int, logger *zap.Logger) *NodeRegistry {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &NodeRegistry{
		dir:        dir,
		locks:      newKeyLocks(),
		maxRetries: maxRetries,
		now:        time.Now,
		logger:     logger,
	}
}

// Register marks the node active at address:port, keeping any file count from a previous run
func (r *NodeRegistry) Register(ctx context.Context, nodeID, address string, port int) (*model.NodeRecord, error) {
	return r.mutate(ctx, nodeID, true, func(n *model.NodeRecord) error {
		n.Address = address
		n.Port = port
		n.Active = true
		return nil
	})
}

// Get returns the record for nodeID or a NotFound error
func (r *NodeRegistry) Get(ctx context.Context, nodeID string) (*model.NodeRecord, error) {
	n, _, err := r.read(ctx, nodeID)
	return n, err
}

func (r *NodeRegistry) read(ctx context.Context, nodeID string) (*model.NodeRecord, string, error) {
	raw, err := r.dir.Get(ctx, directory.NodeKey(nodeID))
	if errors.Is(err, directory.ErrNotFound) {
		return nil, "", fserrors.NewFSError(fserrors.ErrCodeNotFound, fmt.Sprintf("node not found: %s", nodeID), nil).
			WithDetail("node_id", nodeID)
	}
	if err != nil {
		return nil, "", fserrors.Unavailable("directory read failed", err)
	}
	n, err := model.DecodeNodeRecord(raw)
	if err != nil {
		return nil, "", fserrors.InternalError(fmt.Sprintf("corrupt node record for %s", nodeID), err)
	}
	return n, raw, nil
}

// List returns every known node ordered by id
func (r *NodeRegistry) List(ctx context.Context) ([]*model.NodeRecord, error) {
	keys, err := r.dir.ListKeys(ctx, directory.NodeKey(""))
	if err != nil {
		return nil, fserrors.Unavailable("directory list failed", err)
	}

	nodes := make([]*model.NodeRecord, 0, len(keys))
	for _, key := range keys {
		raw, err := r.dir.Get(ctx, key)
		if errors.Is(err, directory.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fserrors.Unavailable("directory read failed", err)
		}
		n, err := model.DecodeNodeRecord(raw)
		if err != nil {
			r.logger.Warn("Skipping corrupt node record", zap.String("key", key), zap.Error(err))
			continue
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

// ListActive returns the nodes currently flagged active
func (r *NodeRegistry) ListActive(ctx context.Context) ([]*model.NodeRecord, error) {
	nodes, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	active := nodes[:0]
	for _, n := range nodes {
		if n.Active {
			active = append(active, n)
		}
	}
	return active, nil
}

// MarkInactive flags a node as down
func (r *NodeRegistry) MarkInactive(ctx context.Context, nodeID string) error {
	_, err := r.mutate(ctx, nodeID, false, func(n *model.NodeRecord) error {
		if !n.Active {
			return ErrNoChange
		}
		n.Active = false
		return nil
	})
	if err == nil {
		r.logger.Info("Node marked inactive", zap.String("node_id", nodeID))
	}
	return err
}

// MarkActive flags a known node as up
func (r *NodeRegistry) MarkActive(ctx context.Context, nodeID string) error {
	_, err := r.mutate(ctx, nodeID, false, func(n *model.NodeRecord) error {
		if n.Active {
			return ErrNoChange
		}
		n.Active = true
		return nil
	})
	return err
}

// AdjustFileCount adds delta to the node's file count, never going below zero
func (r *NodeRegistry) AdjustFileCount(ctx context.Context, nodeID string, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := r.mutate(ctx, nodeID, false, func(n *model.NodeRecord) error {
		n.FileCount += delta
		if n.FileCount < 0 {
			n.FileCount = 0
		}
		return nil
	})
	return err
}

// mutate is a compare-and-swap read-modify-write on a node record. When create is set
// a missing record is started from scratch.
func (r *NodeRegistry) mutate(ctx context.Context, nodeID string, create bool, fn func(n *model.NodeRecord) error) (*model.NodeRecord, error) {
	unlock := r.locks.lock(nodeID)
	defer unlock()

	key := directory.NodeKey(nodeID)
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		current, raw, err := r.read(ctx, nodeID)
		var prev *string
		switch {
		case err == nil:
			prev = &raw
		case create && fserrors.Is(err, fserrors.ErrCodeNotFound):
			current = &model.NodeRecord{SchemaVersion: model.NodeRecordSchemaVersion, NodeID: nodeID}
		default:
			return nil, err
		}

		next := *current
		if err := fn(&next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return current, nil
			}
			return nil, err
		}
		next.UpdatedAt = r.now().UTC()

		value, err := model.EncodeNodeRecord(&next)
		if err != nil {
			return nil, fserrors.InternalError("failed to encode node record", err)
		}
		ok, err := r.dir.CompareAndSwap(ctx, key, prev, value)
		if err != nil {
			return nil, fserrors.Unavailable("directory write failed", err)
		}
		if ok {
			return &next, nil
		}
	}
	return nil, fserrors.Conflict(key, r.maxRetries)
}
