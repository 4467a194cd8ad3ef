package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/metrics"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/peer"
	"github.com/devrev/pairfs/internal/replication"
	"github.com/devrev/pairfs/internal/store"
	"github.com/devrev/pairfs/internal/util"
	"github.com/devrev/pairfs/internal/util/workerpool"
	"go.uber.org/zap"
)

// Result is the outcome of a failover
type Result struct {
	PrimaryID string
	Record    *model.FileRecord
	Data      []byte

	// Adopted is set when another node had already promoted a new primary
	Adopted bool
}

// LocalReader reads this node's own copy of a file
type LocalReader func(fileName string) ([]byte, error)

// Resolver promotes a surviving replica when a file's primary cannot be reached
type Resolver struct {
	localID    string
	readLocal  LocalReader
	files      *store.FileStore
	nodes      *store.NodeRegistry
	peers      peer.API
	replicator *replication.Coordinator
	pool       *workerpool.Pool
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewResolver creates a new failover resolver
func NewResolver(
	localID string,
	readLocal LocalReader,
	files *store.FileStore,
	nodes *store.NodeRegistry,
	peers peer.API,
	replicator *replication.Coordinator,
	pool *workerpool.Pool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Resolver {
	return &Resolver{
		localID:    localID,
		readLocal:  readLocal,
		files:      files,
		nodes:      nodes,
		peers:      peers,
		replicator: replicator,
		pool:       pool,
		metrics:    m,
		logger:     logger,
	}
}

// Resolve picks the least-loaded active replica whose copy can be fetched, makes it the
// primary and drops the old primary from the record. Re-replication to restore the
// replica count runs in the background.
func (r *Resolver) Resolve(ctx context.Context, rec *model.FileRecord) (*Result, error) {
	oldPrimary := rec.PrimaryNodeID
	logger := r.logger.With(zap.String("file_name", rec.FileName), zap.String("failed_primary", oldPrimary))

	candidates, err := r.candidates(ctx, rec)
	if err != nil {
		r.metrics.Failover("error")
		return nil, err
	}

	var winner *model.NodeRecord
	var data []byte
	for _, c := range candidates {
		d, err := r.fetch(ctx, c, rec)
		if err != nil {
			logger.Warn("Failover candidate unusable", zap.String("peer", c.NodeID), zap.Error(err))
			continue
		}
		winner, data = c, d
		break
	}
	if winner == nil {
		r.metrics.Failover("unavailable")
		return nil, fserrors.Unavailable(fmt.Sprintf("no reachable replica for %s", rec.FileName), nil).
			WithDetail("file_name", rec.FileName)
	}

	adopted := false
	updated, err := r.files.Update(ctx, rec.FileName, func(cur *model.FileRecord) error {
		if cur.PrimaryNodeID != oldPrimary {
			adopted = true
			return store.ErrNoChange
		}
		adopted = false
		cur.PrimaryNodeID = winner.NodeID
		cur.RemoveReplica(winner.NodeID)
		cur.RemoveReplica(oldPrimary)
		return nil
	})
	if err != nil {
		r.metrics.Failover("error")
		return nil, err
	}

	if adopted {
		r.metrics.Failover("adopted")
		logger.Info("Primary already replaced by another node", zap.String("primary", updated.PrimaryNodeID))
		return &Result{PrimaryID: updated.PrimaryNodeID, Record: updated, Data: data, Adopted: true}, nil
	}

	if err := r.nodes.MarkInactive(ctx, oldPrimary); err != nil && !fserrors.Is(err, fserrors.ErrCodeNotFound) {
		logger.Warn("Failed to mark old primary inactive", zap.Error(err))
	}
	if err := r.nodes.AdjustFileCount(ctx, oldPrimary, -1); err != nil && !fserrors.Is(err, fserrors.ErrCodeNotFound) {
		logger.Warn("Failed to decrement old primary file count", zap.Error(err))
	}

	r.metrics.Failover("promoted")
	logger.Info("Promoted replica to primary", zap.String("primary", winner.NodeID))

	r.scheduleRepair(rec.FileName, data)
	return &Result{PrimaryID: winner.NodeID, Record: updated, Data: data}, nil
}

// candidates returns the file's active replicas, least loaded first, ties by id
func (r *Resolver) candidates(ctx context.Context, rec *model.FileRecord) ([]*model.NodeRecord, error) {
	out := make([]*model.NodeRecord, 0, len(rec.ReplicaNodeIDs))
	for _, id := range rec.ReplicaNodeIDs {
		n, err := r.nodes.Get(ctx, id)
		if fserrors.Is(err, fserrors.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n.Active {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FileCount != out[j].FileCount {
			return out[i].FileCount < out[j].FileCount
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out, nil
}

func (r *Resolver) fetch(ctx context.Context, node *model.NodeRecord, rec *model.FileRecord) ([]byte, error) {
	var data []byte
	if node.NodeID == r.localID && r.readLocal != nil {
		d, err := r.readLocal(rec.FileName)
		if err != nil {
			return nil, err
		}
		data = d
	} else {
		d, found, err := r.peers.ReadFromServer(ctx, node, rec.FileName)
		if err != nil {
			return nil, err
		}
		if !found && rec.SizeBytes > 0 {
			return nil, fserrors.NotFound(rec.FileName)
		}
		data = d
	}
	if err := util.VerifyContent(rec.FileName, data, rec.Checksum); err != nil {
		return nil, err
	}
	return data, nil
}

func (r *Resolver) scheduleRepair(fileName string, data []byte) {
	if r.pool == nil || r.replicator == nil {
		return
	}
	err := r.pool.Submit(workerpool.Task{
		ID: "rereplicate:" + fileName,
		Fn: func(ctx context.Context) error {
			rec, err := r.files.Get(ctx, fileName)
			if err != nil {
				if fserrors.Is(err, fserrors.ErrCodeNotFound) {
					return nil
				}
				return err
			}
			added, err := r.replicator.ReplicateMissing(ctx, rec, data, 1)
			if err != nil {
				return err
			}
			if len(added) == 0 {
				return errors.New("no replacement replica placed")
			}
			return nil
		},
	})
	if err != nil {
		r.logger.Warn("Re-replication not scheduled", zap.String("file_name", fileName), zap.Error(err))
	}
}
