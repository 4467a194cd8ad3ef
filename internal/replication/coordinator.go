package replication

import (
	"context"
	"sort"

	"github.com/devrev/pairfs/internal/metrics"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/peer"
	"github.com/devrev/pairfs/internal/store"
	"go.uber.org/zap"
)

// DefaultReplicaCount is the number of secondary copies made for a new file
const DefaultReplicaCount = 2

// Coordinator places replicas on the least-loaded active nodes
type Coordinator struct {
	files        *store.FileStore
	nodes        *store.NodeRegistry
	peers        peer.API
	replicaCount int
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewCoordinator creates a new replication coordinator
func NewCoordinator(
	files *store.FileStore,
	nodes *store.NodeRegistry,
	peers peer.API,
	replicaCount int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Coordinator {
	if replicaCount < 0 {
		replicaCount = DefaultReplicaCount
	}
	return &Coordinator{
		files:        files,
		nodes:        nodes,
		peers:        peers,
		replicaCount: replicaCount,
		metrics:      m,
		logger:       logger,
	}
}

// ReplicaCount returns the configured number of secondary copies
func (c *Coordinator) ReplicaCount() int {
	return c.replicaCount
}

// SelectTargets returns up to count active nodes outside exclude, least loaded first.
// Ties on file count go to the smaller node id.
func (c *Coordinator) SelectTargets(ctx context.Context, exclude []string, count int) ([]*model.NodeRecord, error) {
	if count <= 0 {
		return nil, nil
	}
	active, err := c.nodes.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	candidates := make([]*model.NodeRecord, 0, len(active))
	for _, n := range active {
		if _, ok := skip[n.NodeID]; !ok {
			candidates = append(candidates, n)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FileCount != candidates[j].FileCount {
			return candidates[i].FileCount < candidates[j].FileCount
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates, nil
}

// Replicate pushes data to every target in order. Targets that fail are skipped and not
// retried; successful ones are added to the file's replica set and their file count bumped.
// It returns the ids that now hold a replica.
func (c *Coordinator) Replicate(ctx context.Context, fileName string, data []byte, targets []*model.NodeRecord) []string {
	added := make([]string, 0, len(targets))
	for _, target := range targets {
		if err := c.peers.Replicate(ctx, target, fileName, data); err != nil {
			c.metrics.Replication("failed")
			c.logger.Warn("Replication target skipped",
				zap.String("file_name", fileName),
				zap.String("peer", target.NodeID),
				zap.Error(err))
			continue
		}

		_, err := c.files.Update(ctx, fileName, func(rec *model.FileRecord) error {
			if !rec.AddReplica(target.NodeID) {
				return store.ErrNoChange
			}
			return nil
		})
		if err != nil {
			c.metrics.Replication("failed")
			c.logger.Warn("Failed to record replica",
				zap.String("file_name", fileName),
				zap.String("peer", target.NodeID),
				zap.Error(err))
			continue
		}

		if err := c.nodes.AdjustFileCount(ctx, target.NodeID, 1); err != nil {
			c.logger.Warn("Failed to bump file count",
				zap.String("peer", target.NodeID),
				zap.Error(err))
		}
		c.metrics.Replication("ok")
		added = append(added, target.NodeID)
	}

	if len(targets) > 0 {
		c.logger.Info("Replication finished",
			zap.String("file_name", fileName),
			zap.Strings("replicas", added),
			zap.Int("requested", len(targets)))
	}
	return added
}

// ReplicateNew tops the file up to the configured replica count, never choosing
// the primary or a node that already holds a replica
func (c *Coordinator) ReplicateNew(ctx context.Context, rec *model.FileRecord, data []byte) ([]string, error) {
	return c.ReplicateMissing(ctx, rec, data, c.replicaCount-len(rec.ReplicaNodeIDs))
}

// ReplicateMissing places count more replicas of rec
func (c *Coordinator) ReplicateMissing(ctx context.Context, rec *model.FileRecord, data []byte, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	targets, err := c.SelectTargets(ctx, rec.Holders(), count)
	if err != nil {
		return nil, err
	}
	if len(targets) < count {
		c.logger.Warn("Not enough nodes for requested replicas",
			zap.String("file_name", rec.FileName),
			zap.Int("wanted", count),
			zap.Int("available", len(targets)))
	}
	return c.Replicate(ctx, rec.FileName, data, targets), nil
}
