package client

import (
	"context"
	"fmt"
	"sort"

	"github.com/devrev/pairfs/internal/directory"
	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/hashring"
	"github.com/devrev/pairfs/internal/model"
	"go.uber.org/zap"
)

// Router picks the node a client talks to
type Router struct {
	dir             directory.Directory
	service         string
	replicasPerNode int
	modulus         uint64
	logger          *zap.Logger
}

// NewRouter creates a router over the healthy instances of service
func NewRouter(dir directory.Directory, service string, replicasPerNode int, modulus uint64, logger *zap.Logger) *Router {
	if service == "" {
		service = directory.DefaultServiceName
	}
	return &Router{
		dir:             dir,
		service:         service,
		replicasPerNode: replicasPerNode,
		modulus:         modulus,
		logger:          logger,
	}
}

// Instances returns the healthy instances, ordered by node id
func (r *Router) Instances(ctx context.Context) ([]model.ServiceInstance, error) {
	instances, err := r.dir.ListHealthyNodes(ctx, r.service)
	if err != nil {
		return nil, fserrors.Unavailable("failed to list healthy nodes", err)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].NodeID < instances[j].NodeID })
	return instances, nil
}

// PickNode builds a ring from the current healthy instances and returns the one that
// owns clientID. Membership is read fresh on every call.
func (r *Router) PickNode(ctx context.Context, clientID string) (*model.ServiceInstance, error) {
	instances, err := r.Instances(ctx)
	if err != nil {
		return nil, err
	}

	ring := hashring.New(r.replicasPerNode, r.modulus)
	byID := make(map[string]model.ServiceInstance, len(instances))
	for _, inst := range instances {
		ring.AddNode(inst.NodeID)
		byID[inst.NodeID] = inst
	}

	owner, ok := ring.Get(clientID)
	if !ok {
		return nil, fserrors.NewFSError(fserrors.ErrCodeNotFound, fmt.Sprintf("no healthy nodes for service %s", r.service), nil)
	}
	inst := byID[owner]

	r.logger.Debug("Picked node",
		zap.String("client_id", clientID),
		zap.String("node_id", inst.NodeID),
		zap.Int("candidates", len(instances)))
	return &inst, nil
}
