package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/pairfs/internal/metrics"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Membership receives liveness changes observed by gossip
type Membership interface {
	MarkActive(ctx context.Context, nodeID string) error
	MarkInactive(ctx context.Context, nodeID string) error
}

// Config holds gossip protocol configuration
type Config struct {
	BindAddr       string
	BindPort       int
	AdvertiseAddr  string
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	UpdateTimeout  time.Duration
}

// nodeMeta is gossiped with every member
type nodeMeta struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint"`
}

// Service runs memberlist next to the directory so node failures are noticed
// without waiting for a registration TTL
type Service struct {
	cfg        Config
	nodeID     string
	meta       []byte
	memberlist *memberlist.Memberlist
	membership Membership
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewService creates the service and joins the seed nodes
func NewService(cfg Config, nodeID, endpoint string, membership Membership, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 5 * time.Second
	}
	meta, err := json.Marshal(nodeMeta{NodeID: nodeID, Endpoint: endpoint})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node meta: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		nodeID:     nodeID,
		meta:       meta,
		membership: membership,
		metrics:    m,
		logger:     logger,
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	if cfg.AdvertiseAddr != "" {
		mlConfig.AdvertiseAddr = cfg.AdvertiseAddr
	}
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		} else {
			logger.Info("Joined gossip cluster", zap.Int("contacted", n))
		}
	}
	s.metrics.SetGossipMembers(ml.NumMembers())

	return s, nil
}

// Members returns the names of live members
func (s *Service) Members() []string {
	members := s.memberlist.Members()
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Name)
	}
	return out
}

// Shutdown leaves the cluster and stops the memberlist
func (s *Service) Shutdown(timeout time.Duration) error {
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (s *Service) NodeMeta(limit int) []byte {
	if len(s.meta) > limit {
		return nil
	}
	return s.meta
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

func (s *Service) memberCount() int {
	if s.memberlist == nil {
		return 0
	}
	return s.memberlist.NumMembers()
}

func (s *Service) update(nodeID string, active bool) {
	if nodeID == s.nodeID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.UpdateTimeout)
	defer cancel()

	var err error
	if active {
		err = s.membership.MarkActive(ctx, nodeID)
	} else {
		err = s.membership.MarkInactive(ctx, nodeID)
	}
	if err != nil {
		s.logger.Warn("Failed to record membership change",
			zap.String("peer", nodeID),
			zap.Bool("active", active),
			zap.Error(err))
	}
}

// eventDelegate handles memberlist events
type eventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined", zap.String("peer", node.Name), zap.String("addr", node.Address()))
	d.service.metrics.SetGossipMembers(d.service.memberCount())
	go d.service.update(node.Name, true)
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left", zap.String("peer", node.Name))
	d.service.metrics.SetGossipMembers(d.service.memberCount())
	go d.service.update(node.Name, false)
}

// NotifyUpdate is called when a node's metadata changes
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated", zap.String("peer", node.Name))
}
