package node

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/devrev/pairfs/internal/config"
	"github.com/devrev/pairfs/internal/directory"
	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/failover"
	"github.com/devrev/pairfs/internal/gossip"
	"github.com/devrev/pairfs/internal/handler"
	"github.com/devrev/pairfs/internal/health"
	"github.com/devrev/pairfs/internal/lease"
	"github.com/devrev/pairfs/internal/metrics"
	"github.com/devrev/pairfs/internal/peer"
	"github.com/devrev/pairfs/internal/replication"
	"github.com/devrev/pairfs/internal/server"
	"github.com/devrev/pairfs/internal/storage"
	"github.com/devrev/pairfs/internal/store"
	"github.com/devrev/pairfs/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Node is one storage node: listener, health endpoint and the stores behind them
type Node struct {
	cfg    *config.Config
	dir    directory.Directory
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	guard      *storage.DiskGuard
	local      *storage.LocalStore
	cache      *storage.FetchCache
	files      *store.FileStore
	nodes      *store.NodeRegistry
	leases     *lease.Manager
	replicator *replication.Coordinator
	resolver   *failover.Resolver
	repairPool *workerpool.Pool
	handler    *handler.Handler

	checker *health.Checker
	tcp     *server.TCPServer
	http    *server.HTTPServer
	gossip  *gossip.Service

	cancel   context.CancelFunc
	beatDone chan struct{}
	done     chan struct{}
	port     int
}

// OpenDirectory connects to the directory backend named in cfg
func OpenDirectory(cfg *config.Config, logger *zap.Logger) (directory.Directory, error) {
	switch cfg.Directory.Backend {
	case "etcd":
		d, err := directory.NewEtcdDirectory(cfg.Directory.Endpoints, cfg.Directory.DialTimeout, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "redis":
		r := cfg.Directory.Redis
		d, err := directory.NewRedisDirectory(r.Host, r.Port, r.Password, r.DB, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "memory":
		return directory.NewMemoryDirectory(), nil
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Directory.Backend)
	}
}

// New wires a node. The directory is shared with the caller, who closes it.
func New(cfg *config.Config, dir directory.Directory, logger *zap.Logger) (*Node, error) {
	nodeID := cfg.Server.NodeID
	logger = logger.With(zap.String("node_id", nodeID))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(nodeID, reg)

	guard, err := storage.NewDiskGuard(storage.DiskGuardConfig{
		DataDir:         cfg.Storage.DataDir,
		CheckInterval:   cfg.Storage.DiskCheckInterval,
		RejectThreshold: cfg.Storage.DiskRejectThreshold,
	}, logger)
	if err != nil {
		return nil, err
	}
	local, err := storage.NewLocalStore(cfg.FilesDir(), guard, logger)
	if err != nil {
		return nil, err
	}
	cache, err := storage.NewFetchCache(cfg.CacheDir(), cfg.Storage.CacheTTL, logger)
	if err != nil {
		return nil, err
	}

	files := store.NewFileStore(dir, cfg.Directory.MaxRetries, logger)
	nodes := store.NewNodeRegistry(dir, cfg.Directory.MaxRetries, logger)
	leases := lease.NewManager(files, cfg.Lease.Duration, logger)
	peers := peer.NewClient(cfg.Replication.PeerTimeout, cfg.Server.MaxPayloadBytes, m, logger)
	replicator := replication.NewCoordinator(files, nodes, peers, cfg.Replication.ReplicaCount, m, logger)

	pool := workerpool.New(&workerpool.Config{
		Name:       "rereplication",
		MaxWorkers: cfg.Replication.RepairWorkers,
		QueueSize:  cfg.Replication.RepairQueue,
		Logger:     logger,
	})
	resolver := failover.NewResolver(nodeID, local.Read, files, nodes, peers, replicator, pool, m, logger)

	h := handler.New(handler.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		EditTimeout:  cfg.Server.EditTimeout,
		MaxPayload:   cfg.Server.MaxPayloadBytes,
	}, handler.Deps{
		NodeID:     nodeID,
		Local:      local,
		Cache:      cache,
		Files:      files,
		Nodes:      nodes,
		Leases:     leases,
		Replicator: replicator,
		Resolver:   resolver,
		Peers:      peers,
		Metrics:    m,
		Logger:     logger,
	})

	checker := health.NewChecker(nodeID, logger,
		health.DataDirCheck(cfg.Storage.DataDir),
		health.DiskUsageCheck(func() float64 { return guard.Usage().UsagePercent() }, cfg.Storage.DiskRejectThreshold),
	)

	n := &Node{
		cfg:        cfg,
		dir:        dir,
		logger:     logger,
		registry:   reg,
		metrics:    m,
		guard:      guard,
		local:      local,
		cache:      cache,
		files:      files,
		nodes:      nodes,
		leases:     leases,
		replicator: replicator,
		resolver:   resolver,
		repairPool: pool,
		handler:    h,
		checker:    checker,
		beatDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	n.tcp = server.NewTCPServer(server.TCPServerConfig{
		Addr:        net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		AcceptRate:  cfg.Server.AcceptRate,
		AcceptBurst: cfg.Server.AcceptBurst,
	}, h, m, logger)

	return n, nil
}

// Start binds the listeners, registers the node and begins serving. A bind failure
// is returned before anything is registered.
func (n *Node) Start(ctx context.Context) error {
	if err := n.tcp.Listen(); err != nil {
		return err
	}
	n.port = n.tcp.Addr().(*net.TCPAddr).Port

	healthPort := n.port + n.cfg.Server.HealthPortOffset
	if n.cfg.Server.Port == 0 {
		healthPort = 0
	}
	n.http = server.NewHTTPServer(server.HTTPServerConfig{
		Addr:            net.JoinHostPort(n.cfg.Server.Host, strconv.Itoa(healthPort)),
		Collect:         n.collect,
		CollectInterval: n.cfg.Storage.DiskCheckInterval,
	}, n.checker, n.registry, n.logger)
	if err := n.http.Start(); err != nil {
		n.tcp.StopAccepting()
		return err
	}

	if _, err := n.nodes.Register(ctx, n.cfg.Server.NodeID, n.cfg.Server.AdvertiseAddress, n.port); err != nil {
		n.abortStart()
		return fmt.Errorf("failed to register node record: %w", err)
	}

	err := n.dir.RegisterService(ctx, directory.Registration{
		Service:        n.cfg.Directory.Service,
		NodeID:         n.cfg.Server.NodeID,
		Address:        n.cfg.Server.AdvertiseAddress,
		Port:           n.port,
		HealthCheckURL: n.HealthURL(),
		TTL:            n.cfg.Directory.RegistrationTTL,
	})
	if err != nil {
		n.abortStart()
		return fmt.Errorf("failed to register service: %w", err)
	}

	if n.cfg.Gossip.Enabled {
		g, err := gossip.NewService(gossip.Config{
			BindAddr:      n.cfg.Server.Host,
			BindPort:      n.cfg.Gossip.BindPort,
			AdvertiseAddr: n.cfg.Server.AdvertiseAddress,
			SeedNodes:     n.cfg.Gossip.SeedNodes,
		}, n.cfg.Server.NodeID, n.Addr(), n.nodes, n.metrics, n.logger)
		if err != nil {
			n.logger.Error("Failed to start gossip, continuing without it", zap.Error(err))
		} else {
			n.gossip = g
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go n.checker.Start(runCtx, n.cfg.Server.HeartbeatPeriod)
	go func() {
		defer close(n.beatDone)
		n.heartbeat(runCtx)
	}()
	go func() {
		defer close(n.done)
		if err := n.tcp.Serve(); err != nil {
			n.logger.Error("Accept loop stopped", zap.Error(err))
		}
	}()

	n.logger.Info("File node started",
		zap.String("addr", n.Addr()),
		zap.String("health", n.HealthURL()),
		zap.String("directory", n.cfg.Directory.Backend))
	return nil
}

func (n *Node) abortStart() {
	n.tcp.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.http.Stop(ctx)
}

// heartbeat keeps this node's record flagged active while it runs
func (n *Node) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Server.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := n.nodes.MarkActive(ctx, n.cfg.Server.NodeID)
			if err != nil && ctx.Err() == nil {
				n.logger.Warn("Heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) collect() {
	usage, err := n.guard.Refresh()
	if err != nil {
		n.logger.Warn("Failed to sample disk usage", zap.Error(err))
		return
	}
	n.metrics.SetDiskUsage(usage.UsagePercent())
}

// Shutdown stops accepting, stops the heartbeat, marks the node inactive, deregisters
// it and waits for in-flight connections up to the configured timeout
func (n *Node) Shutdown(ctx context.Context) error {
	n.logger.Info("Shutting down")
	n.checker.SetServing(false)
	n.tcp.StopAccepting()
	n.stopBackground()

	if err := n.nodes.MarkInactive(ctx, n.cfg.Server.NodeID); err != nil && !fserrors.Is(err, fserrors.ErrCodeNotFound) {
		n.logger.Warn("Failed to mark node inactive", zap.Error(err))
	}
	if err := n.dir.DeregisterService(ctx, n.cfg.Server.NodeID); err != nil {
		n.logger.Warn("Failed to deregister", zap.Error(err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, n.cfg.Server.ShutdownTimeout)
	defer cancel()
	err := n.tcp.Shutdown(waitCtx)
	if n.cancel != nil {
		<-n.done
	}
	if n.gossip != nil {
		if gerr := n.gossip.Shutdown(time.Second); gerr != nil {
			n.logger.Warn("Gossip shutdown failed", zap.Error(gerr))
		}
	}
	if perr := n.repairPool.Stop(n.cfg.Server.ShutdownTimeout); perr != nil {
		n.logger.Warn("Re-replication pool did not drain", zap.Error(perr))
	}
	if n.http != nil {
		if herr := n.http.Stop(waitCtx); herr != nil {
			n.logger.Warn("Health server shutdown failed", zap.Error(herr))
		}
	}

	n.logger.Info("File node stopped")
	return err
}

// stopBackground cancels the heartbeat and health checks and waits for the heartbeat
// to exit, so no MarkActive can land after it returns
func (n *Node) stopBackground() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.beatDone
}

// Abort stops the listeners without touching the directory, as a crashed process would
func (n *Node) Abort() {
	n.tcp.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.stopBackground()
	n.tcp.Shutdown(ctx)
	if n.cancel != nil {
		<-n.done
	}
	if n.gossip != nil {
		n.gossip.Shutdown(0)
	}
	n.repairPool.Stop(time.Second)
	if n.http != nil {
		n.http.Stop(ctx)
	}
}

// ID returns the node id
func (n *Node) ID() string {
	return n.cfg.Server.NodeID
}

// Addr returns the advertised protocol endpoint
func (n *Node) Addr() string {
	return net.JoinHostPort(n.cfg.Server.AdvertiseAddress, strconv.Itoa(n.port))
}

// HealthURL returns the advertised health endpoint
func (n *Node) HealthURL() string {
	port := n.port + n.cfg.Server.HealthPortOffset
	if n.http != nil {
		if addr, ok := n.http.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}
	return fmt.Sprintf("http://%s/health", net.JoinHostPort(n.cfg.Server.AdvertiseAddress, strconv.Itoa(port)))
}

// Registry exposes the node's metrics registry
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}
