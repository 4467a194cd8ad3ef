package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairfs/internal/model"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const defaultRegistrationTTL = 10 * time.Second

type etcdRegistration struct {
	key     string
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
}

// EtcdDirectory implements Directory on an etcd cluster. Registrations are bound to an
// etcd lease kept alive for as long as the node runs, so a crashed node drops out of
// ListHealthyNodes once its TTL lapses.
type EtcdDirectory struct {
	client *clientv3.Client
	logger *zap.Logger

	mu            sync.Mutex
	registrations map[string]*etcdRegistration
}

// NewEtcdDirectory connects to the given etcd endpoints
func NewEtcdDirectory(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdDirectory, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Get(ctx, "health-probe"); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach etcd: %w", err)
	}

	return &EtcdDirectory{
		client:        client,
		logger:        logger,
		registrations: make(map[string]*etcdRegistration),
	}, nil
}

// RegisterService writes the instance under a TTL lease and keeps the lease alive
func (d *EtcdDirectory) RegisterService(ctx context.Context, reg Registration) error {
	if err := reg.validate(); err != nil {
		return err
	}
	ttl := reg.TTL
	if ttl <= 0 {
		ttl = defaultRegistrationTTL
	}

	data, err := json.Marshal(reg.instance())
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	grant, err := d.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant etcd lease: %w", err)
	}

	key := serviceKey(reg.Service, reg.NodeID)
	if _, err := d.client.Put(ctx, key, string(data), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("failed to register %s: %w", reg.NodeID, err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := d.client.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to keep registration alive: %w", err)
	}
	go func() {
		for range ch {
		}
		d.logger.Debug("Registration keepalive stopped", zap.String("node_id", reg.NodeID))
	}()

	d.mu.Lock()
	if old, ok := d.registrations[reg.NodeID]; ok {
		old.cancel()
	}
	d.registrations[reg.NodeID] = &etcdRegistration{key: key, leaseID: grant.ID, cancel: cancel}
	d.mu.Unlock()

	d.logger.Info("Registered service",
		zap.String("service", reg.Service),
		zap.String("node_id", reg.NodeID),
		zap.Duration("ttl", ttl))
	return nil
}

// DeregisterService revokes the registration lease, removing the instance immediately
func (d *EtcdDirectory) DeregisterService(ctx context.Context, nodeID string) error {
	d.mu.Lock()
	reg, ok := d.registrations[nodeID]
	delete(d.registrations, nodeID)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	reg.cancel()
	if _, err := d.client.Revoke(ctx, reg.leaseID); err != nil {
		return fmt.Errorf("failed to deregister %s: %w", nodeID, err)
	}
	return nil
}

// ListHealthyNodes returns every live instance of service
func (d *EtcdDirectory) ListHealthyNodes(ctx context.Context, service string) ([]model.ServiceInstance, error) {
	resp, err := d.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list service %s: %w", service, err)
	}

	instances := make([]model.ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst model.ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			d.logger.Warn("Skipping malformed registration", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].NodeID < instances[j].NodeID })
	return instances, nil
}

// Get returns the value stored under key
func (d *EtcdDirectory) Get(ctx context.Context, key string) (string, error) {
	resp, err := d.client.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

// Put stores value under key unconditionally
func (d *EtcdDirectory) Put(ctx context.Context, key, value string) error {
	if _, err := d.client.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap runs a single etcd transaction guarded on the previous value
func (d *EtcdDirectory) CompareAndSwap(ctx context.Context, key string, prev *string, value string) (bool, error) {
	var cmp clientv3.Cmp
	if prev == nil {
		cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.Value(key), "=", *prev)
	}

	resp, err := d.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, value)).Commit()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-swap %s: %w", key, err)
	}
	return resp.Succeeded, nil
}

// Delete removes key
func (d *EtcdDirectory) Delete(ctx context.Context, key string) error {
	if _, err := d.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ListKeys returns the sorted keys beginning with prefix
func (d *EtcdDirectory) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	resp, err := d.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	return keys, nil
}

// Close stops keepalives and closes the client
func (d *EtcdDirectory) Close() error {
	d.mu.Lock()
	for id, reg := range d.registrations {
		reg.cancel()
		delete(d.registrations, id)
	}
	d.mu.Unlock()
	return d.client.Close()
}
