package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairfs/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxScanBatch = 256

type redisRegistration struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

// RedisDirectory implements Directory on Redis. Registrations are keys with an expiry
// refreshed by a heartbeat goroutine; conditional writes use WATCH/MULTI.
type RedisDirectory struct {
	client *redis.Client
	logger *zap.Logger

	mu            sync.Mutex
	registrations map[string]*redisRegistration
}

// NewRedisDirectory creates a new Redis-backed directory
func NewRedisDirectory(host string, port int, password string, db int, logger *zap.Logger) (*RedisDirectory, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisDirectory{
		client:        client,
		logger:        logger,
		registrations: make(map[string]*redisRegistration),
	}, nil
}

// RegisterService stores the instance with an expiry and refreshes it at a third of the TTL
func (d *RedisDirectory) RegisterService(ctx context.Context, reg Registration) error {
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

	key := serviceKey(reg.Service, reg.NodeID)
	if err := d.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to register %s: %w", reg.NodeID, err)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	r := &redisRegistration{key: key, cancel: cancel, done: make(chan struct{})}
	go d.heartbeat(hbCtx, r, data, ttl)

	d.mu.Lock()
	if old, ok := d.registrations[reg.NodeID]; ok {
		old.cancel()
	}
	d.registrations[reg.NodeID] = r
	d.mu.Unlock()

	d.logger.Info("Registered service",
		zap.String("service", reg.Service),
		zap.String("node_id", reg.NodeID),
		zap.Duration("ttl", ttl))
	return nil
}

func (d *RedisDirectory) heartbeat(ctx context.Context, r *redisRegistration, data []byte, ttl time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.client.Set(ctx, r.key, data, ttl).Err(); err != nil && ctx.Err() == nil {
				d.logger.Warn("Failed to refresh registration", zap.String("key", r.key), zap.Error(err))
			}
		}
	}
}

// DeregisterService stops the heartbeat and deletes the registration
func (d *RedisDirectory) DeregisterService(ctx context.Context, nodeID string) error {
	d.mu.Lock()
	r, ok := d.registrations[nodeID]
	delete(d.registrations, nodeID)
	d.mu.Unlock()
	if !ok {
		return nil
	}

	r.cancel()
	<-r.done
	if err := d.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to deregister %s: %w", nodeID, err)
	}
	return nil
}

// ListHealthyNodes returns every unexpired instance of service
func (d *RedisDirectory) ListHealthyNodes(ctx context.Context, service string) ([]model.ServiceInstance, error) {
	keys, err := d.ListKeys(ctx, servicePrefix(service))
	if err != nil {
		return nil, err
	}

	instances := make([]model.ServiceInstance, 0, len(keys))
	for _, key := range keys {
		data, err := d.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read registration %s: %w", key, err)
		}
		var inst model.ServiceInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			d.logger.Warn("Skipping malformed registration", zap.String("key", key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].NodeID < instances[j].NodeID })
	return instances, nil
}

// Get returns the value stored under key
func (d *RedisDirectory) Get(ctx context.Context, key string) (string, error) {
	value, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Put stores value under key unconditionally
func (d *RedisDirectory) Put(ctx context.Context, key, value string) error {
	return d.client.Set(ctx, key, value, 0).Err()
}

// CompareAndSwap watches key and commits the write only if nobody touched it meanwhile
func (d *RedisDirectory) CompareAndSwap(ctx context.Context, key string, prev *string, value string) (bool, error) {
	swapped := false
	err := d.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}

		if prev == nil && exists {
			return nil
		}
		if prev != nil && (!exists || current != *prev) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, 0)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-swap %s: %w", key, err)
	}
	return swapped, nil
}

// Delete removes key
func (d *RedisDirectory) Delete(ctx context.Context, key string) error {
	return d.client.Del(ctx, key).Err()
}

// ListKeys scans for keys beginning with prefix
func (d *RedisDirectory) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	iter := d.client.Scan(ctx, 0, prefix+"*", maxScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close stops heartbeats and closes the Redis client
func (d *RedisDirectory) Close() error {
	d.mu.Lock()
	for id, r := range d.registrations {
		r.cancel()
		delete(d.registrations, id)
	}
	d.mu.Unlock()
	return d.client.Close()
}
