package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/devrev/pairfs/internal/model"
)

type memoryService struct {
	reg     Registration
	healthy bool
}

// MemoryDirectory is an in-process Directory used by tests and single-process clusters
type MemoryDirectory struct {
	mu       sync.RWMutex
	kv       map[string]string
	services map[string]*memoryService // NodeID -> registration
	closed   bool
}

// NewMemoryDirectory creates an empty in-memory directory
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		kv:       make(map[string]string),
		services: make(map[string]*memoryService),
	}
}

// RegisterService adds or replaces a registration and marks it healthy
func (d *MemoryDirectory) RegisterService(ctx context.Context, reg Registration) error {
	if err := reg.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("directory closed")
	}
	d.services[reg.NodeID] = &memoryService{reg: reg, healthy: true}
	return nil
}

// DeregisterService removes a registration
func (d *MemoryDirectory) DeregisterService(ctx context.Context, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.services, nodeID)
	return nil
}

// SetHealthy flips the health of a registered node, simulating a failed health check
func (d *MemoryDirectory) SetHealthy(nodeID string, healthy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if svc, ok := d.services[nodeID]; ok {
		svc.healthy = healthy
	}
}

// ListHealthyNodes returns healthy instances of service ordered by node id
func (d *MemoryDirectory) ListHealthyNodes(ctx context.Context, service string) ([]model.ServiceInstance, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	instances := make([]model.ServiceInstance, 0, len(d.services))
	for _, svc := range d.services {
		if svc.healthy && svc.reg.Service == service {
			instances = append(instances, svc.reg.instance())
		}
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].NodeID < instances[j].NodeID })
	return instances, nil
}

// Get returns the value stored under key
func (d *MemoryDirectory) Get(ctx context.Context, key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	value, ok := d.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Put stores value under key unconditionally
func (d *MemoryDirectory) Put(ctx context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kv[key] = value
	return nil
}

// CompareAndSwap stores value when the current value matches prev
func (d *MemoryDirectory) CompareAndSwap(ctx context.Context, key string, prev *string, value string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, exists := d.kv[key]
	switch {
	case prev == nil && exists:
		return false, nil
	case prev != nil && (!exists || current != *prev):
		return false, nil
	}
	d.kv[key] = value
	return true, nil
}

// Delete removes key; deleting a missing key is not an error
func (d *MemoryDirectory) Delete(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.kv, key)
	return nil
}

// ListKeys returns the sorted keys beginning with prefix
func (d *MemoryDirectory) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]string, 0)
	for k := range d.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the directory closed for new registrations
func (d *MemoryDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
