package directory

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/devrev/pairfs/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// DefaultServiceName is the service every storage node registers under
const DefaultServiceName = "file-server"

// Registration describes a node announcing itself to the directory
type Registration struct {
	Service        string
	NodeID         string
	Address        string
	Port           int
	HealthCheckURL string
	TTL            time.Duration
}

// Directory is the shared service-discovery and key/value store the cluster coordinates through
type Directory interface {
	// Service discovery
	RegisterService(ctx context.Context, reg Registration) error
	DeregisterService(ctx context.Context, nodeID string) error
	ListHealthyNodes(ctx context.Context, service string) ([]model.ServiceInstance, error)

	// Key/value operations
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	// CompareAndSwap stores value only if the current value equals *prev,
	// or if prev is nil and the key does not exist.
	CompareAndSwap(ctx context.Context, key string, prev *string, value string) (bool, error)
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// FileKey is the directory key holding a file's metadata record
func FileKey(fileName string) string {
	return "files/" + fileName
}

// NodeKey is the directory key holding a node's registry record
func NodeKey(nodeID string) string {
	return "server-info/" + nodeID
}

func serviceKey(service, nodeID string) string {
	return path.Join("services", service, nodeID)
}

func servicePrefix(service string) string {
	return path.Join("services", service) + "/"
}

func (r Registration) validate() error {
	if r.NodeID == "" {
		return fmt.Errorf("registration has no node id")
	}
	if r.Service == "" {
		return fmt.Errorf("registration for %s has no service name", r.NodeID)
	}
	if r.Port <= 0 {
		return fmt.Errorf("registration for %s has invalid port %d", r.NodeID, r.Port)
	}
	return nil
}

func (r Registration) instance() model.ServiceInstance {
	return model.ServiceInstance{
		NodeID:         r.NodeID,
		Address:        r.Address,
		Port:           r.Port,
		HealthCheckURL: r.HealthCheckURL,
	}
}
