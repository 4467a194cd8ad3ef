package hashring

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultReplicasPerNode is the number of points each node places on the ring
	DefaultReplicasPerNode = 3
)

// Ring implements consistent hashing with a fixed number of points per node.
// A modulus of zero spreads points across the full 32-bit space.
type Ring struct {
	replicasPerNode int
	modulus         uint64

	points  []uint64            // Sorted point hashes
	owners  map[uint64][]string // Point -> claimants in insertion order, last one owns it
	members map[string]struct{}
	mu      sync.RWMutex
}

// New creates an empty ring
func New(replicasPerNode int, modulus uint64) *Ring {
	if replicasPerNode <= 0 {
		replicasPerNode = DefaultReplicasPerNode
	}
	return &Ring{
		replicasPerNode: replicasPerNode,
		modulus:         modulus,
		points:          make([]uint64, 0),
		owners:          make(map[uint64][]string),
		members:         make(map[string]struct{}),
	}
}

// AddNode places the node's points on the ring. A colliding point is owned by the
// most recently added node; earlier claims resurface when it is removed.
func (r *Ring) AddNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[nodeID]; ok {
		return
	}
	for i := 0; i < r.replicasPerNode; i++ {
		h := r.hash(nodeID + strconv.Itoa(i))
		if _, taken := r.owners[h]; !taken {
			r.points = append(r.points, h)
		}
		r.owners[h] = append(r.owners[h], nodeID)
	}
	r.members[nodeID] = struct{}{}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
}

// RemoveNode withdraws every claim the node holds. A point disappears only when no
// other node claims it.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[nodeID]; !ok {
		return
	}
	delete(r.members, nodeID)

	kept := r.points[:0]
	for _, h := range r.points {
		claims := r.owners[h][:0]
		for _, id := range r.owners[h] {
			if id != nodeID {
				claims = append(claims, id)
			}
		}
		if len(claims) == 0 {
			delete(r.owners, h)
			continue
		}
		r.owners[h] = claims
		kept = append(kept, h)
	}
	r.points = kept
}

// IsEmpty reports whether the ring has no points
func (r *Ring) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points) == 0
}

// Get returns the owner of the first point at or after hash(key), wrapping around
func (r *Ring) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return "", false
	}

	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i] >= h
	})
	if idx >= len(r.points) {
		idx = 0
	}
	claims := r.owners[r.points[idx]]
	return claims[len(claims)-1], true
}

// Nodes returns the member node ids in sorted order
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.members))
	for id := range r.members {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// Hash exposes the ring's point function
func (r *Ring) Hash(key string) uint64 {
	return r.hash(key)
}

func (r *Ring) hash(key string) uint64 {
	h := xxhash.Sum64String(key)
	folded := (h >> 32) ^ (h & 0xffffffff)
	if r.modulus > 0 {
		return folded % r.modulus
	}
	return folded
}
