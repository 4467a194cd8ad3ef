package directory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMemoryDirectory_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()

	tests := []struct {
		name    string
		prev    *string
		value   string
		swapped bool
		after   string
	}{
		{name: "create if absent", prev: nil, value: "v1", swapped: true, after: "v1"},
		{name: "create when present fails", prev: nil, value: "other", swapped: false, after: "v1"},
		{name: "swap on match", prev: strPtr("v1"), value: "v2", swapped: true, after: "v2"},
		{name: "reject on mismatch", prev: strPtr("v1"), value: "v3", swapped: false, after: "v2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := d.CompareAndSwap(ctx, "k", tt.prev, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.swapped, ok)

			got, err := d.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, tt.after, got)
		})
	}
}

func TestMemoryDirectory_CompareAndSwapMissingKey(t *testing.T) {
	d := NewMemoryDirectory()
	ok, err := d.CompareAndSwap(context.Background(), "missing", strPtr("x"), "y")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDirectory_ConcurrentCAS(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := d.CompareAndSwap(ctx, "lock", nil, "mine")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestMemoryDirectory_KeyValue(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()

	_, err := d.Get(ctx, FileKey("a.txt"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.Put(ctx, FileKey("b.txt"), "b"))
	require.NoError(t, d.Put(ctx, FileKey("a.txt"), "a"))
	require.NoError(t, d.Put(ctx, NodeKey("n1"), "n"))

	keys, err := d.ListKeys(ctx, "files/")
	require.NoError(t, err)
	assert.Equal(t, []string{"files/a.txt", "files/b.txt"}, keys)

	require.NoError(t, d.Delete(ctx, FileKey("a.txt")))
	require.NoError(t, d.Delete(ctx, FileKey("a.txt")))
	_, err = d.Get(ctx, FileKey("a.txt"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDirectory_Services(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()

	require.NoError(t, d.RegisterService(ctx, Registration{Service: DefaultServiceName, NodeID: "n2", Address: "127.0.0.1", Port: 9002}))
	require.NoError(t, d.RegisterService(ctx, Registration{Service: DefaultServiceName, NodeID: "n1", Address: "127.0.0.1", Port: 9001}))
	require.NoError(t, d.RegisterService(ctx, Registration{Service: "other", NodeID: "x", Address: "127.0.0.1", Port: 1}))
	assert.Error(t, d.RegisterService(ctx, Registration{Service: DefaultServiceName, NodeID: "bad"}))

	nodes, err := d.ListHealthyNodes(ctx, DefaultServiceName)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].NodeID)

	d.SetHealthy("n1", false)
	nodes, err = d.ListHealthyNodes(ctx, DefaultServiceName)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "n2", nodes[0].NodeID)

	require.NoError(t, d.DeregisterService(ctx, "n2"))
	nodes, err = d.ListHealthyNodes(ctx, DefaultServiceName)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
