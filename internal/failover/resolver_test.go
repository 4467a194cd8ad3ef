package failover

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairfs/internal/directory"
	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/peer/peertest"
	"github.com/devrev/pairfs/internal/replication"
	"github.com/devrev/pairfs/internal/store"
	"github.com/devrev/pairfs/internal/util"
	"github.com/devrev/pairfs/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var content = []byte("the quick brown fox")

type fixture struct {
	files    *store.FileStore
	nodes    *store.NodeRegistry
	peers    *peertest.MockAPI
	pool     *workerpool.Pool
	resolver *Resolver
}

func newFixture(t *testing.T, localID string, counts map[string]int64) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := directory.NewMemoryDirectory()
	f := &fixture{
		files: store.NewFileStore(dir, 0, zap.NewNop()),
		nodes: store.NewNodeRegistry(dir, 0, zap.NewNop()),
		peers: &peertest.MockAPI{},
		pool:  workerpool.New(&workerpool.Config{Name: "test", MaxWorkers: 1}),
	}
	t.Cleanup(func() { f.pool.Stop(time.Second) })

	for id, c := range counts {
		_, err := f.nodes.Register(ctx, id, "127.0.0.1", 9000)
		require.NoError(t, err)
		require.NoError(t, f.nodes.AdjustFileCount(ctx, id, c))
	}

	repl := replication.NewCoordinator(f.files, f.nodes, f.peers, 2, nil, zap.NewNop())
	f.resolver = NewResolver(localID, nil, f.files, f.nodes, f.peers, repl, f.pool, nil, zap.NewNop())
	return f
}

func (f *fixture) createRecord(t *testing.T, primary string, replicas ...string) *model.FileRecord {
	t.Helper()
	rec := model.NewFileRecord("f.txt", int64(len(content)), util.ComputeChecksum(content), primary, time.Now())
	for _, r := range replicas {
		rec.AddReplica(r)
	}
	require.NoError(t, f.files.Create(context.Background(), rec))
	return rec
}

func TestResolve_PromotesLeastLoadedReplica(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "N4", map[string]int64{"N1": 1, "N2": 1, "N3": 1, "N4": 0})
	rec := f.createRecord(t, "N1", "N2", "N3")

	f.peers.On("ReadFromServer", mock.Anything, "N2", "f.txt").Return(content, true, nil).Once()
	f.peers.On("Replicate", mock.Anything, "N4", "f.txt", content).Return(nil).Once()

	res, err := f.resolver.Resolve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "N2", res.PrimaryID)
	assert.Equal(t, content, res.Data)
	assert.False(t, res.Adopted)

	stored, err := f.files.Get(ctx, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, "N2", stored.PrimaryNodeID)
	assert.NotContains(t, stored.Holders(), "N1")

	n1, err := f.nodes.Get(ctx, "N1")
	require.NoError(t, err)
	assert.False(t, n1.Active)
	assert.Equal(t, int64(0), n1.FileCount)

	assert.Eventually(t, func() bool {
		r, err := f.files.Get(ctx, "f.txt")
		return err == nil && r.HasReplica("N4")
	}, 2*time.Second, 10*time.Millisecond)

	final, err := f.files.Get(ctx, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"N3", "N4"}, final.ReplicaNodeIDs)
	f.peers.AssertExpectations(t)
}

func TestResolve_SkipsUnreachableAndCorruptCandidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "N9", map[string]int64{"N1": 0, "N2": 0, "N3": 1, "N4": 2})
	rec := f.createRecord(t, "N1", "N2", "N3", "N4")

	f.peers.On("ReadFromServer", mock.Anything, "N2", "f.txt").
		Return(nil, false, fserrors.PeerUnreachable("N2", "x", nil)).Once()
	f.peers.On("ReadFromServer", mock.Anything, "N3", "f.txt").Return([]byte("stale"), true, nil).Once()
	f.peers.On("ReadFromServer", mock.Anything, "N4", "f.txt").Return(content, true, nil).Once()
	f.peers.On("Replicate", mock.Anything, mock.Anything, "f.txt", content).Return(nil).Maybe()

	res, err := f.resolver.Resolve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "N4", res.PrimaryID)
}

func TestResolve_NoCandidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "N3", map[string]int64{"N1": 0, "N2": 0})
	require.NoError(t, f.nodes.MarkInactive(ctx, "N2"))
	rec := f.createRecord(t, "N1", "N2")

	_, err := f.resolver.Resolve(ctx, rec)
	assert.True(t, fserrors.Is(err, fserrors.ErrCodeUnavailable))
	f.peers.AssertNotCalled(t, "ReadFromServer", mock.Anything, mock.Anything, mock.Anything)

	noReplicas := model.NewFileRecord("g.txt", 0, 0, "N1", time.Now())
	_, err = f.resolver.Resolve(ctx, noReplicas)
	assert.True(t, fserrors.Is(err, fserrors.ErrCodeUnavailable))
}

func TestResolve_AdoptsConcurrentPromotion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "N4", map[string]int64{"N1": 0, "N2": 0, "N3": 0})
	stale := f.createRecord(t, "N1", "N2", "N3")

	_, err := f.files.Update(ctx, "f.txt", func(r *model.FileRecord) error {
		r.PrimaryNodeID = "N3"
		r.RemoveReplica("N3")
		return nil
	})
	require.NoError(t, err)

	f.peers.On("ReadFromServer", mock.Anything, "N2", "f.txt").Return(content, true, nil).Once()

	res, err := f.resolver.Resolve(ctx, stale)
	require.NoError(t, err)
	assert.True(t, res.Adopted)
	assert.Equal(t, "N3", res.PrimaryID)

	n1, err := f.nodes.Get(ctx, "N1")
	require.NoError(t, err)
	assert.True(t, n1.Active, "adopting must not touch the old primary again")
}

func TestResolve_ReadsOwnCopyLocally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "N2", map[string]int64{"N1": 0, "N2": 0})
	f.resolver.readLocal = func(name string) ([]byte, error) { return content, nil }
	rec := f.createRecord(t, "N1", "N2")

	res, err := f.resolver.Resolve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "N2", res.PrimaryID)
	f.peers.AssertNotCalled(t, "ReadFromServer", mock.Anything, mock.Anything, mock.Anything)
}
