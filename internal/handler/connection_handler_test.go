package handler

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/devrev/pairfs/internal/directory"
	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/failover"
	"github.com/devrev/pairfs/internal/lease"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/peer/peertest"
	"github.com/devrev/pairfs/internal/protocol"
	"github.com/devrev/pairfs/internal/replication"
	"github.com/devrev/pairfs/internal/storage"
	"github.com/devrev/pairfs/internal/store"
	"github.com/devrev/pairfs/internal/util"
	"github.com/devrev/pairfs/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const localID = "N1"

type fixture struct {
	files   *store.FileStore
	nodes   *store.NodeRegistry
	leases  *lease.Manager
	local   *storage.LocalStore
	cache   *storage.FetchCache
	peers   *peertest.MockAPI
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	dir := directory.NewMemoryDirectory()

	local, err := storage.NewLocalStore(t.TempDir(), nil, logger)
	require.NoError(t, err)
	cache, err := storage.NewFetchCache(t.TempDir(), time.Minute, logger)
	require.NoError(t, err)

	f := &fixture{
		files: store.NewFileStore(dir, 0, logger),
		nodes: store.NewNodeRegistry(dir, 0, logger),
		local: local,
		cache: cache,
		peers: &peertest.MockAPI{},
	}
	f.leases = lease.NewManager(f.files, time.Minute, logger)

	for _, id := range []string{"N1", "N2", "N3"} {
		_, err := f.nodes.Register(ctx, id, "127.0.0.1", 9000)
		require.NoError(t, err)
	}

	pool := workerpool.New(&workerpool.Config{Name: "repair", MaxWorkers: 1, Logger: logger})
	t.Cleanup(func() { pool.Stop(time.Second) })

	repl := replication.NewCoordinator(f.files, f.nodes, f.peers, 2, nil, logger)
	resolver := failover.NewResolver(localID, local.Read, f.files, f.nodes, f.peers, repl, pool, nil, logger)

	f.handler = New(Config{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, EditTimeout: 5 * time.Second}, Deps{
		NodeID:     localID,
		Local:      local,
		Cache:      cache,
		Files:      f.files,
		Nodes:      f.nodes,
		Leases:     f.leases,
		Replicator: repl,
		Resolver:   resolver,
		Peers:      f.peers,
		Logger:     logger,
	})
	return f
}

// dial serves one connection and returns the client end
func (f *fixture) dial(t *testing.T) *protocol.Conn {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		f.handler.Serve(context.Background(), server)
		server.Close()
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return protocol.NewConn(client, 0)
}

func send(t *testing.T, c *protocol.Conn, verb, name string, data []byte) {
	t.Helper()
	require.NoError(t, c.WriteString(verb))
	require.NoError(t, c.WriteString(name))
	if data != nil {
		require.NoError(t, c.WritePayload(data))
	}
	require.NoError(t, c.Flush())
}

func readText(t *testing.T, c *protocol.Conn) string {
	t.Helper()
	s, err := c.ReadString()
	require.NoError(t, err)
	return s
}

func readStatusPayload(t *testing.T, c *protocol.Conn) (string, []byte) {
	t.Helper()
	status := readText(t, c)
	data, err := c.ReadPayload()
	require.NoError(t, err)
	return status, data
}

// seed stores a file as if it had been created on primary
func (f *fixture) seed(t *testing.T, name string, data []byte, primary string, replicas ...string) {
	t.Helper()
	rec := model.NewFileRecord(name, int64(len(data)), util.ComputeChecksum(data), primary, time.Now())
	for _, r := range replicas {
		rec.AddReplica(r)
	}
	require.NoError(t, f.files.Create(context.Background(), rec))
	if primary == localID || rec.HasReplica(localID) {
		require.NoError(t, f.local.Write(name, data))
	}
}

func TestCreate_StoresAndReplicates(t *testing.T) {
	f := newFixture(t)
	content := []byte("hello")
	f.peers.On("Replicate", mock.Anything, "N2", "a.txt", content).Return(nil).Once()
	f.peers.On("Replicate", mock.Anything, "N3", "a.txt", content).Return(nil).Once()

	c := f.dial(t)
	send(t, c, protocol.CmdCreate, "a.txt", content)
	assert.Equal(t, protocol.TextCreated, readText(t, c))

	rec, err := f.files.Get(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, localID, rec.PrimaryNodeID)
	assert.Equal(t, []string{"N2", "N3"}, rec.ReplicaNodeIDs)
	assert.Equal(t, util.ComputeChecksum(content), rec.Checksum)

	local, err := f.local.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, content, local)

	n1, err := f.nodes.Get(context.Background(), localID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n1.FileCount)
	f.peers.AssertExpectations(t)

	again := f.dial(t)
	send(t, again, protocol.CmdUpload, "a.txt", []byte("other"))
	assert.Equal(t, protocol.TextExists, readText(t, again))
}

func TestCreate_InvalidName(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	send(t, c, protocol.CmdCreate, "../etc/passwd", []byte("x"))
	assert.True(t, strings.HasPrefix(readText(t, c), "Invalid request"))
}

func TestRead_LocalAndMissing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a.txt", []byte("hello"), localID)

	c := f.dial(t)
	send(t, c, protocol.CmdRead, "a.txt", nil)
	status, data := readStatusPayload(t, c)
	assert.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, []byte("hello"), data)

	missing := f.dial(t)
	send(t, missing, protocol.CmdRead, "nope.txt", nil)
	status, data = readStatusPayload(t, missing)
	assert.Equal(t, protocol.TextNotFound, status)
	assert.Empty(t, data)
}

func TestRead_FetchesFromPrimaryAndCaches(t *testing.T) {
	f := newFixture(t)
	content := []byte("remote bytes")
	f.seed(t, "r.txt", content, "N2")
	f.peers.On("ReadFromServer", mock.Anything, "N2", "r.txt").Return(content, true, nil).Once()

	for i := 0; i < 2; i++ {
		c := f.dial(t)
		send(t, c, protocol.CmdRead, "r.txt", nil)
		status, data := readStatusPayload(t, c)
		assert.Equal(t, protocol.StatusOK, status)
		assert.Equal(t, content, data)
	}
	f.peers.AssertExpectations(t)
	assert.Equal(t, 1, f.cache.Len())
}

func TestRead_RefetchesWhenCachedCopyIsStale(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s.txt", []byte("v1"), "N2")
	f.peers.On("ReadFromServer", mock.Anything, "N2", "s.txt").Return([]byte("v1"), true, nil).Once()

	c := f.dial(t)
	send(t, c, protocol.CmdRead, "s.txt", nil)
	_, data := readStatusPayload(t, c)
	require.Equal(t, []byte("v1"), data)

	_, err := f.files.Update(context.Background(), "s.txt", func(rec *model.FileRecord) error {
		rec.SizeBytes = int64(len("v2 longer"))
		rec.Checksum = util.ComputeChecksum([]byte("v2 longer"))
		return nil
	})
	require.NoError(t, err)
	f.peers.On("ReadFromServer", mock.Anything, "N2", "s.txt").Return([]byte("v2 longer"), true, nil).Once()

	c = f.dial(t)
	send(t, c, protocol.CmdRead, "s.txt", nil)
	status, data := readStatusPayload(t, c)
	assert.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, []byte("v2 longer"), data)
	f.peers.AssertExpectations(t)

	cached, ok := f.cache.Get("s.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("v2 longer"), cached)
}

func TestRead_DeletedRecordDropsCachedCopy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "g.txt", []byte("gone"), "N2")
	require.NoError(t, f.cache.Put("g.txt", []byte("gone")))
	require.NoError(t, f.files.Delete(context.Background(), "g.txt"))

	c := f.dial(t)
	send(t, c, protocol.CmdRead, "g.txt", nil)
	status, data := readStatusPayload(t, c)
	assert.Equal(t, protocol.TextNotFound, status)
	assert.Empty(t, data)
	assert.Equal(t, 0, f.cache.Len())
}

func TestRead_FailsOverWhenPrimaryUnreachable(t *testing.T) {
	f := newFixture(t)
	content := []byte("survivor")
	f.seed(t, "d.txt", content, "N2", "N3")

	f.peers.On("ReadFromServer", mock.Anything, "N2", "d.txt").
		Return(nil, false, fserrors.PeerUnreachable("N2", "127.0.0.1:9000", nil)).Once()
	f.peers.On("ReadFromServer", mock.Anything, "N3", "d.txt").Return(content, true, nil).Once()
	f.peers.On("Replicate", mock.Anything, "N1", "d.txt", content).Return(nil).Maybe()

	c := f.dial(t)
	send(t, c, protocol.CmdRead, "d.txt", nil)
	status, data := readStatusPayload(t, c)
	assert.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, content, data)

	rec, err := f.files.Get(context.Background(), "d.txt")
	require.NoError(t, err)
	assert.Equal(t, "N3", rec.PrimaryNodeID)
	assert.False(t, rec.HasReplica("N2"))

	n2, err := f.nodes.Get(context.Background(), "N2")
	require.NoError(t, err)
	assert.False(t, n2.Active)
}

func TestWrite_CommitsAndPushesToReplicas(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "w.txt", []byte("v1"), localID, "N2")
	f.peers.On("UpdateReplica", mock.Anything, "N2", "w.txt", []byte("v2")).Return(nil).Once()

	c := f.dial(t)
	send(t, c, protocol.CmdWrite, "w.txt", nil)
	status, data := readStatusPayload(t, c)
	require.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, []byte("v1"), data)

	require.NoError(t, c.WriteString(protocol.CmdEditedContent))
	require.NoError(t, c.WritePayload([]byte("v2")))
	require.NoError(t, c.Flush())
	assert.Equal(t, protocol.TextUpdated, readText(t, c))

	local, err := f.local.Read("w.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), local)

	rec, err := f.files.Get(context.Background(), "w.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.SizeBytes)
	assert.Equal(t, util.ComputeChecksum([]byte("v2")), rec.Checksum)

	require.Eventually(t, func() bool {
		holder, err := f.leases.Holder(context.Background(), "w.txt")
		return err == nil && holder == ""
	}, time.Second, 5*time.Millisecond)
	f.peers.AssertExpectations(t)
}

func TestWrite_LockedFile(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "w.txt", []byte("v1"), localID)
	require.NoError(t, f.leases.Acquire(context.Background(), "w.txt", "N9"))

	c := f.dial(t)
	send(t, c, protocol.CmdWrite, "w.txt", nil)
	status, data := readStatusPayload(t, c)
	assert.Equal(t, protocol.TextLocked, status)
	assert.Empty(t, data)

	holder, err := f.leases.Holder(context.Background(), "w.txt")
	require.NoError(t, err)
	assert.Equal(t, "N9", holder)
}

func TestWrite_ForwardsToRemotePrimary(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "f.txt", []byte("old"), "N2")
	f.peers.On("ReadFromServer", mock.Anything, "N2", "f.txt").Return([]byte("old"), true, nil).Once()
	f.peers.On("CommitEdit", mock.Anything, "N2", "f.txt", []byte("new")).Return(protocol.TextUpdated, nil).Once()

	c := f.dial(t)
	send(t, c, protocol.CmdWrite, "f.txt", nil)
	status, data := readStatusPayload(t, c)
	require.Equal(t, protocol.StatusOK, status)
	assert.Equal(t, []byte("old"), data)

	require.NoError(t, c.WriteString(protocol.CmdEditedContent))
	require.NoError(t, c.WritePayload([]byte("new")))
	require.NoError(t, c.Flush())
	assert.Equal(t, protocol.TextUpdated, readText(t, c))

	_, cached := f.cache.Get("f.txt")
	assert.False(t, cached)
	f.peers.AssertExpectations(t)
}

func TestWrite_BadFollowUpReleasesLease(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "w.txt", []byte("v1"), localID)

	c := f.dial(t)
	send(t, c, protocol.CmdWrite, "w.txt", nil)
	status, _ := readStatusPayload(t, c)
	require.Equal(t, protocol.StatusOK, status)

	require.NoError(t, c.WriteString(protocol.CmdRead))
	require.NoError(t, c.Flush())
	assert.True(t, strings.HasPrefix(readText(t, c), "Invalid request"))

	require.Eventually(t, func() bool {
		holder, err := f.leases.Holder(context.Background(), "w.txt")
		return err == nil && holder == ""
	}, time.Second, 5*time.Millisecond)

	local, err := f.local.Read("w.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), local)
}

func TestOpenSeekClose(t *testing.T) {
	f := newFixture(t)
	content := bytes.Repeat([]byte("abcdefghij"), 150)
	f.seed(t, "big.txt", content, localID)

	c := f.dial(t)
	send(t, c, protocol.CmdOpen, "big.txt", nil)
	require.Equal(t, protocol.TextOpened, readText(t, c))

	seek := func(offset int32) string {
		require.NoError(t, c.WriteString(protocol.CmdSeek))
		require.NoError(t, c.WriteInt(offset))
		require.NoError(t, c.Flush())
		return readText(t, c)
	}

	assert.Equal(t, string(content[:protocol.SeekChunkSize]), seek(0))
	assert.Equal(t, string(content[protocol.SeekChunkSize:]), seek(protocol.SeekChunkSize))
	assert.Equal(t, "", seek(5000))
	assert.True(t, strings.HasPrefix(seek(-1), "Invalid request"))

	require.NoError(t, c.WriteString(protocol.CmdClose))
	require.NoError(t, c.Flush())
	assert.Equal(t, protocol.TextClosed, readText(t, c))
}

func TestOpen_MissingFile(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	send(t, c, protocol.CmdOpen, "nope.txt", nil)
	assert.Equal(t, protocol.TextNotFound, readText(t, c))
}

func TestDelete_RemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "x.txt", []byte("bye"), localID, "N2", "N3")
	for _, id := range []string{"N1", "N2", "N3"} {
		require.NoError(t, f.nodes.AdjustFileCount(ctx, id, 1))
	}
	f.peers.On("DeleteReplica", mock.Anything, "N2", "x.txt").Return(nil).Once()
	f.peers.On("DeleteReplica", mock.Anything, "N3", "x.txt").Return(nil).Once()

	c := f.dial(t)
	send(t, c, protocol.CmdDelete, "x.txt", nil)
	assert.Equal(t, protocol.TextDeleted, readText(t, c))

	_, err := f.files.Get(ctx, "x.txt")
	assert.True(t, fserrors.Is(err, fserrors.ErrCodeNotFound))
	assert.False(t, f.local.Exists("x.txt"))
	for _, id := range []string{"N1", "N2", "N3"} {
		n, err := f.nodes.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n.FileCount, id)
	}
	f.peers.AssertExpectations(t)

	read := f.dial(t)
	send(t, read, protocol.CmdRead, "x.txt", nil)
	status, _ := readStatusPayload(t, read)
	assert.Equal(t, protocol.TextNotFound, status)
}

func TestDelete_BlockedByLease(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "x.txt", []byte("keep"), localID)
	require.NoError(t, f.leases.Acquire(context.Background(), "x.txt", "N2"))

	c := f.dial(t)
	send(t, c, protocol.CmdDelete, "x.txt", nil)
	assert.Equal(t, protocol.TextLocked, readText(t, c))
	assert.True(t, f.local.Exists("x.txt"))
}

func TestPeerCommands(t *testing.T) {
	f := newFixture(t)

	c := f.dial(t)
	send(t, c, protocol.CmdReplicate, "p.txt", []byte("copy"))
	assert.Equal(t, protocol.TextReplicated, readText(t, c))

	c = f.dial(t)
	send(t, c, protocol.CmdUpdateReplica, "p.txt", []byte("copy2"))
	assert.Equal(t, protocol.TextReplicaUpdated, readText(t, c))

	c = f.dial(t)
	send(t, c, protocol.CmdReadFromServer, "p.txt", nil)
	data, err := c.ReadPayload()
	require.NoError(t, err)
	assert.Equal(t, []byte("copy2"), data)

	c = f.dial(t)
	send(t, c, protocol.CmdDeleteReplica, "p.txt", nil)
	assert.Equal(t, protocol.TextReplicaDeleted, readText(t, c))

	c = f.dial(t)
	send(t, c, protocol.CmdReadFromServer, "p.txt", nil)
	data, err = c.ReadPayload()
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestEditedContent_RequiresPrimary(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "e.txt", []byte("v1"), "N2", localID)

	c := f.dial(t)
	send(t, c, protocol.CmdEditedContent, "e.txt", []byte("v2"))
	assert.Equal(t, protocol.TextNotPrimary, readText(t, c))

	local, err := f.local.Read("e.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), local)
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	require.NoError(t, c.WriteString("FROBNICATE"))
	require.NoError(t, c.Flush())
	assert.Equal(t, protocol.TextUnknown, readText(t, c))
}
