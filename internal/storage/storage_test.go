package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	fserrors "github.com/devrev/pairfs/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalStore_ReadWriteDelete(t *testing.T) {
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "files"), nil, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Read("a.txt")
	assert.True(t, fserrors.Is(err, fserrors.ErrCodeNotFound))
	assert.False(t, s.Exists("a.txt"))

	require.NoError(t, s.Write("a.txt", []byte("one")))
	require.NoError(t, s.Write("a.txt", []byte("two")))
	data, err := s.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	f, err := s.Open("a.txt")
	require.NoError(t, err)
	buf := make([]byte, 2)
	n, err := f.ReadAt(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, "wo", string(buf[:n]))
	f.Close()

	existed, err := s.Delete("a.txt")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete("a.txt")
	require.NoError(t, err)
	assert.False(t, existed)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files left behind")
}

func TestLocalStore_EmptyFile(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Write("empty", nil))
	data, err := s.Read("empty")
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.True(t, s.Exists("empty"))
}

func TestDiskGuard(t *testing.T) {
	g, err := NewDiskGuard(DiskGuardConfig{DataDir: t.TempDir(), CheckInterval: time.Hour}, zap.NewNop())
	require.NoError(t, err)

	g.statfs = func(string) (DiskUsage, error) {
		return DiskUsage{TotalBytes: 1000, AvailableBytes: 500}, nil
	}
	assert.NoError(t, g.CheckBeforeWrite(100))
	assert.True(t, fserrors.Is(g.CheckBeforeWrite(600), fserrors.ErrCodeDiskFull))

	g.statfs = func(string) (DiskUsage, error) {
		return DiskUsage{TotalBytes: 1000, AvailableBytes: 10}, nil
	}
	g.lastCheck = time.Time{}
	assert.True(t, fserrors.Is(g.CheckBeforeWrite(1), fserrors.ErrCodeDiskFull))
	assert.InDelta(t, 99.0, g.Usage().UsagePercent(), 0.01)

	s, err := NewLocalStore(t.TempDir(), g, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, fserrors.Is(s.Write("x", []byte("x")), fserrors.ErrCodeDiskFull))
}

func TestFetchCache(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	c, err := NewFetchCache(dir, time.Minute, zap.NewNop())
	require.NoError(t, err)

	_, ok := c.Get("a.txt")
	assert.False(t, ok)

	require.NoError(t, c.Put("a.txt", []byte("fetched")))
	data, ok := c.Get("a.txt")
	require.True(t, ok)
	assert.Equal(t, "fetched", string(data))
	assert.Equal(t, 1, c.Len())

	c.Invalidate("a.txt")
	_, ok = c.Get("a.txt")
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, "a.txt"))
	assert.True(t, os.IsNotExist(err), "eviction removes the cached file")
}

func TestFetchCache_Expiry(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFetchCache(dir, 50*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Put("a.txt", []byte("x")))
	assert.Eventually(t, func() bool {
		_, ok := c.Get("a.txt")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "a.txt"))
		return os.IsNotExist(err)
	}, 2*time.Second, 20*time.Millisecond)

}
