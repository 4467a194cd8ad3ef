package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// FetchCache holds copies fetched from other nodes. Entries expire after a TTL and
// the backing file is removed when an entry is evicted.
type FetchCache struct {
	dir    string
	ttl    time.Duration
	items  *cache.Cache
	logger *zap.Logger
}

// NewFetchCache creates dir and starts the eviction janitor
func NewFetchCache(dir string, ttl time.Duration, logger *zap.Logger) (*FetchCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &FetchCache{
		dir:    dir,
		ttl:    ttl,
		items:  cache.New(ttl, ttl/2),
		logger: logger,
	}
	c.items.OnEvicted(func(name string, value interface{}) {
		path, _ := value.(string)
		if path == "" {
			return
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("Failed to remove evicted cache file", zap.String("file_name", name), zap.Error(err))
		}
	})
	return c, nil
}

// Put stores a fetched copy of name
func (c *FetchCache) Put(name string, data []byte) error {
	path := filepath.Join(c.dir, name)
	if err := writeAtomic(c.dir, path, data); err != nil {
		return err
	}
	c.items.Set(name, path, c.ttl)
	return nil
}

// Get returns a fresh cached copy of name
func (c *FetchCache) Get(name string) ([]byte, bool) {
	v, ok := c.items.Get(name)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(v.(string))
	if err != nil {
		c.items.Delete(name)
		return nil, false
	}
	return data, true
}

// Invalidate drops the cached copy of name
func (c *FetchCache) Invalidate(name string) {
	c.items.Delete(name)
}

// Len returns the number of live entries
func (c *FetchCache) Len() int {
	return c.items.ItemCount()
}
