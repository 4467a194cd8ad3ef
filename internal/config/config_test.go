package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: node-1
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 10000, cfg.HealthPort())
	assert.Equal(t, "etcd", cfg.Directory.Backend)
	assert.Equal(t, 2, cfg.Replication.ReplicaCount)
	assert.Equal(t, 10*time.Minute, cfg.Lease.Duration)
	assert.Equal(t, 64<<20, cfg.Server.MaxPayloadBytes)
	assert.Equal(t, filepath.Join("/var/lib/pairfs", "files"), cfg.FilesDir())
}

func TestLoadConfig_FileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: node-7
  port: 7000
  read_timeout: 5s
directory:
  backend: redis
  redis:
    host: redis.internal
    port: 6380
lease:
  duration: 30s
replication:
  replica_count: 1
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "redis", cfg.Directory.Backend)
	assert.Equal(t, "redis.internal", cfg.Directory.Redis.Host)
	assert.Equal(t, 6380, cfg.Directory.Redis.Port)
	assert.Equal(t, 30*time.Second, cfg.Lease.Duration)
	assert.Equal(t, 1, cfg.Replication.ReplicaCount)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing node id", body: "server:\n  port: 9000\n"},
		{name: "bad port", body: "server:\n  node_id: n\n  port: 70000\n"},
		{name: "health port overflow", body: "server:\n  node_id: n\n  port: 65000\n"},
		{name: "unknown backend", body: "server:\n  node_id: n\ndirectory:\n  backend: zookeeper\n"},
		{name: "negative replicas", body: "server:\n  node_id: n\nreplication:\n  replica_count: -1\n"},
		{name: "bad yaml", body: "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: from-file
  port: 9100
`)
	t.Setenv("NODE_ID", "from-env")
	t.Setenv("NODE_PORT", "9200")
	t.Setenv("NODE_HOST", "10.0.0.5")
	t.Setenv("DATA_DIR", "/tmp/pairfs-test")
	t.Setenv("DIRECTORY_BACKEND", "memory")
	t.Setenv("DIRECTORY_ENDPOINTS", "etcd-1:2379, etcd-2:2379")
	t.Setenv("REDIS_PORT", "not-a-number")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.NodeID)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "10.0.0.5", cfg.Server.AdvertiseAddress)
	assert.Equal(t, "/tmp/pairfs-test", cfg.Storage.DataDir)
	assert.Equal(t, "memory", cfg.Directory.Backend)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Directory.Endpoints)
	assert.Equal(t, 6379, cfg.Directory.Redis.Port, "unparsable override is ignored")
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("NODE_ID", "env-only")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-only", cfg.Server.NodeID)
}
