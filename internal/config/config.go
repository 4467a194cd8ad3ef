package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the TCP protocol listener configuration
type ServerConfig struct {
	NodeID           string        `yaml:"node_id"`
	Host             string        `yaml:"host"`
	AdvertiseAddress string        `yaml:"advertise_address"`
	Port             int           `yaml:"port"`
	HealthPortOffset int           `yaml:"health_port_offset"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	EditTimeout      time.Duration `yaml:"edit_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	AcceptRate       float64       `yaml:"accept_rate"`
	AcceptBurst      int           `yaml:"accept_burst"`
	MaxPayloadBytes  int           `yaml:"max_payload_bytes"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DirectoryConfig selects and configures the directory backend
type DirectoryConfig struct {
	Backend         string        `yaml:"backend"`
	Service         string        `yaml:"service"`
	Endpoints       []string      `yaml:"endpoints"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	RegistrationTTL time.Duration `yaml:"registration_ttl"`
	MaxRetries      int           `yaml:"max_retries"`
	Redis           RedisConfig   `yaml:"redis"`
}

// StorageConfig holds local storage configuration
type StorageConfig struct {
	DataDir             string        `yaml:"data_dir"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	DiskCheckInterval   time.Duration `yaml:"disk_check_interval"`
	DiskRejectThreshold float64       `yaml:"disk_reject_threshold"`
}

// ReplicationConfig holds replica placement and repair configuration
type ReplicationConfig struct {
	ReplicaCount  int           `yaml:"replica_count"`
	PeerTimeout   time.Duration `yaml:"peer_timeout"`
	RepairWorkers int           `yaml:"repair_workers"`
	RepairQueue   int           `yaml:"repair_queue"`
}

// LeaseConfig holds write lease configuration
type LeaseConfig struct {
	Duration time.Duration `yaml:"duration"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled   bool     `yaml:"enabled"`
	BindPort  int      `yaml:"bind_port"`
	SeedNodes []string `yaml:"seed_nodes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a file node
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	Lease       LeaseConfig       `yaml:"lease"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	cfg, err := readFile(filePath)
	if err != nil {
		return nil, err
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default
func (c *Config) ApplyDefaults() {
	setDefaults(c)
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.AdvertiseAddress == "" {
		cfg.Server.AdvertiseAddress = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9000
	}
	if cfg.Server.HealthPortOffset == 0 {
		cfg.Server.HealthPortOffset = 1000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.EditTimeout == 0 {
		cfg.Server.EditTimeout = 10 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.AcceptRate == 0 {
		cfg.Server.AcceptRate = 500
	}
	if cfg.Server.AcceptBurst == 0 {
		cfg.Server.AcceptBurst = 100
	}
	if cfg.Server.MaxPayloadBytes == 0 {
		cfg.Server.MaxPayloadBytes = 64 << 20 // 64MB
	}
	if cfg.Server.HeartbeatPeriod == 0 {
		cfg.Server.HeartbeatPeriod = 10 * time.Second
	}

	if cfg.Directory.Backend == "" {
		cfg.Directory.Backend = "etcd"
	}
	if cfg.Directory.Service == "" {
		cfg.Directory.Service = "file-server"
	}
	if len(cfg.Directory.Endpoints) == 0 {
		cfg.Directory.Endpoints = []string{"127.0.0.1:2379"}
	}
	if cfg.Directory.DialTimeout == 0 {
		cfg.Directory.DialTimeout = 5 * time.Second
	}
	if cfg.Directory.RegistrationTTL == 0 {
		cfg.Directory.RegistrationTTL = 10 * time.Second
	}
	if cfg.Directory.MaxRetries == 0 {
		cfg.Directory.MaxRetries = 8
	}
	if cfg.Directory.Redis.Host == "" {
		cfg.Directory.Redis.Host = "127.0.0.1"
	}
	if cfg.Directory.Redis.Port == 0 {
		cfg.Directory.Redis.Port = 6379
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/pairfs"
	}
	if cfg.Storage.CacheTTL == 0 {
		cfg.Storage.CacheTTL = 5 * time.Minute
	}
	if cfg.Storage.DiskCheckInterval == 0 {
		cfg.Storage.DiskCheckInterval = 10 * time.Second
	}
	if cfg.Storage.DiskRejectThreshold == 0 {
		cfg.Storage.DiskRejectThreshold = 95.0
	}

	if cfg.Replication.ReplicaCount == 0 {
		cfg.Replication.ReplicaCount = 2
	}
	if cfg.Replication.PeerTimeout == 0 {
		cfg.Replication.PeerTimeout = 10 * time.Second
	}
	if cfg.Replication.RepairWorkers == 0 {
		cfg.Replication.RepairWorkers = 4
	}
	if cfg.Replication.RepairQueue == 0 {
		cfg.Replication.RepairQueue = 256
	}

	if cfg.Lease.Duration == 0 {
		cfg.Lease.Duration = 600000 * time.Millisecond
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if hp := c.HealthPort(); hp < 1 || hp > 65535 {
		return fmt.Errorf("health port %d (port + health_port_offset) out of range", hp)
	}
	switch c.Directory.Backend {
	case "etcd", "redis", "memory":
	default:
		return fmt.Errorf("directory.backend must be one of etcd, redis, memory")
	}
	if c.Replication.ReplicaCount < 0 {
		return fmt.Errorf("replication.replica_count cannot be negative")
	}
	if c.Storage.DiskRejectThreshold <= 0 || c.Storage.DiskRejectThreshold > 100 {
		return fmt.Errorf("storage.disk_reject_threshold must be between 0 and 100")
	}
	if c.Server.MaxPayloadBytes < 0 {
		return fmt.Errorf("server.max_payload_bytes cannot be negative")
	}
	return nil
}

// HealthPort is the port serving /health and /metrics
func (c *Config) HealthPort() int {
	return c.Server.Port + c.Server.HealthPortOffset
}

// FilesDir holds the node's authoritative copies
func (c *Config) FilesDir() string {
	return filepath.Join(c.Storage.DataDir, "files")
}

// CacheDir holds copies fetched from other nodes
func (c *Config) CacheDir() string {
	return filepath.Join(c.Storage.DataDir, "cache")
}
