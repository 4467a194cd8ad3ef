package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// Load reads configPath if it exists, applies environment overrides, then defaults and validation.
// A missing file is not an error so a node can be configured from the environment alone.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		fileCfg, err := readFile(configPath)
		switch {
		case err == nil:
			cfg = fileCfg
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}

	applyEnvironmentOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("NODE_HOST"); host != "" {
		cfg.Server.AdvertiseAddress = host
	}
	if port := os.Getenv("NODE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}

	if backend := os.Getenv("DIRECTORY_BACKEND"); backend != "" {
		cfg.Directory.Backend = backend
	}
	if endpoints := os.Getenv("DIRECTORY_ENDPOINTS"); endpoints != "" {
		cfg.Directory.Endpoints = splitList(endpoints)
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Directory.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Directory.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Directory.Redis.Password = redisPassword
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
