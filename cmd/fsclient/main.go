// fsclient talks to a PairFS cluster. It picks a node by hashing the client id onto
// the ring of healthy nodes, or uses --node when given.
//
// Usage:
//
//	fsclient upload notes.txt ./notes.txt
//	fsclient read notes.txt --endpoints etcd-1:2379
//	fsclient write notes.txt --node 10.0.0.7:9000
//	fsclient open notes.txt
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/devrev/pairfs/internal/client"
	"github.com/devrev/pairfs/internal/config"
	"github.com/devrev/pairfs/internal/directory"
	"github.com/devrev/pairfs/internal/node"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var v = viper.New()

func main() {
	root := &cobra.Command{
		Use:           "fsclient",
		Short:         "Client for the PairFS distributed file store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "optional config file (yaml)")
	flags.String("backend", "etcd", "directory backend: etcd or redis")
	flags.StringSlice("endpoints", []string{"127.0.0.1:2379"}, "etcd endpoints")
	flags.String("redis-host", "127.0.0.1", "redis host")
	flags.Int("redis-port", 6379, "redis port")
	flags.String("redis-password", "", "redis password")
	flags.String("service", directory.DefaultServiceName, "service name nodes register under")
	flags.String("node", "", "talk to this host:port directly instead of picking a node")
	flags.String("client-id", "", "client id hashed onto the ring (random when empty)")
	flags.Int("virtual-nodes", 3, "ring points per node")
	flags.Duration("timeout", 30*time.Second, "per-request timeout")
	flags.Bool("verbose", false, "log at debug level")

	if err := v.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root.AddCommand(
		uploadCmd(),
		createCmd(),
		readCmd(),
		writeCmd(),
		deleteCmd(),
		openCmd(),
		nodesCmd(),
		pickCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig layers FSCLIENT_* environment variables and the optional config file
// under the command-line flags
func loadConfig() error {
	v.SetEnvPrefix("FSCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if v.GetString("client-id") == "" {
		v.Set("client-id", uuid.NewString())
	}
	return nil
}

func newLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !v.GetBool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openDirectory connects to the directory the nodes register with
func openDirectory(logger *zap.Logger) (directory.Directory, error) {
	cfg := &config.Config{}
	cfg.Directory.Backend = v.GetString("backend")
	cfg.Directory.Endpoints = v.GetStringSlice("endpoints")
	cfg.Directory.Redis.Host = v.GetString("redis-host")
	cfg.Directory.Redis.Port = v.GetInt("redis-port")
	cfg.Directory.Redis.Password = v.GetString("redis-password")
	cfg.ApplyDefaults()

	if cfg.Directory.Backend == "memory" {
		return nil, fmt.Errorf("the memory backend is process-local; use etcd or redis")
	}
	return node.OpenDirectory(cfg, logger)
}

func newRouter(dir directory.Directory, logger *zap.Logger) *client.Router {
	return client.NewRouter(dir, v.GetString("service"), v.GetInt("virtual-nodes"), 0, logger)
}

// target is the node a command talks to
type target struct {
	addr      string
	nodeID    string
	healthURL string
}

// resolveTarget returns --node when set, otherwise the ring owner of the client id
func resolveTarget(ctx context.Context, logger *zap.Logger) (*target, error) {
	if addr := v.GetString("node"); addr != "" {
		return &target{addr: addr}, nil
	}

	dir, err := openDirectory(logger)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	inst, err := newRouter(dir, logger).PickNode(ctx, v.GetString("client-id"))
	if err != nil {
		return nil, err
	}
	logger.Debug("Connected node",
		zap.String("node_id", inst.NodeID),
		zap.String("addr", inst.Endpoint()))
	return &target{addr: inst.Endpoint(), nodeID: inst.NodeID, healthURL: inst.HealthCheckURL}, nil
}

// connect resolves the target and returns a client for it
func connect(ctx context.Context) (*client.FileClient, *target, *zap.Logger, error) {
	logger := newLogger()
	t, err := resolveTarget(ctx, logger)
	if err != nil {
		return nil, nil, logger, err
	}
	return client.NewFileClient(t.addr, v.GetDuration("timeout"), 0), t, logger, nil
}
