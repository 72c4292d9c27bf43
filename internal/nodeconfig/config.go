// Package nodeconfig provides the node's on-disk YAML configuration: a
// nested-section layout, create-if-missing LoadConfig, yaml.v3
// (de)serialisation, and ~-expansion for the data directory.
package nodeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dufferzafar/distributed-ledger/internal/ledger"
	"github.com/dufferzafar/distributed-ledger/internal/routing"
	"github.com/dufferzafar/distributed-ledger/internal/transport"
)

// ConfigFileName is the default config file name within a data directory.
const ConfigFileName = "config.yaml"

// Config holds all configuration for an overlay node.
type Config struct {
	Network NetworkConfig `yaml:"network"`
	Routing RoutingConfig `yaml:"routing"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// NetworkConfig holds UDP transport settings (component C).
type NetworkConfig struct {
	// ListenAddr is the local UDP address to bind, e.g. ":9000".
	ListenAddr string `yaml:"listen_addr"`

	// BootstrapID and BootstrapAddr identify the known node to join
	// through, if any. Both empty means this node boots as a root.
	BootstrapID   string `yaml:"bootstrap_id"`
	BootstrapAddr string `yaml:"bootstrap_addr"`

	// ReplyTimeout overrides the transport's default per-request deadline.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

// RoutingConfig holds the routing table and lookup parameters.
type RoutingConfig struct {
	// K is the k-bucket (and replacement-cache) capacity.
	K int `yaml:"k"`
	// Alpha is the iterative-lookup parallelism factor.
	Alpha int `yaml:"alpha"`
	// SeenCapacity bounds the broadcast-seen set.
	SeenCapacity int `yaml:"seen_capacity"`
}

// LedgerConfig holds the ledger's opening-balance parameter.
type LedgerConfig struct {
	GenesisAmount int64 `yaml:"genesis_amount"`
}

// StorageConfig holds on-disk data directory settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			ListenAddr:   ":0",
			ReplyTimeout: transport.DefaultReplyTimeout,
		},
		Routing: RoutingConfig{
			K:            routing.DefaultK,
			Alpha:        3,
			SeenCapacity: 10000,
		},
		Ledger: LedgerConfig{
			GenesisAmount: ledger.DefaultGenesisAmount,
		},
		Storage: StorageConfig{
			DataDir: "~/.overlayd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigPath returns the full path to the config file for dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// LoadConfig loads configuration from dataDir's config.yaml. If the file
// doesn't exist, it creates one with default values there first.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("nodeconfig: create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("nodeconfig: parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML, with a header comment.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("nodeconfig: create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("nodeconfig: marshal config: %w", err)
	}

	header := []byte("# overlayd node configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("nodeconfig: write config file: %w", err)
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
