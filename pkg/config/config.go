// Package config loads the node configuration from TOML.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the application configuration loaded from TOML.
type Config struct {
	Node    NodeConfig    `toml:"node"`
	Network NetworkConfig `toml:"network"`
}

// NodeConfig holds local identity and storage settings.
type NodeConfig struct {
	// PeerID is the preferred board identity. Empty means reuse the
	// persisted one or generate a fresh one.
	PeerID string `toml:"peerId"`
	// Name is the display name for a first-run profile.
	Name string `toml:"name"`
	// DataDir is where the record store and identity key live. Empty
	// means in-memory only.
	DataDir string `toml:"dataDir"`
	Port    int    `toml:"port"`
}

// NetworkConfig holds mesh-related settings.
type NetworkConfig struct {
	// Bootstrap lists multiaddrs of known nodes to join through.
	Bootstrap []string `toml:"bootstrap"`
	// ConnectTimeoutSeconds bounds each dial attempt.
	ConnectTimeoutSeconds int `toml:"connectTimeoutSeconds"`
}

// NewDefaultConfig returns a Config populated with default values.
func NewDefaultConfig() Config {
	dataDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".crossroad")
	}
	return Config{
		Node: NodeConfig{
			DataDir: dataDir,
			Port:    9500,
		},
		Network: NetworkConfig{
			Bootstrap:             []string{},
			ConnectTimeoutSeconds: 15,
		},
	}
}

// DefaultConfigPath returns the XDG default path for the config file.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, err2 := os.UserHomeDir()
		if err2 != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "crossroad", "config.toml"), nil
}

// Load reads the configuration from the given path. If path is empty,
// it uses the XDG default. A missing file returns defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}
	if info, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	} else if info.IsDir() {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
