package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	require.Equal(t, 9500, cfg.Node.Port)
	require.Equal(t, 15, cfg.Network.ConnectTimeoutSeconds)
	require.Empty(t, cfg.Network.Bootstrap)
}

func TestLoadParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[node]
peerId = "crossroad-abc123"
name = "Alice"
dataDir = "/tmp/crossroad-test"
port = 7000

[network]
bootstrap = ["/ip4/10.0.0.1/tcp/9500/p2p/QmPeer"]
connectTimeoutSeconds = 30
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "crossroad-abc123", cfg.Node.PeerID)
	require.Equal(t, "Alice", cfg.Node.Name)
	require.Equal(t, "/tmp/crossroad-test", cfg.Node.DataDir)
	require.Equal(t, 7000, cfg.Node.Port)
	require.Equal(t, []string{"/ip4/10.0.0.1/tcp/9500/p2p/QmPeer"}, cfg.Network.Bootstrap)
	require.Equal(t, 30, cfg.Network.ConnectTimeoutSeconds)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[node]
name = "Bob"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "Bob", cfg.Node.Name)
	require.Equal(t, 9500, cfg.Node.Port)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("node = {"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}
