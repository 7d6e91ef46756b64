package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rechain/rechain/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, "badger", cfg.Storage.Engine)
	assert.Equal(t, uint64(1000), cfg.Consensus.RoundTimeoutMS)
	assert.Equal(t, uint64(3000), cfg.Consensus.ProposeTimeoutMS)
	assert.False(t, cfg.Consensus.Byzantine)
	assert.Empty(t, cfg.Network.Validators)
	assert.Empty(t, cfg.Network.PeerDiscovery)
}

func TestLoadConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")

	contents := `
network:
  listen_address: "127.0.0.1:30000"
  validators:
    - "aa"
    - "bb"
    - "cc"
    - "dd"
  peer_discovery:
    - "127.0.0.1:30001"
consensus:
  round_timeout_ms: 500
  propose_timeout_ms: 1500
  byzantine: true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:30000", cfg.Network.ListenAddress)
	assert.Equal(t, []string{"aa", "bb", "cc", "dd"}, cfg.Network.Validators)
	assert.Equal(t, []string{"127.0.0.1:30001"}, cfg.Network.PeerDiscovery)
	assert.Equal(t, uint64(500), cfg.Consensus.RoundTimeoutMS)
	assert.Equal(t, uint64(1500), cfg.Consensus.ProposeTimeoutMS)
	assert.True(t, cfg.Consensus.Byzantine)
}

func TestLoadConfig_NoFileUsesDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Consensus, cfg.Consensus)
}
