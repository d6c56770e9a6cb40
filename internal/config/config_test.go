package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndBuildsBPF(t *testing.T) {
	path := writeTempConfig(t, `
capture:
  iface: eth0
  local_ip: 10.0.0.5
  remote_ip: 10.0.0.10
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "eth0", cfg.Capture.Iface)
	assert.Equal(t, 8484, cfg.Capture.RemotePort)
	assert.Contains(t, cfg.Capture.BPFFilter, "10.0.0.5")
	assert.Contains(t, cfg.Capture.BPFFilter, "10.0.0.10")
	assert.Contains(t, cfg.Capture.BPFFilter, "8484")
	assert.Equal(t, "127.0.0.1", cfg.Control.BindIP)
	assert.Equal(t, 50005, cfg.Control.Port)
}

func TestLoadAppendsLocalPortFilter(t *testing.T) {
	path := writeTempConfig(t, `
capture:
  iface: eth0
  local_ip: 10.0.0.5
  remote_ip: 10.0.0.10
  local_port: 54321
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, cfg.Capture.BPFFilter, "tcp port 54321")
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	path := writeTempConfig(t, `
capture:
  iface: eth0
`)
	_, err := Load(path)
	assert.Error(t, err)
}
