package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "realm: test\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, defaultOpsPort, cfg.OpsPort)
	assert.Equal(t, defaultInterface, cfg.Interface)
	assert.Equal(t, defaultPortRangeStart, cfg.PortRangeStart)
	assert.Equal(t, defaultPortRangeEnd, cfg.PortRangeEnd)
	assert.Equal(t, StrategyRandom, cfg.InstanceStrategy)
	assert.Equal(t, "test", cfg.Realm)
}

func TestLoadDefaultRealmIsGlobal(t *testing.T) {
	path := writeConfig(t, "ops_port: 7000\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "global", cfg.Realm)
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeConfig(t, "realm: prod\nops_port: 7000\nn_processes: 4\nport_range_start: 9000\nport_range_end: 9100\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.OpsPort)
	assert.Equal(t, 4, cfg.NProcesses)
	assert.Equal(t, 9000, cfg.PortRangeStart)
	assert.Equal(t, 9100, cfg.PortRangeEnd)
}

func TestLoadRejectsInvertedPortRange(t *testing.T) {
	path := writeConfig(t, "port_range_start: 9000\nport_range_end: 8000\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAcceptsSinglePortRange(t *testing.T) {
	path := writeConfig(t, "port_range_start: 5000\nport_range_end: 5000\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.PortRangeStart)
	assert.Equal(t, 5000, cfg.PortRangeEnd)
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	path := writeConfig(t, "instance_strategy: quantum\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
