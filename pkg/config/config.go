// Package config loads a node controller's YAML configuration file and
// fills in defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// InstanceStrategy is the instance_strategy setting. Both accepted
// values are validated only: the node controller does not read it and
// always places a new actor on a uniformly random pool instance.
type InstanceStrategy string

const (
	StrategyRandom InstanceStrategy = "random"
	StrategyPooled InstanceStrategy = "pooled"
)

// Config is the on-disk shape of a node's config file.
type Config struct {
	Realm     string `yaml:"realm"`
	OpsPort   int    `yaml:"ops_port"`
	Interface string `yaml:"interface"`

	NProcesses int `yaml:"n_processes"`

	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`

	PeerKeepaliveSeconds      int `yaml:"peer_keepalive_seconds"`
	InstanceKeepaliveSeconds  int `yaml:"instance_keepalive_seconds"`
	DirectorySyncSeconds      int `yaml:"directory_sync_seconds"`
	TombstoneCullingSeconds   int `yaml:"tombstone_culling_seconds"`

	InstanceStrategy InstanceStrategy `yaml:"instance_strategy"`

	Seeds []string `yaml:"seeds"`
}

// defaults mirror the original source's process defaults.
const (
	defaultOpsPort                   = 4999
	defaultInterface                 = "eth0"
	defaultPortRangeStart            = 5000
	defaultPortRangeEnd              = 6000
	defaultPeerKeepaliveSeconds      = 60
	defaultInstanceKeepaliveSeconds  = 60
	defaultDirectorySyncSeconds      = 60
	defaultTombstoneCullingSeconds   = 3600
	defaultInstanceStrategy          = StrategyRandom
)

// Load reads and parses the YAML file at path, applying defaults to any
// field left zero-valued.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.OpsPort == 0 {
		c.OpsPort = defaultOpsPort
	}
	if c.Interface == "" {
		c.Interface = defaultInterface
	}
	if c.NProcesses == 0 {
		c.NProcesses = runtime.NumCPU()
	}
	if c.PortRangeStart == 0 {
		c.PortRangeStart = defaultPortRangeStart
	}
	if c.PortRangeEnd == 0 {
		c.PortRangeEnd = defaultPortRangeEnd
	}
	if c.PeerKeepaliveSeconds == 0 {
		c.PeerKeepaliveSeconds = defaultPeerKeepaliveSeconds
	}
	if c.InstanceKeepaliveSeconds == 0 {
		c.InstanceKeepaliveSeconds = defaultInstanceKeepaliveSeconds
	}
	if c.DirectorySyncSeconds == 0 {
		c.DirectorySyncSeconds = defaultDirectorySyncSeconds
	}
	if c.TombstoneCullingSeconds == 0 {
		c.TombstoneCullingSeconds = defaultTombstoneCullingSeconds
	}
	if c.InstanceStrategy == "" {
		c.InstanceStrategy = defaultInstanceStrategy
	}
	if c.Realm == "" {
		c.Realm = "global"
	}
}

func (c *Config) validate() error {
	if c.PortRangeEnd < c.PortRangeStart {
		return fmt.Errorf("port_range_end (%d) must be >= port_range_start (%d)", c.PortRangeEnd, c.PortRangeStart)
	}
	if c.NProcesses < 0 {
		return fmt.Errorf("n_processes must be >= 0, got %d", c.NProcesses)
	}
	switch c.InstanceStrategy {
	case StrategyRandom, StrategyPooled:
	default:
		return fmt.Errorf("unknown instance_strategy %q", c.InstanceStrategy)
	}
	return nil
}
