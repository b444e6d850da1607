// Package config handles configuration loading and validation for routemesh.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RegionConfig identifies a primary regional backend. Immutable after load.
type RegionConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// MeshConfig holds configuration for the peer-to-peer fallback mesh.
type MeshConfig struct {
	DiscoveryPort     int      `yaml:"discovery_port"`     // UDP broadcast port for announces (default: 7946)
	MeshPort          int      `yaml:"mesh_port"`          // UDP port for query/response exchange (default: 7947)
	MaxPeers          int      `yaml:"max_peers"`          // Registry capacity (default: 50)
	HeartbeatInterval string   `yaml:"heartbeat_interval"` // Duration string, e.g. "30s"
	QueryTimeout      string   `yaml:"query_timeout"`      // Mesh query timeout (default: "10s")
	SeedPeers         []string `yaml:"seed_peers"`         // Optional static addr:port seeds for non-broadcast networks
	BroadcastAddr     string   `yaml:"broadcast_addr"`     // Announce destination (default: 255.255.255.255, "none" disables)
}

// CacheConfig holds configuration for the response cache.
type CacheConfig struct {
	TTL     string `yaml:"ttl"`      // Entry lifetime (default: "1h")
	MaxSize int    `yaml:"max_size"` // Entry capacity (default: 10000)
}

// SourceConfig declares an HTTP data source for the replicator.
type SourceConfig struct {
	Name      string  `yaml:"name"`
	URL       string  `yaml:"url"`
	JSONField string  `yaml:"json_field"` // Numeric field extracted from the response body
	Priority  int     `yaml:"priority"`
	Weight    float64 `yaml:"weight"`
	Enabled   *bool   `yaml:"enabled,omitempty"` // Defaults to true when omitted
}

// ReplicationConfig holds configuration for the data replicator.
type ReplicationConfig struct {
	Strategy     string         `yaml:"strategy"`      // first-success, majority, average, all
	MaxVariance  float64        `yaml:"max_variance"`  // Relative deviation flagged as conflict (default: 0.05)
	MinSources   int            `yaml:"min_sources"`   // Minimum successes required (default: 1)
	FetchTimeout string         `yaml:"fetch_timeout"` // Per-source fetch timeout (default: "10s")
	PostgresDSN  string         `yaml:"postgres_dsn"`  // Replica record persistence; empty disables
	Sources      []SourceConfig `yaml:"sources"`
}

// Config is the top-level node configuration.
type Config struct {
	NodeID              string            `yaml:"node_id"` // Defaults to hostname
	Listen              string            `yaml:"listen"`  // HTTP API listen address (default: ":8400")
	Regions             []RegionConfig    `yaml:"regions"`
	MaxFailures         int               `yaml:"max_failures"`          // Failures before a region is excluded (default: 3)
	HealthCheckTimeout  string            `yaml:"health_check_timeout"`  // Region probe/forward timeout (default: "5s")
	HealthCheckInterval string            `yaml:"health_check_interval"` // Background probe cadence (default: "30s")
	Mesh                MeshConfig        `yaml:"mesh"`
	Cache               CacheConfig       `yaml:"cache"`
	Replication         ReplicationConfig `yaml:"replication"`
	LogLevel            string            `yaml:"log_level"`
}

// Load reads node configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.NodeID == "" {
		c.NodeID, _ = os.Hostname()
	}
	if c.Listen == "" {
		c.Listen = ":8400"
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.HealthCheckTimeout == "" {
		c.HealthCheckTimeout = "5s"
	}
	if c.HealthCheckInterval == "" {
		c.HealthCheckInterval = "30s"
	}
	if c.Mesh.DiscoveryPort == 0 {
		c.Mesh.DiscoveryPort = 7946
	}
	if c.Mesh.MeshPort == 0 {
		c.Mesh.MeshPort = 7947
	}
	if c.Mesh.MaxPeers == 0 {
		c.Mesh.MaxPeers = 50
	}
	if c.Mesh.BroadcastAddr == "" {
		c.Mesh.BroadcastAddr = "255.255.255.255"
	}
	if c.Mesh.HeartbeatInterval == "" {
		c.Mesh.HeartbeatInterval = "30s"
	}
	if c.Mesh.QueryTimeout == "" {
		c.Mesh.QueryTimeout = "10s"
	}
	if c.Cache.TTL == "" {
		c.Cache.TTL = "1h"
	}
	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = 10000
	}
	if c.Replication.Strategy == "" {
		c.Replication.Strategy = "first-success"
	}
	if c.Replication.MaxVariance == 0 {
		c.Replication.MaxVariance = 0.05
	}
	if c.Replication.MinSources == 0 {
		c.Replication.MinSources = 1
	}
	if c.Replication.FetchTimeout == "" {
		c.Replication.FetchTimeout = "10s"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	for i, r := range c.Regions {
		if r.Name == "" {
			return fmt.Errorf("regions[%d]: name is required", i)
		}
		if r.Address == "" {
			return fmt.Errorf("region %q: address is required", r.Name)
		}
		if r.Port <= 0 || r.Port > 65535 {
			return fmt.Errorf("region %q: port must be between 1 and 65535", r.Name)
		}
	}
	if c.Mesh.DiscoveryPort <= 0 || c.Mesh.DiscoveryPort > 65535 {
		return fmt.Errorf("mesh.discovery_port must be between 1 and 65535")
	}
	if c.Mesh.MeshPort <= 0 || c.Mesh.MeshPort > 65535 {
		return fmt.Errorf("mesh.mesh_port must be between 1 and 65535")
	}
	if c.Mesh.DiscoveryPort == c.Mesh.MeshPort {
		return fmt.Errorf("mesh.discovery_port and mesh.mesh_port must differ")
	}
	if c.Mesh.MaxPeers < 1 {
		return fmt.Errorf("mesh.max_peers must be positive")
	}
	if _, err := c.Durations(); err != nil {
		return err
	}
	switch c.Replication.Strategy {
	case "first-success", "majority", "average", "all":
	default:
		return fmt.Errorf("replication.strategy %q is not one of first-success, majority, average, all", c.Replication.Strategy)
	}
	if c.Replication.MaxVariance <= 0 {
		return fmt.Errorf("replication.max_variance must be positive")
	}
	for _, s := range c.Replication.Sources {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("replication source requires name and url")
		}
		if s.Weight < 0 {
			return fmt.Errorf("source %q: weight must not be negative", s.Name)
		}
	}
	return nil
}

// ParsedDurations holds every duration-typed config value in parsed form.
type ParsedDurations struct {
	HealthCheckTimeout  time.Duration
	HealthCheckInterval time.Duration
	HeartbeatInterval   time.Duration
	MeshQueryTimeout    time.Duration
	CacheTTL            time.Duration
	FetchTimeout        time.Duration
}

// Durations parses the duration strings in the config.
func (c *Config) Durations() (*ParsedDurations, error) {
	d := &ParsedDurations{}
	var err error
	if d.HealthCheckTimeout, err = time.ParseDuration(c.HealthCheckTimeout); err != nil {
		return nil, fmt.Errorf("invalid health_check_timeout: %w", err)
	}
	if d.HealthCheckInterval, err = time.ParseDuration(c.HealthCheckInterval); err != nil {
		return nil, fmt.Errorf("invalid health_check_interval: %w", err)
	}
	if d.HeartbeatInterval, err = time.ParseDuration(c.Mesh.HeartbeatInterval); err != nil {
		return nil, fmt.Errorf("invalid mesh.heartbeat_interval: %w", err)
	}
	if d.MeshQueryTimeout, err = time.ParseDuration(c.Mesh.QueryTimeout); err != nil {
		return nil, fmt.Errorf("invalid mesh.query_timeout: %w", err)
	}
	if d.CacheTTL, err = time.ParseDuration(c.Cache.TTL); err != nil {
		return nil, fmt.Errorf("invalid cache.ttl: %w", err)
	}
	if d.FetchTimeout, err = time.ParseDuration(c.Replication.FetchTimeout); err != nil {
		return nil, fmt.Errorf("invalid replication.fetch_timeout: %w", err)
	}
	return d, nil
}

// SourceEnabled reports whether a declared source is enabled.
func (s *SourceConfig) SourceEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}
