// Package config provides configuration management for sitefs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/devrev/sitefs/internal/model"
)

// Config represents the sitefs node configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Topology     TopologyConfig     `mapstructure:"topology"`
	Replication  ReplicationConfig  `mapstructure:"replication"`
	Invalidation InvalidationConfig `mapstructure:"invalidation"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Gossip       GossipConfig       `mapstructure:"gossip"`
	RateLimiter  RateLimiterConfig  `mapstructure:"rate_limiter"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxClients caps the API-driven clients held in memory
	MaxClients int `mapstructure:"max_clients"`
}

// TopologyConfig describes the fixed set of sites and which site is primary
// for each file. Sites are listed in read fallback order.
type TopologyConfig struct {
	Sites     []string            `mapstructure:"sites"`
	Primaries []PrimaryAssignment `mapstructure:"primaries"`
	SeedFile  string              `mapstructure:"seed_file"`
}

// PrimaryAssignment maps one file to its primary site. Assignments are a
// list rather than a map because file names contain dots.
type PrimaryAssignment struct {
	File string `mapstructure:"file"`
	Site string `mapstructure:"site"`
}

// ReplicationConfig holds write quorum and replica call settings
type ReplicationConfig struct {
	// MinQuorum raises the write quorum above a majority; values at or below
	// a majority have no effect.
	MinQuorum       int           `mapstructure:"min_quorum"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	MaxNameLength   int           `mapstructure:"max_name_length"`
	MaxContentBytes int           `mapstructure:"max_content_bytes"`
}

// InvalidationConfig selects how invalidation callbacks are delivered
type InvalidationConfig struct {
	Mode        string        `mapstructure:"mode"`
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// IdempotencyConfig holds idempotency-key settings for writes
type IdempotencyConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

// RedisConfig represents Redis idempotency store configuration
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// GossipConfig holds membership configuration. NodeName must be the site this
// process speaks for.
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	NodeName       string        `mapstructure:"node_name"`
	BindAddr       string        `mapstructure:"bind_addr"`
	BindPort       int           `mapstructure:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	InvalidationModeSync  = "sync"
	InvalidationModeAsync = "async"

	IdempotencyBackendMemory = "memory"
	IdempotencyBackendRedis  = "redis"
)

// DefaultConfig returns default configuration values: three sites with one
// seeded file each.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxClients:      1000,
		},
		Topology: TopologyConfig{
			Sites: []string{"new-york", "toronto", "london"},
			Primaries: []PrimaryAssignment{
				{File: "file1.txt", Site: "new-york"},
				{File: "file2.txt", Site: "toronto"},
				{File: "file3.txt", Site: "london"},
			},
		},
		Replication: ReplicationConfig{
			MinQuorum:       0,
			WriteTimeout:    5 * time.Second,
			ReadTimeout:     2 * time.Second,
			MaxNameLength:   255,
			MaxContentBytes: 1 << 20,
		},
		Invalidation: InvalidationConfig{
			Mode:        InvalidationModeSync,
			Workers:     4,
			QueueSize:   1024,
			StopTimeout: 5 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Enabled:    true,
			Backend:    IdempotencyBackendMemory,
			TTL:        24 * time.Hour,
			MaxEntries: 10000,
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			KeyPrefix: "sitefs:",
		},
		Gossip: GossipConfig{
			Enabled:        false,
			NodeName:       "new-york",
			BindAddr:       "0.0.0.0",
			BindPort:       7946,
			GossipInterval: 200 * time.Millisecond,
			ProbeInterval:  time.Second,
			ProbeTimeout:   500 * time.Millisecond,
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           false,
			RequestsPerSecond: 1000,
			BurstSize:         100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxClients <= 0 {
		return fmt.Errorf("server.max_clients must be positive")
	}

	sites, err := c.SiteList()
	if err != nil {
		return err
	}
	known := make(map[model.Site]bool, len(sites))
	for _, s := range sites {
		if known[s] {
			return fmt.Errorf("topology.sites: duplicate site %q", s)
		}
		known[s] = true
	}

	seen := make(map[string]bool, len(c.Topology.Primaries))
	for i, p := range c.Topology.Primaries {
		if strings.TrimSpace(p.File) == "" {
			return fmt.Errorf("topology.primaries[%d]: file is required", i)
		}
		if seen[p.File] {
			return fmt.Errorf("topology.primaries[%d]: %s assigned more than once", i, p.File)
		}
		seen[p.File] = true

		site, err := model.ParseSite(p.Site)
		if err != nil {
			return fmt.Errorf("topology.primaries[%d]: %w", i, err)
		}
		if !known[site] {
			return fmt.Errorf("topology.primaries[%d]: site %q is not in topology.sites", i, site)
		}
	}

	if c.Replication.MinQuorum < 0 || c.Replication.MinQuorum > len(sites) {
		return fmt.Errorf("replication.min_quorum must be between 0 and %d", len(sites))
	}
	if c.Replication.WriteTimeout <= 0 || c.Replication.ReadTimeout <= 0 {
		return fmt.Errorf("replication timeouts must be positive")
	}

	switch c.Invalidation.Mode {
	case InvalidationModeSync:
	case InvalidationModeAsync:
		if c.Invalidation.Workers <= 0 || c.Invalidation.QueueSize <= 0 {
			return fmt.Errorf("invalidation workers and queue_size must be positive in async mode")
		}
	default:
		return fmt.Errorf("invalidation.mode must be one of: sync, async")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Backend {
		case IdempotencyBackendMemory, IdempotencyBackendRedis:
		default:
			return fmt.Errorf("idempotency.backend must be one of: memory, redis")
		}
		if c.Idempotency.TTL <= 0 {
			return fmt.Errorf("idempotency.ttl must be positive")
		}
		if c.Idempotency.Backend == IdempotencyBackendRedis && c.Redis.Host == "" {
			return fmt.Errorf("redis.host is required for the redis idempotency backend")
		}
	}

	if c.Gossip.Enabled {
		node, err := model.ParseSite(c.Gossip.NodeName)
		if err != nil {
			return fmt.Errorf("gossip.node_name: %w", err)
		}
		if !known[node] {
			return fmt.Errorf("gossip.node_name %q is not in topology.sites", node)
		}
		if c.Gossip.BindPort <= 0 || c.Gossip.BindPort > 65535 {
			return fmt.Errorf("invalid gossip bind port: %d", c.Gossip.BindPort)
		}
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// SiteList returns the configured sites, parsed, in fallback order
func (c *Config) SiteList() ([]model.Site, error) {
	if len(c.Topology.Sites) == 0 {
		return nil, fmt.Errorf("topology.sites must list at least one site")
	}
	sites := make([]model.Site, 0, len(c.Topology.Sites))
	for i, raw := range c.Topology.Sites {
		s, err := model.ParseSite(raw)
		if err != nil {
			return nil, fmt.Errorf("topology.sites[%d]: %w", i, err)
		}
		sites = append(sites, s)
	}
	return sites, nil
}

// PrimaryMap returns the file to primary site assignment
func (c *Config) PrimaryMap() map[string]model.Site {
	out := make(map[string]model.Site, len(c.Topology.Primaries))
	for _, p := range c.Topology.Primaries {
		site, err := model.ParseSite(p.Site)
		if err != nil {
			continue
		}
		out[p.File] = site
	}
	return out
}
