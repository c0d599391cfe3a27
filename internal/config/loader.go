package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SITEFS_SERVER_PORT
const EnvPrefix = "SITEFS"

// Load loads configuration from an optional YAML file and environment
// variables. Environment variables take precedence over the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, d *Config) {
	// Server defaults
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.max_clients", d.Server.MaxClients)

	// Topology defaults
	v.SetDefault("topology.sites", d.Topology.Sites)
	primaries := make([]map[string]interface{}, 0, len(d.Topology.Primaries))
	for _, p := range d.Topology.Primaries {
		primaries = append(primaries, map[string]interface{}{"file": p.File, "site": p.Site})
	}
	v.SetDefault("topology.primaries", primaries)
	v.SetDefault("topology.seed_file", d.Topology.SeedFile)

	// Replication defaults
	v.SetDefault("replication.min_quorum", d.Replication.MinQuorum)
	v.SetDefault("replication.write_timeout", d.Replication.WriteTimeout)
	v.SetDefault("replication.read_timeout", d.Replication.ReadTimeout)
	v.SetDefault("replication.max_name_length", d.Replication.MaxNameLength)
	v.SetDefault("replication.max_content_bytes", d.Replication.MaxContentBytes)

	// Invalidation defaults
	v.SetDefault("invalidation.mode", d.Invalidation.Mode)
	v.SetDefault("invalidation.workers", d.Invalidation.Workers)
	v.SetDefault("invalidation.queue_size", d.Invalidation.QueueSize)
	v.SetDefault("invalidation.stop_timeout", d.Invalidation.StopTimeout)

	// Idempotency defaults
	v.SetDefault("idempotency.enabled", d.Idempotency.Enabled)
	v.SetDefault("idempotency.backend", d.Idempotency.Backend)
	v.SetDefault("idempotency.ttl", d.Idempotency.TTL)
	v.SetDefault("idempotency.max_entries", d.Idempotency.MaxEntries)

	// Redis defaults
	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	// Gossip defaults
	v.SetDefault("gossip.enabled", d.Gossip.Enabled)
	v.SetDefault("gossip.node_name", d.Gossip.NodeName)
	v.SetDefault("gossip.bind_addr", d.Gossip.BindAddr)
	v.SetDefault("gossip.bind_port", d.Gossip.BindPort)
	v.SetDefault("gossip.seed_nodes", d.Gossip.SeedNodes)
	v.SetDefault("gossip.gossip_interval", d.Gossip.GossipInterval)
	v.SetDefault("gossip.probe_interval", d.Gossip.ProbeInterval)
	v.SetDefault("gossip.probe_timeout", d.Gossip.ProbeTimeout)

	// Rate limiter defaults
	v.SetDefault("rate_limiter.enabled", d.RateLimiter.Enabled)
	v.SetDefault("rate_limiter.requests_per_second", d.RateLimiter.RequestsPerSecond)
	v.SetDefault("rate_limiter.burst_size", d.RateLimiter.BurstSize)

	// Metrics defaults
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}
