package config

import (
	"time"

	"github.com/vietddude/keyproxy/internal/core/pool"
	redisclient "github.com/vietddude/keyproxy/internal/infra/redis"
	"github.com/vietddude/keyproxy/internal/proxy"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server  ServerConfig       `yaml:"server"`
	Redis   redisclient.Config `yaml:"redis"`
	Logging LoggingConfig      `yaml:"logging"`
	Pool    PoolConfig         `yaml:"pool"`
	Proxy   ProxyConfig        `yaml:"proxy"`
	Jobs    JobsConfig         `yaml:"jobs"`
	Sweep   SweepConfig        `yaml:"sweep"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	AdminToken string `yaml:"admin_token"` // empty disables /admin
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// PoolConfig holds credential pool limits and the keys seeded at startup.
type PoolConfig struct {
	pool.Config `yaml:",inline"`

	SeedKeys string `yaml:"seed_keys"` // comma or whitespace separated
}

// ProxyConfig holds upstream and retry settings.
type ProxyConfig struct {
	proxy.Config `yaml:",inline"`

	UpstreamURL string              `yaml:"upstream_url"`
	KeyHeader   string              `yaml:"key_header"`
	Timeout     proxy.TimeoutConfig `yaml:"timeout"`
}

// JobsConfig holds async job settings.
type JobsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	TTL          time.Duration `yaml:"idempotency_ttl"`
}

// SweepConfig holds maintenance settings.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables the background sweeper
}
