package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/keyproxy/internal/core/pool"
	"github.com/vietddude/keyproxy/internal/proxy"
	"github.com/vietddude/keyproxy/internal/proxy/upstream"
)

const defaultUpstreamURL = "https://generativelanguage.googleapis.com"

// Default returns a configuration with every default applied.
func Default() *AppConfig {
	var cfg AppConfig
	applyDefaults(&cfg)
	return &cfg
}

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that cannot work.
func (c *AppConfig) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Pool.RPMLimit < 0 || c.Pool.DailyLimit < 0 {
		return fmt.Errorf("pool limits must not be negative")
	}
	if c.Proxy.Timeout.Floor > c.Proxy.Timeout.Ceiling {
		return fmt.Errorf("proxy.timeout.floor %s exceeds ceiling %s", c.Proxy.Timeout.Floor, c.Proxy.Timeout.Ceiling)
	}
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	poolDef := pool.DefaultConfig()
	if cfg.Pool.RPMLimit == 0 {
		cfg.Pool.RPMLimit = poolDef.RPMLimit
	}
	if cfg.Pool.Cooldown == 0 {
		cfg.Pool.Cooldown = poolDef.Cooldown
	}
	if cfg.Pool.LockLease == 0 {
		cfg.Pool.LockLease = poolDef.LockLease
	}
	if cfg.Pool.LockRetries == 0 {
		cfg.Pool.LockRetries = poolDef.LockRetries
	}

	if cfg.Proxy.UpstreamURL == "" {
		cfg.Proxy.UpstreamURL = defaultUpstreamURL
	}
	if cfg.Proxy.KeyHeader == "" {
		cfg.Proxy.KeyHeader = upstream.DefaultKeyHeader
	}
	routerDef := proxy.DefaultConfig()
	if cfg.Proxy.MaxAttempts == 0 {
		cfg.Proxy.MaxAttempts = routerDef.MaxAttempts
	}
	if cfg.Proxy.RetryMaxDelay == 0 {
		cfg.Proxy.RetryMaxDelay = routerDef.RetryMaxDelay
	}
	timeoutDef := proxy.DefaultTimeoutConfig()
	if cfg.Proxy.Timeout.Initial == 0 {
		cfg.Proxy.Timeout.Initial = timeoutDef.Initial
	}
	if cfg.Proxy.Timeout.Floor == 0 {
		cfg.Proxy.Timeout.Floor = timeoutDef.Floor
	}
	if cfg.Proxy.Timeout.Ceiling == 0 {
		cfg.Proxy.Timeout.Ceiling = timeoutDef.Ceiling
	}
	if cfg.Proxy.Timeout.Growth == 0 {
		cfg.Proxy.Timeout.Growth = timeoutDef.Growth
	}
	if cfg.Proxy.Timeout.Shrink == 0 {
		cfg.Proxy.Timeout.Shrink = timeoutDef.Shrink
	}

	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 1
	}
	if cfg.Jobs.PollInterval == 0 {
		cfg.Jobs.PollInterval = time.Second
	}
	if cfg.Jobs.TTL == 0 {
		cfg.Jobs.TTL = 24 * time.Hour
	}
}
