package proxy

import (
	"sync"
	"time"

	"github.com/vietddude/keyproxy/internal/metrics"
)

// TimeoutConfig bounds the adaptive per-attempt timeout.
type TimeoutConfig struct {
	Initial time.Duration `yaml:"initial"`
	Floor   time.Duration `yaml:"floor"`
	Ceiling time.Duration `yaml:"ceiling"`
	Growth  float64       `yaml:"growth"`
	Shrink  float64       `yaml:"shrink"`
}

// DefaultTimeoutConfig returns sensible defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Initial: 15 * time.Second,
		Floor:   5 * time.Second,
		Ceiling: 30 * time.Second,
		Growth:  1.2,
		Shrink:  0.9,
	}
}

// AdaptiveTimeout is the process-wide per-attempt timeout. It widens on
// timeouts and server errors and narrows on success, always within
// [Floor, Ceiling]. Safe for concurrent use.
type AdaptiveTimeout struct {
	mu      sync.Mutex
	cfg     TimeoutConfig
	current time.Duration
}

// NewAdaptiveTimeout creates a controller, filling zero fields from the defaults.
func NewAdaptiveTimeout(cfg TimeoutConfig) *AdaptiveTimeout {
	def := DefaultTimeoutConfig()
	if cfg.Floor <= 0 {
		cfg.Floor = def.Floor
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.Ceiling < cfg.Floor {
		cfg.Ceiling = cfg.Floor
	}
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Growth <= 1 {
		cfg.Growth = def.Growth
	}
	if cfg.Shrink <= 0 || cfg.Shrink >= 1 {
		cfg.Shrink = def.Shrink
	}

	t := &AdaptiveTimeout{cfg: cfg}
	t.set(cfg.Initial)
	return t
}

// Current returns the timeout for the next attempt.
func (t *AdaptiveTimeout) Current() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Increase widens the timeout by the growth factor.
func (t *AdaptiveTimeout) Increase() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set(time.Duration(float64(t.current) * t.cfg.Growth))
}

// Decrease narrows the timeout by the shrink factor.
func (t *AdaptiveTimeout) Decrease() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set(time.Duration(float64(t.current) * t.cfg.Shrink))
}

// Reset restores the initial timeout.
func (t *AdaptiveTimeout) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set(t.cfg.Initial)
}

// set clamps d into bounds. Callers hold mu, except during construction.
func (t *AdaptiveTimeout) set(d time.Duration) time.Duration {
	t.current = min(t.cfg.Ceiling, max(t.cfg.Floor, d))
	metrics.AdaptiveTimeout.Set(t.current.Seconds())
	return t.current
}
