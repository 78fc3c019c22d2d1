package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig is the on-disk/YAML shape the Pipeline Table is built
// from. Field tags follow llm/config/types.go's flat, env-overridable
// style.
type GatewayConfig struct {
	Providers     map[string]ProviderConfig     `yaml:"providers" json:"providers"`
	VirtualModels map[string]VirtualModelConfig `yaml:"virtualModels" json:"virtualModels"`
	Scheduler     SchedulerConfig               `yaml:"scheduler" json:"scheduler"`
	Observer      ObserverConfig                `yaml:"observer" json:"observer"`
}

// ProviderConfig describes one upstream provider the gateway can call.
type ProviderConfig struct {
	Code    string       `yaml:"code" json:"code"`
	BaseURL string       `yaml:"baseUrl" json:"baseUrl"`
	Auth    ProviderAuth `yaml:"auth" json:"auth"`
	APIKeys []string     `yaml:"apiKeys" json:"apiKeys"`
}

// VirtualModelConfig is one client-facing virtual model: an ordered
// set of targets, a load-balancing strategy and per-VM limits.
type VirtualModelConfig struct {
	Targets               []Target      `yaml:"targets" json:"targets"`
	Strategy              string        `yaml:"strategy" json:"strategy"` // round_robin|weighted|least_conn|random
	MaxConcurrentRequests int           `yaml:"maxConcurrentRequests" json:"maxConcurrentRequests"`
	RequestTimeout        time.Duration `yaml:"requestTimeout" json:"requestTimeout"`

	// Enabled gates the whole virtual model out of the built Pipeline
	// Table when false. Defaults to true when unset.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// StreamChunkTokens caps how many estimated tokens go into each
	// synthesized chunk when a streaming client targets a
	// non-stream-only instance (spec §4.2.2); 0 falls back to the
	// workflow stage's own default.
	StreamChunkTokens int `yaml:"streamChunkTokens,omitempty" json:"streamChunkTokens,omitempty"`
	// StreamChunkDelay paces synthesized chunks, mimicking a live
	// token stream instead of bursting the whole response at once.
	StreamChunkDelay time.Duration `yaml:"streamChunkDelay,omitempty" json:"streamChunkDelay,omitempty"`
}

// IsEnabled reports whether this virtual model should be built into
// the Pipeline Table, defaulting to true when Enabled is unset.
func (c VirtualModelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SchedulerConfig tunes circuit breaker, blacklist and retry defaults
// shared by all virtual models unless overridden.
type SchedulerConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Blacklist      BlacklistConfig      `yaml:"blacklist" json:"blacklist"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
}

// CircuitBreakerConfig mirrors llm/circuitbreaker.Config, scoped per
// pipeline instance instead of per provider call.
type CircuitBreakerConfig struct {
	Threshold        int           `yaml:"threshold" json:"threshold"`
	Window           time.Duration `yaml:"window" json:"window"`
	RecoveryTimeout  time.Duration `yaml:"recoveryTimeout" json:"recoveryTimeout"`
	HalfOpenMaxCalls int           `yaml:"halfOpenMaxCalls" json:"halfOpenMaxCalls"`

	// RequestVolumeThreshold is the minimum number of requests an
	// instance must see within Window before the breaker is allowed to
	// open on failure count alone — guards against tripping on a
	// handful of early failures before there's enough signal.
	RequestVolumeThreshold int `yaml:"requestVolumeThreshold" json:"requestVolumeThreshold"`
}

// BlacklistConfig controls the background sweep interval and default
// time-bounded exclusion duration.
type BlacklistConfig struct {
	SweepInterval   time.Duration `yaml:"sweepInterval" json:"sweepInterval"`
	DefaultDuration time.Duration `yaml:"defaultDuration" json:"defaultDuration"`
}

// RetryConfig feeds the Error Handler Center's default Retry action.
type RetryConfig struct {
	MaxRetries   int           `yaml:"maxRetries" json:"maxRetries"`
	InitialDelay time.Duration `yaml:"initialDelay" json:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay" json:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
}

// ObserverConfig selects optional trace sinks (see observer.go).
type ObserverConfig struct {
	Mongo MongoObserverConfig `yaml:"mongo" json:"mongo"`
}

// MongoObserverConfig, when URI is non-empty, enables the Mongo
// execution-trace sink.
type MongoObserverConfig struct {
	URI        string `yaml:"uri" json:"uri"`
	Database   string `yaml:"database" json:"database"`
	Collection string `yaml:"collection" json:"collection"`
}

// DefaultSchedulerConfig returns conservative defaults matching
// llm/circuitbreaker.DefaultConfig and llm/retry.DefaultRetryPolicy.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:              5,
			Window:                 60 * time.Second,
			RecoveryTimeout:        30 * time.Second,
			HalfOpenMaxCalls:       1,
			RequestVolumeThreshold: 10,
		},
		Blacklist: BlacklistConfig{
			SweepInterval:   30 * time.Second,
			DefaultDuration: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// LoadGatewayConfig reads and parses a GatewayConfig from a YAML file,
// following the same gopkg.in/yaml.v3 convention as config/loader.go.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateway config: %w", err)
	}

	cfg := &GatewayConfig{Scheduler: DefaultSchedulerConfig()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse gateway config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks referential integrity between virtual models and
// providers before the Pipeline Table is built.
func (c *GatewayConfig) Validate() error {
	if len(c.VirtualModels) == 0 {
		return fmt.Errorf("gateway config: no virtual models configured")
	}
	for vmID, vm := range c.VirtualModels {
		if len(vm.Targets) == 0 {
			return fmt.Errorf("gateway config: virtual model %q has no targets", vmID)
		}
		for _, t := range vm.Targets {
			if _, ok := c.Providers[t.ProviderID]; !ok {
				return fmt.Errorf("gateway config: virtual model %q references unknown provider %q", vmID, t.ProviderID)
			}
		}
	}
	return nil
}
