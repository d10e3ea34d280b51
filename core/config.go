package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RouterConfig holds the tiered router options.
type RouterConfig struct {
	MaxAttemptsPerRequest int              `yaml:"max_attempts_per_request"`
	TierUpliftPolicy      UpliftPolicy     `yaml:"tier_uplift_policy"`
	HealthThresholds      HealthThresholds `yaml:"health_thresholds"`
}

// HealthThresholds tune the provider health state machine.
type HealthThresholds struct {
	DegradedFailures   int           `yaml:"degraded_failures"`
	DegradedErrorRate  float64       `yaml:"degraded_error_rate"`
	UnhealthyFailures  int           `yaml:"unhealthy_failures"`
	UnhealthyErrorRate float64       `yaml:"unhealthy_error_rate"`
	RecoverySuccesses  int           `yaml:"recovery_successes"`
	ProbeInterval      time.Duration `yaml:"probe_interval"`
}

// QueueConfig holds the queue manager options.
type QueueConfig struct {
	DispatchesPerSecond     float64     `yaml:"dispatches_per_second"`
	MaxConcurrentDispatches int         `yaml:"max_concurrent_dispatches"`
	Retry                   RetryPolicy `yaml:"retry_policy"`
}

// WorkerConfig holds the worker process options.
type WorkerConfig struct {
	ListenAddr           string        `yaml:"listen_addr"`
	HandlerPoolSize      int           `yaml:"handler_pool_size"`
	PerRequestDeadline   time.Duration `yaml:"per_request_deadline"`
	WorkerURLSeenByQueue string        `yaml:"worker_url_seen_by_queue"`
}

// BatchWindow is one slice of the daily plan.
type BatchWindow struct {
	// Time is the window start in "HH:MM" UTC.
	Time string `yaml:"time"`
	// Share is the fraction of the daily target dispatched in this window.
	Share float64 `yaml:"share"`
	// OffPeak biases volume-tier items into this window.
	OffPeak bool `yaml:"off_peak"`
}

// SchedulerConfig holds the daily scheduler options.
type SchedulerConfig struct {
	DailyTarget  int                 `yaml:"daily_target"`
	BatchWindows []BatchWindow       `yaml:"batch_windows_utc"`
	TierShares   map[Tier]float64    `yaml:"tier_shares"`
	Platforms    []string            `yaml:"platforms"`
	Topics       map[string][]string `yaml:"topics"`
}

// PollerConfig holds the async poller options.
type PollerConfig struct {
	InitialInterval    time.Duration `yaml:"initial_interval"`
	MaxInterval        time.Duration `yaml:"max_interval"`
	MaxConcurrentPolls int           `yaml:"max_concurrent_polls"`
}

// Config is the full operator-facing configuration.
type Config struct {
	RedisAddr     string               `yaml:"redis_addr"`
	RedisPassword string               `yaml:"redis_password"`
	Providers     []ProviderDescriptor `yaml:"providers"`
	Router        RouterConfig         `yaml:"router"`
	Queue         QueueConfig          `yaml:"queue"`
	Worker        WorkerConfig         `yaml:"worker"`
	Scheduler     SchedulerConfig      `yaml:"scheduler"`
	Poller        PollerConfig         `yaml:"poller"`
}

// DefaultConfig returns a configuration with every tunable at its
// documented default. Providers must still be supplied by the operator.
func DefaultConfig() *Config {
	return &Config{
		RedisAddr: "localhost:6379",
		Router: RouterConfig{
			MaxAttemptsPerRequest: 3,
			TierUpliftPolicy:      UpliftOnExhaustion,
			HealthThresholds: HealthThresholds{
				DegradedFailures:   2,
				DegradedErrorRate:  0.25,
				UnhealthyFailures:  5,
				UnhealthyErrorRate: 0.5,
				RecoverySuccesses:  3,
				ProbeInterval:      60 * time.Second,
			},
		},
		Queue: QueueConfig{
			DispatchesPerSecond:     5,
			MaxConcurrentDispatches: 20,
			Retry:                   DefaultRetryPolicy(),
		},
		Worker: WorkerConfig{
			ListenAddr:         ":8080",
			HandlerPoolSize:    16,
			PerRequestDeadline: 900 * time.Second,
		},
		Scheduler: SchedulerConfig{
			DailyTarget: 24,
			BatchWindows: []BatchWindow{
				{Time: "06:00", Share: 0.2, OffPeak: true},
				{Time: "10:00", Share: 0.2},
				{Time: "14:00", Share: 0.2},
				{Time: "18:00", Share: 0.2},
				{Time: "22:00", Share: 0.2, OffPeak: true},
			},
			TierShares: map[Tier]float64{
				TierPremium:  0.125,
				TierStandard: 0.25,
				TierVolume:   0.625,
			},
			Platforms: []string{"youtube"},
		},
		Poller: PollerConfig{
			InitialInterval:    10 * time.Second,
			MaxInterval:        120 * time.Second,
			MaxConcurrentPolls: 8,
		},
	}
}

// LoadConfig reads a YAML config file and applies environment overrides.
// A missing path returns the defaults (providers empty).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingConfiguration, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
	}

	// Environment overrides beat the file for deployment-level settings.
	if addr := os.Getenv("VPCP_REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	if pw := os.Getenv("VPCP_REDIS_PASSWORD"); pw != "" {
		cfg.RedisPassword = pw
	}
	if url := os.Getenv("VPCP_WORKER_URL"); url != "" {
		cfg.Worker.WorkerURLSeenByQueue = url
	}
	if addr := os.Getenv("VPCP_LISTEN_ADDR"); addr != "" {
		cfg.Worker.ListenAddr = addr
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values so partially specified files work.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Router.MaxAttemptsPerRequest <= 0 {
		c.Router.MaxAttemptsPerRequest = d.Router.MaxAttemptsPerRequest
	}
	if c.Router.TierUpliftPolicy == "" {
		c.Router.TierUpliftPolicy = d.Router.TierUpliftPolicy
	}
	ht := &c.Router.HealthThresholds
	if ht.DegradedFailures <= 0 {
		ht.DegradedFailures = d.Router.HealthThresholds.DegradedFailures
	}
	if ht.DegradedErrorRate <= 0 {
		ht.DegradedErrorRate = d.Router.HealthThresholds.DegradedErrorRate
	}
	if ht.UnhealthyFailures <= 0 {
		ht.UnhealthyFailures = d.Router.HealthThresholds.UnhealthyFailures
	}
	if ht.UnhealthyErrorRate <= 0 {
		ht.UnhealthyErrorRate = d.Router.HealthThresholds.UnhealthyErrorRate
	}
	if ht.RecoverySuccesses <= 0 {
		ht.RecoverySuccesses = d.Router.HealthThresholds.RecoverySuccesses
	}
	if ht.ProbeInterval <= 0 {
		ht.ProbeInterval = d.Router.HealthThresholds.ProbeInterval
	}
	if c.Queue.DispatchesPerSecond <= 0 {
		c.Queue.DispatchesPerSecond = d.Queue.DispatchesPerSecond
	}
	if c.Queue.MaxConcurrentDispatches <= 0 {
		c.Queue.MaxConcurrentDispatches = d.Queue.MaxConcurrentDispatches
	}
	if c.Queue.Retry.MaxAttempts <= 0 {
		c.Queue.Retry = d.Queue.Retry
	}
	if c.Worker.ListenAddr == "" {
		c.Worker.ListenAddr = d.Worker.ListenAddr
	}
	if c.Worker.HandlerPoolSize <= 0 {
		c.Worker.HandlerPoolSize = d.Worker.HandlerPoolSize
	}
	if c.Worker.PerRequestDeadline <= 0 {
		c.Worker.PerRequestDeadline = d.Worker.PerRequestDeadline
	}
	if c.Poller.InitialInterval <= 0 {
		c.Poller.InitialInterval = d.Poller.InitialInterval
	}
	if c.Poller.MaxInterval <= 0 {
		c.Poller.MaxInterval = d.Poller.MaxInterval
	}
	if c.Poller.MaxConcurrentPolls <= 0 {
		c.Poller.MaxConcurrentPolls = d.Poller.MaxConcurrentPolls
	}
	if c.Scheduler.DailyTarget <= 0 {
		c.Scheduler.DailyTarget = d.Scheduler.DailyTarget
	}
	if len(c.Scheduler.BatchWindows) == 0 {
		c.Scheduler.BatchWindows = d.Scheduler.BatchWindows
	}
	if len(c.Scheduler.TierShares) == 0 {
		c.Scheduler.TierShares = d.Scheduler.TierShares
	}
	if len(c.Scheduler.Platforms) == 0 {
		c.Scheduler.Platforms = d.Scheduler.Platforms
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.MaxAttempts <= 0 {
			p.MaxAttempts = 3
		}
		if p.MaxJobLifetime <= 0 {
			p.MaxJobLifetime = 30 * time.Minute
		}
		if p.ArtifactMode == "" {
			p.ArtifactMode = ArtifactInlineURL
		}
	}
}

// Validate returns an error describing the first misconfiguration found.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate provider id %q", ErrInvalidConfiguration, p.ID)
		}
		seen[p.ID] = true
	}

	var shareSum float64
	for _, w := range c.Scheduler.BatchWindows {
		if _, err := time.Parse("15:04", w.Time); err != nil {
			return fmt.Errorf("%w: bad batch window time %q", ErrInvalidConfiguration, w.Time)
		}
		shareSum += w.Share
	}
	if len(c.Scheduler.BatchWindows) > 0 && (shareSum < 0.99 || shareSum > 1.01) {
		return fmt.Errorf("%w: batch window shares sum to %.2f, want 1.0", ErrInvalidConfiguration, shareSum)
	}

	switch c.Router.TierUpliftPolicy {
	case UpliftNever, UpliftOnExhaustion, UpliftAlwaysIfCheaper:
	default:
		return fmt.Errorf("%w: unknown tier_uplift_policy %q", ErrInvalidConfiguration, c.Router.TierUpliftPolicy)
	}

	return nil
}
