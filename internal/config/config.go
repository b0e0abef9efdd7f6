// Package config holds the queue configuration: named, typed fields with
// documented defaults, resolved once at construction.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/me/zoneq/pkg/model"
	"gopkg.in/yaml.v3"
)

// QueueConfig holds everything the scheduler needs. It is a value object:
// the scheduler copies it at construction and never mutates it.
type QueueConfig struct {
	MaxConcurrentZones int             `yaml:"max_concurrent_zones"` // Dispatch ceiling (default 4)
	TickInterval       time.Duration   `yaml:"tick_interval"`        // Dispatch loop period (default 250ms)
	Workers            WorkerConfig    `yaml:"workers"`
	Resources          ResourceConfig  `yaml:"resources"`
	Timeouts           Timeouts        `yaml:"timeouts"`
	Retry              RetryPolicy     `yaml:"retry"`
	Priority           PriorityConfig  `yaml:"priority"`
	Scaling            ScalingConfig   `yaml:"scaling"`
	DependencyMode     DependencyMode  `yaml:"dependency_mode"` // explicit (default) or reading_order
	CostModel          CostModelConfig `yaml:"cost_model"`
	LogLevel           string          `yaml:"log_level"`  // debug, info, warn, error
	LogFormat          string          `yaml:"log_format"` // text, json
}

// WorkerConfig bounds the worker pool.
type WorkerConfig struct {
	Min     int `yaml:"min"`     // Never scale below (default 2)
	Max     int `yaml:"max"`     // Never scale above (default 8)
	Initial int `yaml:"initial"` // Workers created at start (default Min)

	// Tools restricts every pool worker to these tools. Empty means all.
	Tools []string `yaml:"tools"`
}

// ResourceConfig sets the per-resource budget.
type ResourceConfig struct {
	// Ceilings per resource type. A type with no ceiling is unconstrained.
	Ceilings map[model.ResourceType]float64 `yaml:"ceilings"`

	// FlexibleFloor is the fraction of a flexible requirement that may be
	// granted when the full amount does not fit (default 0.5).
	FlexibleFloor float64 `yaml:"flexible_floor"`

	// LowPriorityHeadroom is the fraction of each ceiling that low priority
	// requirements may not consume (default 0.1).
	LowPriorityHeadroom float64 `yaml:"low_priority_headroom"`
}

// Timeouts groups every timeout the scheduler enforces. Zero disables the
// queue timeout; the others always resolve to their defaults.
type Timeouts struct {
	Queue         time.Duration `yaml:"queue"`          // Max time a zone may wait queued (default 30m)
	Processing    time.Duration `yaml:"processing"`     // Per-attempt limit (default 2m)
	WorkerStartup time.Duration `yaml:"worker_startup"` // Limit for a starting worker (default 30s)
	Heartbeat     time.Duration `yaml:"heartbeat"`      // Silence before a worker is offline (default 30s)
}

// RetryPolicy configures the retrying transition and its backoff.
type RetryPolicy struct {
	MaxAttempts      int           `yaml:"max_attempts"`       // maxRetries per zone (default 3)
	BaseDelay        time.Duration `yaml:"base_delay"`         // default 1s
	Exponential      *bool         `yaml:"exponential"`        // default true
	Multiplier       float64       `yaml:"multiplier"`         // default 2
	JitterPercent    float64       `yaml:"jitter_percent"`     // default 20; delay varies by ±jitter/2 %
	MaxDelay         time.Duration `yaml:"max_delay"`          // default 5m
	UseFallbackTools bool          `yaml:"use_fallback_tools"` // retries walk the assignment's fallbacks
}

// IsExponential reports whether backoff grows with each retry.
func (r RetryPolicy) IsExponential() bool {
	return r.Exponential == nil || *r.Exponential
}

// PriorityConfig holds the priority calculator's weights.
type PriorityConfig struct {
	Weights PriorityWeights `yaml:"weights"`

	// AgingHorizon is the wait after which the age factor reaches 1. The
	// factor keeps growing past it so old zones eventually saturate the
	// priority ceiling (default 30s).
	AgingHorizon time.Duration `yaml:"aging_horizon"`

	// ReferenceDuration normalizes expected processing time (default 1m).
	ReferenceDuration time.Duration `yaml:"reference_duration"`
}

// PriorityWeights weight the normalized priority factors. A negative
// EstimatedTime weight favors longer work.
type PriorityWeights struct {
	Complexity      float64 `yaml:"complexity"`
	ToolConfidence  float64 `yaml:"tool_confidence"`
	UserPriority    float64 `yaml:"user_priority"`
	DependencyCount float64 `yaml:"dependency_count"`
	EstimatedTime   float64 `yaml:"estimated_time"`
	Age             float64 `yaml:"age"`
}

// IsZero reports whether no weight was configured.
func (w PriorityWeights) IsZero() bool {
	return w == PriorityWeights{}
}

// ScalingConfig drives elastic pool sizing.
type ScalingConfig struct {
	Enabled            bool          `yaml:"enabled"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`   // busy fraction (default 0.8)
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"` // busy fraction (default 0.2)
	Cooldown           time.Duration `yaml:"cooldown"`             // default 10s
}

// DependencyMode selects how dependency edges are derived at enqueue.
type DependencyMode string

const (
	// DependencyExplicit uses only caller-supplied Zone.DependsOn edges.
	DependencyExplicit DependencyMode = "explicit"
	// DependencyReadingOrder adds reading-order precedence within a page.
	DependencyReadingOrder DependencyMode = "reading_order"
)

// CostModelConfig selects how missing requirements are estimated.
type CostModelConfig struct {
	Kind string `yaml:"kind"` // "heuristic" (default), "expression", or "none"

	// Expressions maps a resource type, or "duration" (seconds), to a
	// JavaScript expression over `zone` and `tool`.
	Expressions map[string]string `yaml:"expressions"`
}

// DefaultQueueConfig returns sensible defaults.
func DefaultQueueConfig() QueueConfig {
	exponential := true
	return QueueConfig{
		MaxConcurrentZones: 4,
		TickInterval:       250 * time.Millisecond,
		Workers:            WorkerConfig{Min: 2, Max: 8, Initial: 2},
		Resources: ResourceConfig{
			Ceilings: map[model.ResourceType]float64{
				model.ResourceMemory:  4096,
				model.ResourceCPU:     4,
				model.ResourceDisk:    10240,
				model.ResourceNetwork: 100,
			},
			FlexibleFloor:       0.5,
			LowPriorityHeadroom: 0.1,
		},
		Timeouts: Timeouts{
			Queue:         30 * time.Minute,
			Processing:    2 * time.Minute,
			WorkerStartup: 30 * time.Second,
			Heartbeat:     30 * time.Second,
		},
		Retry: RetryPolicy{
			MaxAttempts:   3,
			BaseDelay:     time.Second,
			Exponential:   &exponential,
			Multiplier:    2,
			JitterPercent: 20,
			MaxDelay:      5 * time.Minute,
		},
		Priority: PriorityConfig{
			Weights:           DefaultPriorityWeights(),
			AgingHorizon:      30 * time.Second,
			ReferenceDuration: time.Minute,
		},
		Scaling: ScalingConfig{
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.2,
			Cooldown:           10 * time.Second,
		},
		DependencyMode: DependencyExplicit,
		CostModel:      CostModelConfig{Kind: "heuristic"},
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// DefaultPriorityWeights returns the default factor weights.
func DefaultPriorityWeights() PriorityWeights {
	return PriorityWeights{
		Complexity:      1.0,
		ToolConfidence:  1.0,
		UserPriority:    2.0,
		DependencyCount: 1.5,
		EstimatedTime:   0.5,
		Age:             2.0,
	}
}

// Normalize resolves unset fields to their defaults. Negative retry counts
// and a zero queue timeout are kept as given.
func (c *QueueConfig) Normalize() {
	d := DefaultQueueConfig()
	if c.MaxConcurrentZones <= 0 {
		c.MaxConcurrentZones = d.MaxConcurrentZones
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.Workers.Min <= 0 {
		c.Workers.Min = d.Workers.Min
	}
	if c.Workers.Max <= 0 {
		c.Workers.Max = d.Workers.Max
	}
	if c.Workers.Max < c.Workers.Min {
		c.Workers.Max = c.Workers.Min
	}
	if c.Workers.Initial <= 0 {
		c.Workers.Initial = c.Workers.Min
	}
	if c.Resources.Ceilings == nil {
		c.Resources.Ceilings = d.Resources.Ceilings
	}
	if c.Resources.FlexibleFloor <= 0 {
		c.Resources.FlexibleFloor = d.Resources.FlexibleFloor
	}
	if c.Resources.LowPriorityHeadroom < 0 {
		c.Resources.LowPriorityHeadroom = 0
	}
	if c.Timeouts.Processing <= 0 {
		c.Timeouts.Processing = d.Timeouts.Processing
	}
	if c.Timeouts.WorkerStartup <= 0 {
		c.Timeouts.WorkerStartup = d.Timeouts.WorkerStartup
	}
	if c.Timeouts.Heartbeat <= 0 {
		c.Timeouts.Heartbeat = d.Timeouts.Heartbeat
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.Exponential == nil {
		c.Retry.Exponential = d.Retry.Exponential
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = d.Retry.Multiplier
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if c.Priority.Weights.IsZero() {
		c.Priority.Weights = d.Priority.Weights
	}
	if c.Priority.AgingHorizon <= 0 {
		c.Priority.AgingHorizon = d.Priority.AgingHorizon
	}
	if c.Priority.ReferenceDuration <= 0 {
		c.Priority.ReferenceDuration = d.Priority.ReferenceDuration
	}
	if c.Scaling.ScaleUpThreshold <= 0 {
		c.Scaling.ScaleUpThreshold = d.Scaling.ScaleUpThreshold
	}
	if c.Scaling.ScaleDownThreshold <= 0 {
		c.Scaling.ScaleDownThreshold = d.Scaling.ScaleDownThreshold
	}
	if c.Scaling.Cooldown <= 0 {
		c.Scaling.Cooldown = d.Scaling.Cooldown
	}
	if c.DependencyMode == "" {
		c.DependencyMode = d.DependencyMode
	}
	if c.CostModel.Kind == "" {
		c.CostModel.Kind = d.CostModel.Kind
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

// Validate rejects configurations the scheduler cannot honour.
func (c QueueConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return model.NewQueueError(model.CodeInvalidConfig, "", format, args...)
	}
	if c.MaxConcurrentZones <= 0 {
		return invalid("max_concurrent_zones must be positive, got %d", c.MaxConcurrentZones)
	}
	if c.Workers.Min <= 0 || c.Workers.Max < c.Workers.Min {
		return invalid("worker bounds [%d, %d] are invalid", c.Workers.Min, c.Workers.Max)
	}
	if c.Workers.Initial < c.Workers.Min || c.Workers.Initial > c.Workers.Max {
		return invalid("initial workers %d outside [%d, %d]", c.Workers.Initial, c.Workers.Min, c.Workers.Max)
	}
	for rt, v := range c.Resources.Ceilings {
		if v < 0 {
			return invalid("ceiling for %s must not be negative, got %v", rt, v)
		}
	}
	if c.Resources.FlexibleFloor > 1 {
		return invalid("flexible_floor must be in (0, 1], got %v", c.Resources.FlexibleFloor)
	}
	if c.Resources.LowPriorityHeadroom >= 1 {
		return invalid("low_priority_headroom must be below 1, got %v", c.Resources.LowPriorityHeadroom)
	}
	if c.Retry.MaxAttempts < 0 {
		return invalid("retry.max_attempts must not be negative, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.JitterPercent < 0 || c.Retry.JitterPercent > 100 {
		return invalid("retry.jitter_percent must be in [0, 100], got %v", c.Retry.JitterPercent)
	}
	if c.Timeouts.Queue < 0 {
		return invalid("timeouts.queue must not be negative")
	}
	if c.Scaling.ScaleDownThreshold >= c.Scaling.ScaleUpThreshold {
		return invalid("scale_down_threshold %v must be below scale_up_threshold %v",
			c.Scaling.ScaleDownThreshold, c.Scaling.ScaleUpThreshold)
	}
	switch c.DependencyMode {
	case DependencyExplicit, DependencyReadingOrder:
	default:
		return invalid("unknown dependency_mode %q", c.DependencyMode)
	}
	switch c.CostModel.Kind {
	case "heuristic", "none":
	case "expression":
		if len(c.CostModel.Expressions) == 0 {
			return invalid("cost_model.kind expression requires cost_model.expressions")
		}
	default:
		return invalid("unknown cost_model.kind %q", c.CostModel.Kind)
	}
	return nil
}

// Load parses YAML over the defaults, then normalizes and validates.
func Load(data []byte) (QueueConfig, error) {
	cfg := DefaultQueueConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return QueueConfig{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return QueueConfig{}, err
	}
	return cfg, nil
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (QueueConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return QueueConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Load(data)
}

// Marshal renders the configuration as YAML.
func (c QueueConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
