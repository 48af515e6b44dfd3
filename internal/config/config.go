// Package config holds all autotune configuration, loaded from
// <workspace>/autotune.yaml with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StateDirName is the directory under the workspace holding logs and the
// run database.
const StateDirName = ".autotune"

// Duration is a time.Duration that yaml-decodes from strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		// Allow plain integers (nanoseconds) too.
		var ns int64
		if err2 := value.Decode(&ns); err2 != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all autotune configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace is the directory the engine operates in. Set at load time,
	// never persisted.
	Workspace string `yaml:"-"`

	// LLM provider for built-in strategy/evaluator plugins
	LLM LLMConfig `yaml:"llm"`

	// Usage tracking
	Usage UsageConfig `yaml:"usage"`

	// Adaptive scheduler
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Experiment execution
	Experiment ExperimentConfig `yaml:"experiment"`

	// Result sink
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the LLM-backed plugins.
type LLMConfig struct {
	Provider string   `yaml:"provider"` // gemini
	APIKey   string   `yaml:"api_key"`
	Model    string   `yaml:"model"`
	Timeout  Duration `yaml:"timeout"`
}

// UsageConfig configures the usage tracker.
type UsageConfig struct {
	// Window is the rolling window over which activity counts toward hotness.
	Window Duration `yaml:"window"`
	// HotCallThreshold is the windowed call count at which a target is hot.
	HotCallThreshold int64 `yaml:"hot_call_threshold"`
}

// SchedulerConfig configures the adaptive driver loop.
type SchedulerConfig struct {
	// Interval between ticks.
	Interval Duration `yaml:"interval"`
	// MaxConcurrent bounds simultaneously running experiments.
	MaxConcurrent int `yaml:"max_concurrent"`
	// TopK caps dispatches per tick (further capped by free slots).
	TopK int `yaml:"top_k"`
	// BackoffBase is the first backoff delay after a rate-limited run.
	BackoffBase Duration `yaml:"backoff_base"`
	// BackoffCap limits exponential backoff growth.
	BackoffCap Duration `yaml:"backoff_cap"`
	// StopGrace bounds how long Stop waits for in-flight experiments.
	StopGrace Duration `yaml:"stop_grace"`
}

// ExperimentConfig configures experiment runs.
type ExperimentConfig struct {
	// StageTimeout bounds each setup/run/evaluate/cleanup plugin call.
	StageTimeout Duration `yaml:"stage_timeout"`
	// AdoptionThreshold is the minimum evaluator success rating for a
	// candidate to count as a success.
	AdoptionThreshold float64 `yaml:"adoption_threshold"`
	// Strategy and Evaluator name the default capabilities to use.
	Strategy  string `yaml:"strategy"`
	Evaluator string `yaml:"evaluator"`
}

// StoreConfig configures the sqlite run store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration rooted at workspace.
func DefaultConfig(workspace string) *Config {
	return &Config{
		Name:      "autotune",
		Version:   "1.0",
		Workspace: workspace,
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			Timeout:  Duration(30 * time.Second),
		},
		Usage: UsageConfig{
			Window:           Duration(10 * time.Minute),
			HotCallThreshold: 50,
		},
		Scheduler: SchedulerConfig{
			Interval:      Duration(30 * time.Second),
			MaxConcurrent: 3,
			TopK:          3,
			BackoffBase:   Duration(time.Minute),
			BackoffCap:    Duration(30 * time.Minute),
			StopGrace:     Duration(2 * time.Minute),
		},
		Experiment: ExperimentConfig{
			StageTimeout:      Duration(30 * time.Second),
			AdoptionThreshold: 0.7,
			Strategy:          "gemini",
			Evaluator:         "gemini",
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(workspace, StateDirName, "runs.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigPath returns the config file path for a workspace.
func ConfigPath(workspace string) string {
	return filepath.Join(workspace, "autotune.yaml")
}

// Load reads configuration for a workspace, starting from defaults.
// A missing config file is not an error.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig(workspace)

	data, err := os.ReadFile(ConfigPath(workspace))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Workspace = workspace
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the workspace config file.
func (c *Config) Save(workspace string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(ConfigPath(workspace), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if key := os.Getenv("AUTOTUNE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("AUTOTUNE_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if v := os.Getenv("AUTOTUNE_SCHEDULER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.Interval = Duration(d)
		}
	}
	if v := os.Getenv("AUTOTUNE_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// Validate checks for values the components cannot work with.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be >= 1, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive, got %v", c.Scheduler.Interval.Std())
	}
	if c.Usage.Window <= 0 {
		return fmt.Errorf("usage.window must be positive, got %v", c.Usage.Window.Std())
	}
	if c.Experiment.AdoptionThreshold < 0 || c.Experiment.AdoptionThreshold > 1 {
		return fmt.Errorf("experiment.adoption_threshold must be in [0,1], got %v", c.Experiment.AdoptionThreshold)
	}
	if c.Scheduler.BackoffBase <= 0 {
		return fmt.Errorf("scheduler.backoff_base must be positive, got %v", c.Scheduler.BackoffBase.Std())
	}
	return nil
}
