// Package config provides configuration loading for frontdesk.
package config

import (
	"fmt"
	"path/filepath"
)

// Config is the root configuration. It is loaded once at startup and
// treated as immutable for the life of the process; sessions share it
// read-only.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging"`
	History  HistoryConfig  `koanf:"history"`
	Rules    RulesConfig    `koanf:"rules"`
	Store    StoreConfig    `koanf:"store"`
	Output   OutputConfig   `koanf:"output"`
	Fares    FaresConfig    `koanf:"fares"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Model    ModelConfig    `koanf:"model"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// LoggingConfig mirrors internal/logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// HistoryConfig sets per-role conversation window bounds. The dispatcher
// keeps a wider window because it retains cross-worker context; a worker's
// task is self-contained.
type HistoryConfig struct {
	DispatcherBound int `koanf:"dispatcher_bound"`
	WorkerBound     int `koanf:"worker_bound"`
}

// RulesConfig holds the filing rule thresholds. Amounts are in JPY.
type RulesConfig struct {
	// FilingWindowDays is how far back a travel or receipt date may lie.
	FilingWindowDays int `koanf:"filing_window_days"`
	// PreApprovalAmount is the amount above which manager pre-approval
	// must be confirmed before filing.
	PreApprovalAmount int64 `koanf:"pre_approval_amount"`
	// MaxAmount is the hard filing limit; applications above it are refused.
	MaxAmount int64 `koanf:"max_amount"`
	// MaxParseAmount bounds what is accepted as a plausible amount at all.
	MaxParseAmount int64 `koanf:"max_parse_amount"`
	// CommuterSegments are routes covered by commuter passes; travel legs
	// matching one (either direction) may not be filed.
	CommuterSegments []Segment `koanf:"commuter_segments"`
}

// Segment is an undirected station pair.
type Segment struct {
	A string `koanf:"a"`
	B string `koanf:"b"`
}

// StoreConfig configures durable session storage.
type StoreConfig struct {
	Dir string `koanf:"dir"`
	// SessionPrefix optionally namespaces generated session ids.
	SessionPrefix string `koanf:"session_prefix"`
}

// OutputConfig configures where rendered artifacts are written.
type OutputConfig struct {
	Dir string `koanf:"dir"`
}

// FaresConfig locates the fare tables.
type FaresConfig struct {
	TrainPath string `koanf:"train_path"`
	FixedPath string `koanf:"fixed_path"`
	// Watch reloads the tables when the files change.
	Watch bool `koanf:"watch"`
}

// DispatchConfig bounds the outer interaction loop.
type DispatchConfig struct {
	// MaxIterations caps worker/completer round-trips within one turn.
	MaxIterations int `koanf:"max_iterations"`
}

// ModelConfig configures the text-completion collaborator.
type ModelConfig struct {
	BaseURL string `koanf:"base_url"`
	Name    string `koanf:"name"`
	// APIKeyEnv names the environment variable holding the key; the key
	// itself never lives in a config file.
	APIKeyEnv string `koanf:"api_key_env"`
	// MaxAttempts, InitialDelaySec and MaxDelaySec shape the retry policy.
	MaxAttempts     int `koanf:"max_attempts"`
	InitialDelaySec int `koanf:"initial_delay_sec"`
	MaxDelaySec     int `koanf:"max_delay_sec"`
	// RequestsPerMinute rate-limits completion calls. 0 disables the limit.
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:9464"); empty disables it.
	Addr string `koanf:"addr"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.History.DispatcherBound == 0 {
		cfg.History.DispatcherBound = 30
	}
	if cfg.History.WorkerBound == 0 {
		cfg.History.WorkerBound = 15
	}

	if cfg.Rules.FilingWindowDays == 0 {
		cfg.Rules.FilingWindowDays = 90
	}
	if cfg.Rules.PreApprovalAmount == 0 {
		cfg.Rules.PreApprovalAmount = 5000
	}
	if cfg.Rules.MaxAmount == 0 {
		cfg.Rules.MaxAmount = 30000
	}
	if cfg.Rules.MaxParseAmount == 0 {
		cfg.Rules.MaxParseAmount = 1000000
	}
	if cfg.Rules.CommuterSegments == nil {
		cfg.Rules.CommuterSegments = []Segment{
			{A: "Ueno", B: "Toyosu"},
			{A: "Meguro", B: "Toyosu"},
			{A: "Kawasaki", B: "Toyosu"},
		}
	}

	if cfg.Store.Dir == "" {
		cfg.Store.Dir = filepath.Join("storage", "sessions")
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "output"
	}

	if cfg.Fares.TrainPath == "" {
		cfg.Fares.TrainPath = filepath.Join("data", "train_fares.json")
	}
	if cfg.Fares.FixedPath == "" {
		cfg.Fares.FixedPath = filepath.Join("data", "fixed_fares.json")
	}

	if cfg.Dispatch.MaxIterations == 0 {
		cfg.Dispatch.MaxIterations = 10
	}

	if cfg.Model.Name == "" {
		cfg.Model.Name = "gpt-4o-mini"
	}
	if cfg.Model.APIKeyEnv == "" {
		cfg.Model.APIKeyEnv = "FRONTDESK_API_KEY"
	}
	if cfg.Model.MaxAttempts == 0 {
		cfg.Model.MaxAttempts = 6
	}
	if cfg.Model.InitialDelaySec == 0 {
		cfg.Model.InitialDelaySec = 4
	}
	if cfg.Model.MaxDelaySec == 0 {
		cfg.Model.MaxDelaySec = 240
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.History.DispatcherBound < 1 {
		return fmt.Errorf("history.dispatcher_bound must be >= 1, got %d", c.History.DispatcherBound)
	}
	if c.History.WorkerBound < 1 {
		return fmt.Errorf("history.worker_bound must be >= 1, got %d", c.History.WorkerBound)
	}
	if c.Rules.FilingWindowDays < 1 {
		return fmt.Errorf("rules.filing_window_days must be >= 1, got %d", c.Rules.FilingWindowDays)
	}
	if c.Rules.PreApprovalAmount > c.Rules.MaxAmount {
		return fmt.Errorf("rules.pre_approval_amount (%d) exceeds rules.max_amount (%d)",
			c.Rules.PreApprovalAmount, c.Rules.MaxAmount)
	}
	if c.Rules.MaxAmount > c.Rules.MaxParseAmount {
		return fmt.Errorf("rules.max_amount (%d) exceeds rules.max_parse_amount (%d)",
			c.Rules.MaxAmount, c.Rules.MaxParseAmount)
	}
	if c.Dispatch.MaxIterations < 1 {
		return fmt.Errorf("dispatch.max_iterations must be >= 1, got %d", c.Dispatch.MaxIterations)
	}
	return nil
}
