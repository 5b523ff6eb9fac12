// Package config provides configuration loading for forged.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables, with documented defaults for everything left unset.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/forged/internal/budget"
	"github.com/fyrsmithlabs/forged/internal/fixer"
)

// Config holds the complete forged configuration.
type Config struct {
	Forge         ForgeConfig         `koanf:"forge"`
	Budget        budget.Config       `koanf:"budget"`
	Env           EnvConfig           `koanf:"env"`
	Publish       PublishConfig       `koanf:"publish"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ForgeConfig controls the remediation loop.
type ForgeConfig struct {
	// HarvestRunner selects the test tool whose output the harvester
	// parses: "pytest" or "run_tests".
	HarvestRunner string `koanf:"harvest_runner"`

	// FullRerunCadence forces a full test rerun every N iterations when
	// targeted reruns are in effect.
	FullRerunCadence int `koanf:"full_rerun_cadence"`

	// FormatterEnabled opts in to running a formatter over touched
	// files after fixes apply.
	FormatterEnabled bool `koanf:"formatter_enabled"`

	// ExtrasTag selects the dependency extras installed into the
	// session environment ("base" or "test").
	ExtrasTag string `koanf:"extras_tag"`

	// Initiator is recorded in provenance headers.
	Initiator string `koanf:"initiator"`

	// CommandTimeout bounds each external command.
	CommandTimeout Duration `koanf:"command_timeout"`

	// ImportRewrites configures the stale-import substitutions used by
	// import-resolution fix candidates.
	ImportRewrites []fixer.ImportRewrite `koanf:"import_rewrites"`
}

// EnvConfig holds environment cache configuration.
type EnvConfig struct {
	Interpreter     string `koanf:"interpreter"`
	MaxCacheEntries int    `koanf:"max_cache_entries"`
	MaxCacheAgeDays int    `koanf:"max_cache_age_days"`
}

// PublishConfig controls the optional commit/PR surface of a run.
type PublishConfig struct {
	AutoCommit bool `koanf:"auto_commit"`

	// AutoPR emits PR metadata alongside the report; it implies
	// AutoCommit.
	AutoPR bool `koanf:"auto_pr"`

	// GitHubToken is only needed when a caller pushes the session
	// branch to a remote.
	GitHubToken Secret `koanf:"github_token"`
}

// ObservabilityConfig holds logging configuration.
type ObservabilityConfig struct {
	ServiceName     string `koanf:"service_name"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
	EnableTelemetry bool   `koanf:"enable_telemetry"`
}

// Valid harvest runners.
const (
	RunnerPytest   = "pytest"
	RunnerRunTests = "run_tests"
)

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Forge.HarvestRunner == "" {
		cfg.Forge.HarvestRunner = RunnerPytest
	}
	if cfg.Forge.FullRerunCadence < 1 {
		cfg.Forge.FullRerunCadence = 2
	}
	if cfg.Forge.ExtrasTag == "" {
		cfg.Forge.ExtrasTag = "test"
	}
	if cfg.Forge.Initiator == "" {
		cfg.Forge.Initiator = "forged"
	}
	if cfg.Forge.CommandTimeout == 0 {
		cfg.Forge.CommandTimeout = Duration(10 * time.Minute)
	}

	if cfg.Budget == (budget.Config{}) {
		cfg.Budget = budget.Default()
	}

	if cfg.Env.MaxCacheEntries == 0 {
		cfg.Env.MaxCacheEntries = 5
	}
	if cfg.Env.MaxCacheAgeDays == 0 {
		cfg.Env.MaxCacheAgeDays = 14
	}

	if cfg.Publish.AutoPR {
		cfg.Publish.AutoCommit = true
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "forged"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Forge.HarvestRunner {
	case RunnerPytest, RunnerRunTests:
	default:
		return fmt.Errorf("forge.harvest_runner must be %q or %q, got %q",
			RunnerPytest, RunnerRunTests, c.Forge.HarvestRunner)
	}
	if c.Forge.FullRerunCadence < 1 {
		return fmt.Errorf("forge.full_rerun_cadence must be positive: %d", c.Forge.FullRerunCadence)
	}
	if c.Forge.CommandTimeout < 0 {
		return fmt.Errorf("forge.command_timeout cannot be negative")
	}
	switch c.Forge.ExtrasTag {
	case "base", "test":
	default:
		return fmt.Errorf("forge.extras_tag must be \"base\" or \"test\", got %q", c.Forge.ExtrasTag)
	}
	for i, rw := range c.Forge.ImportRewrites {
		if rw.From == "" {
			return fmt.Errorf("forge.import_rewrites[%d].from is required", i)
		}
	}

	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}

	if c.Env.MaxCacheEntries < 1 {
		return fmt.Errorf("env.max_cache_entries must be positive: %d", c.Env.MaxCacheEntries)
	}
	if c.Env.MaxCacheAgeDays < 1 {
		return fmt.Errorf("env.max_cache_age_days must be positive: %d", c.Env.MaxCacheAgeDays)
	}

	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log_level must be debug, info, warn, or error, got %q", c.Observability.LogLevel)
	}
	switch strings.ToLower(c.Observability.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("observability.log_format must be json or console, got %q", c.Observability.LogFormat)
	}
	return nil
}

// Default returns the fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
