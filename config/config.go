// Package config is the caller-facing configuration surface for the
// semi-value engine: weighting scheme, stopping rule, worker pool and cache
// backend. Invalid combinations are rejected here, before any computation
// starts.
package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/valuation-lab/semival/weights"
)

type Config struct {
	// Scheme is one of "shapley", "banzhaf", "beta_shapley".
	Scheme string  `mapstructure:"scheme"`
	Alpha  float64 `mapstructure:"alpha"`
	Beta   float64 `mapstructure:"beta"`

	// Workers is the sampling pool size; 0 means one worker per CPU.
	Workers int `mapstructure:"workers"`

	Stopping   StoppingConfig   `mapstructure:"stopping"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Cache      CacheConfig      `mapstructure:"cache"`

	LogLevel string `mapstructure:"log_level"`
}

type StoppingConfig struct {
	// Rule is "budget" or "stability".
	Rule string `mapstructure:"rule"`
	// MaxUpdates is the update budget for the budget rule.
	MaxUpdates uint64 `mapstructure:"max_updates"`
	// MaxIterations is the hard iteration cutoff for either rule; 0 keeps
	// the engine default.
	MaxIterations uint64 `mapstructure:"max_iterations"`
	// CheckInterval is the snapshot poll interval in iterations; 0 keeps
	// the engine default.
	CheckInterval uint64 `mapstructure:"check_interval"`

	StabilityThreshold float64 `mapstructure:"stability_threshold"`
	StabilityWindow    int     `mapstructure:"stability_window"`
	StabilityChecks    int     `mapstructure:"stability_checks"`
}

type EvaluationConfig struct {
	// Attempts is the total number of tries per utility evaluation.
	Attempts uint `mapstructure:"attempts"`
	// MaxConsecutiveFailures is the per-worker budget of back-to-back
	// dropped samples; 0 keeps the engine default.
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
}

type CacheConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `mapstructure:"backend"`
	// Path is the database file for the sqlite backend.
	Path string `mapstructure:"path"`
}

var validRules = []string{"budget", "stability"}
var validBackends = []string{"memory", "sqlite"}

// Load reads configuration from an optional file and SEMIVAL_* environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SEMIVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the validated default configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		// The defaults are static; failing to decode them is programmer
		// error.
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheme", "shapley")
	v.SetDefault("alpha", 1.0)
	v.SetDefault("beta", 1.0)
	v.SetDefault("workers", 0)

	v.SetDefault("stopping.rule", "budget")
	v.SetDefault("stopping.max_updates", 10000)
	v.SetDefault("stopping.max_iterations", 0)
	v.SetDefault("stopping.check_interval", 0)
	v.SetDefault("stopping.stability_threshold", 0.01)
	v.SetDefault("stopping.stability_window", 5)
	v.SetDefault("stopping.stability_checks", 3)

	v.SetDefault("evaluation.attempts", 1)
	v.SetDefault("evaluation.max_consecutive_failures", 0)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.path", "")

	v.SetDefault("log_level", "info")
}

// Validate rejects invalid combinations: unknown schemes, beta_shapley
// without positive alpha/beta, nonpositive budgets, unknown stopping rules
// or cache backends.
func (c *Config) Validate() error {
	if _, err := c.SchemeSpec(); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if !lo.Contains(validRules, c.Stopping.Rule) {
		return fmt.Errorf("unknown stopping rule %q (want one of %v)", c.Stopping.Rule, validRules)
	}
	if c.Stopping.Rule == "budget" && c.Stopping.MaxUpdates == 0 {
		return fmt.Errorf("stopping rule %q requires max_updates > 0", c.Stopping.Rule)
	}
	if c.Stopping.Rule == "stability" {
		if c.Stopping.StabilityThreshold <= 0 {
			return fmt.Errorf("stability_threshold must be positive, got %v", c.Stopping.StabilityThreshold)
		}
		if c.Stopping.StabilityWindow < 1 || c.Stopping.StabilityChecks < 1 {
			return fmt.Errorf("stability_window and stability_checks must be at least 1")
		}
	}
	if !lo.Contains(validBackends, c.Cache.Backend) {
		return fmt.Errorf("unknown cache backend %q (want one of %v)", c.Cache.Backend, validBackends)
	}
	if c.Cache.Backend == "sqlite" && c.Cache.Path == "" {
		return fmt.Errorf("cache backend sqlite requires cache.path")
	}
	return nil
}

// SchemeSpec builds the validated weighting scheme described by the
// configuration.
func (c *Config) SchemeSpec() (weights.Scheme, error) {
	kind, err := weights.ParseKind(c.Scheme)
	if err != nil {
		return weights.Scheme{}, err
	}
	return weights.New(kind, c.Alpha, c.Beta)
}

// ConfigureLogging applies the configured global log level.
func (c *Config) ConfigureLogging() {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", c.LogLevel).Msg("unknown log level, keeping current")
		return
	}
	zerolog.SetGlobalLevel(level)
}
