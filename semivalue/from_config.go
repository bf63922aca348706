package semivalue

import (
	"fmt"

	"github.com/valuation-lab/semival/config"
	"github.com/valuation-lab/semival/utility"
)

// FromConfig assembles an engine from the configuration surface: the
// weighting scheme, the stopping rule, the worker pool size and the utility
// cache wrapping ev. Call Engine.Close after the run to release a
// persistent cache.
func FromConfig(cfg *config.Config, n int, ev utility.Evaluator) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scheme, err := cfg.SchemeSpec()
	if err != nil {
		return nil, err
	}

	var cache utility.Cache
	switch cfg.Cache.Backend {
	case "sqlite":
		cache, err = utility.NewSQLiteCache(cfg.Cache.Path)
		if err != nil {
			return nil, err
		}
	default:
		cache = utility.NewMemoryCache()
	}
	cached := utility.NewCached(ev, cache, cfg.Evaluation.Attempts)

	var stopper StoppingCondition
	switch cfg.Stopping.Rule {
	case "budget":
		stopper = NewFixedBudget(cfg.Stopping.MaxUpdates)
	case "stability":
		stopper = NewStability(cfg.Stopping.StabilityThreshold,
			cfg.Stopping.StabilityWindow, cfg.Stopping.StabilityChecks)
	default:
		// Validate guarantees the rule is known; keep the failure loud in
		// case the two lists drift.
		cache.Close()
		return nil, fmt.Errorf("unknown stopping rule %q", cfg.Stopping.Rule)
	}

	e, err := New(cached, n, Options{
		Scheme:                 scheme,
		Threads:                cfg.Workers,
		Stopper:                stopper,
		MaxIterations:          cfg.Stopping.MaxIterations,
		CheckInterval:          cfg.Stopping.CheckInterval,
		MaxConsecutiveFailures: cfg.Evaluation.MaxConsecutiveFailures,
	})
	if err != nil {
		cache.Close()
		return nil, err
	}
	e.closers = append(e.closers, cache)
	return e, nil
}
