package utility

import (
	"context"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/valuation-lab/semival/subsets"
)

// Cached wraps an Evaluator with a shared cache and request coalescing.
// Concurrent evaluations of the same subset across workers collapse into a
// single in-flight call; each miss is retried per the configured attempt
// count before the failure is surfaced to the caller. Cache backend errors
// never fail an evaluation; they are logged and treated as misses.
type Cached struct {
	ev       Evaluator
	cache    Cache
	attempts uint
	group    singleflight.Group
}

// NewCached builds the caching wrapper. attempts is the total number of
// tries per evaluation; values below 1 are treated as 1 (no retry).
func NewCached(ev Evaluator, cache Cache, attempts uint) *Cached {
	if attempts < 1 {
		attempts = 1
	}
	return &Cached{ev: ev, cache: cache, attempts: attempts}
}

func (c *Cached) Evaluate(ctx context.Context, s subsets.Set) (float64, error) {
	key := s.Key()
	if v, ok, err := c.cache.Get(key); err != nil {
		log.Warn().Err(err).Str("subset", key).Msg("utility cache get failed; evaluating")
	} else if ok {
		return v, nil
	}

	// Coalesce: at most one in-flight evaluation per distinct subset key.
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have filled the cache while we queued.
		if v, ok, err := c.cache.Get(key); err == nil && ok {
			return v, nil
		}
		var val float64
		err := retry.Do(
			func() error {
				var evalErr error
				val, evalErr = c.ev.Evaluate(ctx, s)
				return evalErr
			},
			retry.Attempts(c.attempts),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return 0.0, err
		}
		if putErr := c.cache.Put(key, val); putErr != nil {
			log.Warn().Err(putErr).Str("subset", key).Msg("utility cache put failed")
		}
		return val, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}
