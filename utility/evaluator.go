// Package utility defines the utility-evaluation interface consumed by the
// semi-value engine, together with caching and request-coalescing wrappers.
// The utility function itself (typically: retrain a model on the subset and
// score it) is an external collaborator; it may be slow, may fail, and is
// not assumed deterministic across evaluations of the same subset unless a
// cache is in front of it.
package utility

import (
	"context"

	"github.com/valuation-lab/semival/subsets"
)

// Evaluator maps a subset of data-point indices to a scalar utility.
type Evaluator interface {
	Evaluate(ctx context.Context, s subsets.Set) (float64, error)
}

// Func adapts a plain function to the Evaluator interface.
type Func func(ctx context.Context, s subsets.Set) (float64, error)

func (f Func) Evaluate(ctx context.Context, s subsets.Set) (float64, error) {
	return f(ctx, s)
}
