package semivalue

import (
	"context"

	"lukechampine.com/frand"

	"github.com/valuation-lab/semival/subsets"
	"github.com/valuation-lab/semival/utility"
	"github.com/valuation-lab/semival/weights"
)

// Contribution is one observed marginal contribution: the utility difference
// from adding Point to a subset of SubsetSize other points, together with
// the scheme weight to apply. It lives only for the duration of a sampling
// iteration.
type Contribution struct {
	Point      int
	SubsetSize int
	Marginal   float64
	Weight     float64
}

// Weighted returns the value merged into the aggregator.
func (c Contribution) Weighted() float64 {
	return c.Weight * c.Marginal
}

// Sampler produces an unbiased stream of weighted marginal contributions
// for the configured scheme without materializing the combinatorial sum.
//
// SampleIteration runs one full sampling pass. emit is invoked once per
// successful sample; returning false ends the pass early (used when an
// update budget latches mid-pass). fail is invoked once per dropped sample
// (an evaluator error); returning false abandons the pass (used when a
// worker's consecutive-failure budget is exceeded). A non-nil return value
// only ever reflects context cancellation.
type Sampler interface {
	SampleIteration(ctx context.Context, emit func(Contribution) bool, fail func(error) bool) error
}

// NewSampler selects the sampling strategy for a scheme: direct uniform
// powerset draws for the constant-weight Banzhaf scheme, random
// permutations with prefix reuse for everything else.
func NewSampler(scheme weights.Scheme, n int, ev utility.Evaluator) Sampler {
	if scheme.Kind() == weights.Banzhaf {
		return &SubsetSampler{n: n, ev: ev}
	}
	return &PermutationSampler{n: n, scheme: scheme, ev: ev}
}

// PermutationSampler draws one uniformly random permutation of the index
// set per iteration and walks its prefixes. Each prefix extension costs a
// single utility evaluation because the previous prefix's utility is
// reused; each visited point yields exactly one contribution, reweighted by
// the scheme's position weight (identically 1 for Shapley).
type PermutationSampler struct {
	n      int
	scheme weights.Scheme
	ev     utility.Evaluator
}

func (ps *PermutationSampler) SampleIteration(ctx context.Context, emit func(Contribution) bool, fail func(error) bool) error {
	perm := frand.Perm(ps.n)
	prefix := subsets.NewSet(ps.n)

	// The empty-set utility is the baseline for the first marginal. It goes
	// through the evaluator (and therefore the cache) so that utilities
	// with a non-zero baseline are handled; after the first iteration it is
	// a cache hit.
	prevScore, err := ps.ev.Evaluate(ctx, prefix)
	prevValid := err == nil
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !fail(err) {
			return nil
		}
	}

	for pos, point := range perm {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		prefix.Add(point)
		score, err := ps.ev.Evaluate(ctx, prefix)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Drop this point's sample. The prefix utility is unknown now,
			// so the next point cannot reuse it either.
			prevValid = false
			if !fail(err) {
				return nil
			}
			continue
		}
		if prevValid {
			c := Contribution{
				Point:      point,
				SubsetSize: pos,
				Marginal:   score - prevScore,
				Weight:     ps.scheme.PositionWeight(pos+1, ps.n),
			}
			if !emit(c) {
				return nil
			}
		}
		prevScore = score
		prevValid = true
	}
	return nil
}

// SubsetSampler implements the Banzhaf sampling strategy: for each point it
// draws a uniformly random subset of the remaining indices (every index an
// independent coin flip), so the plain average of marginals is already the
// Banzhaf expectation and the applied weight is 1. Two evaluations per
// point per iteration; the shared cache absorbs repeats across iterations.
type SubsetSampler struct {
	n  int
	ev utility.Evaluator
}

func (ss *SubsetSampler) SampleIteration(ctx context.Context, emit func(Contribution) bool, fail func(error) bool) error {
	bits := make([]byte, (ss.n+7)/8)
	for point := 0; point < ss.n; point++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frand.Read(bits)
		s := subsets.NewSet(ss.n)
		for j := 0; j < ss.n; j++ {
			if j != point && bits[j/8]&(1<<(j%8)) != 0 {
				s.Add(j)
			}
		}
		without, err := ss.ev.Evaluate(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !fail(err) {
				return nil
			}
			continue
		}
		size := s.Len()
		s.Add(point)
		with, err := ss.ev.Evaluate(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !fail(err) {
				return nil
			}
			continue
		}
		c := Contribution{
			Point:      point,
			SubsetSize: size,
			Marginal:   with - without,
			Weight:     1,
		}
		if !emit(c) {
			return nil
		}
	}
	return nil
}
