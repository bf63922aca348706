package semivalue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/matryer/is"

	"github.com/valuation-lab/semival/subsets"
	"github.com/valuation-lab/semival/utility"
	"github.com/valuation-lab/semival/weights"
)

// sizeSquared is the deterministic utility U(S) = |S|^2. Its marginal for
// adding any point to a subset of size s is 2s+1, independent of which
// points are involved, which makes sampler output checkable exactly.
var sizeSquared = utility.Func(func(ctx context.Context, s subsets.Set) (float64, error) {
	l := float64(s.Len())
	return l * l, nil
})

func collect(t *testing.T, smp Sampler) []Contribution {
	t.Helper()
	var out []Contribution
	err := smp.SampleIteration(context.Background(),
		func(c Contribution) bool { out = append(out, c); return true },
		func(error) bool { t.Fatal("unexpected sample failure"); return false })
	if err != nil {
		t.Fatalf("SampleIteration: %v", err)
	}
	return out
}

func TestPermutationSamplerVisitsEveryPointOnce(t *testing.T) {
	is := is.New(t)
	scheme, err := weights.New(weights.Shapley, 0, 0)
	is.NoErr(err)

	n := 6
	var evals atomic.Int64
	counting := utility.Func(func(ctx context.Context, s subsets.Set) (float64, error) {
		evals.Add(1)
		return sizeSquared(ctx, s)
	})
	smp := NewSampler(scheme, n, counting)
	_, ok := smp.(*PermutationSampler)
	is.True(ok)

	out := collect(t, smp)
	is.Equal(len(out), n)
	// One eval per prefix extension plus the empty-set baseline.
	is.Equal(evals.Load(), int64(n+1))

	seenPoint := map[int]bool{}
	seenSize := map[int]bool{}
	for _, c := range out {
		seenPoint[c.Point] = true
		seenSize[c.SubsetSize] = true
		is.Equal(c.Weight, 1.0) // shapley permutation samples are unweighted
		is.Equal(c.Marginal, float64(2*c.SubsetSize+1))
	}
	is.Equal(len(seenPoint), n)
	is.Equal(len(seenSize), n) // prefix sizes 0..n-1 each exactly once
}

func TestSubsetSamplerNeverIncludesOwnPoint(t *testing.T) {
	is := is.New(t)
	scheme, err := weights.New(weights.Banzhaf, 0, 0)
	is.NoErr(err)

	n := 5
	smp := NewSampler(scheme, n, sizeSquared)
	_, ok := smp.(*SubsetSampler)
	is.True(ok)

	for round := 0; round < 20; round++ {
		out := collect(t, smp)
		is.Equal(len(out), n)
		for _, c := range out {
			is.Equal(c.Weight, 1.0)
			// U = |S|^2, so the marginal pins down the subset size; a
			// subset accidentally containing its own point would break it.
			is.Equal(c.Marginal, float64(2*c.SubsetSize+1))
			is.True(c.SubsetSize >= 0 && c.SubsetSize <= n-1)
		}
	}
}

func TestBetaShapleyPositionWeightsApplied(t *testing.T) {
	is := is.New(t)
	scheme, err := weights.New(weights.BetaShapley, 4, 1)
	is.NoErr(err)

	n := 5
	smp := NewSampler(scheme, n, sizeSquared)
	out := collect(t, smp)
	is.Equal(len(out), n)
	for _, c := range out {
		is.Equal(c.Weight, scheme.PositionWeight(c.SubsetSize+1, n))
		is.Equal(c.Weighted(), c.Weight*c.Marginal)
	}
}

func TestSamplerDropsFailedSamples(t *testing.T) {
	is := is.New(t)
	scheme, err := weights.New(weights.Shapley, 0, 0)
	is.NoErr(err)

	boom := errors.New("training diverged")
	n := 4
	flaky := utility.Func(func(ctx context.Context, s subsets.Set) (float64, error) {
		if s.Contains(2) {
			return 0, boom
		}
		return sizeSquared(ctx, s)
	})
	smp := NewSampler(scheme, n, flaky)

	emitted, failed := 0, 0
	err = smp.SampleIteration(context.Background(),
		func(Contribution) bool { emitted++; return true },
		func(sampleErr error) bool {
			is.True(errors.Is(sampleErr, boom))
			failed++
			return true
		})
	is.NoErr(err)
	// Every prefix from point 2 onward fails, so the points before 2 in
	// the permutation are the only ones that can contribute.
	is.True(emitted <= n-1)
	is.True(failed >= 1)
	is.Equal(emitted+failed, n)
}

func TestSamplerAbortsWhenFailureBudgetBlown(t *testing.T) {
	is := is.New(t)
	scheme, err := weights.New(weights.Shapley, 0, 0)
	is.NoErr(err)

	alwaysFails := utility.Func(func(ctx context.Context, s subsets.Set) (float64, error) {
		return 0, errors.New("boom")
	})
	smp := NewSampler(scheme, 4, alwaysFails)

	failures := 0
	err = smp.SampleIteration(context.Background(),
		func(Contribution) bool { t.Fatal("no contribution expected"); return false },
		func(error) bool {
			failures++
			return failures < 2
		})
	is.NoErr(err)
	is.Equal(failures, 2)
}

func TestSamplerHonorsCancellation(t *testing.T) {
	is := is.New(t)
	scheme, err := weights.New(weights.Shapley, 0, 0)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	smp := NewSampler(scheme, 4, sizeSquared)
	err = smp.SampleIteration(ctx,
		func(Contribution) bool { return true },
		func(error) bool { return true })
	is.True(errors.Is(err, context.Canceled))
}
