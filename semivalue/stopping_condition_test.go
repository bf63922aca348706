package semivalue

import (
	"testing"

	"github.com/matryer/is"
)

func TestFixedBudgetLatchesAtBudget(t *testing.T) {
	is := is.New(t)
	f := NewFixedBudget(5)
	for i := 0; i < 4; i++ {
		f.Record(1)
		is.True(!f.Done())
	}
	f.Record(1)
	is.True(f.Done())
	is.Equal(f.Updates(), uint64(5))
	is.True(f.ShouldStop(nil))
	is.Equal(f.Outcome(), StatusBudgetExhausted)

	// Monotone: further activity never unlatches.
	f.Record(1)
	is.True(f.Done())

	f.Reset()
	is.True(!f.Done())
	is.Equal(f.Updates(), uint64(0))
}

func snapshotOf(means ...float64) Snapshot {
	s := make(Snapshot, len(means))
	for i, m := range means {
		s[i] = PointSnapshot{Mean: m, Updates: 10}
	}
	return s
}

func TestStabilityStopsOnFlatEstimates(t *testing.T) {
	is := is.New(t)
	s := NewStability(0.01, 2, 2)
	is.Equal(s.Outcome(), StatusConverged)

	flat := snapshotOf(1.0, -2.0, 0.5)
	// Needs window+1 snapshots of history before deltas exist, then two
	// consecutive passing checks.
	is.True(!s.ShouldStop(flat))
	is.True(!s.ShouldStop(flat))
	is.True(!s.ShouldStop(flat))
	is.True(s.ShouldStop(flat))
	is.True(s.Done())

	// Monotone: a later diverging snapshot cannot unlatch it.
	is.True(s.ShouldStop(snapshotOf(100, 100, 100)))
}

func TestStabilityResetsStreakOnChange(t *testing.T) {
	is := is.New(t)
	s := NewStability(0.01, 1, 2)
	is.True(!s.ShouldStop(snapshotOf(1.0)))
	is.True(!s.ShouldStop(snapshotOf(1.0))) // streak 1
	is.True(!s.ShouldStop(snapshotOf(2.0))) // big move, streak back to 0
	is.True(!s.ShouldStop(snapshotOf(2.0))) // streak 1
	is.True(s.ShouldStop(snapshotOf(2.0)))  // streak 2 -> done
}

func TestStabilityRequiresUpdatesEverywhere(t *testing.T) {
	is := is.New(t)
	s := NewStability(0.5, 1, 1)
	cold := Snapshot{{Mean: 1, Updates: 5}, {Mean: 0, Updates: 0}}
	is.True(!s.ShouldStop(cold))
	is.True(!s.ShouldStop(cold))
	is.True(!s.ShouldStop(cold))
}

func TestMinSamples(t *testing.T) {
	is := is.New(t)
	// log(2/0.05) * 1 / (2 * 0.1^2) = 3.6889.../0.02 -> 185
	is.Equal(MinSamples(0.05, 0.1, 1), 185)
	is.True(MinSamples(0.01, 0.01, 2) > MinSamples(0.01, 0.1, 2))
}
