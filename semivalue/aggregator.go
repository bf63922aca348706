package semivalue

import (
	"sync"
	"sync/atomic"

	"github.com/valuation-lab/semival/stats"
)

// Aggregator owns the per-point running estimates for one estimation run.
// It is created at run start and torn down into a Result at run end; it is
// never shared across runs. Workers merge weighted marginal contributions
// concurrently; each point's estimate has its own lock, so contention only
// occurs when two workers update the same point at the same instant.
//
// Merging is commutative and associative up to floating-point summation
// order: the Welford update bounds the reordering error to rounding noise
// (see stats.Statistic).
type Aggregator struct {
	points  []pointEstimate
	updates atomic.Uint64
}

type pointEstimate struct {
	mu   sync.Mutex
	stat stats.Statistic
}

func NewAggregator(n int) *Aggregator {
	return &Aggregator{points: make([]pointEstimate, n)}
}

func (a *Aggregator) NumPoints() int {
	return len(a.points)
}

// Merge folds one weighted marginal contribution into the estimate for
// point. Safe for concurrent use.
func (a *Aggregator) Merge(point int, weighted float64) {
	p := &a.points[point]
	p.mu.Lock()
	p.stat.Push(weighted)
	p.mu.Unlock()
	a.updates.Add(1)
}

// TotalUpdates returns the number of contributions merged so far.
func (a *Aggregator) TotalUpdates() uint64 {
	return a.updates.Load()
}

// PointSnapshot is the constant-size summary copied out of the table for
// convergence checks and reporting.
type PointSnapshot struct {
	Mean     float64
	Variance float64
	StdErr   float64
	Updates  int
}

type Snapshot []PointSnapshot

// Snapshot copies the summary statistics for every point. Each point's lock
// is held only long enough to copy its summary, so ongoing merges are not
// stalled beyond that.
func (a *Aggregator) Snapshot() Snapshot {
	snap := make(Snapshot, len(a.points))
	for i := range a.points {
		p := &a.points[i]
		p.mu.Lock()
		snap[i] = PointSnapshot{
			Mean:     p.stat.Mean(),
			Variance: p.stat.Variance(),
			StdErr:   p.stat.StandardError(),
			Updates:  p.stat.Iterations(),
		}
		p.mu.Unlock()
	}
	return snap
}
