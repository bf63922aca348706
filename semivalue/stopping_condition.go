package semivalue

import (
	"math"
	"sync"
	"sync/atomic"
)

// StoppingCondition decides when the sampling loop should end. Conditions
// are monotone: once satisfied they stay satisfied, even when re-evaluated
// against an unchanged snapshot.
//
// Record is called once per merged aggregator update and must be cheap.
// Done is the latched fast-path check consulted between samples. ShouldStop
// runs the full (possibly more expensive) check against a snapshot and is
// polled by the engine at its check interval.
type StoppingCondition interface {
	Reset()
	Record(n int)
	Done() bool
	ShouldStop(snap Snapshot) bool
	// Outcome is the terminal status this condition implies when it fires.
	Outcome() Status
}

// FixedBudget stops after a configured number of merged updates. On a
// single-worker run the engine stops after exactly Budget updates; with
// several workers the overshoot is bounded by the updates in flight when
// the budget latches.
type FixedBudget struct {
	budget uint64
	count  atomic.Uint64
	done   atomic.Bool
}

func NewFixedBudget(budget uint64) *FixedBudget {
	return &FixedBudget{budget: budget}
}

func (f *FixedBudget) Reset() {
	f.count.Store(0)
	f.done.Store(false)
}

func (f *FixedBudget) Record(n int) {
	if f.count.Add(uint64(n)) >= f.budget {
		f.done.Store(true)
	}
}

func (f *FixedBudget) Done() bool {
	return f.done.Load()
}

func (f *FixedBudget) ShouldStop(Snapshot) bool {
	return f.done.Load()
}

func (f *FixedBudget) Outcome() Status {
	return StatusBudgetExhausted
}

// Updates returns the number of updates recorded so far.
func (f *FixedBudget) Updates() uint64 {
	return f.count.Load()
}

// Stability stops once the largest relative change of any point's estimate
// across a trailing window of snapshots has stayed below Threshold for
// Consecutive polls in a row. Modeled after pointwise vanishing of estimate
// derivatives; every point must have received at least one update before
// the check can pass.
type Stability struct {
	Threshold   float64
	Window      int
	Consecutive int

	mu      sync.Mutex
	history []Snapshot
	streak  int
	done    atomic.Bool
}

func NewStability(threshold float64, window, consecutive int) *Stability {
	if window < 1 {
		window = 1
	}
	if consecutive < 1 {
		consecutive = 1
	}
	return &Stability{Threshold: threshold, Window: window, Consecutive: consecutive}
}

func (s *Stability) Reset() {
	s.mu.Lock()
	s.history = nil
	s.streak = 0
	s.mu.Unlock()
	s.done.Store(false)
}

func (s *Stability) Record(int) {}

func (s *Stability) Done() bool {
	return s.done.Load()
}

func (s *Stability) Outcome() Status {
	return StatusConverged
}

func (s *Stability) ShouldStop(snap Snapshot) bool {
	if s.done.Load() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, snap)
	if len(s.history) > s.Window+1 {
		s.history = s.history[len(s.history)-s.Window-1:]
	}
	if len(s.history) < s.Window+1 {
		return false
	}

	delta := maxRelativeChange(s.history[0], snap)
	if delta < s.Threshold {
		s.streak++
	} else {
		s.streak = 0
	}
	if s.streak >= s.Consecutive {
		s.done.Store(true)
		return true
	}
	return false
}

func maxRelativeChange(prev, cur Snapshot) float64 {
	worst := 0.0
	for i := range cur {
		if cur[i].Updates == 0 || i >= len(prev) || prev[i].Updates == 0 {
			return math.Inf(1)
		}
		scale := math.Max(math.Abs(cur[i].Mean), stabilityScaleFloor)
		d := math.Abs(cur[i].Mean-prev[i].Mean) / scale
		if d > worst {
			worst = d
		}
	}
	return worst
}

// stabilityScaleFloor keeps relative changes meaningful for estimates near
// zero.
const stabilityScaleFloor = 1e-12

// MinSamples returns the Hoeffding lower bound on the number of Monte Carlo
// updates needed for an (eps, delta) approximation when single marginals
// are bounded in absolute value by r: with probability 1-delta the estimate
// is within eps of the true semi-value. Useful for sizing a FixedBudget.
func MinSamples(delta, eps, r float64) int {
	return int(math.Ceil(math.Log(2/delta) * r * r / (2 * eps * eps)))
}
