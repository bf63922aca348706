package semivalue

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/valuation-lab/semival/stats"
)

// Status is the terminal state of an estimation run.
type Status int

const (
	// StatusConverged: the stability criterion was satisfied.
	StatusConverged Status = iota
	// StatusBudgetExhausted: the update budget or iteration cutoff was hit.
	StatusBudgetExhausted
	// StatusCancelled: the caller cancelled the run; the partial estimates
	// are valid and possibly under-converged.
	StatusCancelled
	// StatusFailed: every worker exceeded its failure budget.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusBudgetExhausted:
		return "budget_exhausted"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Value is the estimate for a single data point.
type Value struct {
	Index    int
	Estimate float64
	StdErr   float64
	Updates  int
}

// Result is the reported outcome of a run. Converged distinguishes fully
// converged results from best-effort partial ones at the type level, so a
// cancelled or budget-limited run is never mistaken for a converged one.
type Result struct {
	Status        Status
	Converged     bool
	Values        []Value
	Iterations    uint64
	Evaluations   uint64
	FailedSamples uint64
	Elapsed       time.Duration
}

// Value returns the estimate for point i.
func (r *Result) Value(i int) Value {
	return r.Values[i]
}

// Sorted returns the values in descending order of estimate, ties broken by
// index. The receiver is not modified.
func (r *Result) Sorted() []Value {
	out := make([]Value, len(r.Values))
	copy(out, r.Values)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Estimate == out[j].Estimate {
			return out[i].Index < out[j].Index
		}
		return out[i].Estimate > out[j].Estimate
	})
	return out
}

// Sum returns the total of all estimates. For Shapley weighting this should
// approach U(D) - U(∅) (the efficiency property), which makes it a handy
// sanity check on a run.
func (r *Result) Sum() float64 {
	return lo.SumBy(r.Values, func(v Value) float64 { return v.Estimate })
}

// TotalUpdates returns the number of merged contributions across points.
func (r *Result) TotalUpdates() int {
	return lo.SumBy(r.Values, func(v Value) int { return v.Updates })
}

func (r *Result) String() string {
	var ss strings.Builder
	z := stats.ZVal(99)
	fmt.Fprintf(&ss, "%-8s%-24s%-10s\n", "Point", "Value", "Updates")
	for _, v := range r.Sorted() {
		fmt.Fprintf(&ss, "%-8d%-24s%-10d\n", v.Index,
			fmt.Sprintf("%.4f±%.4f", v.Estimate, z*v.StdErr), v.Updates)
	}
	fmt.Fprintf(&ss, "Status: %v, iterations: %d, evaluations: %d, dropped samples: %d (intervals are 99%% confidence)\n",
		r.Status, r.Iterations, r.Evaluations, r.FailedSamples)
	return ss.String()
}
