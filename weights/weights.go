// Package weights implements the per-subset-size weighting schemes that
// distinguish the members of the semi-value family: Shapley, Banzhaf and
// Beta Shapley. All weights are evaluated in log space so that large n does
// not overflow the factorials and Beta functions involved.
package weights

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/combin"
)

// NormalizationTolerance is the maximum allowed relative deviation of the
// size-mass distribution from 1.
const NormalizationTolerance = 1e-9

type Kind int

const (
	Shapley Kind = iota
	Banzhaf
	BetaShapley
)

func (k Kind) String() string {
	switch k {
	case Shapley:
		return "shapley"
	case Banzhaf:
		return "banzhaf"
	case BetaShapley:
		return "beta_shapley"
	}
	return "unknown"
}

// ParseKind maps a configuration-surface scheme name to its Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "shapley":
		return Shapley, nil
	case "banzhaf":
		return Banzhaf, nil
	case "beta_shapley":
		return BetaShapley, nil
	}
	return 0, fmt.Errorf("unknown weighting scheme %q", name)
}

// Scheme is an immutable weighting scheme selected at configuration time.
// Alpha and Beta are only meaningful for BetaShapley.
type Scheme struct {
	kind  Kind
	alpha float64
	beta  float64
}

// New validates the scheme parameters and runs the normalization self-check
// for a representative range of dataset sizes. Invalid parameters are a
// configuration error; no partial scheme is returned.
func New(kind Kind, alpha, beta float64) (Scheme, error) {
	switch kind {
	case Shapley, Banzhaf:
		// no hyperparameters
	case BetaShapley:
		if alpha <= 0 || beta <= 0 {
			return Scheme{}, fmt.Errorf("beta_shapley requires alpha > 0 and beta > 0, got alpha=%v beta=%v", alpha, beta)
		}
	default:
		return Scheme{}, fmt.Errorf("unknown weighting scheme kind %d", kind)
	}
	s := Scheme{kind: kind, alpha: alpha, beta: beta}
	for _, n := range []int{1, 2, 5, 20, 100} {
		if err := s.CheckNormalization(n); err != nil {
			return Scheme{}, err
		}
	}
	return s, nil
}

func (s Scheme) Kind() Kind     { return s.kind }
func (s Scheme) Alpha() float64 { return s.alpha }
func (s Scheme) Beta() float64  { return s.beta }

func (s Scheme) String() string {
	if s.kind == BetaShapley {
		return fmt.Sprintf("beta_shapley(%v,%v)", s.alpha, s.beta)
	}
	return s.kind.String()
}

// SubsetWeight returns the weight w(k) applied to the marginal contribution
// of a point joining a specific subset S with |S| = k-1, for a dataset of n
// points. k ranges over 1..n.
//
//	shapley:      (k-1)!(n-k)!/n!
//	banzhaf:      2^{-(n-1)}
//	beta_shapley: B(k+β-1, n-k+α)/B(α,β)
//
// With α=β=1 the Beta Shapley weight reduces to the Shapley weight.
func (s Scheme) SubsetWeight(k, n int) float64 {
	if k < 1 || k > n {
		return 0
	}
	switch s.kind {
	case Shapley:
		// log[(k-1)!(n-k)!/n!] = -log n - log C(n-1, k-1)
		return math.Exp(-math.Log(float64(n)) - combin.LogGeneralizedBinomial(float64(n-1), float64(k-1)))
	case Banzhaf:
		return math.Exp(-float64(n-1) * math.Ln2)
	case BetaShapley:
		return math.Exp(mathext.Lbeta(float64(k)+s.beta-1, float64(n-k)+s.alpha) - mathext.Lbeta(s.alpha, s.beta))
	}
	return 0
}

// SizeMass returns the total weight mass assigned to position k, that is
// SubsetWeight(k, n) times the number C(n-1, k-1) of subsets of size k-1.
// Summed over k=1..n this is the distribution sampled by the engine and
// must equal 1.
func (s Scheme) SizeMass(k, n int) float64 {
	if k < 1 || k > n {
		return 0
	}
	return math.Exp(s.logSizeMass(k, n))
}

func (s Scheme) logSizeMass(k, n int) float64 {
	lchoose := combin.LogGeneralizedBinomial(float64(n-1), float64(k-1))
	switch s.kind {
	case Shapley:
		return -math.Log(float64(n))
	case Banzhaf:
		return lchoose - float64(n-1)*math.Ln2
	case BetaShapley:
		return lchoose + mathext.Lbeta(float64(k)+s.beta-1, float64(n-k)+s.alpha) - mathext.Lbeta(s.alpha, s.beta)
	}
	return math.Inf(-1)
}

// PositionWeight returns the importance weight n·SizeMass(k, n) applied to
// a marginal contribution observed at position k of a uniformly random
// permutation. Under permutation sampling each position occurs with
// probability 1/n with the subset uniform among those of size k-1, so this
// ratio makes the weighted sample an unbiased estimate of the semi-value.
// For Shapley the weight is identically 1.
func (s Scheme) PositionWeight(k, n int) float64 {
	if s.kind == Shapley {
		return 1
	}
	return math.Exp(math.Log(float64(n)) + s.logSizeMass(k, n))
}

// CheckNormalization verifies that the size masses for a dataset of n
// points sum to 1 within NormalizationTolerance. It is run once per
// configuration; a failure indicates a misconfigured or numerically
// unstable scheme and aborts the run.
func (s Scheme) CheckNormalization(n int) error {
	if n < 1 {
		return fmt.Errorf("dataset size must be at least 1, got %d", n)
	}
	sum := 0.0
	for k := 1; k <= n; k++ {
		w := s.SizeMass(k, n)
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("scheme %v produced invalid weight %v at k=%d n=%d", s, w, k, n)
		}
		sum += w
	}
	if math.Abs(sum-1) > NormalizationTolerance {
		return fmt.Errorf("scheme %v weights sum to %v for n=%d, want 1 within %v", s, sum, n, NormalizationTolerance)
	}
	return nil
}
