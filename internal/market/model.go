// Package market produces synthetic price ticks and maintains the live
// exponentially-weighted covariance estimate. The update loop is the single
// writer of the market record; everyone else reads immutable snapshots.
package market

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/bullet3113/risk-engine/internal/instrument"
)

// Model generates ticks and folds their log-returns into the EWMA
// covariance. It owns no shared state and is not safe for concurrent use;
// the loop is its only caller.
type Model struct {
	set    *instrument.Set
	sigma  float64 // per-tick shock stddev
	lambda float64 // EWMA decay
	rng    *rand.Rand
}

func NewModel(set *instrument.Set, sigma, lambda float64, seed int64) *Model {
	return &Model{
		set:    set,
		sigma:  sigma,
		lambda: lambda,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// NextTick applies an independent multiplicative lognormal shock to each
// price: p' = p * exp(N(0, σ)). The exponential form keeps prices strictly
// positive for any draw.
func (m *Model) NextTick(prices []float64) []float64 {
	next := make([]float64, len(prices))
	for i, p := range prices {
		next[i] = p * math.Exp(m.rng.NormFloat64()*m.sigma)
	}
	return next
}

// LogReturns computes r_i = ln(new_i / old_i) elementwise.
func LogReturns(oldPrices, newPrices []float64) []float64 {
	r := make([]float64, len(oldPrices))
	for i := range oldPrices {
		r[i] = math.Log(newPrices[i] / oldPrices[i])
	}
	return r
}

// UpdateCovariance performs the EWMA recursion Σ' = λΣ + (1-λ)·rrᵀ.
// A convex combination of a PSD matrix and an outer product is PSD, so
// positive semi-definiteness is preserved by construction.
func UpdateCovariance(old *mat.SymDense, r []float64, lambda float64) *mat.SymDense {
	n := old.SymmetricDim()
	var decayed mat.SymDense
	decayed.ScaleSym(lambda, old)
	rv := mat.NewVecDense(n, append([]float64(nil), r...))
	var next mat.SymDense
	next.SymRankOne(&decayed, 1-lambda, rv)
	return &next
}
