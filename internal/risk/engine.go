// Package risk is the pure value-at-risk library. All functions are
// stateless: they take a weights vector (fractional notional exposure per
// instrument), a covariance matrix over per-tick log-returns, and a dollar
// portfolio value, and return dollar risk numbers.
package risk

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// ConfidenceZ is the one-sided z-score for 95% confidence.
	ConfidenceZ = 1.65

	// DefaultImpactK is a conservative square-root-impact constant for
	// liquid US equities.
	DefaultImpactK = 0.1

	// TicksPerDay scales per-tick (one trading minute) variance to a
	// trading day of 6.5 hours.
	TicksPerDay = 390
)

// DailyScale converts a per-tick standard deviation to a daily one.
// Variance scales linearly with time, so stddev scales with its root.
var DailyScale = math.Sqrt(TicksPerDay)

// VaR is a portfolio value-at-risk result.
type VaR struct {
	Dollars float64 // z * std * value
	Std     float64 // per-tick portfolio return standard deviation
}

// PortfolioVaR computes parametric VaR: z * value * sqrt(wᵀΣw).
// The variance is clamped at zero so floating round-off on near-singular
// matrices cannot produce NaN.
func PortfolioVaR(w []float64, cov *mat.SymDense, value float64) VaR {
	wv := mat.NewVecDense(len(w), append([]float64(nil), w...))
	variance := mat.Inner(wv, cov, wv)
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)
	return VaR{Dollars: std * ConfidenceZ * value, Std: std}
}

// MarginalVaR is the gradient of portfolio VaR with respect to each
// instrument's weight: (Σw)/std scaled by z. It answers "how much does VaR
// rise per extra dollar of exposure to instrument i". Returns a zero vector
// when the portfolio has no volatility.
func MarginalVaR(w []float64, cov *mat.SymDense, std float64) []float64 {
	out := make([]float64, len(w))
	if std == 0 {
		return out
	}
	wv := mat.NewVecDense(len(w), append([]float64(nil), w...))
	var grad mat.VecDense
	grad.MulVec(cov, wv)
	for i := range out {
		out[i] = grad.AtVec(i) / std * ConfidenceZ
	}
	return out
}

// IncrementalVaR is the exact VaR change from adding delta to the weights.
// The portfolio value is deliberately held constant across both sides:
// the trade is modeled as a reallocation between cash and a position, not
// external leverage. Callers that need the funded-trade view recompute the
// post-trade VaR against the new equity value themselves.
func IncrementalVaR(w, delta []float64, cov *mat.SymDense, value float64) float64 {
	next := make([]float64, len(w))
	for i := range w {
		next[i] = w[i] + delta[i]
	}
	return PortfolioVaR(next, cov, value).Dollars - PortfolioVaR(w, cov, value).Dollars
}

// IsolatedVaR computes each position's VaR as if it were the only holding,
// ignoring correlation: sqrt(Σ_ii) * value_i * z. Used for decomposition
// display, never for the admission decision.
func IsolatedVaR(cov *mat.SymDense, values []float64) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		v := cov.At(i, i)
		if v < 0 {
			v = 0
		}
		out[i] = math.Sqrt(v) * values[i] * ConfidenceZ
	}
	return out
}

// LiquidityCost estimates the dollar cost of liquidating qty shares:
// half-spread cost plus square-root-law market impact. When avgDailyVolume
// is unknown (<= 0) a flat 5% of notional penalty applies instead of the
// impact term.
func LiquidityCost(qty, price, bid, ask, avgDailyVolume, k float64) float64 {
	notional := qty * price
	spreadCost := qty * (ask - bid) / 2
	var impact float64
	if avgDailyVolume > 0 {
		participation := qty / avgDailyVolume
		impact = notional * k * math.Sqrt(participation)
	} else {
		impact = notional * 0.05
	}
	return spreadCost + impact
}

// StressResult compares current exposure against the crisis covariance
// regime.
type StressResult struct {
	StressedVaR float64 `json:"stressed_var"`
	Breach      bool    `json:"breach"`
	Limit       float64 `json:"limit"`
}

// StressVaR applies the portfolio VaR formula to the fixed
// historical-crisis covariance matrix.
func StressVaR(w []float64, stressed *mat.SymDense, value, limit float64) StressResult {
	v := PortfolioVaR(w, stressed, value)
	return StressResult{StressedVaR: v.Dollars, Breach: v.Dollars > limit, Limit: limit}
}

// SymFromRowMajor builds a symmetric matrix from a row-major n×n blob.
func SymFromRowMajor(n int, data []float64) *mat.SymDense {
	return mat.NewSymDense(n, append([]float64(nil), data...))
}

// RowMajor flattens a symmetric matrix back into a row-major blob.
func RowMajor(m *mat.SymDense) []float64 {
	n := m.SymmetricDim()
	out := make([]float64, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}
