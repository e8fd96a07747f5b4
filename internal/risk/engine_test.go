package risk

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// randomPSD builds a PSD matrix as a sum of outer products.
func randomPSD(n int, rng *rand.Rand) *mat.SymDense {
	var s mat.SymDense
	s.ReuseAsSym(n)
	for k := 0; k < n+2; k++ {
		r := make([]float64, n)
		for i := range r {
			r[i] = rng.NormFloat64() * 0.01
		}
		var next mat.SymDense
		next.SymRankOne(&s, 1, mat.NewVecDense(n, r))
		s.CopySym(&next)
	}
	return &s
}

func TestPortfolioVaRNonNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 100; trial++ {
		n := 2 + rng.Intn(5)
		cov := randomPSD(n, rng)
		w := make([]float64, n)
		for i := range w {
			w[i] = rng.NormFloat64() // weights may be any sign
		}
		v := PortfolioVaR(w, cov, 1_000_000)
		if v.Dollars < 0 || v.Std < 0 {
			t.Fatalf("trial %d: negative VaR %v (std %v)", trial, v.Dollars, v.Std)
		}
		if math.IsNaN(v.Dollars) {
			t.Fatalf("trial %d: NaN VaR", trial)
		}
	}
}

func TestPortfolioVaRKnownValue(t *testing.T) {
	// Single instrument with per-tick vol 0.002: VaR = z * vol * value.
	cov := mat.NewSymDense(1, []float64{0.002 * 0.002})
	v := PortfolioVaR([]float64{1}, cov, 15_000)
	want := ConfidenceZ * 0.002 * 15_000
	if math.Abs(v.Dollars-want) > 1e-9 {
		t.Fatalf("VaR = %v, want %v", v.Dollars, want)
	}
	if math.Abs(v.Std-0.002) > 1e-12 {
		t.Fatalf("std = %v, want 0.002", v.Std)
	}
}

func TestPortfolioVaRClampsRoundoff(t *testing.T) {
	// A zero matrix with nonzero weights must yield exactly zero, not NaN.
	cov := mat.NewSymDense(3, nil)
	v := PortfolioVaR([]float64{0.5, 0.3, 0.2}, cov, 1000)
	if v.Dollars != 0 || v.Std != 0 {
		t.Fatalf("VaR = %+v, want zero", v)
	}
}

func TestMarginalVaRZeroStd(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	got := MarginalVaR([]float64{0.5, 0.5}, cov, 0)
	for i, m := range got {
		if m != 0 {
			t.Fatalf("marginal[%d] = %v, want 0", i, m)
		}
	}
}

func TestMarginalVaREulerDecomposition(t *testing.T) {
	// Σ w_i · MVaR_i · V must reproduce the portfolio VaR exactly.
	rng := rand.New(rand.NewSource(7))
	cov := randomPSD(4, rng)
	w := []float64{0.4, 0.3, 0.2, 0.1}
	const value = 250_000.0

	v := PortfolioVaR(w, cov, value)
	marginal := MarginalVaR(w, cov, v.Std)
	sum := 0.0
	for i := range w {
		sum += w[i] * marginal[i] * value
	}
	if math.Abs(sum-v.Dollars) > 1e-6*math.Max(1, v.Dollars) {
		t.Fatalf("component sum %v != portfolio VaR %v", sum, v.Dollars)
	}
}

func TestIncrementalVaRIsExactDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	cov := randomPSD(3, rng)
	w := []float64{0.5, 0.3, 0.2}
	delta := []float64{0.1, 0, -0.05}
	const value = 1_000_000.0

	inc := IncrementalVaR(w, delta, cov, value)
	after := PortfolioVaR([]float64{0.6, 0.3, 0.15}, cov, value).Dollars
	before := PortfolioVaR(w, cov, value).Dollars
	if math.Abs(inc-(after-before)) > 1e-9 {
		t.Fatalf("incremental %v != %v", inc, after-before)
	}
}

func TestIsolatedVaR(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{0.0004, 0.0001, 0.0001, 0.0009})
	got := IsolatedVaR(cov, []float64{10_000, 20_000})
	want := []float64{0.02 * 10_000 * ConfidenceZ, 0.03 * 20_000 * ConfidenceZ}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("isolated[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLiquidityCostWithVolume(t *testing.T) {
	// 100 shares at $150 with 2bps spread and 10MM ADV.
	qty, price := 100.0, 150.0
	bid, ask := price*0.9998, price*1.0002
	got := LiquidityCost(qty, price, bid, ask, 10_000_000, DefaultImpactK)

	spreadCost := qty * (ask - bid) / 2
	impact := qty * price * DefaultImpactK * math.Sqrt(qty/10_000_000)
	if math.Abs(got-(spreadCost+impact)) > 1e-9 {
		t.Fatalf("liquidity cost %v, want %v", got, spreadCost+impact)
	}
}

func TestLiquidityCostNoVolumeFallback(t *testing.T) {
	// ADV = 0 falls back to exactly 5% of notional for the impact leg.
	qty, price := 200.0, 50.0
	got := LiquidityCost(qty, price, price, price, 0, DefaultImpactK)
	want := qty * price * 0.05 // zero spread, flat penalty only
	if got != want {
		t.Fatalf("fallback cost %v, want %v", got, want)
	}
}

func TestStressVaRBreach(t *testing.T) {
	cov := mat.NewSymDense(1, []float64{0.01 * 0.01})
	w := []float64{1}

	res := StressVaR(w, cov, 100_000, 5_000)
	want := ConfidenceZ * 0.01 * 100_000 // 1650
	if math.Abs(res.StressedVaR-want) > 1e-9 {
		t.Fatalf("stressed VaR %v, want %v", res.StressedVaR, want)
	}
	if res.Breach {
		t.Fatalf("unexpected breach below limit")
	}

	res = StressVaR(w, cov, 100_000, 1_000)
	if !res.Breach {
		t.Fatalf("expected breach above limit")
	}
}

func TestRowMajorRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cov := randomPSD(4, rng)
	blob := RowMajor(cov)
	back := SymFromRowMajor(4, blob)
	if !mat.EqualApprox(cov, back, 1e-15) {
		t.Fatalf("row-major round trip changed the matrix")
	}
}
