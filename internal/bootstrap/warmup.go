// Package bootstrap seeds the state store: both covariance matrices, the
// initial price snapshot, starting cash and empty holdings. It runs once;
// the serve process detects a seeded store by the presence of the cash key.
package bootstrap

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/bullet3113/risk-engine/internal/config"
	"github.com/bullet3113/risk-engine/internal/instrument"
	"github.com/bullet3113/risk-engine/internal/observ"
	"github.com/bullet3113/risk-engine/internal/risk"
	"github.com/bullet3113/risk-engine/internal/store"
)

// factorBeta is the common-factor loading used to give the seeded universe
// realistic cross-correlation (~0.36 pairwise).
const factorBeta = 0.6

// seedSamples is the synthetic return history length used to estimate the
// seed covariance, two trading days of ticks.
const seedSamples = 2 * risk.TicksPerDay

// Warmup populates the store. With force=false a store that already holds
// cash is left untouched.
func Warmup(ctx context.Context, s store.Store, set *instrument.Set, cfg config.Root, seed int64, force bool) error {
	done, err := s.Bootstrapped(ctx)
	if err != nil {
		return fmt.Errorf("check bootstrap state: %w", err)
	}
	if done && !force {
		observ.Log("warmup_skipped", map[string]any{"reason": "store already seeded"})
		return nil
	}

	rng := rand.New(rand.NewSource(seed))
	n := set.Len()

	current := estimateCovariance(cfg.Instruments, 1, rng)
	stressed := estimateCovariance(cfg.Instruments, cfg.Risk.StressVolMultiple, rng)

	if err := s.SaveInstruments(ctx, set.Symbols()); err != nil {
		return err
	}
	if err := s.SaveStressedMatrix(ctx, &store.MatrixBlob{N: n, Data: risk.RowMajor(stressed)}); err != nil {
		return err
	}

	prices := make([]float64, n)
	for i, ins := range cfg.Instruments {
		prices[i] = ins.StartPrice
	}
	rec := &store.MarketRecord{
		UpdatedAt: time.Now().UTC(),
		Prices:    prices,
		Cov:       store.MatrixBlob{N: n, Data: risk.RowMajor(current)},
	}
	fromVersion := int64(0)
	if existing, err := s.LoadMarket(ctx); err == nil {
		fromVersion = existing.Version
	}
	if err := s.SwapMarket(ctx, fromVersion, rec); err != nil {
		return fmt.Errorf("seed market record: %w", err)
	}

	if err := ResetPortfolio(ctx, s, set, cfg.Portfolio.StartingCash); err != nil {
		return err
	}
	observ.Log("warmup_complete", map[string]any{
		"instruments":   n,
		"starting_cash": cfg.Portfolio.StartingCash,
		"var_limit":     cfg.VaRLimit(),
	})
	return nil
}

// ResetPortfolio rewrites cash and holdings to their initial defaults.
// Market state is left alone.
func ResetPortfolio(ctx context.Context, s store.Store, set *instrument.Set, startingCash float64) error {
	p := &store.Portfolio{
		Cash:     decimal.NewFromFloat(startingCash),
		Holdings: make(map[string]store.Holding, set.Len()),
	}
	for _, sym := range set.Symbols() {
		p.Holdings[sym] = store.Holding{Qty: 0, AvgCost: decimal.Zero}
	}
	if err := s.SavePortfolio(ctx, p); err != nil {
		return fmt.Errorf("reset portfolio: %w", err)
	}
	observ.Log("portfolio_reset", map[string]any{"cash": startingCash})
	return nil
}

// estimateCovariance builds a per-tick covariance matrix by estimating over
// a synthetic return history: each instrument's configured daily volatility
// is scaled to per-tick and driven by a one-factor model so the matrix
// carries cross-correlation and is PSD by construction.
func estimateCovariance(instruments []config.Instrument, volMultiple float64, rng *rand.Rand) *mat.SymDense {
	n := len(instruments)
	samples := mat.NewDense(seedSamples, n, nil)
	idio := math.Sqrt(1 - factorBeta*factorBeta)
	for t := 0; t < seedSamples; t++ {
		common := rng.NormFloat64()
		for i, ins := range instruments {
			tickVol := ins.DailyVol * volMultiple / risk.DailyScale
			r := tickVol * (factorBeta*common + idio*rng.NormFloat64())
			samples.Set(t, i, r)
		}
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, samples, nil)
	return &cov
}
