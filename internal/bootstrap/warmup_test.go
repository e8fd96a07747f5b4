package bootstrap

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/bullet3113/risk-engine/internal/config"
	"github.com/bullet3113/risk-engine/internal/instrument"
	"github.com/bullet3113/risk-engine/internal/risk"
	"github.com/bullet3113/risk-engine/internal/store"
)

func setup(t *testing.T) (config.Root, *instrument.Set, *store.Memory) {
	t.Helper()
	cfg := config.Default()
	set, err := instrument.NewSet(cfg.Symbols())
	require.NoError(t, err)
	return cfg, set, store.NewMemory(set)
}

func requirePSD(t *testing.T, blob *store.MatrixBlob) {
	t.Helper()
	m := risk.SymFromRowMajor(blob.N, blob.Data)
	var eig mat.EigenSym
	require.True(t, eig.Factorize(m, false))
	for _, v := range eig.Values(nil) {
		require.GreaterOrEqual(t, v, -1e-12, "negative eigenvalue")
	}
}

func TestWarmupSeedsEverything(t *testing.T) {
	cfg, set, mem := setup(t)
	ctx := context.Background()

	require.NoError(t, Warmup(ctx, mem, set, cfg, 42, false))

	ok, err := mem.Bootstrapped(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := mem.LoadMarket(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Version)
	require.Len(t, rec.Prices, set.Len())
	for i, ins := range cfg.Instruments {
		require.Equal(t, ins.StartPrice, rec.Prices[i])
	}
	requirePSD(t, &rec.Cov)

	stressed, err := mem.LoadStressedMatrix(ctx)
	require.NoError(t, err)
	requirePSD(t, stressed)

	// Stressed variances must dominate the live ones.
	live := risk.SymFromRowMajor(rec.Cov.N, rec.Cov.Data)
	crisis := risk.SymFromRowMajor(stressed.N, stressed.Data)
	for i := 0; i < set.Len(); i++ {
		require.Greater(t, crisis.At(i, i), live.At(i, i))
	}

	p, err := mem.LoadPortfolio(ctx)
	require.NoError(t, err)
	require.True(t, p.Cash.Equal(decimal.NewFromFloat(cfg.Portfolio.StartingCash)))
	require.Len(t, p.Holdings, set.Len())
	for sym, h := range p.Holdings {
		require.Zero(t, h.Qty, "symbol %s", sym)
		require.True(t, h.AvgCost.IsZero())
	}

	stored, err := mem.LoadInstruments(ctx)
	require.NoError(t, err)
	require.Equal(t, set.Symbols(), stored)
}

func TestWarmupIsIdempotentUnlessForced(t *testing.T) {
	cfg, set, mem := setup(t)
	ctx := context.Background()

	require.NoError(t, Warmup(ctx, mem, set, cfg, 42, false))

	// Dirty the portfolio, then re-run without force: nothing changes.
	p, err := mem.LoadPortfolio(ctx)
	require.NoError(t, err)
	p.Cash = decimal.NewFromInt(123)
	require.NoError(t, mem.SavePortfolio(ctx, p))

	require.NoError(t, Warmup(ctx, mem, set, cfg, 42, false))
	p, err = mem.LoadPortfolio(ctx)
	require.NoError(t, err)
	require.True(t, p.Cash.Equal(decimal.NewFromInt(123)))

	// Forced warmup reseeds.
	require.NoError(t, Warmup(ctx, mem, set, cfg, 42, true))
	p, err = mem.LoadPortfolio(ctx)
	require.NoError(t, err)
	require.True(t, p.Cash.Equal(decimal.NewFromFloat(cfg.Portfolio.StartingCash)))

	rec, err := mem.LoadMarket(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.Version, "forced reseed swaps against the live version")
}

func TestResetPortfolioRestoresDefaults(t *testing.T) {
	cfg, set, mem := setup(t)
	ctx := context.Background()

	require.NoError(t, Warmup(ctx, mem, set, cfg, 42, false))
	marketBefore, err := mem.LoadMarket(ctx)
	require.NoError(t, err)

	p, err := mem.LoadPortfolio(ctx)
	require.NoError(t, err)
	p.Cash = decimal.NewFromInt(5)
	p.Holdings["AAPL"] = store.Holding{Qty: 7, AvgCost: decimal.NewFromInt(10)}
	require.NoError(t, mem.SavePortfolio(ctx, p))

	require.NoError(t, ResetPortfolio(ctx, mem, set, cfg.Portfolio.StartingCash))

	p, err = mem.LoadPortfolio(ctx)
	require.NoError(t, err)
	require.True(t, p.Cash.Equal(decimal.NewFromFloat(cfg.Portfolio.StartingCash)))
	require.Zero(t, p.Holdings["AAPL"].Qty)

	// Reset leaves market state alone.
	marketAfter, err := mem.LoadMarket(ctx)
	require.NoError(t, err)
	require.Equal(t, marketBefore.Version, marketAfter.Version)
}
