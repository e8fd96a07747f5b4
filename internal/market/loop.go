package market

import (
	"context"
	"errors"
	"time"

	"github.com/bullet3113/risk-engine/internal/observ"
	"github.com/bullet3113/risk-engine/internal/risk"
	"github.com/bullet3113/risk-engine/internal/store"
)

// Loop drives the market model: one tick per interval, each tick read from
// the last committed record and written back as a single versioned record
// via compare-and-swap. Transient store failures are logged to the error
// signal and retried after a fixed backoff; the loop only exits on context
// cancellation or malformed state.
type Loop struct {
	store    store.Store
	model    *Model
	interval time.Duration
	backoff  time.Duration
}

func NewLoop(s store.Store, model *Model, interval, backoff time.Duration) *Loop {
	return &Loop{store: s, model: model, interval: interval, backoff: backoff}
}

// Run blocks until ctx is cancelled or the stored state is structurally
// inconsistent with the configured instrument set.
func (l *Loop) Run(ctx context.Context) error {
	rec, err := l.awaitBootstrap(ctx)
	if err != nil {
		return err
	}
	observ.Log("market_loop_started", map[string]any{
		"version":  rec.Version,
		"interval": l.interval.String(),
	})

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		next := l.advance(rec)
		err := l.store.SwapMarket(ctx, rec.Version, next)
		switch {
		case err == nil:
			rec = next
			_ = l.store.ClearError(ctx)
			observ.IncCounter("market_ticks_total", nil)
		case errors.Is(err, store.ErrVersionConflict):
			// Another writer moved the record. Re-read and resume from the
			// committed state instead of clobbering it.
			observ.IncCounter("market_swap_conflicts_total", nil)
			observ.Log("market_swap_conflict", map[string]any{"local_version": rec.Version})
			if rec, err = l.reload(ctx); err != nil {
				return err
			}
		default:
			var malformed *store.MalformedStateError
			if errors.As(err, &malformed) {
				return err
			}
			observ.IncCounter("market_store_errors_total", nil)
			observ.Log("market_loop_error", map[string]any{"error": err.Error()})
			_ = l.store.WriteError(ctx, err.Error())
			if !l.sleep(ctx) {
				return ctx.Err()
			}
		}
	}
}

// advance computes the next record from the last committed one.
func (l *Loop) advance(rec *store.MarketRecord) *store.MarketRecord {
	newPrices := l.model.NextTick(rec.Prices)
	returns := LogReturns(rec.Prices, newPrices)
	cov := risk.SymFromRowMajor(rec.Cov.N, rec.Cov.Data)
	next := UpdateCovariance(cov, returns, l.model.lambda)
	return &store.MarketRecord{
		UpdatedAt: time.Now().UTC(),
		Prices:    newPrices,
		Cov:       store.MatrixBlob{N: rec.Cov.N, Data: risk.RowMajor(next)},
	}
}

// awaitBootstrap polls for the warmup-seeded record, writing the waiting
// state to the error signal so the display layer can show it.
func (l *Loop) awaitBootstrap(ctx context.Context) (*store.MarketRecord, error) {
	for {
		rec, err := l.store.LoadMarket(ctx)
		if err == nil {
			return rec, nil
		}
		var malformed *store.MalformedStateError
		if errors.As(err, &malformed) {
			return nil, err
		}
		msg := "waiting for warmup data"
		if !errors.Is(err, store.ErrNotReady) {
			msg = err.Error()
		}
		observ.Log("market_loop_waiting", map[string]any{"reason": msg})
		_ = l.store.WriteError(ctx, msg)
		if !l.sleep(ctx) {
			return nil, ctx.Err()
		}
	}
}

func (l *Loop) reload(ctx context.Context) (*store.MarketRecord, error) {
	for {
		rec, err := l.store.LoadMarket(ctx)
		if err == nil {
			return rec, nil
		}
		var malformed *store.MalformedStateError
		if errors.As(err, &malformed) {
			return nil, err
		}
		observ.Log("market_loop_error", map[string]any{"error": err.Error()})
		if !l.sleep(ctx) {
			return nil, ctx.Err()
		}
	}
}

func (l *Loop) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.backoff):
		return true
	}
}
