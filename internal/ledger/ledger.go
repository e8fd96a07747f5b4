// Package ledger owns cash and holdings. All mutation funnels through
// ApplyTrade, which treats read-check-write as one atomic unit under a
// mutex: no other trade can observe or apply against an intermediate state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bullet3113/risk-engine/internal/instrument"
	"github.com/bullet3113/risk-engine/internal/observ"
	"github.com/bullet3113/risk-engine/internal/store"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

var (
	ErrInsufficientFunds    = errors.New("ledger: insufficient funds")
	ErrInsufficientPosition = errors.New("ledger: insufficient position")
	ErrUnknownInstrument    = errors.New("ledger: unknown instrument")
	ErrBadQuantity          = errors.New("ledger: quantity must be > 0")
)

// Fill describes a committed trade.
type Fill struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Qty       int64           `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Notional  decimal.Decimal `json:"notional"`
	CashAfter decimal.Decimal `json:"cash_after"`
}

// Ledger serializes trades against the persisted portfolio. It is the only
// writer of the cash and holdings keys while the process runs.
type Ledger struct {
	mu    sync.Mutex
	store store.Store
	set   *instrument.Set
}

func New(s store.Store, set *instrument.Set) *Ledger {
	return &Ledger{store: s, set: set}
}

// Snapshot returns the current persisted portfolio.
func (l *Ledger) Snapshot(ctx context.Context) (*store.Portfolio, error) {
	return l.store.LoadPortfolio(ctx)
}

// ApplyTrade applies one BUY or SELL at the given price. Cash and average
// cost use decimal arithmetic; solvency is re-checked against the freshly
// loaded state, so a stale admission decision can only fail here, never
// drive cash or quantity negative. Returns the fill and the post-trade
// portfolio.
func (l *Ledger) ApplyTrade(ctx context.Context, symbol string, qty int64, side Side, price float64) (*Fill, *store.Portfolio, error) {
	if qty <= 0 {
		return nil, nil, ErrBadQuantity
	}
	if _, ok := l.set.Index(symbol); !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.store.LoadPortfolio(ctx)
	if err != nil {
		return nil, nil, err
	}

	px := decimal.NewFromFloat(price)
	notional := px.Mul(decimal.NewFromInt(qty))
	h := p.Holdings[symbol]

	switch side {
	case SideBuy:
		if notional.GreaterThan(p.Cash) {
			return nil, nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, notional, p.Cash)
		}
		invested := h.AvgCost.Mul(decimal.NewFromInt(h.Qty)).Add(notional)
		h.Qty += qty
		h.AvgCost = invested.Div(decimal.NewFromInt(h.Qty))
		p.Cash = p.Cash.Sub(notional)
	case SideSell:
		if qty > h.Qty {
			return nil, nil, fmt.Errorf("%w: want %d, hold %d", ErrInsufficientPosition, qty, h.Qty)
		}
		h.Qty -= qty
		if h.Qty == 0 {
			h.AvgCost = decimal.Zero
		}
		p.Cash = p.Cash.Add(notional)
	default:
		return nil, nil, fmt.Errorf("ledger: unknown side %q", side)
	}

	p.Holdings[symbol] = h
	if err := l.store.SavePortfolio(ctx, p); err != nil {
		return nil, nil, err
	}

	fill := &Fill{
		Symbol:    symbol,
		Side:      side,
		Qty:       qty,
		Price:     px,
		Notional:  notional,
		CashAfter: p.Cash,
	}
	observ.IncCounter("ledger_trades_total", map[string]string{"side": string(side)})
	cash, _ := p.Cash.Float64()
	observ.SetGauge("ledger_cash_usd", cash, nil)
	observ.Log("trade_committed", map[string]any{
		"symbol":   symbol,
		"side":     string(side),
		"qty":      qty,
		"price":    px.String(),
		"notional": notional.String(),
		"cash":     p.Cash.String(),
	})
	return fill, p, nil
}
