// Package admission gates proposed trades against the portfolio VaR limit.
// The workflow is propose → evaluate (pure computation) → user confirms →
// execute. Evaluation and execution are separated in time, so execution
// re-fetches live state and re-validates before mutating the ledger.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/bullet3113/risk-engine/internal/instrument"
	"github.com/bullet3113/risk-engine/internal/journal"
	"github.com/bullet3113/risk-engine/internal/ledger"
	"github.com/bullet3113/risk-engine/internal/observ"
	"github.com/bullet3113/risk-engine/internal/risk"
	"github.com/bullet3113/risk-engine/internal/store"
)

type Status string

const (
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusError    Status = "ERROR"

	StatusCommitted Status = "COMMITTED"
	StatusFailed    Status = "FAILED"
)

// Proposal is a trade the display layer asks to evaluate or execute.
type Proposal struct {
	Symbol string      `json:"symbol"`
	Side   ledger.Side `json:"side"`
	Qty    int64       `json:"qty"`
}

// Impact is the non-persisted decision record for one admission check.
type Impact struct {
	DecisionID     string  `json:"decision_id"`
	Status         Status  `json:"status"`
	Reason         string  `json:"reason,omitempty"`
	TradeValue     float64 `json:"trade_value"`
	IncrementalVaR float64 `json:"incremental_var"`
	PostTradeVaR   float64 `json:"post_trade_var"`
	LiquidityCost  float64 `json:"liquidity_cost"`
	Limit          float64 `json:"limit"`
}

// ExecutionResult reports the outcome of applying a confirmed trade.
type ExecutionResult struct {
	Status Status       `json:"status"`
	Reason string       `json:"reason,omitempty"`
	Fill   *ledger.Fill `json:"fill,omitempty"`
}

// Config carries the risk parameters the controller needs.
type Config struct {
	VaRLimit       float64
	SpreadBps      float64   // synthetic half-spread around the snapshot price
	ImpactK        float64
	AvgDailyVolume []float64 // per instrument, index order
}

// Controller orchestrates RiskEngine, PortfolioLedger and market snapshots.
// It never writes market state and mutates the portfolio only through the
// ledger.
type Controller struct {
	store   store.Store
	set     *instrument.Set
	ledger  *ledger.Ledger
	journal *journal.Journal
	cfg     Config
}

func NewController(s store.Store, set *instrument.Set, led *ledger.Ledger, jnl *journal.Journal, cfg Config) *Controller {
	return &Controller{store: s, set: set, ledger: led, journal: jnl, cfg: cfg}
}

// MarketData is the read-only price snapshot handed to the display layer.
type MarketData struct {
	Version   int64              `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
	Prices    map[string]float64 `json:"prices"`
	DailyVols map[string]float64 `json:"daily_vols"` // per-instrument daily return stddev
	LastError string             `json:"last_error,omitempty"`
}

// GetMarketData returns the latest committed market snapshot.
// Returns store.ErrNotReady before warmup has run.
func (c *Controller) GetMarketData(ctx context.Context) (*MarketData, error) {
	rec, err := c.store.LoadMarket(ctx)
	if err != nil {
		return nil, err
	}
	cov := risk.SymFromRowMajor(rec.Cov.N, rec.Cov.Data)
	md := &MarketData{
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
		Prices:    make(map[string]float64, c.set.Len()),
		DailyVols: make(map[string]float64, c.set.Len()),
	}
	for i, sym := range c.set.Symbols() {
		md.Prices[sym] = rec.Prices[i]
		if v := cov.At(i, i); v > 0 {
			md.DailyVols[sym] = math.Sqrt(v) * risk.DailyScale
		}
	}
	if msg, err := c.store.LastError(ctx); err == nil {
		md.LastError = msg
	}
	return md, nil
}

// Row is one instrument line of the dashboard.
type Row struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Qty          int64   `json:"qty"`
	AvgCost      float64 `json:"avg_cost"`
	Invested     float64 `json:"invested"`
	MarketValue  float64 `json:"market_value"`
	WeightPct    float64 `json:"weight_pct"` // share of total portfolio value
	DailyVolPct  float64 `json:"daily_vol_pct"`
	IsolatedVaR  float64 `json:"isolated_var"`
	ComponentVaR float64 `json:"component_var"`
}

// Metrics is the full dashboard snapshot.
type Metrics struct {
	Cash         float64           `json:"cash"`
	EquityValue  float64           `json:"equity_value"`
	TotalValue   float64           `json:"total_value"`
	PortVaR      float64           `json:"port_var"`
	PortStdDaily float64           `json:"port_std_daily"`
	Limit        float64           `json:"limit"`
	Stress       risk.StressResult `json:"stress"`
	Rows         []Row             `json:"rows"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// GetDashboardMetrics assembles portfolio valuation and the full VaR
// decomposition for display. Read-only.
func (c *Controller) GetDashboardMetrics(ctx context.Context) (*Metrics, error) {
	rec, err := c.store.LoadMarket(ctx)
	if err != nil {
		return nil, err
	}
	p, err := c.ledger.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	stressedBlob, err := c.store.LoadStressedMatrix(ctx)
	if err != nil {
		return nil, err
	}
	cov := risk.SymFromRowMajor(rec.Cov.N, rec.Cov.Data)
	stressed := risk.SymFromRowMajor(stressedBlob.N, stressedBlob.Data)

	n := c.set.Len()
	cash, _ := p.Cash.Float64()
	qty := make([]int64, n)
	avgCost := make([]float64, n)
	values := make([]float64, n)
	equity := 0.0
	for i, sym := range c.set.Symbols() {
		h := p.Holdings[sym]
		qty[i] = h.Qty
		avgCost[i], _ = h.AvgCost.Float64()
		values[i] = float64(h.Qty) * rec.Prices[i]
		equity += values[i]
	}
	total := cash + equity

	weights := make([]float64, n)
	if equity > 0 {
		for i := range weights {
			weights[i] = values[i] / equity
		}
	}

	var portVaR, stdDaily float64
	component := make([]float64, n)
	if equity > 0 {
		v := risk.PortfolioVaR(weights, cov, equity)
		portVaR = v.Dollars
		stdDaily = v.Std * risk.DailyScale
		// Component VaR: marginal VaR times weight times equity sums back
		// to the portfolio VaR (Euler decomposition).
		marginal := risk.MarginalVaR(weights, cov, v.Std)
		for i := range component {
			component[i] = marginal[i] * weights[i] * equity
		}
	}
	isolated := risk.IsolatedVaR(cov, values)
	stress := risk.StressVaR(weights, stressed, equity, c.cfg.VaRLimit)

	rows := make([]Row, n)
	for i, sym := range c.set.Symbols() {
		var weightPct, dailyVol float64
		if total > 0 {
			weightPct = values[i] / total * 100
		}
		variance := cov.At(i, i)
		if variance > 0 {
			dailyVol = math.Sqrt(variance) * risk.DailyScale * 100
		}
		rows[i] = Row{
			Symbol:       sym,
			Price:        rec.Prices[i],
			Qty:          qty[i],
			AvgCost:      avgCost[i],
			Invested:     float64(qty[i]) * avgCost[i],
			MarketValue:  values[i],
			WeightPct:    weightPct,
			DailyVolPct:  dailyVol,
			IsolatedVaR:  isolated[i],
			ComponentVaR: component[i],
		}
	}

	observ.SetGauge("portfolio_var_usd", portVaR, nil)
	observ.SetGauge("portfolio_total_value_usd", total, nil)
	return &Metrics{
		Cash:         cash,
		EquityValue:  equity,
		TotalValue:   total,
		PortVaR:      portVaR,
		PortStdDaily: stdDaily,
		Limit:        c.cfg.VaRLimit,
		Stress:       stress,
		Rows:         rows,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

// CheckTradeImpact evaluates a proposal against hard solvency
// pre-conditions and the VaR limit. It is pure computation over a
// consistent snapshot; nothing is mutated. Business rejections come back
// inside the Impact, never as an error.
func (c *Controller) CheckTradeImpact(ctx context.Context, prop Proposal) (*Impact, error) {
	started := time.Now()
	impact, err := c.evaluate(ctx, prop)
	if err != nil {
		return nil, err
	}
	observ.RecordDuration("admission_check", time.Since(started), nil)
	observ.IncCounter("admission_decisions_total", map[string]string{"status": string(impact.Status)})
	observ.Log("admission_decision", map[string]any{
		"decision_id":    impact.DecisionID,
		"symbol":         prop.Symbol,
		"side":           string(prop.Side),
		"qty":            prop.Qty,
		"status":         string(impact.Status),
		"reason":         impact.Reason,
		"post_trade_var": impact.PostTradeVaR,
	})
	return impact, nil
}

func (c *Controller) evaluate(ctx context.Context, prop Proposal) (*Impact, error) {
	impact := &Impact{
		DecisionID: uuid.NewString(),
		Limit:      c.cfg.VaRLimit,
	}
	idx, ok := c.set.Index(prop.Symbol)
	if !ok {
		impact.Status = StatusRejected
		impact.Reason = fmt.Sprintf("unknown instrument %s", prop.Symbol)
		return impact, nil
	}
	if prop.Qty <= 0 {
		impact.Status = StatusRejected
		impact.Reason = "quantity must be > 0"
		return impact, nil
	}
	if prop.Side != ledger.SideBuy && prop.Side != ledger.SideSell {
		impact.Status = StatusRejected
		impact.Reason = fmt.Sprintf("unknown side %q", prop.Side)
		return impact, nil
	}

	rec, p, err := c.snapshot(ctx)
	if err != nil {
		var malformed *store.MalformedStateError
		if errors.As(err, &malformed) {
			return nil, err
		}
		impact.Status = StatusError
		impact.Reason = "market or portfolio data unavailable"
		return impact, nil
	}

	cov := risk.SymFromRowMajor(rec.Cov.N, rec.Cov.Data)
	n := c.set.Len()
	price := rec.Prices[idx]
	notional := float64(prop.Qty) * price
	impact.TradeValue = notional

	cash, _ := p.Cash.Float64()
	values := make([]float64, n)
	equity := 0.0
	for i, sym := range c.set.Symbols() {
		values[i] = float64(p.Holdings[sym].Qty) * rec.Prices[i]
		equity += values[i]
	}

	// Hard pre-conditions, independent of risk.
	if prop.Side == ledger.SideBuy && notional > cash {
		impact.Status = StatusRejected
		impact.Reason = fmt.Sprintf("insufficient funds: need $%.2f, have $%.2f", notional, cash)
		return impact, nil
	}
	if prop.Side == ledger.SideSell && prop.Qty > p.Holdings[prop.Symbol].Qty {
		impact.Status = StatusRejected
		impact.Reason = fmt.Sprintf("insufficient position: want %d, hold %d", prop.Qty, p.Holdings[prop.Symbol].Qty)
		return impact, nil
	}

	// Project the post-trade book.
	signed := notional
	if prop.Side == ledger.SideSell {
		signed = -notional
	}
	newValues := append([]float64(nil), values...)
	newValues[idx] += signed
	newEquity := equity + signed

	var currentVaR, postVaR float64
	currentWeights := make([]float64, n)
	if equity > 0 {
		for i := range currentWeights {
			currentWeights[i] = values[i] / equity
		}
		currentVaR = risk.PortfolioVaR(currentWeights, cov, equity).Dollars
	}
	if newEquity > 0 {
		newWeights := make([]float64, n)
		for i := range newWeights {
			newWeights[i] = newValues[i] / newEquity
		}
		postVaR = risk.PortfolioVaR(newWeights, cov, newEquity).Dollars
	}
	impact.PostTradeVaR = postVaR

	// Incremental VaR uses the constant-value convention (trade funded by
	// reallocating cash, not leverage). On an empty book there is no weight
	// basis, so it degenerates to the post-trade VaR itself.
	if equity > 0 {
		delta := make([]float64, n)
		delta[idx] = signed / equity
		impact.IncrementalVaR = risk.IncrementalVaR(currentWeights, delta, cov, equity)
	} else {
		impact.IncrementalVaR = postVaR - currentVaR
	}

	bid := price * (1 - c.cfg.SpreadBps/10000)
	ask := price * (1 + c.cfg.SpreadBps/10000)
	impact.LiquidityCost = risk.LiquidityCost(float64(prop.Qty), price, bid, ask, c.cfg.AvgDailyVolume[idx], c.cfg.ImpactK)

	if postVaR < c.cfg.VaRLimit {
		impact.Status = StatusApproved
	} else {
		impact.Status = StatusRejected
		impact.Reason = fmt.Sprintf("limit breach: post-trade VaR $%.2f >= limit $%.2f", postVaR, c.cfg.VaRLimit)
	}
	return impact, nil
}

// ExecuteTrade applies a confirmed proposal. The admission check may be
// stale by the time the user confirms, so state is re-fetched and the
// ledger re-validates solvency; a world that moved returns a FAILED result,
// not an error.
func (c *Controller) ExecuteTrade(ctx context.Context, decisionID string, prop Proposal) (*ExecutionResult, error) {
	rec, err := c.store.LoadMarket(ctx)
	if err != nil {
		var malformed *store.MalformedStateError
		if errors.As(err, &malformed) {
			return nil, err
		}
		return &ExecutionResult{Status: StatusFailed, Reason: "market data unavailable"}, nil
	}
	idx, ok := c.set.Index(prop.Symbol)
	if !ok {
		return &ExecutionResult{Status: StatusFailed, Reason: fmt.Sprintf("unknown instrument %s", prop.Symbol)}, nil
	}
	price := rec.Prices[idx]

	fill, _, err := c.ledger.ApplyTrade(ctx, prop.Symbol, prop.Qty, prop.Side, price)
	if err != nil {
		var malformed *store.MalformedStateError
		if errors.As(err, &malformed) {
			return nil, err
		}
		if errors.Is(err, ledger.ErrInsufficientFunds) ||
			errors.Is(err, ledger.ErrInsufficientPosition) ||
			errors.Is(err, ledger.ErrBadQuantity) ||
			errors.Is(err, ledger.ErrUnknownInstrument) {
			observ.IncCounter("admission_executions_total", map[string]string{"status": string(StatusFailed)})
			return &ExecutionResult{Status: StatusFailed, Reason: err.Error()}, nil
		}
		return &ExecutionResult{Status: StatusFailed, Reason: err.Error()}, nil
	}

	if c.journal != nil {
		if err := c.journal.Record(decisionID, *fill); err != nil {
			observ.Log("journal_write_error", map[string]any{"error": err.Error()})
		}
	}
	observ.IncCounter("admission_executions_total", map[string]string{"status": string(StatusCommitted)})
	return &ExecutionResult{Status: StatusCommitted, Fill: fill}, nil
}

// snapshot loads the market record and portfolio for one evaluation.
// The market record is internally consistent by construction (single
// versioned blob); the portfolio read is a separate key, bounded-stale.
func (c *Controller) snapshot(ctx context.Context) (*store.MarketRecord, *store.Portfolio, error) {
	rec, err := c.store.LoadMarket(ctx)
	if err != nil {
		return nil, nil, err
	}
	p, err := c.ledger.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rec, p, nil
}
