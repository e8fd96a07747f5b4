package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/bullet3113/risk-engine/internal/instrument"
	"github.com/bullet3113/risk-engine/internal/store"
)

func newTestLedger(t *testing.T, cash float64) (*Ledger, *store.Memory) {
	t.Helper()
	set, err := instrument.NewSet([]string{"AAPL", "GOOG"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	mem := store.NewMemory(set)
	p := &store.Portfolio{
		Cash: decimal.NewFromFloat(cash),
		Holdings: map[string]store.Holding{
			"AAPL": {}, "GOOG": {},
		},
	}
	if err := mem.SavePortfolio(context.Background(), p); err != nil {
		t.Fatalf("seed portfolio: %v", err)
	}
	return New(mem, set), mem
}

func TestBuyUpdatesCashAndCostBasis(t *testing.T) {
	led, _ := newTestLedger(t, 1_000_000)
	ctx := context.Background()

	fill, p, err := led.ApplyTrade(ctx, "AAPL", 100, SideBuy, 150)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if want := decimal.NewFromInt(985_000); !p.Cash.Equal(want) {
		t.Fatalf("cash %s, want %s", p.Cash, want)
	}
	h := p.Holdings["AAPL"]
	if h.Qty != 100 {
		t.Fatalf("qty %d, want 100", h.Qty)
	}
	if !h.AvgCost.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("avg cost %s, want 150", h.AvgCost)
	}
	if !fill.Notional.Equal(decimal.NewFromInt(15_000)) {
		t.Fatalf("notional %s, want 15000", fill.Notional)
	}
}

func TestBuyAveragesCost(t *testing.T) {
	led, _ := newTestLedger(t, 1_000_000)
	ctx := context.Background()

	if _, _, err := led.ApplyTrade(ctx, "AAPL", 100, SideBuy, 150); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	_, p, err := led.ApplyTrade(ctx, "AAPL", 100, SideBuy, 170)
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}
	h := p.Holdings["AAPL"]
	if h.Qty != 200 {
		t.Fatalf("qty %d, want 200", h.Qty)
	}
	if !h.AvgCost.Equal(decimal.NewFromInt(160)) {
		t.Fatalf("avg cost %s, want 160", h.AvgCost)
	}
}

func TestBuySellRoundTrip(t *testing.T) {
	led, _ := newTestLedger(t, 1_000_000)
	ctx := context.Background()

	if _, _, err := led.ApplyTrade(ctx, "GOOG", 40, SideBuy, 172.50); err != nil {
		t.Fatalf("buy: %v", err)
	}
	_, p, err := led.ApplyTrade(ctx, "GOOG", 40, SideSell, 172.50)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !p.Cash.Equal(decimal.NewFromInt(1_000_000)) {
		t.Fatalf("cash %s, want 1000000 after round trip", p.Cash)
	}
	h := p.Holdings["GOOG"]
	if h.Qty != 0 {
		t.Fatalf("qty %d, want 0 after round trip", h.Qty)
	}
	// Average cost resets when the position closes.
	if !h.AvgCost.IsZero() {
		t.Fatalf("avg cost %s, want 0 on flat position", h.AvgCost)
	}
}

func TestBuyInsufficientFunds(t *testing.T) {
	led, mem := newTestLedger(t, 1_000)
	ctx := context.Background()

	_, _, err := led.ApplyTrade(ctx, "AAPL", 100, SideBuy, 150)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	// Nothing may have been applied partially.
	p, err := mem.LoadPortfolio(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.Cash.Equal(decimal.NewFromInt(1_000)) || p.Holdings["AAPL"].Qty != 0 {
		t.Fatalf("state mutated by rejected trade: cash=%s qty=%d", p.Cash, p.Holdings["AAPL"].Qty)
	}
}

func TestSellInsufficientPosition(t *testing.T) {
	led, _ := newTestLedger(t, 1_000_000)
	_, _, err := led.ApplyTrade(context.Background(), "AAPL", 50, SideSell, 150)
	if !errors.Is(err, ErrInsufficientPosition) {
		t.Fatalf("err = %v, want ErrInsufficientPosition", err)
	}
}

func TestRejectsBadInput(t *testing.T) {
	led, _ := newTestLedger(t, 1_000_000)
	ctx := context.Background()

	if _, _, err := led.ApplyTrade(ctx, "AAPL", 0, SideBuy, 150); !errors.Is(err, ErrBadQuantity) {
		t.Fatalf("zero qty: %v", err)
	}
	if _, _, err := led.ApplyTrade(ctx, "TSLA", 10, SideBuy, 150); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("unknown symbol: %v", err)
	}
	if _, _, err := led.ApplyTrade(ctx, "AAPL", 10, Side("SHORT"), 150); err == nil {
		t.Fatalf("unknown side accepted")
	}
}

func TestStoreFailureLeavesStateIntact(t *testing.T) {
	led, mem := newTestLedger(t, 1_000_000)
	ctx := context.Background()

	mem.FailNext(1, errors.New("store unavailable"))
	if _, _, err := led.ApplyTrade(ctx, "AAPL", 10, SideBuy, 150); err == nil {
		t.Fatalf("expected store error")
	}
	p, err := mem.LoadPortfolio(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.Cash.Equal(decimal.NewFromInt(1_000_000)) {
		t.Fatalf("cash %s changed by failed trade", p.Cash)
	}
}
