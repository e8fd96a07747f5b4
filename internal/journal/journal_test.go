package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/bullet3113/risk-engine/internal/ledger"
)

func TestRecordAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	j, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	fill := ledger.Fill{
		Symbol:    "AAPL",
		Side:      ledger.SideBuy,
		Qty:       100,
		Price:     decimal.NewFromInt(150),
		Notional:  decimal.NewFromInt(15_000),
		CashAfter: decimal.NewFromInt(985_000),
	}
	if err := j.Record("decision-1", fill); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record("decision-2", fill); err != nil {
		t.Fatalf("record: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: %d, want 2", len(entries))
	}
	if entries[0].DecisionID != "decision-1" || entries[1].DecisionID != "decision-2" {
		t.Fatalf("decision ids: %s, %s", entries[0].DecisionID, entries[1].DecisionID)
	}
	if entries[0].ID == entries[1].ID {
		t.Fatalf("entry ids must be unique")
	}
	if entries[0].Fill.Symbol != "AAPL" || entries[0].Fill.Qty != 100 {
		t.Fatalf("fill round trip: %+v", entries[0].Fill)
	}
}
