package instrument

import "testing"

func TestNewSetNormalizesAndIndexes(t *testing.T) {
	set, err := NewSet([]string{" aapl ", "GOOG"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("len %d, want 2", set.Len())
	}
	if set.At(0) != "AAPL" {
		t.Fatalf("At(0) = %s, want AAPL", set.At(0))
	}
	if i, ok := set.Index("goog"); !ok || i != 1 {
		t.Fatalf("Index(goog) = %d, %v", i, ok)
	}
	if _, ok := set.Index("TSLA"); ok {
		t.Fatalf("unknown symbol resolved")
	}
}

func TestNewSetRejectsBadInput(t *testing.T) {
	if _, err := NewSet(nil); err == nil {
		t.Fatalf("empty set accepted")
	}
	if _, err := NewSet([]string{"AAPL", "aapl"}); err == nil {
		t.Fatalf("duplicate accepted")
	}
	if _, err := NewSet([]string{"AAPL", " "}); err == nil {
		t.Fatalf("blank symbol accepted")
	}
}

func TestSymbolsReturnsCopy(t *testing.T) {
	set, err := NewSet([]string{"AAPL", "GOOG"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	syms := set.Symbols()
	syms[0] = "HACK"
	if set.At(0) != "AAPL" {
		t.Fatalf("internal state mutated through Symbols()")
	}
}

func TestEqual(t *testing.T) {
	set, err := NewSet([]string{"AAPL", "GOOG"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !set.Equal([]string{"aapl", "GOOG"}) {
		t.Fatalf("case-insensitive match failed")
	}
	if set.Equal([]string{"GOOG", "AAPL"}) {
		t.Fatalf("order must matter")
	}
	if set.Equal([]string{"AAPL"}) {
		t.Fatalf("length must matter")
	}
}
