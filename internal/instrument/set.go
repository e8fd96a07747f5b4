// Package instrument defines the ordered, immutable instrument universe.
// Every price vector and covariance matrix in the system is indexed by a
// Set; all components receive the Set explicitly instead of sharing a
// package-level constant.
package instrument

import (
	"fmt"
	"strings"
)

// Set is an ordered, fixed list of instrument symbols. It is immutable
// after construction and safe for concurrent use.
type Set struct {
	symbols []string
	index   map[string]int
}

func NewSet(symbols []string) (*Set, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("instrument set must not be empty")
	}
	s := &Set{
		symbols: make([]string, len(symbols)),
		index:   make(map[string]int, len(symbols)),
	}
	for i, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			return nil, fmt.Errorf("empty symbol at index %d", i)
		}
		if _, dup := s.index[sym]; dup {
			return nil, fmt.Errorf("duplicate symbol %s", sym)
		}
		s.symbols[i] = sym
		s.index[sym] = i
	}
	return s, nil
}

// Len returns the number of instruments N.
func (s *Set) Len() int { return len(s.symbols) }

// Symbols returns a copy of the symbols in index order.
func (s *Set) Symbols() []string {
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// At returns the symbol at vector index i.
func (s *Set) At(i int) string { return s.symbols[i] }

// Index returns the vector index of sym.
func (s *Set) Index(sym string) (int, bool) {
	i, ok := s.index[strings.ToUpper(strings.TrimSpace(sym))]
	return i, ok
}

// Equal reports whether other lists the same symbols in the same order.
func (s *Set) Equal(other []string) bool {
	if len(other) != len(s.symbols) {
		return false
	}
	for i, sym := range other {
		if s.symbols[i] != strings.ToUpper(strings.TrimSpace(sym)) {
			return false
		}
	}
	return true
}
