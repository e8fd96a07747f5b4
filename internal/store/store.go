// Package store defines the persistence contract for market and portfolio
// state. Market state (prices + live covariance + timestamp) travels as one
// versioned record so readers can never observe prices and matrix from
// different update cycles.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bullet3113/risk-engine/internal/instrument"
)

// Stable key names. The warmup, reset and serve processes all address
// state through these.
const (
	KeyMarketState     = "market:state"
	KeyStressedMatrix  = "risk:cov_matrix:stressed"
	KeyCash            = "portfolio:cash"
	KeyHoldings        = "portfolio:holdings"
	KeyHeartbeat       = "market:heartbeat"
	KeyError           = "market:error"
	KeyInstruments     = "config:instruments"
)

// ErrNotReady signals that bootstrap has not populated the requested keys
// yet. Callers surface it as "no data", never as a crash.
var ErrNotReady = errors.New("store: state not bootstrapped")

// ErrVersionConflict signals a lost optimistic compare-and-swap race on the
// market record.
var ErrVersionConflict = errors.New("store: market record version conflict")

// MalformedStateError reports a stored blob whose shape contradicts the
// configured instrument set. This is a consistency bug upstream and is
// fatal, not retryable.
type MalformedStateError struct {
	Key    string
	Reason string
}

func (e *MalformedStateError) Error() string {
	return fmt.Sprintf("store: malformed state at %s: %s", e.Key, e.Reason)
}

// MatrixBlob is the explicit wire schema for an N×N covariance matrix,
// row-major.
type MatrixBlob struct {
	N    int       `json:"n"`
	Data []float64 `json:"data"`
}

func (m *MatrixBlob) validate(key string, n int) error {
	if m.N != n {
		return &MalformedStateError{Key: key, Reason: fmt.Sprintf("matrix order %d, want %d", m.N, n)}
	}
	if len(m.Data) != n*n {
		return &MalformedStateError{Key: key, Reason: fmt.Sprintf("matrix has %d elements, want %d", len(m.Data), n*n)}
	}
	return nil
}

// MarketRecord is the single versioned record owned by the market loop.
type MarketRecord struct {
	Version   int64      `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
	Prices    []float64  `json:"prices"` // index order follows the instrument set
	Cov       MatrixBlob `json:"cov"`
}

func (r *MarketRecord) validate(n int) error {
	if len(r.Prices) != n {
		return &MalformedStateError{Key: KeyMarketState, Reason: fmt.Sprintf("%d prices, want %d", len(r.Prices), n)}
	}
	for i, p := range r.Prices {
		if p <= 0 {
			return &MalformedStateError{Key: KeyMarketState, Reason: fmt.Sprintf("price[%d] = %v, must be > 0", i, p)}
		}
	}
	return r.Cov.validate(KeyMarketState, n)
}

// Holding is one position line in the persisted portfolio.
type Holding struct {
	Qty     int64           `json:"qty"`
	AvgCost decimal.Decimal `json:"avg_cost"`
}

// Portfolio is the persisted cash + holdings snapshot.
type Portfolio struct {
	Cash     decimal.Decimal
	Holdings map[string]Holding
}

// Store is the state persistence contract shared by the serve, warmup and
// reset processes. Individual calls are atomic; the market record carries
// its own version for optimistic concurrency.
type Store interface {
	// Bootstrapped reports whether warmup has run (the cash key exists).
	Bootstrapped(ctx context.Context) (bool, error)

	// LoadMarket returns the current market record, ErrNotReady if absent.
	LoadMarket(ctx context.Context) (*MarketRecord, error)

	// SwapMarket writes rec if the stored record still has version
	// fromVersion, bumping rec.Version to fromVersion+1 and refreshing the
	// heartbeat. Returns ErrVersionConflict on a lost race. fromVersion 0
	// with no stored record seeds the initial state.
	SwapMarket(ctx context.Context, fromVersion int64, rec *MarketRecord) error

	LoadStressedMatrix(ctx context.Context) (*MatrixBlob, error)
	SaveStressedMatrix(ctx context.Context, m *MatrixBlob) error

	LoadPortfolio(ctx context.Context) (*Portfolio, error)
	SavePortfolio(ctx context.Context, p *Portfolio) error

	LoadInstruments(ctx context.Context) ([]string, error)
	SaveInstruments(ctx context.Context, symbols []string) error

	// WriteError records the last background-loop failure; ClearError
	// removes it after a successful cycle.
	WriteError(ctx context.Context, msg string) error
	ClearError(ctx context.Context) error
	LastError(ctx context.Context) (string, error)

	// Heartbeat returns the last market update timestamp.
	Heartbeat(ctx context.Context) (time.Time, error)

	Close() error
}

// VerifyInstruments checks the persisted instrument list against the
// configured set; a mismatch means vectors and matrices in the store were
// written for a different universe.
func VerifyInstruments(ctx context.Context, s Store, set *instrument.Set) error {
	stored, err := s.LoadInstruments(ctx)
	if err != nil {
		return err
	}
	if !set.Equal(stored) {
		return &MalformedStateError{
			Key:    KeyInstruments,
			Reason: fmt.Sprintf("stored universe %v does not match configured %v", stored, set.Symbols()),
		}
	}
	return nil
}
