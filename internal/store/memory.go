package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bullet3113/risk-engine/internal/instrument"
)

// Memory is an in-process Store with the same semantics as Redis,
// used by tests and by standalone mode. Values are kept as JSON bytes so
// the encode/validate path matches the production store.
type Memory struct {
	mu   sync.Mutex
	set  *instrument.Set
	keys map[string][]byte

	// FailNext makes the next n calls fail with the given error, for
	// exercising retry paths.
	failNext int
	failErr  error
}

var _ Store = (*Memory)(nil)

func NewMemory(set *instrument.Set) *Memory {
	return &Memory{set: set, keys: map[string][]byte{}}
}

// FailNext arranges for the next n store calls to return err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

func (m *Memory) injected() error {
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	return nil
}

func (m *Memory) Bootstrapped(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return false, err
	}
	_, ok := m.keys[KeyCash]
	return ok, nil
}

func (m *Memory) LoadMarket(ctx context.Context) (*MarketRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	b, ok := m.keys[KeyMarketState]
	if !ok {
		return nil, ErrNotReady
	}
	var rec MarketRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, &MalformedStateError{Key: KeyMarketState, Reason: err.Error()}
	}
	if err := rec.validate(m.set.Len()); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *Memory) SwapMarket(ctx context.Context, fromVersion int64, rec *MarketRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	if err := rec.validate(m.set.Len()); err != nil {
		return err
	}
	if b, ok := m.keys[KeyMarketState]; ok {
		var stored MarketRecord
		if err := json.Unmarshal(b, &stored); err != nil {
			return &MalformedStateError{Key: KeyMarketState, Reason: err.Error()}
		}
		if stored.Version != fromVersion {
			return ErrVersionConflict
		}
	} else if fromVersion != 0 {
		return ErrVersionConflict
	}
	rec.Version = fromVersion + 1
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m.keys[KeyMarketState] = b
	m.keys[KeyHeartbeat] = []byte(rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return nil
}

func (m *Memory) LoadStressedMatrix(ctx context.Context) (*MatrixBlob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	b, ok := m.keys[KeyStressedMatrix]
	if !ok {
		return nil, ErrNotReady
	}
	var blob MatrixBlob
	if err := json.Unmarshal(b, &blob); err != nil {
		return nil, &MalformedStateError{Key: KeyStressedMatrix, Reason: err.Error()}
	}
	if err := blob.validate(KeyStressedMatrix, m.set.Len()); err != nil {
		return nil, err
	}
	return &blob, nil
}

func (m *Memory) SaveStressedMatrix(ctx context.Context, blob *MatrixBlob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	if err := blob.validate(KeyStressedMatrix, m.set.Len()); err != nil {
		return err
	}
	b, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	m.keys[KeyStressedMatrix] = b
	return nil
}

func (m *Memory) LoadPortfolio(ctx context.Context) (*Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	cashB, ok := m.keys[KeyCash]
	if !ok {
		return nil, ErrNotReady
	}
	holdB, ok := m.keys[KeyHoldings]
	if !ok {
		return nil, ErrNotReady
	}
	var p Portfolio
	if err := json.Unmarshal(cashB, &p.Cash); err != nil {
		return nil, &MalformedStateError{Key: KeyCash, Reason: err.Error()}
	}
	p.Holdings = map[string]Holding{}
	if err := json.Unmarshal(holdB, &p.Holdings); err != nil {
		return nil, &MalformedStateError{Key: KeyHoldings, Reason: err.Error()}
	}
	if err := validateHoldings(p.Holdings, m.set); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Memory) SavePortfolio(ctx context.Context, p *Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	if err := validateHoldings(p.Holdings, m.set); err != nil {
		return err
	}
	cashB, err := json.Marshal(p.Cash)
	if err != nil {
		return err
	}
	holdB, err := json.Marshal(p.Holdings)
	if err != nil {
		return err
	}
	m.keys[KeyCash] = cashB
	m.keys[KeyHoldings] = holdB
	return nil
}

func (m *Memory) LoadInstruments(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	b, ok := m.keys[KeyInstruments]
	if !ok {
		return nil, ErrNotReady
	}
	var symbols []string
	if err := json.Unmarshal(b, &symbols); err != nil {
		return nil, &MalformedStateError{Key: KeyInstruments, Reason: err.Error()}
	}
	return symbols, nil
}

func (m *Memory) SaveInstruments(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	b, err := json.Marshal(symbols)
	if err != nil {
		return err
	}
	m.keys[KeyInstruments] = b
	return nil
}

func (m *Memory) WriteError(ctx context.Context, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	m.keys[KeyError] = []byte(msg)
	return nil
}

func (m *Memory) ClearError(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	delete(m.keys, KeyError)
	return nil
}

func (m *Memory) LastError(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return "", err
	}
	return string(m.keys[KeyError]), nil
}

func (m *Memory) Heartbeat(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return time.Time{}, err
	}
	b, ok := m.keys[KeyHeartbeat]
	if !ok {
		return time.Time{}, ErrNotReady
	}
	t, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return time.Time{}, &MalformedStateError{Key: KeyHeartbeat, Reason: err.Error()}
	}
	return t, nil
}

func (m *Memory) Close() error { return nil }
