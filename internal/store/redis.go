package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bullet3113/risk-engine/internal/instrument"
)

// Redis is the production Store backed by a Redis key-value server.
type Redis struct {
	client *redis.Client
	set    *instrument.Set
}

var _ Store = (*Redis)(nil)

func NewRedis(addr string, db int, set *instrument.Set) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		set:    set,
	}
}

// Ping verifies connectivity; used at process start.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Bootstrapped(ctx context.Context) (bool, error) {
	n, err := r.client.Exists(ctx, KeyCash).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", KeyCash, err)
	}
	return n > 0, nil
}

func (r *Redis) LoadMarket(ctx context.Context) (*MarketRecord, error) {
	b, err := r.client.Get(ctx, KeyMarketState).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", KeyMarketState, err)
	}
	var rec MarketRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, &MalformedStateError{Key: KeyMarketState, Reason: err.Error()}
	}
	if err := rec.validate(r.set.Len()); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Redis) SwapMarket(ctx context.Context, fromVersion int64, rec *MarketRecord) error {
	if err := rec.validate(r.set.Len()); err != nil {
		return err
	}
	swap := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, KeyMarketState).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if fromVersion != 0 {
				return ErrVersionConflict
			}
		case err != nil:
			return fmt.Errorf("get %s: %w", KeyMarketState, err)
		default:
			var stored MarketRecord
			if err := json.Unmarshal(cur, &stored); err != nil {
				return &MalformedStateError{Key: KeyMarketState, Reason: err.Error()}
			}
			if stored.Version != fromVersion {
				return ErrVersionConflict
			}
		}

		rec.Version = fromVersion + 1
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal market record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, KeyMarketState, b, 0)
			pipe.Set(ctx, KeyHeartbeat, rec.UpdatedAt.UTC().Format(time.RFC3339Nano), 0)
			return nil
		})
		return err
	}
	err := r.client.Watch(ctx, swap, KeyMarketState)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

func (r *Redis) LoadStressedMatrix(ctx context.Context) (*MatrixBlob, error) {
	b, err := r.client.Get(ctx, KeyStressedMatrix).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", KeyStressedMatrix, err)
	}
	var m MatrixBlob
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &MalformedStateError{Key: KeyStressedMatrix, Reason: err.Error()}
	}
	if err := m.validate(KeyStressedMatrix, r.set.Len()); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Redis) SaveStressedMatrix(ctx context.Context, m *MatrixBlob) error {
	if err := m.validate(KeyStressedMatrix, r.set.Len()); err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal stressed matrix: %w", err)
	}
	if err := r.client.Set(ctx, KeyStressedMatrix, b, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", KeyStressedMatrix, err)
	}
	return nil
}

func (r *Redis) LoadPortfolio(ctx context.Context) (*Portfolio, error) {
	cashStr, err := r.client.Get(ctx, KeyCash).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", KeyCash, err)
	}
	cash, err := decimal.NewFromString(cashStr)
	if err != nil {
		return nil, &MalformedStateError{Key: KeyCash, Reason: err.Error()}
	}

	b, err := r.client.Get(ctx, KeyHoldings).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", KeyHoldings, err)
	}
	holdings := map[string]Holding{}
	if err := json.Unmarshal(b, &holdings); err != nil {
		return nil, &MalformedStateError{Key: KeyHoldings, Reason: err.Error()}
	}
	if err := validateHoldings(holdings, r.set); err != nil {
		return nil, err
	}
	return &Portfolio{Cash: cash, Holdings: holdings}, nil
}

func (r *Redis) SavePortfolio(ctx context.Context, p *Portfolio) error {
	if err := validateHoldings(p.Holdings, r.set); err != nil {
		return err
	}
	b, err := json.Marshal(p.Holdings)
	if err != nil {
		return fmt.Errorf("marshal holdings: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, KeyCash, p.Cash.String(), 0)
		pipe.Set(ctx, KeyHoldings, b, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save portfolio: %w", err)
	}
	return nil
}

func (r *Redis) LoadInstruments(ctx context.Context) ([]string, error) {
	b, err := r.client.Get(ctx, KeyInstruments).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", KeyInstruments, err)
	}
	var symbols []string
	if err := json.Unmarshal(b, &symbols); err != nil {
		return nil, &MalformedStateError{Key: KeyInstruments, Reason: err.Error()}
	}
	return symbols, nil
}

func (r *Redis) SaveInstruments(ctx context.Context, symbols []string) error {
	b, err := json.Marshal(symbols)
	if err != nil {
		return fmt.Errorf("marshal instruments: %w", err)
	}
	if err := r.client.Set(ctx, KeyInstruments, b, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", KeyInstruments, err)
	}
	return nil
}

func (r *Redis) WriteError(ctx context.Context, msg string) error {
	return r.client.Set(ctx, KeyError, msg, 0).Err()
}

func (r *Redis) ClearError(ctx context.Context) error {
	return r.client.Del(ctx, KeyError).Err()
}

func (r *Redis) LastError(ctx context.Context) (string, error) {
	s, err := r.client.Get(ctx, KeyError).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return s, err
}

func (r *Redis) Heartbeat(ctx context.Context) (time.Time, error) {
	s, err := r.client.Get(ctx, KeyHeartbeat).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrNotReady
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s: %w", KeyHeartbeat, err)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, &MalformedStateError{Key: KeyHeartbeat, Reason: err.Error()}
	}
	return t, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func validateHoldings(holdings map[string]Holding, set *instrument.Set) error {
	for sym, h := range holdings {
		if _, ok := set.Index(sym); !ok {
			return &MalformedStateError{Key: KeyHoldings, Reason: fmt.Sprintf("unknown symbol %s", sym)}
		}
		if h.Qty < 0 {
			return &MalformedStateError{Key: KeyHoldings, Reason: fmt.Sprintf("%s: negative quantity %d", sym, h.Qty)}
		}
		if h.AvgCost.IsNegative() {
			return &MalformedStateError{Key: KeyHoldings, Reason: fmt.Sprintf("%s: negative avg cost %s", sym, h.AvgCost)}
		}
	}
	return nil
}
