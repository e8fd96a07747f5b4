// Package stream pushes market state to dashboard clients over Server-Sent
// Events. Each state version becomes one "market" event whose id is the
// version number, so a reconnecting client resumes with Last-Event-ID and
// only sees versions it missed.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bullet3113/risk-engine/internal/instrument"
	"github.com/bullet3113/risk-engine/internal/observ"
	"github.com/bullet3113/risk-engine/internal/store"
)

// marketSource is the slice of the store the streamer reads.
type marketSource interface {
	LoadMarket(ctx context.Context) (*store.MarketRecord, error)
}

// Handler streams market updates. Safe for concurrent clients; each
// connection polls the store independently so it works whether the market
// loop runs in this process or another one.
type Handler struct {
	src       marketSource
	set       *instrument.Set
	poll      time.Duration
	heartbeat time.Duration
	clients   int64
}

func NewHandler(src marketSource, set *instrument.Set) *Handler {
	return &Handler{
		src:       src,
		set:       set,
		poll:      500 * time.Millisecond,
		heartbeat: 10 * time.Second,
	}
}

// Tick is the event payload written to clients.
type Tick struct {
	Version   int64              `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
	Prices    map[string]float64 `json:"prices"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastSent int64
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if v, err := strconv.ParseInt(id, 10, 64); err == nil {
			lastSent = v
		}
	}

	n := atomic.AddInt64(&h.clients, 1)
	observ.SetGauge("stream_clients", float64(n), nil)
	observ.Log("stream_client_connected", map[string]any{"resume_from": lastSent})
	defer func() {
		n := atomic.AddInt64(&h.clients, -1)
		observ.SetGauge("stream_clients", float64(n), nil)
		observ.Log("stream_client_disconnected", nil)
	}()

	// First poll happens immediately so a fresh client gets current state
	// without waiting a full interval.
	if done := h.emitIfNewer(w, flusher, r, &lastSent); done {
		return
	}

	pollTicker := time.NewTicker(h.poll)
	defer pollTicker.Stop()
	hbTicker := time.NewTicker(h.heartbeat)
	defer hbTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-hbTicker.C:
			if _, err := fmt.Fprintf(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-pollTicker.C:
			if done := h.emitIfNewer(w, flusher, r, &lastSent); done {
				return
			}
		}
	}
}

// emitIfNewer writes one event when the stored version has advanced past
// what the client has. Returns true when the stream should terminate.
func (h *Handler) emitIfNewer(w http.ResponseWriter, flusher http.Flusher, r *http.Request, lastSent *int64) bool {
	rec, err := h.src.LoadMarket(r.Context())
	var malformed *store.MalformedStateError
	switch {
	case errors.Is(err, store.ErrNotReady):
		return false // nothing to stream yet
	case errors.As(err, &malformed):
		observ.Log("stream_malformed_state", map[string]any{"error": err.Error()})
		return true
	case err != nil:
		// Transient store failure; keep the connection and retry next poll.
		return false
	}
	if rec.Version <= *lastSent {
		return false
	}

	prices := make(map[string]float64, h.set.Len())
	for i := 0; i < h.set.Len(); i++ {
		prices[h.set.At(i)] = rec.Prices[i]
	}
	if err := writeEvent(w, "market", rec.Version, Tick{
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
		Prices:    prices,
	}); err != nil {
		return true
	}
	flusher.Flush()
	*lastSent = rec.Version
	observ.IncCounter("stream_events_total", nil)
	return false
}

func writeEvent(w http.ResponseWriter, event string, id int64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", event, id, data); err != nil {
		return err
	}
	return nil
}
