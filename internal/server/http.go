// Package server exposes the four public operations to the display layer
// over HTTP. The display layer never touches store keys directly; this API
// is its only surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bullet3113/risk-engine/internal/admission"
	"github.com/bullet3113/risk-engine/internal/instrument"
	"github.com/bullet3113/risk-engine/internal/ledger"
	"github.com/bullet3113/risk-engine/internal/observ"
	"github.com/bullet3113/risk-engine/internal/store"
	"github.com/bullet3113/risk-engine/internal/stream"
)

type Server struct {
	ctrl    *admission.Controller
	store   store.Store
	stream  *stream.Handler
	limiter *rate.Limiter
}

func New(ctrl *admission.Controller, s store.Store, set *instrument.Set, perSec float64, burst int) *Server {
	return &Server{
		ctrl:    ctrl,
		store:   s,
		stream:  stream.NewHandler(s, set),
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/market", s.handleMarket)
	mux.HandleFunc("GET /v1/dashboard", s.handleDashboard)
	mux.Handle("GET /v1/stream", s.stream)
	mux.HandleFunc("POST /v1/trades/check", s.handleCheck)
	mux.HandleFunc("POST /v1/trades/execute", s.handleExecute)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", observ.Handler())
	return s.rateLimit(mux)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	observ.Log("http_listening", map[string]any{"addr": addr})
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			observ.IncCounter("http_rate_limited_total", nil)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	md, err := s.ctrl.GetMarketData(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	m, err := s.ctrl.GetDashboardMetrics(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type tradeRequest struct {
	DecisionID string `json:"decision_id,omitempty"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Qty        int64  `json:"qty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	impact, err := s.ctrl.CheckTradeImpact(r.Context(), req.proposal())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, impact)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.ctrl.ExecuteTrade(r.Context(), req.DecisionID, req.proposal())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status       string `json:"status"`
		HeartbeatAge string `json:"heartbeat_age,omitempty"`
		LastError    string `json:"last_error,omitempty"`
	}
	h := health{Status: "ok"}
	hb, err := s.store.Heartbeat(r.Context())
	switch {
	case errors.Is(err, store.ErrNotReady):
		h.Status = "not_ready"
	case err != nil:
		h.Status = "degraded"
		h.LastError = err.Error()
	default:
		age := time.Since(hb)
		h.HeartbeatAge = age.String()
		observ.SetGauge("market_heartbeat_age_seconds", age.Seconds(), nil)
	}
	if msg, err := s.store.LastError(r.Context()); err == nil && msg != "" {
		h.LastError = msg
	}
	code := http.StatusOK
	if h.Status == "not_ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (r tradeRequest) proposal() admission.Proposal {
	return admission.Proposal{
		Symbol: r.Symbol,
		Side:   ledger.Side(strings.ToUpper(strings.TrimSpace(r.Side))),
		Qty:    r.Qty,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeStoreError maps persistence failures onto HTTP: missing bootstrap is
// 503 (come back later), malformed state is 500 and logged loudly, anything
// else is a transient dependency failure.
func writeStoreError(w http.ResponseWriter, err error) {
	var malformed *store.MalformedStateError
	switch {
	case errors.Is(err, store.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "state not bootstrapped")
	case errors.As(err, &malformed):
		observ.Log("malformed_state", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
