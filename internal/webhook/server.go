// Package webhook is the signal ingress: the HTTP endpoint TradingView
// alerts POST to. The handler authenticates the recorder token in constant
// time, optionally verifies the per-recorder HMAC signature, collapses
// duplicate deliveries, and runs the filter pipeline, state machine, and
// fan-out synchronously. Broker I/O never happens on this path; the
// response latency is bounded by the in-memory transition plus one enqueue.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/bus"
	"copytrader/internal/config"
	"copytrader/internal/dispatch"
	"copytrader/internal/filter"
	"copytrader/internal/position"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

const maxBodySize = 64 * 1024

// payload is the alert body TradingView posts.
type payload struct {
	Action   string `json:"action"`
	Ticker   string `json:"ticker"`
	Price    string `json:"price"`
	Recorder string `json:"recorder,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
}

// response is the synchronous processing result returned to the sender.
type response struct {
	Accepted     bool   `json:"accepted"`
	Reason       string `json:"reason,omitempty"`
	Dispatched   int    `json:"dispatched"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// Server is the webhook ingress HTTP server.
type Server struct {
	cfg        config.ServerConfig
	store      store.Store
	filter     *filter.Pipeline
	tracker    *position.Tracker
	dispatcher *dispatch.Dispatcher
	bus        *bus.Bus
	logger     *slog.Logger

	dedupWindow time.Duration
	server      *http.Server

	mu   sync.Mutex
	seen map[string]time.Time

	now func() time.Time
}

// NewServer wires the ingress pipeline.
func NewServer(cfg config.ServerConfig, st store.Store, f *filter.Pipeline, tr *position.Tracker, d *dispatch.Dispatcher, b *bus.Bus, dedupWindow time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		filter:      f,
		tracker:     tr,
		dispatcher:  d,
		bus:         b,
		logger:      logger.With("component", "webhook"),
		dedupWindow: dedupWindow,
		seen:        make(map[string]time.Time),
		now:         time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/", s.handleWebhook)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("webhook ingress starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Stop shuts the listener down, letting in-flight handlers finish.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	urlToken := strings.TrimPrefix(r.URL.Path, "/webhook/")
	if urlToken == "" || strings.Contains(urlToken, "/") {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// The store lookup is keyed by token; the explicit constant-time compare
	// keeps the handler's timing independent of how close a guess came.
	rec, err := s.store.RecorderByToken(r.Context(), urlToken)
	if err != nil || subtle.ConstantTimeCompare([]byte(rec.WebhookToken), []byte(urlToken)) != 1 {
		http.NotFound(w, r)
		return
	}

	if rec.SigningKey != "" || s.cfg.RequireHMAC {
		if !s.verifySignature(rec, body, r.Header.Get("X-Signature")) {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	sig, err := s.parseSignal(rec, p, string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.isDuplicate(sig.DedupKey) {
		s.logger.Info("duplicate webhook collapsed", "recorder", rec.ID, "ticker", sig.Ticker)
		s.bus.Log("info", "webhook", "duplicate delivery collapsed", map[string]string{
			"ticker": sig.Ticker,
		})
		writeJSON(w, response{Accepted: false, Deduplicated: true})
		return
	}

	writeJSON(w, s.process(r.Context(), rec, sig))
}

// parseSignal validates the payload fields and stamps the dedup key.
func (s *Server) parseSignal(rec *types.Recorder, p payload, raw string) (*types.Signal, error) {
	action, err := types.ParseAction(p.Action)
	if err != nil {
		return nil, err
	}
	ticker := strings.TrimSpace(p.Ticker)
	if ticker == "" {
		ticker = rec.Symbol
	}
	if ticker == "" {
		return nil, fmt.Errorf("missing ticker")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(p.Price))
	if err != nil {
		return nil, fmt.Errorf("invalid price %q", p.Price)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("negative price")
	}

	now := s.now()
	return &types.Signal{
		RecorderID: rec.ID,
		ReceivedAt: now,
		Action:     action,
		Ticker:     ticker,
		Price:      price,
		RawPayload: raw,
		DedupKey:   dedupKey(rec.WebhookToken, raw, now, s.dedupWindow),
	}, nil
}

// process runs filters, the state machine, and fan-out synchronously.
func (s *Server) process(ctx context.Context, rec *types.Recorder, sig *types.Signal) response {
	decision, err := s.filter.Evaluate(ctx, rec, sig)
	if err != nil {
		s.logger.Error("filter evaluation failed", "recorder", rec.ID, "error", err)
		return response{Accepted: false, Reason: "internal_error"}
	}
	if !decision.Accepted {
		return response{Accepted: false, Reason: decision.Reason}
	}

	res, err := s.tracker.Apply(ctx, rec, sig)
	if err != nil {
		return response{Accepted: false, Reason: string(types.KindOf(err))}
	}

	dispatched, err := s.dispatcher.Dispatch(ctx, rec, sig, res.Effects, decision.MaxContracts)
	if err != nil {
		s.logger.Error("dispatch failed", "recorder", rec.ID, "error", err)
	}
	return response{Accepted: true, Dispatched: dispatched}
}

func (s *Server) verifySignature(rec *types.Recorder, body []byte, header string) bool {
	if header == "" || rec.SigningKey == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(rec.SigningKey))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(header))))
}

// isDuplicate records the key and reports whether it was already seen inside
// the window. Expired entries are pruned on the way through.
func (s *Server) isDuplicate(key string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, at := range s.seen {
		if now.Sub(at) > s.dedupWindow {
			delete(s.seen, k)
		}
	}
	if at, ok := s.seen[key]; ok && now.Sub(at) <= s.dedupWindow {
		return true
	}
	s.seen[key] = now
	return false
}

// dedupKey hashes token, body, and the wall clock truncated to the window,
// so identical alerts in the same window collapse to one key.
func dedupKey(token, body string, now time.Time, window time.Duration) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", token, body, now.Truncate(window).Unix())
	return hex.EncodeToString(h.Sum(nil))
}

func writeJSON(w http.ResponseWriter, v response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
