package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"copytrader/internal/broker"
	"copytrader/internal/bus"
	"copytrader/internal/executor"
	"copytrader/internal/position"
	"copytrader/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS middleware in front of the mux.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handlers holds the status and streaming endpoint dependencies.
type Handlers struct {
	store    store.Store
	exec     *executor.Pool
	tracker  *position.Tracker
	sessions *broker.SessionPool
	bus      *bus.Bus
	logger   *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(st store.Store, exec *executor.Pool, tracker *position.Tracker, sessions *broker.SessionPool, b *bus.Bus, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:    st,
		exec:     exec,
		tracker:  tracker,
		sessions: sessions,
		bus:      b,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current engine state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.BuildSnapshot(r.Context())
	if err != nil {
		h.logger.Error("snapshot build failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, snap)
}

// HandleExecutionStatus serves /api/recorders/{id}/execution-status.
func (h *Handlers) HandleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/recorders/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "execution-status" {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "bad recorder id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	rec, err := h.store.RecorderByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error("recorder lookup failed", "recorder", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	traders, err := h.store.TradersByRecorder(ctx, id)
	if err != nil {
		h.logger.Error("trader lookup failed", "recorder", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := ExecutionStatus{
		RecorderID:          rec.ID,
		Name:                rec.Name,
		Enabled:             rec.Enabled,
		TraderCount:         len(traders),
		QueueDepth:          h.exec.Depth(),
		LastError:           h.exec.LastError(id),
		InvariantViolations: h.tracker.InvariantViolations(),
	}

	seen := make(map[int64]bool)
	for i := range traders {
		if traders[i].Enabled {
			status.EnabledTraders++
		}
		sub, err := h.store.SubaccountByID(ctx, traders[i].SubaccountID)
		if err != nil {
			continue
		}
		if seen[sub.AccountID] {
			continue
		}
		seen[sub.AccountID] = true
		acct, err := h.store.AccountByID(ctx, sub.AccountID)
		if err != nil {
			continue
		}
		status.Accounts = append(status.Accounts, AccountStatus{
			AccountID:      acct.ID,
			Name:           acct.Name,
			Demo:           acct.Demo,
			RequiresReauth: acct.RequiresReauth,
		})
	}
	sort.Slice(status.Accounts, func(i, j int) bool {
		return status.Accounts[i].AccountID < status.Accounts[j].AccountID
	})

	writeJSON(w, h.logger, status)
}

// HandleWebsocketStatus serves /api/websocket-status.
func (h *Handlers) HandleWebsocketStatus(w http.ResponseWriter, r *http.Request) {
	health := h.sessions.Health()
	sort.Slice(health, func(i, j int) bool {
		return health[i].SubaccountID < health[j].SubaccountID
	})
	writeJSON(w, h.logger, WebsocketStatus{
		Sessions: h.sessions.Size(),
		Health:   health,
	})
}

// HandleWebSocket upgrades the connection and streams bus events, preceded
// by a full snapshot frame.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	snap, err := h.BuildSnapshot(r.Context())
	if err != nil {
		h.logger.Error("snapshot build failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	initial, err := json.Marshal(map[string]interface{}{"type": "snapshot", "data": snap})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.bus, conn, initial, h.logger.With("component", "ws-client"))
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response encode failed", "error", err)
	}
}
