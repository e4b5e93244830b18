package api

import (
	"time"

	"copytrader/internal/broker"
	"copytrader/pkg/types"
)

// ExecutionStatus is the operator view of one recorder's execution path.
type ExecutionStatus struct {
	RecorderID          int64           `json:"recorder_id"`
	Name                string          `json:"name"`
	Enabled             bool            `json:"enabled"`
	TraderCount         int             `json:"trader_count"`
	EnabledTraders      int             `json:"enabled_traders"`
	Accounts            []AccountStatus `json:"accounts"`
	QueueDepth          int             `json:"queue_depth"`
	LastError           string          `json:"last_error,omitempty"`
	InvariantViolations uint64          `json:"invariant_violations"`
}

// AccountStatus is one broker account reachable from a recorder's traders.
type AccountStatus struct {
	AccountID      int64  `json:"account_id"`
	Name           string `json:"name"`
	Demo           bool   `json:"demo"`
	RequiresReauth bool   `json:"requires_reauth"`
}

// WebsocketStatus reports the broker session pool's health.
type WebsocketStatus struct {
	Sessions int                    `json:"sessions"`
	Health   []broker.SessionHealth `json:"health"`
}

// Snapshot is the state frame sent to a WebSocket client on connect and
// served at /api/snapshot.
type Snapshot struct {
	Timestamp     time.Time        `json:"timestamp"`
	OpenPositions []types.Position `json:"open_positions"`
	QueueDepth    int              `json:"queue_depth"`
	Sessions      int              `json:"sessions"`
	Subscribers   int              `json:"subscribers"`
}
