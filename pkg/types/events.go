package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names the typed events delivered to push-layer subscribers.
type EventType string

const (
	EventPositionUpdate    EventType = "position_update"
	EventPnLUpdate         EventType = "pnl_update"
	EventStrategyPnLUpdate EventType = "strategy_pnl_update"
	EventTradeExecuted     EventType = "trade_executed"
	EventLogEntry          EventType = "log_entry"
)

// Event is the envelope for every message on the bus. Seq is assigned per
// subscriber by the push layer, monotonically increasing.
type Event struct {
	Type      EventType   `json:"type"`
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PositionUpdateEvent mirrors the authoritative position row.
type PositionUpdateEvent struct {
	RecorderID         int64           `json:"recorder_id"`
	Ticker             string          `json:"ticker"`
	Side               Side            `json:"side"`
	Qty                int64           `json:"qty"`
	AvgPrice           decimal.Decimal `json:"avg_price"`
	Status             PositionStatus  `json:"status"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	WorstUnrealizedPnL decimal.Decimal `json:"worst_unrealized_pnl"`
}

// PnLUpdateEvent carries per-account daily realized and total unrealized P&L.
type PnLUpdateEvent struct {
	AccountID       int64           `json:"account_id"`
	RealizedToday   decimal.Decimal `json:"realized_today"`
	UnrealizedTotal decimal.Decimal `json:"unrealized_total"`
}

// StrategyPnLUpdateEvent aggregates P&L per recorder.
type StrategyPnLUpdateEvent struct {
	RecorderID      int64           `json:"recorder_id"`
	RealizedToday   decimal.Decimal `json:"realized_today"`
	UnrealizedTotal decimal.Decimal `json:"unrealized_total"`
}

// TradeExecutedEvent reports one execution attempt, success or rejection.
type TradeExecutedEvent struct {
	CorrelationID string          `json:"correlation_id"`
	TraderID      int64           `json:"trader_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Qty           int64           `json:"qty"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	FillPrice     decimal.Decimal `json:"fill_price,omitempty"`
	Status        TradeStatus     `json:"status"`
}

// LogEntryEvent is a structured log line forwarded to subscribers.
type LogEntryEvent struct {
	Level     string            `json:"level"`
	At        time.Time         `json:"at"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}
