// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — signal actions,
// recorder/trader configuration, signal-derived positions, execution tasks,
// and push-layer event payloads. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Action is the direction carried by an incoming webhook signal.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionClose Action = "CLOSE"
)

// ParseAction normalizes a webhook action string. Unknown actions are
// rejected at the edge; they never reach the position state machine.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return ActionBuy, nil
	case "SELL", "SHORT":
		return ActionSell, nil
	case "CLOSE", "FLAT", "EXIT":
		return ActionClose, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT, the side sign used in
// realized/unrealized P&L formulas.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderSide is the direction of a broker order. Distinct from position side:
// closing a SHORT is a Buy order.
type OrderSide string

const (
	OrderBuy  OrderSide = "Buy"
	OrderSell OrderSide = "Sell"
)

// Opposite returns the reverse order side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderBuy {
		return OrderSell
	}
	return OrderBuy
}

// OrderType enumerates broker order types used by the execution path.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeStop   OrderType = "Stop"
)

// PositionStatus is the lifecycle state of a signal-derived position row.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// TradeStatus is the lifecycle state of one executed child order.
type TradeStatus string

const (
	TradePlaced    TradeStatus = "placed"
	TradeFilled    TradeStatus = "filled"
	TradeRejected  TradeStatus = "rejected"
	TradeCancelled TradeStatus = "cancelled"
)

// ————————————————————————————————————————————————————————————————————————
// TP / SL specification
// ————————————————————————————————————————————————————————————————————————

// BracketUnit expresses how a TP/SL distance is measured.
type BracketUnit string

const (
	UnitTicks   BracketUnit = "ticks"
	UnitPoints  BracketUnit = "points"
	UnitPercent BracketUnit = "percent"
)

// StopType selects the stop-loss behavior. Trailing and break-even are
// persisted but currently evaluated as fixed stops by the bracket watcher;
// the transition rules are pending product clarification.
type StopType string

const (
	StopFixed     StopType = "fixed"
	StopTrailing  StopType = "trailing"
	StopBreakEven StopType = "break-even"
)

// TPTarget is one take-profit level with the percentage of the position
// trimmed when it is reached.
type TPTarget struct {
	Value   decimal.Decimal `json:"value"`
	TrimPct decimal.Decimal `json:"trim_pct"`
}

// BracketSpec is the effective TP/SL configuration attached to a dispatched
// order: the trader override when present, else the recorder default.
type BracketSpec struct {
	TPValue   decimal.Decimal `json:"tp_value"`
	TPUnit    BracketUnit     `json:"tp_unit"`
	SLValue   decimal.Decimal `json:"sl_value"`
	SLUnit    BracketUnit     `json:"sl_unit"`
	SLType    StopType        `json:"sl_type"`
	TPTargets []TPTarget      `json:"tp_targets,omitempty"`
}

// HasTP reports whether a take-profit child should be placed.
func (b BracketSpec) HasTP() bool { return b.TPValue.IsPositive() }

// HasSL reports whether a stop-loss child should be placed.
func (b BracketSpec) HasSL() bool { return b.SLValue.IsPositive() }

// ————————————————————————————————————————————————————————————————————————
// Ownership rows
// ————————————————————————————————————————————————————————————————————————

// User is the authenticating principal. Identity is immutable; only the
// password hash changes.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account is one Tradovate broker account owned by a user. It holds the
// OAuth client pair and the stored refresh token; TokenExpiresAt enables
// refresh-ahead renewal.
type Account struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Name           string     `json:"name"`
	ClientID       string     `json:"client_id"`
	ClientSecret   string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt time.Time  `json:"token_expires_at"`
	Demo           bool       `json:"demo"`
	RequiresReauth bool       `json:"requires_reauth"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Subaccount is a logical trading book inside a broker account.
type Subaccount struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"account_id"`
	BrokerID  int64  `json:"broker_id"` // Tradovate's own account id
	Name      string `json:"name"`
}

// Recorder is a named signal source owned by a user. The webhook token is
// opaque, URL-safe, and unguessable; rotating it invalidates in-flight uses.
type Recorder struct {
	ID           int64  `json:"id"`
	UserID       int64  `json:"user_id"`
	Name         string `json:"name"`
	WebhookToken string `json:"-"`
	SigningKey   string `json:"-"` // per-recorder HMAC secret for X-Signature
	Symbol       string `json:"symbol"`
	Enabled      bool   `json:"enabled"`

	InitialSize int64 `json:"initial_size"`
	AddSize     int64 `json:"add_size"`

	ReverseOnOpposite bool `json:"reverse_on_opposite"`

	Filters FilterConfig `json:"filters"`
	Bracket BracketSpec  `json:"bracket"`
}

// FilterConfig is the per-recorder risk policy evaluated by the filter
// pipeline, in pipeline order.
type FilterConfig struct {
	BlockedActions  []Action        `json:"blocked_actions,omitempty"`
	TimeWindows     []TimeWindow    `json:"time_windows,omitempty"`
	CooldownSeconds int             `json:"cooldown_seconds,omitempty"`
	MaxSignals      int             `json:"max_signals,omitempty"` // per session, 0 = unlimited
	MaxDailyLoss    decimal.Decimal `json:"max_daily_loss"`        // 0 = unlimited
	NthSignal       int             `json:"nth_signal,omitempty"`  // admit every Nth, 0/1 = all
	MaxContracts    int64           `json:"max_contracts,omitempty"` // per-task cap, 0 = uncapped
}

// TimeWindow is an intraday trading window in a named timezone.
// Start and End are minutes since local midnight.
type TimeWindow struct {
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Timezone    string `json:"timezone"`
}

// Trader links a recorder to a subaccount with a size multiplier. A recorder
// fans out to zero or more traders; each places its own broker orders.
type Trader struct {
	ID           int64           `json:"id"`
	RecorderID   int64           `json:"recorder_id"`
	SubaccountID int64           `json:"subaccount_id"`
	Multiplier   decimal.Decimal `json:"multiplier"`
	Enabled      bool            `json:"enabled"`
	Bracket      *BracketSpec    `json:"bracket,omitempty"` // nil = recorder default
}

// ————————————————————————————————————————————————————————————————————————
// Signals and positions
// ————————————————————————————————————————————————————————————————————————

// Signal is the immutable record of one accepted webhook.
type Signal struct {
	ID         int64           `json:"id"`
	RecorderID int64           `json:"recorder_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Action     Action          `json:"action"`
	Ticker     string          `json:"ticker"`
	Price      decimal.Decimal `json:"price"`
	RawPayload string          `json:"raw_payload"`
	DedupKey   string          `json:"dedup_key"`
}

// Position is the engine-authoritative state for (recorder, ticker),
// derived from the signal log and never from the broker.
type Position struct {
	ID         int64  `json:"id"`
	RecorderID int64  `json:"recorder_id"`
	Ticker     string `json:"ticker"`
	Side       Side   `json:"side"`

	TotalQuantity int64           `json:"total_quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`

	CurrentPrice       decimal.Decimal `json:"current_price"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	WorstUnrealizedPnL decimal.Decimal `json:"worst_unrealized_pnl"`
	BestUnrealizedPnL  decimal.Decimal `json:"best_unrealized_pnl"`
	ContractMultiplier decimal.Decimal `json:"contract_multiplier"`

	Status      PositionStatus  `json:"status"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Trade records one executed child of a signal at one trader.
type Trade struct {
	ID             int64           `json:"id"`
	TraderID       int64           `json:"trader_id"`
	SignalID       int64           `json:"signal_id"`
	CorrelationID  string          `json:"correlation_id"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Quantity       int64           `json:"quantity"`
	BrokerOrderID  string          `json:"broker_order_id"`
	TPOrderID      string          `json:"tp_order_id,omitempty"`
	SLOrderID      string          `json:"sl_order_id,omitempty"`
	RequestedPrice decimal.Decimal `json:"requested_price"`
	FillPrice      decimal.Decimal `json:"fill_price"`
	Status         TradeStatus     `json:"status"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// ExecutionTask is the transient unit of work enqueued to the worker pool.
// One task per enabled trader per accepted signal; never retried.
type ExecutionTask struct {
	CorrelationID string
	SignalID      int64
	RecorderID    int64
	TraderID      int64
	SubaccountID  int64
	Symbol        string // broker contract symbol, already resolved
	Ticker        string // signal ticker, partition key together with trader
	Side          OrderSide
	Quantity      int64
	Price         decimal.Decimal // signal price, recorded on the trade row
	Closing       bool            // CLOSE/TRIM legs carry no brackets
	Bracket       BracketSpec
	Seq           uint64 // per-partition ordering: close before reverse-open
}

// PartitionKey orders tasks FIFO per (trader, symbol).
func (t ExecutionTask) PartitionKey() string {
	return fmt.Sprintf("%d/%s", t.TraderID, t.Ticker)
}
