// Package store persists the engine's authoritative state: the append-only
// signal log, signal-derived positions, executed trades, and the ownership
// rows (users, accounts, subaccounts, recorders, traders).
//
// Two backends implement the same Store interface:
//
//   - Postgres (pgx connection pool) — production. Money and price columns
//     use exact NUMERIC types; a partial unique index enforces at most one
//     open position per (recorder, ticker).
//   - Memory — tests, dry-run, and local development without a database.
//
// The store itself does not serialize concurrent position mutations; the
// position tracker holds one lock per (recorder, ticker) around each
// append+mutate pair.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/pkg/types"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract used by the engine.
type Store interface {
	// Recorders
	RecorderByToken(ctx context.Context, token string) (*types.Recorder, error)
	RecorderByID(ctx context.Context, id int64) (*types.Recorder, error)
	SaveRecorder(ctx context.Context, r *types.Recorder) error
	// RotateWebhookToken replaces the recorder's token and returns the new
	// value. The old token stops resolving immediately.
	RotateWebhookToken(ctx context.Context, recorderID int64, newToken string) error

	// Traders
	EnabledTraders(ctx context.Context, recorderID int64) ([]types.Trader, error)
	TradersByRecorder(ctx context.Context, recorderID int64) ([]types.Trader, error)
	SaveTrader(ctx context.Context, t *types.Trader) error

	// Accounts and subaccounts
	AccountByID(ctx context.Context, id int64) (*types.Account, error)
	// ListAccounts returns all accounts that are not soft-deleted.
	ListAccounts(ctx context.Context) ([]types.Account, error)
	SaveAccount(ctx context.Context, a *types.Account) error
	UpdateAccountTokens(ctx context.Context, accountID int64, refreshToken string, expiresAt time.Time) error
	MarkAccountReauth(ctx context.Context, accountID int64) error
	SoftDeleteAccount(ctx context.Context, accountID int64) error
	SubaccountByID(ctx context.Context, id int64) (*types.Subaccount, error)
	SaveSubaccount(ctx context.Context, s *types.Subaccount) error

	// Signal log (append-only)
	AppendSignal(ctx context.Context, sig *types.Signal) error
	LastAcceptedAt(ctx context.Context, recorderID int64) (time.Time, error)
	CountAcceptedSince(ctx context.Context, recorderID int64, since time.Time) (int, error)

	// Positions
	OpenPosition(ctx context.Context, recorderID int64, ticker string) (*types.Position, error)
	InsertPosition(ctx context.Context, p *types.Position) error
	UpdatePosition(ctx context.Context, p *types.Position) error
	ListOpenPositions(ctx context.Context) ([]types.Position, error)
	// RealizedPnLToday sums realized P&L over the recorder's positions
	// closed since local midnight UTC.
	RealizedPnLToday(ctx context.Context, recorderID int64) (decimal.Decimal, error)

	// Trades
	InsertTrade(ctx context.Context, t *types.Trade) error
	TradesBySignal(ctx context.Context, signalID int64) ([]types.Trade, error)

	Close() error
}

// StartOfDay returns midnight UTC for the given instant. Daily aggregates
// (realized P&L, accepted-signal counts) key on this boundary.
func StartOfDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
