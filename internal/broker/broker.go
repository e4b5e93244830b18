// Package broker implements the Tradovate adapter: the REST client for
// order management and OAuth, the per-subaccount session pool with
// keep-alive, and symbol resolution with a daily cache.
//
// Error discipline: every operation returns a structured BrokerError kind.
// There are no retries at the order boundary; a request that could have
// reached the broker surfaces its original error exactly once.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/token"
	"copytrader/pkg/types"
)

// OrderRequest describes one order submission. Price is ignored for market
// orders. LinkGroup ties bracket children to their parent for OCO handling.
type OrderRequest struct {
	Symbol    string
	Side      types.OrderSide
	Quantity  int64
	Type      types.OrderType
	Price     decimal.Decimal
	LinkGroup string
}

// OrderResult is the broker's acknowledgement. FillPrice is zero unless the
// fill was reported synchronously. NativeOCO reports whether the broker
// accepted the link group itself; when false the caller owns bracket
// supervision.
type OrderResult struct {
	BrokerOrderID int64
	FillPrice     decimal.Decimal
	NativeOCO     bool
}

// Quote is a last-trade snapshot for one contract.
type Quote struct {
	Symbol string
	Last   decimal.Decimal
	At     time.Time
}

// BrokerPosition is the broker's view of a net position, used only by the
// reconciliation audit. The engine's own position state never reads it.
type BrokerPosition struct {
	Symbol   string
	NetQty   int64
	AvgPrice decimal.Decimal
}

// Adapter is the abstract broker contract.
type Adapter interface {
	PlaceOrder(ctx context.Context, acct *types.Account, sub *types.Subaccount, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, acct *types.Account, brokerOrderID int64) error
	GetQuote(ctx context.Context, acct *types.Account, symbol string) (Quote, error)
	ResolveSymbol(ctx context.Context, acct *types.Account, ticker string, at time.Time) (string, error)
	ListOpenPositions(ctx context.Context, acct *types.Account, sub *types.Subaccount) ([]BrokerPosition, error)
	ExchangeAuthCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (token.Grant, error)
	RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (token.Grant, error)
}

// PriceOracle supplies last prices for the drawdown poller.
type PriceOracle interface {
	LastPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
}
