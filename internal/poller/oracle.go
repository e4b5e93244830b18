// Package poller bundles the two periodic services that run off one tick:
// the drawdown poller, which marks every open position to market, and the
// bracket watcher, which supervises TP/SL children the broker does not
// natively link.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/internal/broker"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

// quoteTTL bounds how long a fetched price is reused. One tick's worth of
// staleness is acceptable for drawdown accounting.
const quoteTTL = time.Second

// QuoteOracle implements broker.PriceOracle on top of the adapter's quote
// endpoint. It authenticates with the first usable account and caches one
// price per ticker per TTL so N open positions on the same contract cost
// one quote call.
type QuoteOracle struct {
	adapter broker.Adapter
	store   store.Store
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedQuote
}

type cachedQuote struct {
	price decimal.Decimal
	at    time.Time
}

// NewQuoteOracle creates an oracle over the adapter.
func NewQuoteOracle(a broker.Adapter, st store.Store, logger *slog.Logger) *QuoteOracle {
	return &QuoteOracle{
		adapter: a,
		store:   st,
		logger:  logger.With("component", "oracle"),
		cache:   make(map[string]cachedQuote),
	}
}

// LastPrice returns the last trade price for a ticker.
func (o *QuoteOracle) LastPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	o.mu.Lock()
	if q, ok := o.cache[ticker]; ok && time.Since(q.at) < quoteTTL {
		o.mu.Unlock()
		return q.price, nil
	}
	o.mu.Unlock()

	acct, err := o.marketDataAccount(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	symbol, err := o.adapter.ResolveSymbol(ctx, acct, ticker, time.Now())
	if err != nil {
		return decimal.Zero, fmt.Errorf("resolve %s: %w", ticker, err)
	}
	quote, err := o.adapter.GetQuote(ctx, acct, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	o.mu.Lock()
	o.cache[ticker] = cachedQuote{price: quote.Last, at: time.Now()}
	o.mu.Unlock()
	return quote.Last, nil
}

func (o *QuoteOracle) marketDataAccount(ctx context.Context) (*types.Account, error) {
	accounts, err := o.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	for i := range accounts {
		if !accounts[i].RequiresReauth {
			return &accounts[i], nil
		}
	}
	return nil, types.NewBrokerError(types.ErrTokenInvalid, "oracle",
		"no account available for market data", nil)
}
