// Package token manages OAuth access tokens for broker accounts: an
// expiry-aware in-memory cache with serialized per-account renewal and a
// background refresh-ahead daemon.
//
// Renewal discipline: one lock per account. The first caller that finds the
// token stale performs the refresh exchange; concurrent callers wait on a
// condition variable and read the replaced entry. At most one refresh per
// account is ever in flight.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"copytrader/internal/bus"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

const (
	// scanInterval is how often the daemon sweeps cache entries.
	scanInterval = 30 * time.Second
	// refreshHorizon renews proactively anything expiring this soon.
	refreshHorizon = 2 * time.Hour

	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

// Grant is the result of one refresh exchange at the identity endpoint.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher performs the OAuth refresh exchange. Implemented by the broker
// client. An invalid_grant response must come back as a BrokerError with
// kind token_invalid.
type Refresher interface {
	RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (Grant, error)
}

type entry struct {
	mu   sync.Mutex
	cond *sync.Cond

	access    string
	expiresAt time.Time
	renewing  bool
	lastErr   error

	// Daemon backoff state, touched only by the scan loop.
	backoff     time.Duration
	nextAttempt time.Time
}

// Cache is the account-keyed token cache.
type Cache struct {
	store     store.Store
	refresher Refresher
	bus       *bus.Bus
	logger    *slog.Logger
	skew      time.Duration

	mu      sync.Mutex
	entries map[int64]*entry
}

// New creates a token cache. skew is subtracted from expiry when judging
// freshness (default 120 s at the config layer).
func New(st store.Store, r Refresher, b *bus.Bus, logger *slog.Logger, skew time.Duration) *Cache {
	return &Cache{
		store:     st,
		refresher: r,
		bus:       b,
		logger:    logger.With("component", "token"),
		skew:      skew,
		entries:   make(map[int64]*entry),
	}
}

func (c *Cache) entryFor(accountID int64) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[accountID]
	if !ok {
		e = &entry{}
		e.cond = sync.NewCond(&e.mu)
		c.entries[accountID] = e
	}
	return e
}

// Get returns a usable access token for the account, refreshing it first if
// it is within the skew of expiry. Concurrent callers on a stale entry share
// a single refresh.
func (c *Cache) Get(ctx context.Context, accountID int64) (string, error) {
	e := c.entryFor(accountID)

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if e.fresh(c.skew) {
			return e.access, nil
		}
		if !e.renewing {
			break
		}
		// Another caller is mid-refresh; wait for it and re-check.
		e.cond.Wait()
		if e.lastErr != nil && !e.fresh(c.skew) {
			// Same rule as the refresh holder below: a failed refresh
			// leaves a stale-but-unexpired token usable for everyone.
			if e.access != "" && time.Now().Before(e.expiresAt) {
				return e.access, nil
			}
			return "", e.lastErr
		}
	}

	e.renewing = true
	e.mu.Unlock()

	grant, err := c.refresh(ctx, accountID)

	e.mu.Lock()
	e.renewing = false
	e.lastErr = err
	if err == nil {
		e.access = grant.AccessToken
		e.expiresAt = grant.ExpiresAt
		e.backoff = 0
	}
	e.cond.Broadcast()

	if err != nil {
		// A stale-but-unexpired token is still usable on transport errors;
		// invalid_grant purged the entry already.
		if e.access != "" && time.Now().Before(e.expiresAt) {
			c.logger.Warn("refresh failed, serving stale token",
				"account", accountID, "error", err)
			return e.access, nil
		}
		return "", err
	}
	return e.access, nil
}

// fresh reports whether the cached token survives now+skew. Caller holds
// e.mu.
func (e *entry) fresh(skew time.Duration) bool {
	return e.access != "" && time.Now().Add(skew).Before(e.expiresAt)
}

// refresh performs one exchange and persists the rotated refresh token.
func (c *Cache) refresh(ctx context.Context, accountID int64) (Grant, error) {
	acct, err := c.store.AccountByID(ctx, accountID)
	if err != nil {
		return Grant{}, fmt.Errorf("load account %d: %w", accountID, err)
	}
	if acct.RequiresReauth || acct.RefreshToken == "" {
		return Grant{}, types.NewBrokerError(types.ErrTokenInvalid, "token.refresh",
			"account requires re-authorization", nil)
	}

	grant, err := c.refresher.RefreshToken(ctx, acct.ClientID, acct.ClientSecret, acct.RefreshToken)
	if err != nil {
		if types.KindOf(err) == types.ErrTokenInvalid {
			c.escalateReauth(ctx, accountID, err)
		}
		return Grant{}, err
	}

	if err := c.store.UpdateAccountTokens(ctx, accountID, grant.RefreshToken, grant.ExpiresAt); err != nil {
		return Grant{}, fmt.Errorf("persist rotated token: %w", err)
	}
	c.logger.Info("token refreshed", "account", accountID, "expires_at", grant.ExpiresAt)
	return grant, nil
}

// escalateReauth handles invalid_grant: tokens are purged and the account
// needs the user to reconnect.
func (c *Cache) escalateReauth(ctx context.Context, accountID int64, cause error) {
	if err := c.store.MarkAccountReauth(ctx, accountID); err != nil {
		c.logger.Error("mark requires_reauth", "account", accountID, "error", err)
	}
	c.mu.Lock()
	delete(c.entries, accountID)
	c.mu.Unlock()

	c.logger.Error("refresh token rejected, account requires re-authorization",
		"account", accountID, "error", cause)
	c.bus.Log("error", "token", "account requires re-authorization", map[string]string{
		"account": fmt.Sprintf("%d", accountID),
	})
}

// Put seeds the cache after an OAuth code exchange.
func (c *Cache) Put(accountID int64, grant Grant) {
	e := c.entryFor(accountID)
	e.mu.Lock()
	e.access = grant.AccessToken
	e.expiresAt = grant.ExpiresAt
	e.lastErr = nil
	e.mu.Unlock()
}

// Invalidate forces the next Get to refresh. Used when a broker call comes
// back token_expired despite a cached token.
func (c *Cache) Invalidate(accountID int64) {
	e := c.entryFor(accountID)
	e.mu.Lock()
	e.expiresAt = time.Time{}
	e.mu.Unlock()
}

// Drop removes an account's entry entirely, e.g. on account deletion.
func (c *Cache) Drop(accountID int64) {
	c.mu.Lock()
	delete(c.entries, accountID)
	c.mu.Unlock()
}

// Run is the refresh-ahead daemon: every scan interval it renews any cached
// entry expiring within the horizon. Blocks until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	c.logger.Info("refresh-ahead daemon started",
		"interval", scanInterval, "horizon", refreshHorizon)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

func (c *Cache) scan(ctx context.Context) {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		e := c.entryFor(id)

		e.mu.Lock()
		due := e.access == "" || now.Add(refreshHorizon).After(e.expiresAt)
		backingOff := now.Before(e.nextAttempt)
		busy := e.renewing
		e.mu.Unlock()

		if !due || backingOff || busy {
			continue
		}

		if _, err := c.Get(ctx, id); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			e.mu.Lock()
			if e.backoff == 0 {
				e.backoff = backoffInitial
			} else if e.backoff < backoffMax {
				e.backoff *= 2
				if e.backoff > backoffMax {
					e.backoff = backoffMax
				}
			}
			e.nextAttempt = now.Add(e.backoff)
			backoff := e.backoff
			e.mu.Unlock()

			c.logger.Warn("refresh-ahead failed, backing off",
				"account", id, "backoff", backoff, "error", err)
		}
	}
}
