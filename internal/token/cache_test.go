package token

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"copytrader/internal/bus"
	"copytrader/internal/store"
	"copytrader/pkg/types"
)

type fakeRefresher struct {
	calls atomic.Int64
	delay time.Duration
	err   error
	grant Grant
}

func (f *fakeRefresher) RefreshToken(_ context.Context, _, _, _ string) (Grant, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return Grant{}, f.err
	}
	return f.grant, nil
}

func newTestCache(t *testing.T, r Refresher) (*Cache, *store.Memory, *types.Account) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := store.NewMemory()

	acct := &types.Account{UserID: 1, Name: "main", ClientID: "cid", ClientSecret: "sec", RefreshToken: "rt-1"}
	if err := m.SaveAccount(context.Background(), acct); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	return New(m, r, bus.New(0, logger), logger, 2*time.Minute), m, acct
}

func TestGetRefreshesStaleToken(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{grant: Grant{
		AccessToken:  "at-1",
		RefreshToken: "rt-2",
		ExpiresAt:    time.Now().Add(90 * time.Minute),
	}}
	c, m, acct := newTestCache(t, r)

	got, err := c.Get(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "at-1" {
		t.Errorf("token = %q, want at-1", got)
	}
	if r.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", r.calls.Load())
	}

	// Rotated refresh token persisted.
	stored, err := m.AccountByID(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("AccountByID: %v", err)
	}
	if stored.RefreshToken != "rt-2" {
		t.Errorf("stored refresh token = %q, want rt-2", stored.RefreshToken)
	}

	// Second Get hits the cache.
	if _, err := c.Get(context.Background(), acct.ID); err != nil {
		t.Fatalf("cached Get: %v", err)
	}
	if r.calls.Load() != 1 {
		t.Errorf("refresh calls after cached hit = %d, want 1", r.calls.Load())
	}
}

func TestConcurrentGetsShareOneRefresh(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{
		delay: 50 * time.Millisecond,
		grant: Grant{
			AccessToken:  "at-1",
			RefreshToken: "rt-2",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
	c, _, acct := newTestCache(t, r)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Get(context.Background(), acct.ID)
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			if got != "at-1" {
				t.Errorf("token = %q", got)
			}
		}()
	}
	wg.Wait()

	if r.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", r.calls.Load())
	}
}

func TestInvalidGrantEscalatesToReauth(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{err: types.NewBrokerError(types.ErrTokenInvalid, "broker.refresh", "invalid_grant", nil)}
	c, m, acct := newTestCache(t, r)

	if _, err := c.Get(context.Background(), acct.ID); err == nil {
		t.Fatal("expected refresh error")
	}

	stored, err := m.AccountByID(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("AccountByID: %v", err)
	}
	if !stored.RequiresReauth {
		t.Error("account not marked requires_reauth")
	}
	if stored.RefreshToken != "" {
		t.Error("refresh token not purged")
	}

	// Re-auth is a hard stop: no further exchange attempts happen.
	calls := r.calls.Load()
	if _, err := c.Get(context.Background(), acct.ID); err == nil {
		t.Fatal("expected error for reauth-pending account")
	}
	if r.calls.Load() != calls {
		t.Errorf("refresh attempted against reauth-pending account")
	}
}

func TestTransportErrorServesStaleToken(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{err: errors.New("connection refused")}
	c, _, acct := newTestCache(t, r)

	// Seed a token inside the skew window but before true expiry: stale for
	// Get purposes, still usable on refresh failure.
	c.Put(acct.ID, Grant{AccessToken: "at-stale", ExpiresAt: time.Now().Add(time.Minute)})

	got, err := c.Get(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "at-stale" {
		t.Errorf("token = %q, want stale at-stale", got)
	}
}

func TestTransportErrorServesStaleTokenToWaiters(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{
		delay: 50 * time.Millisecond,
		err:   errors.New("connection refused"),
	}
	c, _, acct := newTestCache(t, r)

	c.Put(acct.ID, Grant{AccessToken: "at-stale", ExpiresAt: time.Now().Add(time.Minute)})

	// Several callers race into the same failed refresh; the waiters woken
	// by the holder must get the stale token too, not the refresh error.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Get(context.Background(), acct.ID)
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			if got != "at-stale" {
				t.Errorf("token = %q, want stale at-stale", got)
			}
		}()
	}
	wg.Wait()
}

func TestTransportErrorWithExpiredTokenFails(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{err: errors.New("connection refused")}
	c, _, acct := newTestCache(t, r)

	c.Put(acct.ID, Grant{AccessToken: "at-dead", ExpiresAt: time.Now().Add(-time.Minute)})

	if _, err := c.Get(context.Background(), acct.ID); err == nil {
		t.Fatal("expected error when the stale token is truly expired")
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	t.Parallel()
	r := &fakeRefresher{grant: Grant{
		AccessToken:  "at-2",
		RefreshToken: "rt-2",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	c, _, acct := newTestCache(t, r)

	c.Put(acct.ID, Grant{AccessToken: "at-1", ExpiresAt: time.Now().Add(time.Hour)})
	c.Invalidate(acct.ID)

	got, err := c.Get(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "at-2" {
		t.Errorf("token = %q, want refreshed at-2", got)
	}
	if r.calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", r.calls.Load())
	}
}
