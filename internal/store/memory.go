package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"copytrader/pkg/types"
)

// Memory is the in-process Store backend. All rows live in maps guarded by
// one RWMutex; ids are assigned from a single counter. Used by tests,
// dry-run mode, and deployments without a configured database.
type Memory struct {
	mu     sync.RWMutex
	nextID int64

	recorders   map[int64]*types.Recorder
	byToken     map[string]int64
	traders     map[int64]*types.Trader
	accounts    map[int64]*types.Account
	subaccounts map[int64]*types.Subaccount
	signals     []types.Signal
	positions   map[int64]*types.Position
	trades      []types.Trade
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		recorders:   make(map[int64]*types.Recorder),
		byToken:     make(map[string]int64),
		traders:     make(map[int64]*types.Trader),
		accounts:    make(map[int64]*types.Account),
		subaccounts: make(map[int64]*types.Subaccount),
		positions:   make(map[int64]*types.Position),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// Close is a no-op for the memory backend.
func (m *Memory) Close() error { return nil }

// ————————————————————————————————————————————————————————————————————————
// Recorders
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) RecorderByToken(_ context.Context, token string) (*types.Recorder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	r := *m.recorders[id]
	return &r, nil
}

func (m *Memory) RecorderByID(_ context.Context, id int64) (*types.Recorder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recorders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) SaveRecorder(_ context.Context, r *types.Recorder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.id()
	} else if prev, ok := m.recorders[r.ID]; ok && prev.WebhookToken != r.WebhookToken {
		delete(m.byToken, prev.WebhookToken)
	}
	cp := *r
	m.recorders[r.ID] = &cp
	m.byToken[r.WebhookToken] = r.ID
	return nil
}

func (m *Memory) RotateWebhookToken(_ context.Context, recorderID int64, newToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recorders[recorderID]
	if !ok {
		return ErrNotFound
	}
	delete(m.byToken, r.WebhookToken)
	r.WebhookToken = newToken
	m.byToken[newToken] = recorderID
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Traders
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) EnabledTraders(_ context.Context, recorderID int64) ([]types.Trader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Trader
	for _, t := range m.traders {
		if t.RecorderID == recorderID && t.Enabled {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *Memory) TradersByRecorder(_ context.Context, recorderID int64) ([]types.Trader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Trader
	for _, t := range m.traders {
		if t.RecorderID == recorderID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *Memory) SaveTrader(_ context.Context, t *types.Trader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		t.ID = m.id()
	}
	cp := *t
	m.traders[t.ID] = &cp
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Accounts and subaccounts
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) AccountByID(_ context.Context, id int64) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok || a.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if a.DeletedAt == nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *Memory) SaveAccount(_ context.Context, a *types.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == 0 {
		a.ID = m.id()
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *Memory) UpdateAccountTokens(_ context.Context, accountID int64, refreshToken string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.RefreshToken = refreshToken
	a.TokenExpiresAt = expiresAt
	a.RequiresReauth = false
	return nil
}

func (m *Memory) MarkAccountReauth(_ context.Context, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.RequiresReauth = true
	a.RefreshToken = ""
	return nil
}

func (m *Memory) SoftDeleteAccount(_ context.Context, accountID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	a.DeletedAt = &now
	a.RefreshToken = ""
	return nil
}

func (m *Memory) SubaccountByID(_ context.Context, id int64) (*types.Subaccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subaccounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) SaveSubaccount(_ context.Context, s *types.Subaccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.id()
	}
	cp := *s
	m.subaccounts[s.ID] = &cp
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) AppendSignal(_ context.Context, sig *types.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig.ID = m.id()
	m.signals = append(m.signals, *sig)
	return nil
}

func (m *Memory) LastAcceptedAt(_ context.Context, recorderID int64) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.signals) - 1; i >= 0; i-- {
		if m.signals[i].RecorderID == recorderID {
			return m.signals[i].ReceivedAt, nil
		}
	}
	return time.Time{}, nil
}

func (m *Memory) CountAcceptedSince(_ context.Context, recorderID int64, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.signals {
		if s.RecorderID == recorderID && !s.ReceivedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) OpenPosition(_ context.Context, recorderID int64, ticker string) (*types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.positions {
		if p.RecorderID == recorderID && p.Ticker == ticker && p.Status == types.PositionOpen {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) InsertPosition(_ context.Context, p *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

func (m *Memory) UpdatePosition(_ context.Context, p *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

func (m *Memory) ListOpenPositions(_ context.Context) ([]types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Position
	for _, p := range m.positions {
		if p.Status == types.PositionOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *Memory) RealizedPnLToday(_ context.Context, recorderID int64) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := StartOfDay(time.Now())
	total := decimal.Zero
	for _, p := range m.positions {
		if p.RecorderID != recorderID || p.Status != types.PositionClosed {
			continue
		}
		if p.ClosedAt != nil && !p.ClosedAt.Before(cutoff) {
			total = total.Add(p.RealizedPnL)
		}
	}
	return total, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) InsertTrade(_ context.Context, t *types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.id()
	m.trades = append(m.trades, *t)
	return nil
}

func (m *Memory) TradesBySignal(_ context.Context, signalID int64) ([]types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Trade
	for _, t := range m.trades {
		if t.SignalID == signalID {
			out = append(out, t)
		}
	}
	return out, nil
}
