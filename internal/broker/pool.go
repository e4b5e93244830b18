// pool.go maintains one long-lived authenticated session per subaccount.
//
// A session couples the subaccount's REST credentials with a Tradovate
// websocket that is kept warm by the keep-alive daemon (30 s heartbeats).
// A session that fails its heartbeat is closed and removed; the next order
// for that subaccount lazily re-creates it. In-flight REST orders are never
// touched by session churn, only the channel is recreated.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"copytrader/internal/token"
	"copytrader/pkg/types"
)

const (
	keepAliveInterval = 30 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsReadTimeout     = 90 * time.Second
)

// Session is one pooled, authenticated broker session.
type Session struct {
	Subaccount *types.Subaccount
	Account    *types.Account

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	lastPing  time.Time
	createdAt time.Time
}

// Connected reports the websocket channel health.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastPing returns the time of the last successful heartbeat.
func (s *Session) LastPing() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPing
}

func (s *Session) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("session not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	// Tradovate websocket heartbeat frame.
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte("[]")); err != nil {
		s.connected = false
		return err
	}
	s.lastPing = time.Now()
	return nil
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}

// SessionHealth is the per-subaccount entry of the websocket-status report.
type SessionHealth struct {
	SubaccountID int64     `json:"subaccount_id"`
	Connected    bool      `json:"connected"`
	LastPing     time.Time `json:"last_ping"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionPool is the subaccount-keyed pool of live sessions.
type SessionPool struct {
	wsBaseURL string
	tokens    *token.Cache
	dryRun    bool
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[int64]*Session

	// createMu serializes creation per subaccount so a burst of tasks for
	// one book dials at most once.
	createMu sync.Mutex
	creating map[int64]*sync.Mutex
}

// NewSessionPool creates an empty pool.
func NewSessionPool(wsBaseURL string, tokens *token.Cache, dryRun bool, logger *slog.Logger) *SessionPool {
	return &SessionPool{
		wsBaseURL: wsBaseURL,
		tokens:    tokens,
		dryRun:    dryRun,
		logger:    logger.With("component", "pool"),
		sessions:  make(map[int64]*Session),
		creating:  make(map[int64]*sync.Mutex),
	}
}

func (p *SessionPool) createLock(subaccountID int64) *sync.Mutex {
	p.createMu.Lock()
	defer p.createMu.Unlock()
	l, ok := p.creating[subaccountID]
	if !ok {
		l = &sync.Mutex{}
		p.creating[subaccountID] = l
	}
	return l
}

// Get returns the pooled session for a subaccount, creating and
// authenticating one on first use.
func (p *SessionPool) Get(ctx context.Context, acct *types.Account, sub *types.Subaccount) (*Session, error) {
	p.mu.RLock()
	s, ok := p.sessions[sub.ID]
	p.mu.RUnlock()
	if ok && s.Connected() {
		return s, nil
	}

	l := p.createLock(sub.ID)
	l.Lock()
	defer l.Unlock()

	// Another caller may have created it while we waited.
	p.mu.RLock()
	s, ok = p.sessions[sub.ID]
	p.mu.RUnlock()
	if ok && s.Connected() {
		return s, nil
	}

	s, err := p.dial(ctx, acct, sub)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[sub.ID] = s
	p.mu.Unlock()

	p.logger.Info("session created", "subaccount", sub.ID, "account", acct.ID)
	return s, nil
}

func (p *SessionPool) dial(ctx context.Context, acct *types.Account, sub *types.Subaccount) (*Session, error) {
	s := &Session{
		Subaccount: sub,
		Account:    acct,
		createdAt:  time.Now(),
	}

	if p.dryRun {
		s.connected = true
		s.lastPing = time.Now()
		return s, nil
	}

	access, err := p.tokens.Get(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.wsBaseURL, nil)
	if err != nil {
		return nil, types.NewBrokerError(types.ErrTransportUnreachable, "session.dial", "websocket dial failed", err)
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	authFrame := fmt.Sprintf("authorize\n1\n\n%s", access)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(authFrame)); err != nil {
		conn.Close()
		return nil, types.NewBrokerError(types.ErrTransportUnreachable, "session.auth", "authorize frame failed", err)
	}

	s.conn = conn
	s.connected = true
	s.lastPing = time.Now()

	// Drain server frames so the TCP window never stalls; an error here
	// marks the session dead for the next Get.
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mu.Lock()
				s.connected = false
				s.mu.Unlock()
				return
			}
		}
	}()

	return s, nil
}

// Remove closes and evicts the session for a subaccount.
func (p *SessionPool) Remove(subaccountID int64) {
	p.mu.Lock()
	s, ok := p.sessions[subaccountID]
	delete(p.sessions, subaccountID)
	p.mu.Unlock()
	if ok {
		s.close()
		p.logger.Info("session removed", "subaccount", subaccountID)
	}
}

// RemoveAccount evicts every session belonging to an account, e.g. on
// disconnect or token revocation.
func (p *SessionPool) RemoveAccount(accountID int64) {
	p.mu.Lock()
	var victims []*Session
	for id, s := range p.sessions {
		if s.Account.ID == accountID {
			victims = append(victims, s)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()
	for _, s := range victims {
		s.close()
	}
}

// Health reports per-subaccount connection state for the status endpoint.
func (p *SessionPool) Health() []SessionHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SessionHealth, 0, len(p.sessions))
	for id, s := range p.sessions {
		s.mu.Lock()
		out = append(out, SessionHealth{
			SubaccountID: id,
			Connected:    s.connected,
			LastPing:     s.lastPing,
			CreatedAt:    s.createdAt,
		})
		s.mu.Unlock()
	}
	return out
}

// Size returns the number of pooled sessions.
func (p *SessionPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Run is the keep-alive daemon: every interval it heartbeats each session
// and evicts the ones that fail. Blocks until ctx is cancelled.
func (p *SessionPool) Run(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.CloseAll()
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *SessionPool) sweep() {
	p.mu.RLock()
	snapshot := make(map[int64]*Session, len(p.sessions))
	for id, s := range p.sessions {
		snapshot[id] = s
	}
	p.mu.RUnlock()

	for id, s := range snapshot {
		if p.dryRun {
			s.mu.Lock()
			s.lastPing = time.Now()
			s.mu.Unlock()
			continue
		}
		if err := s.ping(); err != nil {
			p.logger.Warn("keep-alive failed, evicting session",
				"subaccount", id, "error", err)
			p.Remove(id)
		}
	}
}

// CloseAll closes every pooled session. Called on shutdown.
func (p *SessionPool) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[int64]*Session)
	p.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
