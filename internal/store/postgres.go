package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"copytrader/pkg/types"
)

// Postgres is the production Store backend on a pgx connection pool.
// NUMERIC columns are scanned through strings into decimal.Decimal so no
// value ever round-trips through binary floating point.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, applies the schema, and returns the store.
func OpenPostgres(ctx context.Context, url string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ————————————————————————————————————————————————————————————————————————
// Recorders
// ————————————————————————————————————————————————————————————————————————

const recorderCols = `id, user_id, name, webhook_token, signing_key, symbol, enabled,
	initial_size, add_size, reverse_on_opposite, filters, bracket`

func (p *Postgres) scanRecorder(row pgx.Row) (*types.Recorder, error) {
	var r types.Recorder
	var filters, bracket []byte
	err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.WebhookToken, &r.SigningKey,
		&r.Symbol, &r.Enabled, &r.InitialSize, &r.AddSize, &r.ReverseOnOpposite,
		&filters, &bracket)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan recorder: %w", err)
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &r.Filters); err != nil {
			return nil, fmt.Errorf("decode filters: %w", err)
		}
	}
	if len(bracket) > 0 {
		if err := json.Unmarshal(bracket, &r.Bracket); err != nil {
			return nil, fmt.Errorf("decode bracket: %w", err)
		}
	}
	return &r, nil
}

func (p *Postgres) RecorderByToken(ctx context.Context, token string) (*types.Recorder, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+recorderCols+` FROM recorders WHERE webhook_token = $1`, token)
	return p.scanRecorder(row)
}

func (p *Postgres) RecorderByID(ctx context.Context, id int64) (*types.Recorder, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+recorderCols+` FROM recorders WHERE id = $1`, id)
	return p.scanRecorder(row)
}

func (p *Postgres) SaveRecorder(ctx context.Context, r *types.Recorder) error {
	filters, err := json.Marshal(r.Filters)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}
	bracket, err := json.Marshal(r.Bracket)
	if err != nil {
		return fmt.Errorf("encode bracket: %w", err)
	}
	if r.ID == 0 {
		return p.pool.QueryRow(ctx, `
			INSERT INTO recorders (user_id, name, webhook_token, signing_key, symbol,
				enabled, initial_size, add_size, reverse_on_opposite, filters, bracket)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
			r.UserID, r.Name, r.WebhookToken, r.SigningKey, r.Symbol, r.Enabled,
			r.InitialSize, r.AddSize, r.ReverseOnOpposite, filters, bracket,
		).Scan(&r.ID)
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE recorders SET name=$2, webhook_token=$3, signing_key=$4, symbol=$5,
			enabled=$6, initial_size=$7, add_size=$8, reverse_on_opposite=$9,
			filters=$10, bracket=$11
		WHERE id=$1`,
		r.ID, r.Name, r.WebhookToken, r.SigningKey, r.Symbol, r.Enabled,
		r.InitialSize, r.AddSize, r.ReverseOnOpposite, filters, bracket)
	return err
}

func (p *Postgres) RotateWebhookToken(ctx context.Context, recorderID int64, newToken string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE recorders SET webhook_token = $2 WHERE id = $1`, recorderID, newToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Traders
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) queryTraders(ctx context.Context, q string, args ...interface{}) ([]types.Trader, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query traders: %w", err)
	}
	defer rows.Close()

	var out []types.Trader
	for rows.Next() {
		var t types.Trader
		var mult string
		var bracket []byte
		if err := rows.Scan(&t.ID, &t.RecorderID, &t.SubaccountID, &mult, &t.Enabled, &bracket); err != nil {
			return nil, fmt.Errorf("scan trader: %w", err)
		}
		t.Multiplier = scanDecimal(mult)
		if len(bracket) > 0 {
			var b types.BracketSpec
			if err := json.Unmarshal(bracket, &b); err != nil {
				return nil, fmt.Errorf("decode trader bracket: %w", err)
			}
			t.Bracket = &b
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) EnabledTraders(ctx context.Context, recorderID int64) ([]types.Trader, error) {
	return p.queryTraders(ctx, `
		SELECT id, recorder_id, subaccount_id, multiplier::text, enabled, bracket
		FROM traders WHERE recorder_id = $1 AND enabled ORDER BY id`, recorderID)
}

func (p *Postgres) TradersByRecorder(ctx context.Context, recorderID int64) ([]types.Trader, error) {
	return p.queryTraders(ctx, `
		SELECT id, recorder_id, subaccount_id, multiplier::text, enabled, bracket
		FROM traders WHERE recorder_id = $1 ORDER BY id`, recorderID)
}

func (p *Postgres) SaveTrader(ctx context.Context, t *types.Trader) error {
	var bracket []byte
	if t.Bracket != nil {
		var err error
		bracket, err = json.Marshal(t.Bracket)
		if err != nil {
			return fmt.Errorf("encode trader bracket: %w", err)
		}
	}
	if t.ID == 0 {
		return p.pool.QueryRow(ctx, `
			INSERT INTO traders (recorder_id, subaccount_id, multiplier, enabled, bracket)
			VALUES ($1,$2,$3,$4,$5) RETURNING id`,
			t.RecorderID, t.SubaccountID, t.Multiplier.String(), t.Enabled, bracket,
		).Scan(&t.ID)
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE traders SET subaccount_id=$2, multiplier=$3, enabled=$4, bracket=$5
		WHERE id=$1`,
		t.ID, t.SubaccountID, t.Multiplier.String(), t.Enabled, bracket)
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Accounts and subaccounts
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) AccountByID(ctx context.Context, id int64) (*types.Account, error) {
	var a types.Account
	err := p.pool.QueryRow(ctx, `
		SELECT id, user_id, name, client_id, client_secret, refresh_token,
			token_expires_at, demo, requires_reauth, deleted_at
		FROM accounts WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.ClientID, &a.ClientSecret,
		&a.RefreshToken, &a.TokenExpiresAt, &a.Demo, &a.RequiresReauth, &a.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

func (p *Postgres) ListAccounts(ctx context.Context) ([]types.Account, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, name, client_id, client_secret, refresh_token,
			token_expires_at, demo, requires_reauth, deleted_at
		FROM accounts WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		var a types.Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.ClientID, &a.ClientSecret,
			&a.RefreshToken, &a.TokenExpiresAt, &a.Demo, &a.RequiresReauth, &a.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveAccount(ctx context.Context, a *types.Account) error {
	if a.ID == 0 {
		return p.pool.QueryRow(ctx, `
			INSERT INTO accounts (user_id, name, client_id, client_secret,
				refresh_token, token_expires_at, demo, requires_reauth)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
			a.UserID, a.Name, a.ClientID, a.ClientSecret,
			a.RefreshToken, a.TokenExpiresAt, a.Demo, a.RequiresReauth,
		).Scan(&a.ID)
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE accounts SET name=$2, client_id=$3, client_secret=$4,
			refresh_token=$5, token_expires_at=$6, demo=$7, requires_reauth=$8
		WHERE id=$1`,
		a.ID, a.Name, a.ClientID, a.ClientSecret,
		a.RefreshToken, a.TokenExpiresAt, a.Demo, a.RequiresReauth)
	return err
}

func (p *Postgres) UpdateAccountTokens(ctx context.Context, accountID int64, refreshToken string, expiresAt time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE accounts SET refresh_token=$2, token_expires_at=$3, requires_reauth=false
		WHERE id=$1 AND deleted_at IS NULL`, accountID, refreshToken, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkAccountReauth(ctx context.Context, accountID int64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE accounts SET requires_reauth=true, refresh_token=''
		WHERE id=$1`, accountID)
	return err
}

func (p *Postgres) SoftDeleteAccount(ctx context.Context, accountID int64) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE accounts SET deleted_at=now(), refresh_token=''
		WHERE id=$1 AND deleted_at IS NULL`, accountID)
	return err
}

func (p *Postgres) SubaccountByID(ctx context.Context, id int64) (*types.Subaccount, error) {
	var s types.Subaccount
	err := p.pool.QueryRow(ctx, `
		SELECT id, account_id, broker_id, name FROM subaccounts WHERE id = $1`, id,
	).Scan(&s.ID, &s.AccountID, &s.BrokerID, &s.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subaccount: %w", err)
	}
	return &s, nil
}

func (p *Postgres) SaveSubaccount(ctx context.Context, s *types.Subaccount) error {
	if s.ID == 0 {
		return p.pool.QueryRow(ctx, `
			INSERT INTO subaccounts (account_id, broker_id, name)
			VALUES ($1,$2,$3) RETURNING id`,
			s.AccountID, s.BrokerID, s.Name,
		).Scan(&s.ID)
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE subaccounts SET account_id=$2, broker_id=$3, name=$4 WHERE id=$1`,
		s.ID, s.AccountID, s.BrokerID, s.Name)
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) AppendSignal(ctx context.Context, sig *types.Signal) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO signals (recorder_id, received_at, action, ticker, price, raw_payload, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		sig.RecorderID, sig.ReceivedAt, sig.Action, sig.Ticker,
		sig.Price.String(), sig.RawPayload, sig.DedupKey,
	).Scan(&sig.ID)
}

func (p *Postgres) LastAcceptedAt(ctx context.Context, recorderID int64) (time.Time, error) {
	var t time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT received_at FROM signals WHERE recorder_id=$1
		ORDER BY received_at DESC LIMIT 1`, recorderID,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	return t, err
}

func (p *Postgres) CountAcceptedSince(ctx context.Context, recorderID int64, since time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM signals WHERE recorder_id=$1 AND received_at >= $2`,
		recorderID, since,
	).Scan(&n)
	return n, err
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

const positionCols = `id, recorder_id, ticker, side, total_quantity,
	avg_entry_price::text, current_price::text, unrealized_pnl::text,
	worst_unrealized_pnl::text, best_unrealized_pnl::text, contract_multiplier::text,
	status, opened_at, closed_at, exit_price::text, realized_pnl::text`

func scanPosition(row pgx.Row) (*types.Position, error) {
	var pos types.Position
	var avg, cur, unreal, worst, best, mult, exit, realized string
	err := row.Scan(&pos.ID, &pos.RecorderID, &pos.Ticker, &pos.Side,
		&pos.TotalQuantity, &avg, &cur, &unreal, &worst, &best, &mult,
		&pos.Status, &pos.OpenedAt, &pos.ClosedAt, &exit, &realized)
	if err != nil {
		return nil, err
	}
	pos.AvgEntryPrice = scanDecimal(avg)
	pos.CurrentPrice = scanDecimal(cur)
	pos.UnrealizedPnL = scanDecimal(unreal)
	pos.WorstUnrealizedPnL = scanDecimal(worst)
	pos.BestUnrealizedPnL = scanDecimal(best)
	pos.ContractMultiplier = scanDecimal(mult)
	pos.ExitPrice = scanDecimal(exit)
	pos.RealizedPnL = scanDecimal(realized)
	return &pos, nil
}

func (p *Postgres) OpenPosition(ctx context.Context, recorderID int64, ticker string) (*types.Position, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE recorder_id=$1 AND ticker=$2 AND status='open'`, recorderID, ticker)
	pos, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}
	return pos, nil
}

func (p *Postgres) InsertPosition(ctx context.Context, pos *types.Position) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO positions (recorder_id, ticker, side, total_quantity,
			avg_entry_price, current_price, unrealized_pnl, worst_unrealized_pnl,
			best_unrealized_pnl, contract_multiplier, status, opened_at, closed_at,
			exit_price, realized_pnl)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id`,
		pos.RecorderID, pos.Ticker, pos.Side, pos.TotalQuantity,
		pos.AvgEntryPrice.String(), pos.CurrentPrice.String(),
		pos.UnrealizedPnL.String(), pos.WorstUnrealizedPnL.String(),
		pos.BestUnrealizedPnL.String(), pos.ContractMultiplier.String(),
		pos.Status, pos.OpenedAt, pos.ClosedAt,
		pos.ExitPrice.String(), pos.RealizedPnL.String(),
	).Scan(&pos.ID)
}

func (p *Postgres) UpdatePosition(ctx context.Context, pos *types.Position) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE positions SET side=$2, total_quantity=$3, avg_entry_price=$4,
			current_price=$5, unrealized_pnl=$6, worst_unrealized_pnl=$7,
			best_unrealized_pnl=$8, contract_multiplier=$9, status=$10,
			closed_at=$11, exit_price=$12, realized_pnl=$13
		WHERE id=$1`,
		pos.ID, pos.Side, pos.TotalQuantity, pos.AvgEntryPrice.String(),
		pos.CurrentPrice.String(), pos.UnrealizedPnL.String(),
		pos.WorstUnrealizedPnL.String(), pos.BestUnrealizedPnL.String(),
		pos.ContractMultiplier.String(), pos.Status,
		pos.ClosedAt, pos.ExitPrice.String(), pos.RealizedPnL.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListOpenPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+positionCols+` FROM positions WHERE status='open' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

func (p *Postgres) RealizedPnLToday(ctx context.Context, recorderID int64) (decimal.Decimal, error) {
	var s string
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(sum(realized_pnl), 0)::text FROM positions
		WHERE recorder_id=$1 AND status='closed' AND closed_at >= $2`,
		recorderID, StartOfDay(time.Now()),
	).Scan(&s)
	if err != nil {
		return decimal.Zero, err
	}
	return scanDecimal(s), nil
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

func (p *Postgres) InsertTrade(ctx context.Context, t *types.Trade) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO trades (trader_id, signal_id, correlation_id, symbol, side,
			quantity, broker_order_id, tp_order_id, sl_order_id, requested_price,
			fill_price, status, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		t.TraderID, t.SignalID, t.CorrelationID, t.Symbol, t.Side,
		t.Quantity, t.BrokerOrderID, t.TPOrderID, t.SLOrderID,
		t.RequestedPrice.String(), t.FillPrice.String(), t.Status, t.ExecutedAt,
	).Scan(&t.ID)
}

func (p *Postgres) TradesBySignal(ctx context.Context, signalID int64) ([]types.Trade, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, trader_id, signal_id, correlation_id, symbol, side, quantity,
			broker_order_id, tp_order_id, sl_order_id, requested_price::text,
			fill_price::text, status, executed_at
		FROM trades WHERE signal_id=$1 ORDER BY id`, signalID)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var t types.Trade
		var req, fill string
		if err := rows.Scan(&t.ID, &t.TraderID, &t.SignalID, &t.CorrelationID,
			&t.Symbol, &t.Side, &t.Quantity, &t.BrokerOrderID, &t.TPOrderID,
			&t.SLOrderID, &req, &fill, &t.Status, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.RequestedPrice = scanDecimal(req)
		t.FillPrice = scanDecimal(fill)
		out = append(out, t)
	}
	return out, rows.Err()
}
