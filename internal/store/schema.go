package store

// Schema is the Postgres DDL for the engine's tables. Applied idempotently
// on startup; production migrations are managed outside this repository.
//
// Money and price columns are NUMERIC (exact), quantities are BIGINT. The
// partial unique index on positions enforces at most one open row per
// (recorder, ticker).
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id            BIGSERIAL PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS accounts (
    id               BIGSERIAL PRIMARY KEY,
    user_id          BIGINT NOT NULL REFERENCES users(id),
    name             TEXT NOT NULL,
    client_id        TEXT NOT NULL,
    client_secret    TEXT NOT NULL,
    refresh_token    TEXT NOT NULL DEFAULT '',
    token_expires_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    demo             BOOLEAN NOT NULL DEFAULT false,
    requires_reauth  BOOLEAN NOT NULL DEFAULT false,
    deleted_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS subaccounts (
    id         BIGSERIAL PRIMARY KEY,
    account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    broker_id  BIGINT NOT NULL,
    name       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS recorders (
    id                  BIGSERIAL PRIMARY KEY,
    user_id             BIGINT NOT NULL REFERENCES users(id),
    name                TEXT NOT NULL,
    webhook_token       TEXT NOT NULL UNIQUE,
    signing_key         TEXT NOT NULL DEFAULT '',
    symbol              TEXT NOT NULL,
    enabled             BOOLEAN NOT NULL DEFAULT true,
    initial_size        BIGINT NOT NULL DEFAULT 1,
    add_size            BIGINT NOT NULL DEFAULT 1,
    reverse_on_opposite BOOLEAN NOT NULL DEFAULT false,
    filters             JSONB NOT NULL DEFAULT '{}',
    bracket             JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS traders (
    id            BIGSERIAL PRIMARY KEY,
    recorder_id   BIGINT NOT NULL REFERENCES recorders(id) ON DELETE CASCADE,
    subaccount_id BIGINT NOT NULL REFERENCES subaccounts(id),
    multiplier    NUMERIC NOT NULL DEFAULT 1,
    enabled       BOOLEAN NOT NULL DEFAULT true,
    bracket       JSONB
);

CREATE TABLE IF NOT EXISTS signals (
    id          BIGSERIAL PRIMARY KEY,
    recorder_id BIGINT NOT NULL REFERENCES recorders(id) ON DELETE CASCADE,
    received_at TIMESTAMPTZ NOT NULL,
    action      TEXT NOT NULL,
    ticker      TEXT NOT NULL,
    price       NUMERIC NOT NULL,
    raw_payload TEXT NOT NULL,
    dedup_key   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS signals_recorder_received
    ON signals(recorder_id, received_at DESC);

CREATE TABLE IF NOT EXISTS positions (
    id                   BIGSERIAL PRIMARY KEY,
    recorder_id          BIGINT NOT NULL REFERENCES recorders(id) ON DELETE CASCADE,
    ticker               TEXT NOT NULL,
    side                 TEXT NOT NULL,
    total_quantity       BIGINT NOT NULL,
    avg_entry_price      NUMERIC NOT NULL,
    current_price        NUMERIC NOT NULL DEFAULT 0,
    unrealized_pnl       NUMERIC NOT NULL DEFAULT 0,
    worst_unrealized_pnl NUMERIC NOT NULL DEFAULT 0,
    best_unrealized_pnl  NUMERIC NOT NULL DEFAULT 0,
    contract_multiplier  NUMERIC NOT NULL DEFAULT 1,
    status               TEXT NOT NULL,
    opened_at            TIMESTAMPTZ NOT NULL,
    closed_at            TIMESTAMPTZ,
    exit_price           NUMERIC NOT NULL DEFAULT 0,
    realized_pnl         NUMERIC NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS positions_one_open
    ON positions(recorder_id, ticker) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS trades (
    id              BIGSERIAL PRIMARY KEY,
    trader_id       BIGINT NOT NULL REFERENCES traders(id),
    signal_id       BIGINT NOT NULL REFERENCES signals(id),
    correlation_id  TEXT NOT NULL,
    symbol          TEXT NOT NULL,
    side            TEXT NOT NULL,
    quantity        BIGINT NOT NULL,
    broker_order_id TEXT NOT NULL DEFAULT '',
    tp_order_id     TEXT NOT NULL DEFAULT '',
    sl_order_id     TEXT NOT NULL DEFAULT '',
    requested_price NUMERIC NOT NULL DEFAULT 0,
    fill_price      NUMERIC NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    executed_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_signal ON trades(signal_id);
`
