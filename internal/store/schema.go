package store

// postgresSchema is applied by Migrate on PostgreSQL. Statements are
// idempotent.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		cash    NUMERIC(20,4) NOT NULL CHECK (cash >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS lots (
		lot_id       TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES balances(user_id),
		symbol       TEXT NOT NULL,
		company_name TEXT NOT NULL DEFAULT '',
		quantity     BIGINT NOT NULL CHECK (quantity > 0),
		unit_cost    NUMERIC(20,4) NOT NULL CHECK (unit_cost > 0),
		last_price   NUMERIC(20,4) NOT NULL,
		opened_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS lots_user_symbol_idx ON lots (user_id, symbol, opened_at, lot_id)`,
	`CREATE TABLE IF NOT EXISTS trades (
		trade_id     TEXT PRIMARY KEY,
		order_id     TEXT NOT NULL,
		user_id      TEXT NOT NULL REFERENCES balances(user_id),
		symbol       TEXT NOT NULL,
		company_name TEXT NOT NULL DEFAULT '',
		side         TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
		price        NUMERIC(20,4) NOT NULL CHECK (price > 0),
		quantity     BIGINT NOT NULL CHECK (quantity > 0),
		total        NUMERIC(24,4) NOT NULL,
		lot_id       TEXT NOT NULL,
		executed_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trades_user_time_idx ON trades (user_id, executed_at, trade_id)`,
	`CREATE TABLE IF NOT EXISTS cash_transactions (
		transaction_id TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL REFERENCES balances(user_id),
		kind           TEXT NOT NULL CHECK (kind IN ('DEPOSIT', 'WITHDRAW')),
		amount         NUMERIC(20,4) NOT NULL CHECK (amount > 0),
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cash_transactions_user_time_idx ON cash_transactions (user_id, created_at)`,
}

// sqliteSchema mirrors postgresSchema. Decimals are kept as TEXT so that no
// value passes through a float; times are fixed-width UTC text.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		cash    TEXT NOT NULL CHECK (CAST(cash AS REAL) >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS lots (
		lot_id       TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES balances(user_id),
		symbol       TEXT NOT NULL,
		company_name TEXT NOT NULL DEFAULT '',
		quantity     INTEGER NOT NULL CHECK (quantity > 0),
		unit_cost    TEXT NOT NULL CHECK (CAST(unit_cost AS REAL) > 0),
		last_price   TEXT NOT NULL,
		opened_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS lots_user_symbol_idx ON lots (user_id, symbol, opened_at, lot_id)`,
	`CREATE TABLE IF NOT EXISTS trades (
		trade_id     TEXT PRIMARY KEY,
		order_id     TEXT NOT NULL,
		user_id      TEXT NOT NULL REFERENCES balances(user_id),
		symbol       TEXT NOT NULL,
		company_name TEXT NOT NULL DEFAULT '',
		side         TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
		price        TEXT NOT NULL CHECK (CAST(price AS REAL) > 0),
		quantity     INTEGER NOT NULL CHECK (quantity > 0),
		total        TEXT NOT NULL,
		lot_id       TEXT NOT NULL,
		executed_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trades_user_time_idx ON trades (user_id, executed_at, trade_id)`,
	`CREATE TABLE IF NOT EXISTS cash_transactions (
		transaction_id TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL REFERENCES balances(user_id),
		kind           TEXT NOT NULL CHECK (kind IN ('DEPOSIT', 'WITHDRAW')),
		amount         TEXT NOT NULL CHECK (CAST(amount AS REAL) > 0),
		created_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cash_transactions_user_time_idx ON cash_transactions (user_id, created_at)`,
}
