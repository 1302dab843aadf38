package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/equity-ledger/internal/model"
)

// The SQL stores share one implementation of the ledger queries. Backends
// differ only in how they open transactions and in the dialect below.

// dialect captures the SQL differences between PostgreSQL and SQLite.
type dialect struct {
	name       string
	forUpdate  string // row-lock suffix, empty when the engine serializes writers
	positional bool   // rewrite $n placeholders to ?n
	encodeTime func(time.Time) any
}

var postgresDialect = dialect{
	name:       "postgres",
	forUpdate:  " FOR UPDATE",
	encodeTime: func(t time.Time) any { return t.UTC() },
}

// sqliteTimeFormat is fixed-width so that text comparison orders times.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

var sqliteDialect = dialect{
	name:       "sqlite",
	positional: true,
	encodeTime: func(t time.Time) any { return t.UTC().Format(sqliteTimeFormat) },
}

func (d dialect) sql(query string) string {
	if !d.positional {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

// --- Backend plumbing ---

// errNoRows is what every backend reports for an empty single-row query.
var errNoRows = sql.ErrNoRows

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// querier is the statement surface of one open transaction.
type querier interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (rows, error)
	QueryRow(ctx context.Context, query string, args ...any) rowScanner
}

type dbTx interface {
	querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// backend opens transactions. Read transactions must see a single snapshot.
type backend interface {
	Begin(ctx context.Context, readOnly bool) (dbTx, error)
}

// dbTime scans timestamps from drivers that return time.Time or text.
type dbTime struct{ t time.Time }

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		d.t = v.UTC()
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	default:
		return fmt.Errorf("store: cannot scan %T into time", src)
	}
}

func (d *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeFormat, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			d.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("store: cannot parse time %q", s)
}

// --- Shared store ---

// sqlStore implements Store over any SQL backend.
type sqlStore struct {
	db backend
	d  dialect
}

// write runs fn in a read-write transaction.
func (s *sqlStore) write(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.Begin(ctx, false)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// read runs fn in a read-only snapshot transaction.
func (s *sqlStore) read(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.Begin(ctx, true)
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *sqlStore) CreateAccount(ctx context.Context, userID string, cash decimal.Decimal, at time.Time) error {
	if cash.IsNegative() {
		return ErrNegativeBalance
	}
	return s.write(ctx, func(q querier) error {
		n, err := q.Exec(ctx, s.d.sql(
			`INSERT INTO balances (user_id, cash) VALUES ($1, $2)
			 ON CONFLICT (user_id) DO NOTHING`),
			userID, cash)
		if err != nil {
			return fmt.Errorf("create account %s: %w", userID, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrAccountExists, userID)
		}
		if !cash.IsPositive() {
			return nil
		}
		return insertCashTransaction(ctx, q, s.d, model.CashTransaction{
			ID: NewID(), UserID: userID, Kind: model.Deposit, Amount: cash, At: at,
		})
	})
}

func (s *sqlStore) InTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	return s.write(ctx, func(q querier) error {
		cash, err := selectBalance(ctx, q, s.d, userID, true)
		if err != nil {
			return err
		}
		return fn(ctx, &sqlTx{q: q, d: s.d, userID: userID, cash: cash})
	})
}

func (s *sqlStore) Holdings(ctx context.Context, userID string) (model.Holdings, error) {
	h := model.Holdings{UserID: userID}
	err := s.read(ctx, func(q querier) error {
		cash, err := selectBalance(ctx, q, s.d, userID, false)
		if err != nil {
			return err
		}
		h.Cash = cash
		h.Lots, err = selectLots(ctx, q, s.d,
			`SELECT lot_id, user_id, symbol, company_name, quantity, unit_cost, last_price, opened_at
			 FROM lots WHERE user_id = $1 ORDER BY symbol, opened_at, lot_id`, userID)
		return err
	})
	if err != nil {
		return model.Holdings{}, err
	}
	return h, nil
}

func (s *sqlStore) OpenLots(ctx context.Context, userID, symbol string) ([]model.StoredLot, error) {
	var out []model.StoredLot
	err := s.read(ctx, func(q querier) error {
		if _, err := selectBalance(ctx, q, s.d, userID, false); err != nil {
			return err
		}
		var err error
		out, err = selectSymbolLots(ctx, q, s.d, userID, symbol, false)
		return err
	})
	return out, err
}

func (s *sqlStore) Trades(ctx context.Context, userID string, filter model.TimeFilter) ([]model.Trade, error) {
	var out []model.Trade
	err := s.read(ctx, func(q querier) error {
		if _, err := selectBalance(ctx, q, s.d, userID, false); err != nil {
			return err
		}
		query, args := s.filtered(
			`SELECT trade_id, order_id, user_id, symbol, company_name, side, price, quantity, total, lot_id, executed_at
			 FROM trades WHERE user_id = $1`, "executed_at", userID, filter)
		rs, err := q.Query(ctx, query+" ORDER BY executed_at, trade_id", args...)
		if err != nil {
			return fmt.Errorf("select trades: %w", err)
		}
		defer rs.Close()
		for rs.Next() {
			t, err := scanTrade(rs)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rs.Err()
	})
	return out, err
}

func (s *sqlStore) CashTransactions(ctx context.Context, userID string, filter model.TimeFilter) ([]model.CashTransaction, error) {
	var out []model.CashTransaction
	err := s.read(ctx, func(q querier) error {
		if _, err := selectBalance(ctx, q, s.d, userID, false); err != nil {
			return err
		}
		query, args := s.filtered(
			`SELECT transaction_id, user_id, kind, amount, created_at
			 FROM cash_transactions WHERE user_id = $1`, "created_at", userID, filter)
		rs, err := q.Query(ctx, query+" ORDER BY created_at, transaction_id", args...)
		if err != nil {
			return fmt.Errorf("select cash transactions: %w", err)
		}
		defer rs.Close()
		for rs.Next() {
			var ct model.CashTransaction
			var kind string
			var at dbTime
			if err := rs.Scan(&ct.ID, &ct.UserID, &kind, &ct.Amount, &at); err != nil {
				return fmt.Errorf("scan cash transaction: %w", err)
			}
			ct.Kind = model.CashKind(kind)
			ct.At = at.t
			out = append(out, ct)
		}
		return rs.Err()
	})
	return out, err
}

func (s *sqlStore) RefreshLastPrice(ctx context.Context, userID, symbol string, price decimal.Decimal) error {
	return s.write(ctx, func(q querier) error {
		_, err := q.Exec(ctx, s.d.sql(
			`UPDATE lots SET last_price = $1 WHERE user_id = $2 AND symbol = $3`),
			price, userID, symbol)
		if err != nil {
			return fmt.Errorf("refresh last price %s/%s: %w", userID, symbol, err)
		}
		return nil
	})
}

// filtered appends inclusive time bounds on column to a user-scoped query.
func (s *sqlStore) filtered(base, column, userID string, f model.TimeFilter) (string, []any) {
	query := base
	args := []any{userID}
	if f.Start != nil {
		args = append(args, s.d.encodeTime(*f.Start))
		query += " AND " + column + " >= $" + strconv.Itoa(len(args))
	}
	if f.End != nil {
		args = append(args, s.d.encodeTime(*f.End))
		query += " AND " + column + " <= $" + strconv.Itoa(len(args))
	}
	return s.d.sql(query), args
}

// --- Transaction ---

type sqlTx struct {
	q      querier
	d      dialect
	userID string
	cash   decimal.Decimal
}

func (t *sqlTx) Balance(context.Context) (decimal.Decimal, error) {
	return t.cash, nil
}

func (t *sqlTx) SetBalance(ctx context.Context, cash decimal.Decimal) error {
	if cash.IsNegative() {
		return ErrNegativeBalance
	}
	if _, err := t.q.Exec(ctx, t.d.sql(`UPDATE balances SET cash = $1 WHERE user_id = $2`), cash, t.userID); err != nil {
		return fmt.Errorf("set balance %s: %w", t.userID, err)
	}
	t.cash = cash
	return nil
}

func (t *sqlTx) Lots(ctx context.Context, symbol string) ([]model.StoredLot, error) {
	return selectSymbolLots(ctx, t.q, t.d, t.userID, symbol, true)
}

func (t *sqlTx) InsertLot(ctx context.Context, lot model.NewLot) (model.StoredLot, error) {
	if err := validLot(lot.Lot); err != nil {
		return model.StoredLot{}, err
	}
	stored := model.StoredLot{ID: NewID(), Lot: lot.Lot}
	stored.UserID = t.userID
	_, err := t.q.Exec(ctx, t.d.sql(
		`INSERT INTO lots (lot_id, user_id, symbol, company_name, quantity, unit_cost, last_price, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`),
		stored.ID, stored.UserID, stored.Symbol, stored.CompanyName,
		stored.Quantity, stored.UnitCost, stored.LastPrice, t.d.encodeTime(stored.OpenedAt))
	if err != nil {
		return model.StoredLot{}, fmt.Errorf("insert lot: %w", err)
	}
	return stored, nil
}

func (t *sqlTx) UpdateLotQuantity(ctx context.Context, lotID string, quantity int64) error {
	if quantity <= 0 {
		return ErrEmptyLot
	}
	n, err := t.q.Exec(ctx, t.d.sql(
		`UPDATE lots SET quantity = $1 WHERE lot_id = $2 AND user_id = $3`),
		quantity, lotID, t.userID)
	if err != nil {
		return fmt.Errorf("update lot %s: %w", lotID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLotNotFound, lotID)
	}
	return nil
}

func (t *sqlTx) DeleteLot(ctx context.Context, lotID string) error {
	n, err := t.q.Exec(ctx, t.d.sql(`DELETE FROM lots WHERE lot_id = $1 AND user_id = $2`), lotID, t.userID)
	if err != nil {
		return fmt.Errorf("delete lot %s: %w", lotID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLotNotFound, lotID)
	}
	return nil
}

func (t *sqlTx) InsertTrade(ctx context.Context, tr model.Trade) error {
	_, err := t.q.Exec(ctx, t.d.sql(
		`INSERT INTO trades (trade_id, order_id, user_id, symbol, company_name, side, price, quantity, total, lot_id, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`),
		tr.ID, tr.OrderID, t.userID, tr.Symbol, tr.CompanyName, tr.Side.String(),
		tr.Price, tr.Quantity, tr.Total, tr.LotID, t.d.encodeTime(tr.ExecutedAt))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (t *sqlTx) InsertCashTransaction(ctx context.Context, ct model.CashTransaction) error {
	ct.UserID = t.userID
	return insertCashTransaction(ctx, t.q, t.d, ct)
}

// --- Statements ---

func selectBalance(ctx context.Context, q querier, d dialect, userID string, lock bool) (decimal.Decimal, error) {
	query := `SELECT cash FROM balances WHERE user_id = $1`
	if lock {
		query += d.forUpdate
	}
	var cash decimal.Decimal
	if err := q.QueryRow(ctx, d.sql(query), userID).Scan(&cash); err != nil {
		if errors.Is(err, errNoRows) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrNotFound, userID)
		}
		return decimal.Zero, fmt.Errorf("select balance %s: %w", userID, err)
	}
	return cash, nil
}

func selectSymbolLots(ctx context.Context, q querier, d dialect, userID, symbol string, lock bool) ([]model.StoredLot, error) {
	query := `SELECT lot_id, user_id, symbol, company_name, quantity, unit_cost, last_price, opened_at
	          FROM lots WHERE user_id = $1 AND symbol = $2 ORDER BY opened_at, lot_id`
	if lock {
		query += d.forUpdate
	}
	return selectLots(ctx, q, d, query, userID, symbol)
}

func selectLots(ctx context.Context, q querier, d dialect, query string, args ...any) ([]model.StoredLot, error) {
	rs, err := q.Query(ctx, d.sql(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select lots: %w", err)
	}
	defer rs.Close()

	var out []model.StoredLot
	for rs.Next() {
		var l model.StoredLot
		var opened dbTime
		if err := rs.Scan(&l.ID, &l.UserID, &l.Symbol, &l.CompanyName,
			&l.Quantity, &l.UnitCost, &l.LastPrice, &opened); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		l.OpenedAt = opened.t
		out = append(out, l)
	}
	return out, rs.Err()
}

func scanTrade(r rowScanner) (model.Trade, error) {
	var t model.Trade
	var side string
	var at dbTime
	if err := r.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Symbol, &t.CompanyName, &side,
		&t.Price, &t.Quantity, &t.Total, &t.LotID, &at); err != nil {
		return model.Trade{}, fmt.Errorf("scan trade: %w", err)
	}
	parsed, err := model.ParseSide(side)
	if err != nil {
		return model.Trade{}, fmt.Errorf("trade %s: %w", t.ID, err)
	}
	t.Side = parsed
	t.ExecutedAt = at.t
	return t, nil
}

func insertCashTransaction(ctx context.Context, q querier, d dialect, ct model.CashTransaction) error {
	_, err := q.Exec(ctx, d.sql(
		`INSERT INTO cash_transactions (transaction_id, user_id, kind, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5)`),
		ct.ID, ct.UserID, string(ct.Kind), ct.Amount, d.encodeTime(ct.At))
	if err != nil {
		return fmt.Errorf("insert cash transaction: %w", err)
	}
	return nil
}
