package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// SQLiteStore implements Store on an embedded SQLite database. Decimals are
// stored as TEXT and timestamps as Unix nanoseconds. The pool is limited to
// one connection, which serialises every transaction.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL UNIQUE,
	base_currency TEXT NOT NULL,
	starting_cash TEXT NOT NULL,
	cash_balance  TEXT NOT NULL,
	version       INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL REFERENCES accounts(id),
	instrument TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	avg_price  TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, instrument)
);

CREATE TABLE IF NOT EXISTS orders (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	account_id      TEXT NOT NULL REFERENCES accounts(id),
	instrument      TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	quantity        TEXT,
	notional        TEXT,
	limit_price     TEXT,
	status          TEXT NOT NULL,
	reject_reason   TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	UNIQUE (account_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS fills (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	account_id TEXT NOT NULL REFERENCES accounts(id),
	instrument TEXT NOT NULL,
	side       TEXT NOT NULL,
	price      TEXT NOT NULL,
	quantity   TEXT NOT NULL,
	fee        TEXT NOT NULL,
	filled_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS fills_account_idx ON fills (account_id, seq);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath. When
// migrate is true the ledger tables are created if missing.
func NewSQLiteStore(dbPath string, migrate bool) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if migrate {
		if _, err := db.Exec(sqliteSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// withTx runs fn in a transaction, rolling back on any error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Accounts ---

const sqliteAccountColumns = `id, user_id, base_currency, starting_cash, cash_balance, version, created_at`

func scanSQLiteAccount(row *sql.Row) (*model.Account, error) {
	var a model.Account
	var startingS, cashS string
	var created int64
	if err := row.Scan(&a.ID, &a.UserID, &a.BaseCurrency, &startingS, &cashS, &a.Version, &created); err != nil {
		return nil, err
	}
	a.StartingCash = parseDecimal(startingS)
	a.CashBalance = parseDecimal(cashS)
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

func (s *SQLiteStore) accountByID(ctx context.Context, q queryRower, accountID string) (*model.Account, error) {
	a, err := scanSQLiteAccount(q.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Reject(model.KindAccountNotFound, "account %s not found", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return a, nil
}

func (s *SQLiteStore) GetOrCreateAccount(ctx context.Context, userID string, startingCash decimal.Decimal, baseCurrency string) (*model.Account, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, base_currency, starting_cash, cash_balance, version, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		uuid.New().String(), userID, baseCurrency, startingCash.String(), startingCash.String(), nanos(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("create account for %s: %w", userID, err)
	}
	return s.GetAccountByUser(ctx, userID)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.accountByID(ctx, s.db, accountID)
}

func (s *SQLiteStore) GetAccountByUser(ctx context.Context, userID string) (*model.Account, error) {
	a, err := scanSQLiteAccount(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Reject(model.KindAccountNotFound, "no account for user %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account for user %s: %w", userID, err)
	}
	return a, nil
}

func (s *SQLiteStore) ResetAccount(ctx context.Context, accountID string, startingCash *decimal.Decimal) (*model.Account, error) {
	var out *model.Account
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := s.accountByID(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if startingCash != nil {
			a.StartingCash = *startingCash
		}
		a.CashBalance = a.StartingCash
		a.Version++

		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET starting_cash = ?, cash_balance = ?, version = ? WHERE id = ?`,
			a.StartingCash.String(), a.CashBalance.String(), a.Version, a.ID); err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE FROM fills WHERE account_id = ?`,
			`DELETE FROM orders WHERE account_id = ?`,
			`DELETE FROM positions WHERE account_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, accountID); err != nil {
				return err
			}
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Positions ---

func (s *SQLiteStore) GetPosition(ctx context.Context, accountID, instrument string) (*model.Position, error) {
	var p model.Position
	var qtyS, avgS string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, instrument, quantity, avg_price, updated_at
		 FROM positions WHERE account_id = ? AND instrument = ?`, accountID, instrument).
		Scan(&p.AccountID, &p.Instrument, &qtyS, &avgS, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", accountID, instrument, err)
	}
	p.Quantity = parseDecimal(qtyS)
	p.AvgPrice = parseDecimal(avgS)
	p.UpdatedAt = fromNanos(updated)
	return &p, nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, instrument, quantity, avg_price, updated_at
		 FROM positions WHERE account_id = ? ORDER BY instrument`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		var p model.Position
		var qtyS, avgS string
		var updated int64
		if err := rows.Scan(&p.AccountID, &p.Instrument, &qtyS, &avgS, &updated); err != nil {
			return nil, err
		}
		p.Quantity = parseDecimal(qtyS)
		p.AvgPrice = parseDecimal(avgS)
		p.UpdatedAt = fromNanos(updated)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Orders ---

const sqliteOrderColumns = `id, account_id, instrument, side, order_type, quantity, notional, limit_price,
	status, reject_reason, idempotency_key, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var qtyS, notionalS, limitS sql.NullString
	var created, updated int64
	if err := row.Scan(&o.ID, &o.AccountID, &o.Instrument, &o.Side, &o.Type,
		&qtyS, &notionalS, &limitS,
		&o.Status, &o.RejectReason, &o.IdempotencyKey, &created, &updated); err != nil {
		return nil, err
	}
	o.Quantity = parseNullDecimal(qtyS)
	o.Notional = parseNullDecimal(notionalS)
	o.LimitPrice = parseNullDecimal(limitS)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	return &o, nil
}

func parseNullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	return parseOptionalDecimal(&s.String)
}

func (s *SQLiteStore) InsertOrder(ctx context.Context, o *model.Order) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, account_id, instrument, side, order_type, quantity, notional, limit_price,
		                     status, reject_reason, idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, idempotency_key) DO NOTHING`,
		o.ID, o.AccountID, o.Instrument, string(o.Side), string(o.Type),
		optionalDecimal(o.Quantity), optionalDecimal(o.Notional), optionalDecimal(o.LimitPrice),
		string(o.Status), o.RejectReason, o.IdempotencyKey, nanos(o.CreatedAt), nanos(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.Reject(model.KindDuplicateOrder, "idempotency key %q already used", o.IdempotencyKey)
	}
	return nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := scanSQLiteOrder(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteOrderColumns+` FROM orders WHERE id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.Reject(model.KindOrderNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context, accountID string, status model.OrderStatus, limit int) ([]model.Order, error) {
	query := `SELECT ` + sqliteOrderColumns + ` FROM orders
		WHERE account_id = ? AND (? = '' OR status = ?)
		ORDER BY seq DESC`
	args := []any{accountID, string(status), string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) TransitionOrder(ctx context.Context, orderID string, from, to model.OrderStatus, reason string) error {
	if err := checkTransition(orderID, from, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, reject_reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), reason, nanos(time.Now()), orderID, string(from))
	if err != nil {
		return fmt.Errorf("transition order %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := s.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return orderConflict(orderID, current.Status, from)
	}
	return nil
}

// --- Fills ---

func (s *SQLiteStore) ApplyFill(ctx context.Context, app *FillApplication) (*model.Account, error) {
	f := app.Fill
	var out *model.Account

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := s.accountByID(ctx, tx, f.AccountID)
		if err != nil {
			return err
		}
		if a.Version != app.ExpectedVersion {
			return versionConflict(a.ID, app.ExpectedVersion, a.Version)
		}
		if err := a.ApplyCashDelta(app.CashDelta); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET cash_balance = ?, version = ? WHERE id = ?`,
			a.CashBalance.String(), a.Version, a.ID); err != nil {
			return fmt.Errorf("update cash: %w", err)
		}

		if app.Flat {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM positions WHERE account_id = ? AND instrument = ?`, f.AccountID, f.Instrument)
		} else {
			p := app.Position
			_, err = tx.ExecContext(ctx,
				`INSERT INTO positions (account_id, instrument, quantity, avg_price, updated_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (account_id, instrument) DO UPDATE
				 SET quantity = excluded.quantity, avg_price = excluded.avg_price, updated_at = excluded.updated_at`,
				f.AccountID, f.Instrument, p.Quantity.String(), p.AvgPrice.String(), nanos(p.UpdatedAt))
		}
		if err != nil {
			return fmt.Errorf("position: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fills (id, order_id, account_id, instrument, side, price, quantity, fee, filled_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.OrderID, f.AccountID, f.Instrument, string(f.Side),
			f.Price.String(), f.Quantity.String(), f.Fee.String(), nanos(f.FilledAt)); err != nil {
			return fmt.Errorf("insert fill: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.OrderStatusFilled), nanos(f.FilledAt), f.OrderID, string(app.OrderFrom))
		if err != nil {
			return fmt.Errorf("order status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Reject(model.KindStorageConflict, "order %s is no longer %s", f.OrderID, app.OrderFrom)
		}

		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) ListFills(ctx context.Context, accountID string, limit int) ([]model.Fill, error) {
	query := `SELECT id, order_id, account_id, instrument, side, price, quantity, fee, filled_at
	          FROM fills WHERE account_id = ? ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fills := []model.Fill{}
	for rows.Next() {
		var f model.Fill
		var priceS, qtyS, feeS string
		var filled int64
		if err := rows.Scan(&f.ID, &f.OrderID, &f.AccountID, &f.Instrument, &f.Side,
			&priceS, &qtyS, &feeS, &filled); err != nil {
			return nil, err
		}
		f.Price = parseDecimal(priceS)
		f.Quantity = parseDecimal(qtyS)
		f.Fee = parseDecimal(feeS)
		f.FilledAt = fromNanos(filled)
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseFills(fills)
	return fills, nil
}
