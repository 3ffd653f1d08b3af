package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL UNIQUE,
	base_currency TEXT NOT NULL,
	starting_cash NUMERIC NOT NULL,
	cash_balance  NUMERIC NOT NULL CHECK (cash_balance >= 0),
	version       BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	account_id TEXT NOT NULL REFERENCES accounts(id),
	instrument TEXT NOT NULL,
	quantity   NUMERIC NOT NULL CHECK (quantity >= 0),
	avg_price  NUMERIC NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, instrument)
);

CREATE TABLE IF NOT EXISTS orders (
	seq             BIGSERIAL,
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts(id),
	instrument      TEXT NOT NULL,
	side            TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	quantity        NUMERIC,
	notional        NUMERIC,
	limit_price     NUMERIC,
	status          TEXT NOT NULL,
	reject_reason   TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (account_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS orders_account_status_idx ON orders (account_id, status);

CREATE TABLE IF NOT EXISTS fills (
	seq        BIGSERIAL,
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL REFERENCES orders(id),
	account_id TEXT NOT NULL REFERENCES accounts(id),
	instrument TEXT NOT NULL,
	side       TEXT NOT NULL,
	price      NUMERIC NOT NULL,
	quantity   NUMERIC NOT NULL,
	fee        NUMERIC NOT NULL,
	filled_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS fills_account_idx ON fills (account_id, seq);
`

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Accounts ---

const pgAccountColumns = `id, user_id, base_currency, starting_cash::TEXT, cash_balance::TEXT, version, created_at`

func scanPgAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var startingS, cashS string
	if err := row.Scan(&a.ID, &a.UserID, &a.BaseCurrency, &startingS, &cashS, &a.Version, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.StartingCash = parseDecimal(startingS)
	a.CashBalance = parseDecimal(cashS)
	return &a, nil
}

func (s *PostgresStore) GetOrCreateAccount(ctx context.Context, userID string, startingCash decimal.Decimal, baseCurrency string) (*model.Account, error) {
	// ON CONFLICT makes concurrent first access for the same user safe.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id, base_currency, starting_cash, cash_balance, version, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $4::NUMERIC, 1, $5)
		 ON CONFLICT (user_id) DO NOTHING`,
		uuid.New().String(), userID, baseCurrency, startingCash.String(), time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("create account for %s: %w", userID, err)
	}
	return s.GetAccountByUser(ctx, userID)
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	a, err := scanPgAccount(s.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.Reject(model.KindAccountNotFound, "account %s not found", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return a, nil
}

func (s *PostgresStore) GetAccountByUser(ctx context.Context, userID string) (*model.Account, error) {
	a, err := scanPgAccount(s.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.Reject(model.KindAccountNotFound, "no account for user %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account for user %s: %w", userID, err)
	}
	return a, nil
}

func (s *PostgresStore) ResetAccount(ctx context.Context, accountID string, startingCash *decimal.Decimal) (*model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	a, err := scanPgAccount(tx.QueryRow(ctx,
		`UPDATE accounts
		 SET starting_cash = COALESCE($2::NUMERIC, starting_cash),
		     cash_balance  = COALESCE($2::NUMERIC, starting_cash),
		     version       = version + 1
		 WHERE id = $1
		 RETURNING `+pgAccountColumns,
		accountID, optionalDecimal(startingCash)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.Reject(model.KindAccountNotFound, "account %s not found", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("reset account %s: %w", accountID, err)
	}

	for _, stmt := range []string{
		`DELETE FROM fills WHERE account_id = $1`,
		`DELETE FROM orders WHERE account_id = $1`,
		`DELETE FROM positions WHERE account_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, accountID); err != nil {
			return nil, fmt.Errorf("reset account %s: %w", accountID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return a, nil
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, instrument string) (*model.Position, error) {
	var p model.Position
	var qtyS, avgS string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, instrument, quantity::TEXT, avg_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 AND instrument = $2`, accountID, instrument).
		Scan(&p.AccountID, &p.Instrument, &qtyS, &avgS, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", accountID, instrument, err)
	}
	p.Quantity = parseDecimal(qtyS)
	p.AvgPrice = parseDecimal(avgS)
	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, instrument, quantity::TEXT, avg_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY instrument`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		var p model.Position
		var qtyS, avgS string
		if err := rows.Scan(&p.AccountID, &p.Instrument, &qtyS, &avgS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity = parseDecimal(qtyS)
		p.AvgPrice = parseDecimal(avgS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Orders ---

const pgOrderColumns = `id, account_id, instrument, side, order_type,
	quantity::TEXT, notional::TEXT, limit_price::TEXT,
	status, reject_reason, idempotency_key, created_at, updated_at`

func scanPgOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var qtyS, notionalS, limitS *string
	if err := row.Scan(&o.ID, &o.AccountID, &o.Instrument, &o.Side, &o.Type,
		&qtyS, &notionalS, &limitS,
		&o.Status, &o.RejectReason, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Quantity = parseOptionalDecimal(qtyS)
	o.Notional = parseOptionalDecimal(notionalS)
	o.LimitPrice = parseOptionalDecimal(limitS)
	return &o, nil
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, account_id, instrument, side, order_type, quantity, notional, limit_price,
		                     status, reject_reason, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)`,
		o.ID, o.AccountID, o.Instrument, string(o.Side), string(o.Type),
		optionalDecimal(o.Quantity), optionalDecimal(o.Notional), optionalDecimal(o.LimitPrice),
		string(o.Status), o.RejectReason, o.IdempotencyKey, o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.Reject(model.KindDuplicateOrder, "idempotency key %q already used", o.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := scanPgOrder(s.pool.QueryRow(ctx,
		`SELECT `+pgOrderColumns+` FROM orders WHERE id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.Reject(model.KindOrderNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, accountID string, status model.OrderStatus, limit int) ([]model.Order, error) {
	query := `SELECT ` + pgOrderColumns + ` FROM orders
		WHERE account_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY seq DESC`
	args := []any{accountID, string(status)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) TransitionOrder(ctx context.Context, orderID string, from, to model.OrderStatus, reason string) error {
	if err := checkTransition(orderID, from, to); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $3, reject_reason = $4, updated_at = $5
		 WHERE id = $1 AND status = $2`,
		orderID, string(from), string(to), reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("transition order %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		current, err := s.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return orderConflict(orderID, current.Status, from)
	}
	return nil
}

// --- Fills ---

func (s *PostgresStore) ApplyFill(ctx context.Context, app *FillApplication) (*model.Account, error) {
	f := app.Fill

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// 1. Conditional cash update: version must match and cash stays >= 0.
	a, err := scanPgAccount(tx.QueryRow(ctx,
		`UPDATE accounts
		 SET cash_balance = cash_balance + $3::NUMERIC, version = version + 1
		 WHERE id = $1 AND version = $2 AND cash_balance + $3::NUMERIC >= 0
		 RETURNING `+pgAccountColumns,
		f.AccountID, app.ExpectedVersion, app.CashDelta.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.explainAccountMiss(ctx, tx, app)
	}
	if err != nil {
		return nil, fmt.Errorf("apply fill %s: update cash: %w", f.ID, err)
	}

	// 2. Position upsert or delete.
	if app.Flat {
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE account_id = $1 AND instrument = $2`,
			f.AccountID, f.Instrument)
	} else {
		p := app.Position
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (account_id, instrument, quantity, avg_price, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
			 ON CONFLICT (account_id, instrument) DO UPDATE
			 SET quantity = EXCLUDED.quantity, avg_price = EXCLUDED.avg_price, updated_at = EXCLUDED.updated_at`,
			f.AccountID, f.Instrument, p.Quantity.String(), p.AvgPrice.String(), p.UpdatedAt)
	}
	if err != nil {
		return nil, fmt.Errorf("apply fill %s: position: %w", f.ID, err)
	}

	// 3. Immutable fill record.
	if _, err := tx.Exec(ctx,
		`INSERT INTO fills (id, order_id, account_id, instrument, side, price, quantity, fee, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		f.ID, f.OrderID, f.AccountID, f.Instrument, string(f.Side),
		f.Price.String(), f.Quantity.String(), f.Fee.String(), f.FilledAt,
	); err != nil {
		return nil, fmt.Errorf("apply fill %s: insert fill: %w", f.ID, err)
	}

	// 4. Order → filled.
	tag, err := tx.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		f.OrderID, string(app.OrderFrom), string(model.OrderStatusFilled), f.FilledAt)
	if err != nil {
		return nil, fmt.Errorf("apply fill %s: order status: %w", f.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, model.Reject(model.KindStorageConflict,
			"order %s is no longer %s", f.OrderID, app.OrderFrom)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return a, nil
}

// explainAccountMiss classifies a conditional cash update that matched no row.
func (s *PostgresStore) explainAccountMiss(ctx context.Context, tx pgx.Tx, app *FillApplication) error {
	a, err := scanPgAccount(tx.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, app.Fill.AccountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Reject(model.KindAccountNotFound, "account %s not found", app.Fill.AccountID)
	}
	if err != nil {
		return err
	}
	if a.Version != app.ExpectedVersion {
		return versionConflict(a.ID, app.ExpectedVersion, a.Version)
	}
	return model.Reject(model.KindInsufficientFunds, "required %s, available %s",
		app.CashDelta.Neg().StringFixed(model.CashScale), a.CashBalance.StringFixed(model.CashScale))
}

func (s *PostgresStore) ListFills(ctx context.Context, accountID string, limit int) ([]model.Fill, error) {
	// Newest-first with LIMIT, then reversed to execution order.
	query := `SELECT id, order_id, account_id, instrument, side,
	                 price::TEXT, quantity::TEXT, fee::TEXT, filled_at
	          FROM fills WHERE account_id = $1 ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fills := []model.Fill{}
	for rows.Next() {
		var f model.Fill
		var priceS, qtyS, feeS string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.AccountID, &f.Instrument, &f.Side,
			&priceS, &qtyS, &feeS, &f.FilledAt); err != nil {
			return nil, err
		}
		f.Price = parseDecimal(priceS)
		f.Quantity = parseDecimal(qtyS)
		f.Fee = parseDecimal(feeS)
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseFills(fills)
	return fills, nil
}

func reverseFills(fills []model.Fill) {
	for i, j := 0, len(fills)-1; i < j; i, j = i+1, j-1 {
		fills[i], fills[j] = fills[j], fills[i]
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
