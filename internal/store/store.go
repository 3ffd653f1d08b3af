// Package store defines the persistence interface for the paper ledger.
// Implementations include PostgreSQL and SQLite (durable sources of truth),
// Redis (read-through cache in front of either), and in-memory (for
// testing and development).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// Store is the persistence interface. Every implementation enforces the same
// contract:
//   - one account per user, created at most once under concurrent calls
//   - idempotency keys unique per account
//   - ApplyFill is all-or-nothing and conditional on the account version
type Store interface {
	// --- Accounts ---

	// GetOrCreateAccount returns the user's account, creating it with
	// startingCash on first access.
	GetOrCreateAccount(ctx context.Context, userID string, startingCash decimal.Decimal, baseCurrency string) (*model.Account, error)

	// GetAccount retrieves an account by ID. Missing → model.ErrAccountNotFound.
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)

	// GetAccountByUser retrieves an account by user ID without creating it.
	GetAccountByUser(ctx context.Context, userID string) (*model.Account, error)

	// ResetAccount restores cash to the starting balance (replacing it first
	// when startingCash is non-nil) and deletes all positions, orders and
	// fills of the account. The version is bumped.
	ResetAccount(ctx context.Context, accountID string, startingCash *decimal.Decimal) (*model.Account, error)

	// --- Positions ---

	// GetPosition returns the open position, or nil when flat.
	GetPosition(ctx context.Context, accountID, instrument string) (*model.Position, error)

	// ListPositions returns all open positions sorted by instrument.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// --- Orders ---

	// InsertOrder persists a new order. A reused idempotency key fails with
	// model.ErrDuplicateOrder.
	InsertOrder(ctx context.Context, order *model.Order) error

	// GetOrder retrieves an order by ID. Missing → model.ErrOrderNotFound.
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)

	// ListOrders returns orders newest first. An empty status matches all;
	// limit <= 0 means no limit.
	ListOrders(ctx context.Context, accountID string, status model.OrderStatus, limit int) ([]model.Order, error)

	// TransitionOrder moves an order from one status to another. When the
	// order is no longer in from, it fails with model.ErrStorageConflict;
	// a change the lifecycle forbids fails with ErrIllegalTransition.
	TransitionOrder(ctx context.Context, orderID string, from, to model.OrderStatus, reason string) error

	// --- Fills (atomic apply + append-only history) ---

	// ApplyFill atomically applies the cash delta, writes or deletes the
	// position, appends the fill and marks the order filled. It returns the
	// updated account.
	ApplyFill(ctx context.Context, app *FillApplication) (*model.Account, error)

	// ListFills returns the account's fills in execution order. limit <= 0
	// means no limit; otherwise the most recent limit fills are returned.
	ListFills(ctx context.Context, accountID string, limit int) ([]model.Fill, error)
}

// FillApplication is the unit of work written by ApplyFill.
type FillApplication struct {
	// ExpectedVersion is the account version the risk checks ran against.
	// A different stored version fails with model.ErrStorageConflict.
	ExpectedVersion int64

	// CashDelta is added to the cash balance. The result must not be negative.
	CashDelta decimal.Decimal

	// Position is the resulting position. When Flat is true the position
	// row is deleted instead.
	Position model.Position
	Flat     bool

	// Fill is appended to the history. Fill.OrderID is moved from
	// OrderFrom to model.OrderStatusFilled.
	Fill      model.Fill
	OrderFrom model.OrderStatus
}

// ErrIllegalTransition is returned by TransitionOrder for a status change the
// order lifecycle does not allow.
var ErrIllegalTransition = errors.New("store: illegal order status transition")

func checkTransition(orderID string, from, to model.OrderStatus) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: order %s %s -> %s", ErrIllegalTransition, orderID, from, to)
	}
	return nil
}

// versionConflict builds the error returned on an optimistic-lock miss.
func versionConflict(accountID string, expected, actual int64) error {
	return model.Reject(model.KindStorageConflict,
		"account %s changed (version %d, expected %d)", accountID, actual, expected)
}

func orderConflict(orderID string, actual, expected model.OrderStatus) error {
	return model.Reject(model.KindStorageConflict,
		"order %s is %s, expected %s", orderID, actual, expected)
}
