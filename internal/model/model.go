// Package model defines the core domain types shared across the paper engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashScale is the number of decimal places kept for cash-denominated
// amounts (balances, fees, cash deltas).
const CashScale int32 = 2

// FlatEpsilon is the quantity below which a position is considered closed.
var FlatEpsilon = decimal.New(1, -6)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType selects how an order is priced.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool { return t == OrderTypeMarket || t == OrderTypeLimit }

// OrderStatus is the order lifecycle state.
//
//	created → filled | partial | rejected | canceled
//	partial → filled | canceled
type OrderStatus string

const (
	OrderStatusCreated  OrderStatus = "created"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusCanceled OrderStatus = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusRejected || s == OrderStatusCanceled
}

// Cancelable reports whether an order in this state may be canceled.
func (s OrderStatus) Cancelable() bool {
	return s == OrderStatusCreated || s == OrderStatusPartial
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case OrderStatusCreated:
		return to == OrderStatusFilled || to == OrderStatusPartial ||
			to == OrderStatusRejected || to == OrderStatusCanceled
	case OrderStatusPartial:
		return to == OrderStatusFilled || to == OrderStatusCanceled
	}
	return false
}

// Account is a user's virtual cash ledger. StartingCash only changes on reset.
// Version increments on every cash mutation and is used for optimistic
// concurrency in the stores.
type Account struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	BaseCurrency string          `json:"base_currency" db:"base_currency"`
	StartingCash decimal.Decimal `json:"starting_cash" db:"starting_cash"`
	CashBalance  decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	Version      int64           `json:"version" db:"version"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Position is the holding of one instrument by one account. A missing
// position means flat; quantity is never negative.
type Position struct {
	AccountID  string          `json:"account_id" db:"account_id"`
	Instrument string          `json:"instrument" db:"instrument"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	AvgPrice   decimal.Decimal `json:"avg_price" db:"avg_price"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis returns quantity * avg_price.
func (p Position) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AvgPrice)
}

// Order is an order intent and its lifecycle state. Exactly one of
// Quantity and Notional is set.
type Order struct {
	ID             string           `json:"id" db:"id"`
	AccountID      string           `json:"account_id" db:"account_id"`
	Instrument     string           `json:"instrument" db:"instrument"`
	Side           Side             `json:"side" db:"side"`
	Type           OrderType        `json:"order_type" db:"order_type"`
	Quantity       *decimal.Decimal `json:"quantity,omitempty" db:"quantity"`
	Notional       *decimal.Decimal `json:"notional,omitempty" db:"notional"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	Status         OrderStatus      `json:"status" db:"status"`
	RejectReason   string           `json:"reject_reason,omitempty" db:"reject_reason"`
	IdempotencyKey string           `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// Fill is an immutable execution record. Once created, fills are never
// modified or deleted except by an account reset.
type Fill struct {
	ID         string          `json:"id" db:"id"`
	OrderID    string          `json:"order_id" db:"order_id"`
	AccountID  string          `json:"account_id" db:"account_id"`
	Instrument string          `json:"instrument" db:"instrument"`
	Side       Side            `json:"side" db:"side"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Fee        decimal.Decimal `json:"fee" db:"fee"`
	FilledAt   time.Time       `json:"filled_at" db:"filled_at"`
}

// Notional returns price * quantity.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// OrderResult is returned to callers of the order engine.
type OrderResult struct {
	OrderID      string      `json:"order_id"`
	Status       OrderStatus `json:"status"`
	Fills        []Fill      `json:"fills"`
	RejectKind   ErrorKind   `json:"reject_kind,omitempty"`
	RejectReason string      `json:"reject_reason,omitempty"`
}

// PositionValuation is one marked-to-market position inside a snapshot.
type PositionValuation struct {
	Instrument   string          `json:"instrument"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PriceSource  string          `json:"price_source"` // "live" or "avg_price"
	MarketValue  decimal.Decimal `json:"market_value"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPct       decimal.Decimal `json:"pnl_pct"` // fraction of cost basis
}

// Price sources reported in PositionValuation.
const (
	PriceSourceLive     = "live"
	PriceSourceAvgPrice = "avg_price"
)

// PortfolioSnapshot is a derived, point-in-time valuation. Never persisted.
type PortfolioSnapshot struct {
	AccountID            string              `json:"account_id"`
	Cash                 decimal.Decimal     `json:"cash"`
	StartingCash         decimal.Decimal     `json:"starting_cash"`
	Positions            []PositionValuation `json:"positions"`
	TotalValue           decimal.Decimal     `json:"total_value"`
	TotalPnL             decimal.Decimal     `json:"total_pnl"`
	TotalPnLPct          decimal.Decimal     `json:"total_pnl_pct"` // fraction of starting cash
	PositionCount        int                 `json:"position_count"`
	LargestPosition      string              `json:"largest_position"`
	DiversificationScore decimal.Decimal     `json:"diversification_score"` // 0..100
	ValuedAt             time.Time           `json:"valued_at"`
}

// Suggestion is an advisory rebalancing trade. It is never submitted
// automatically.
type Suggestion struct {
	Action     Side            `json:"action"`
	Instrument string          `json:"instrument"`
	Quantity   decimal.Decimal `json:"quantity"`
	Value      decimal.Decimal `json:"value"`
	Reason     string          `json:"reason"`
}
