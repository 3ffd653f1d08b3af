package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Debit removes amount from the cash balance. A debit larger than the
// balance fails with ErrInsufficientFunds and leaves the account unchanged.
func (a *Account) Debit(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return Reject(KindInvalidOrderSpec, "debit amount %s is negative", amount)
	}
	if amount.GreaterThan(a.CashBalance) {
		return Reject(KindInsufficientFunds, "required %s, available %s",
			amount.StringFixed(CashScale), a.CashBalance.StringFixed(CashScale))
	}
	a.CashBalance = a.CashBalance.Sub(amount)
	a.Version++
	return nil
}

// Credit adds amount to the cash balance.
func (a *Account) Credit(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return Reject(KindInvalidOrderSpec, "credit amount %s is negative", amount)
	}
	a.CashBalance = a.CashBalance.Add(amount)
	a.Version++
	return nil
}

// ApplyCashDelta credits a positive delta and debits a negative one.
func (a *Account) ApplyCashDelta(delta decimal.Decimal) error {
	if delta.IsNegative() {
		return a.Debit(delta.Neg())
	}
	return a.Credit(delta)
}

// ApplyBuy returns the position after buying qty at price. A nil receiver
// is treated as flat. The average price is the volume-weighted entry cost:
//
//	avg = (oldQty*oldAvg + qty*price) / (oldQty + qty)
func ApplyBuy(pos *Position, accountID, instrument string, qty, price decimal.Decimal, at time.Time) Position {
	if pos == nil || pos.Quantity.IsZero() {
		return Position{
			AccountID:  accountID,
			Instrument: instrument,
			Quantity:   qty,
			AvgPrice:   price,
			UpdatedAt:  at,
		}
	}
	newQty := pos.Quantity.Add(qty)
	totalCost := pos.Quantity.Mul(pos.AvgPrice).Add(qty.Mul(price))
	return Position{
		AccountID:  pos.AccountID,
		Instrument: pos.Instrument,
		Quantity:   newQty,
		AvgPrice:   totalCost.Div(newQty),
		UpdatedAt:  at,
	}
}

// ApplySell returns the position after selling qty. The average price is
// unchanged. The returned bool is false when the remaining quantity is
// below FlatEpsilon and the position should be removed.
func ApplySell(pos *Position, qty decimal.Decimal, at time.Time) (Position, bool, error) {
	held := decimal.Zero
	if pos != nil {
		held = pos.Quantity
	}
	if pos == nil || qty.GreaterThan(held) {
		return Position{}, false, Reject(KindInsufficientPosition,
			"requested %s, available %s", qty, held)
	}
	out := *pos
	out.Quantity = held.Sub(qty)
	out.UpdatedAt = at
	if out.Quantity.LessThan(FlatEpsilon) {
		return out, false, nil
	}
	return out, true, nil
}
