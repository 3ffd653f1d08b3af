// Package execution implements the fill pricing model for paper orders:
// adverse slippage on the reference price, a proportional fee, and the
// binary limit-cross test.
//
// The model is stateless. Account and market state are passed as
// arguments, not stored. All values use shopspring/decimal.
package execution

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

var (
	// ErrInvalidBps is returned when a basis-point parameter is negative.
	ErrInvalidBps = errors.New("execution: basis points must be non-negative")

	// ErrNoReferencePrice is returned when the reference price is not positive.
	ErrNoReferencePrice = errors.New("execution: reference price must be positive")

	// ErrAmbiguousSize is returned unless exactly one of quantity and
	// notional is set.
	ErrAmbiguousSize = errors.New("execution: exactly one of quantity and notional is required")

	// QuantityScale is the number of decimal places kept when a quantity is
	// derived from a notional amount.
	QuantityScale int32 = 18

	bpsDivisor = decimal.NewFromInt(10000)
)

// Model prices fills. Slippage always moves the price against the trader.
type Model struct {
	slippageBps decimal.Decimal
	feeBps      decimal.Decimal
}

// NewModel creates a pricing model. Both parameters are in basis points
// (1 bps = 0.01%).
func NewModel(slippageBps, feeBps decimal.Decimal) (*Model, error) {
	if slippageBps.IsNegative() || feeBps.IsNegative() {
		return nil, ErrInvalidBps
	}
	return &Model{slippageBps: slippageBps, feeBps: feeBps}, nil
}

// SlippageBps returns the configured slippage.
func (m *Model) SlippageBps() decimal.Decimal { return m.slippageBps }

// FeeBps returns the configured fee rate.
func (m *Model) FeeBps() decimal.Decimal { return m.feeBps }

// ExecutionPrice applies slippage to the reference price:
//
//	buy:  ref * (1 + slippage_bps/10000)
//	sell: ref * (1 - slippage_bps/10000)
func (m *Model) ExecutionPrice(side model.Side, ref decimal.Decimal) decimal.Decimal {
	adj := ref.Mul(m.slippageBps).Div(bpsDivisor)
	if side == model.SideBuy {
		return ref.Add(adj)
	}
	return ref.Sub(adj)
}

// Fee computes notional * fee_bps/10000 rounded to cash precision.
func (m *Model) Fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(m.feeBps).Div(bpsDivisor).Round(model.CashScale)
}

// Crossed reports whether a limit order is marketable at ref:
// buys when ref <= limit, sells when ref >= limit.
func Crossed(side model.Side, ref, limit decimal.Decimal) bool {
	if side == model.SideBuy {
		return ref.LessThanOrEqual(limit)
	}
	return ref.GreaterThanOrEqual(limit)
}

// TradeValue resolves the cash value of an order at the reference price,
// used for the minimum-size check.
func TradeValue(ref decimal.Decimal, qty, notional *decimal.Decimal) decimal.Decimal {
	if notional != nil {
		return *notional
	}
	if qty != nil {
		return qty.Mul(ref)
	}
	return decimal.Zero
}

// QuoteRequest describes the order being priced.
type QuoteRequest struct {
	Side           model.Side
	Type           model.OrderType
	ReferencePrice decimal.Decimal
	Quantity       *decimal.Decimal
	Notional       *decimal.Decimal
	LimitPrice     *decimal.Decimal
}

// Quote is a fully priced fill candidate.
type Quote struct {
	ReferencePrice decimal.Decimal
	ExecutionPrice decimal.Decimal
	Quantity       decimal.Decimal
	Notional       decimal.Decimal
	Fee            decimal.Decimal
	// CashDelta is the signed change to the cash balance:
	//   buy:  -(notional + fee)
	//   sell: +(notional - fee)
	CashDelta decimal.Decimal
}

// Cost returns the cash required by a buy quote (zero for sells).
func (q Quote) Cost() decimal.Decimal {
	if q.CashDelta.IsNegative() {
		return q.CashDelta.Neg()
	}
	return decimal.Zero
}

// Quote prices req. For limit orders the slipped price is capped at the
// limit so the fill is never worse than the trader asked for. Callers are
// expected to have checked Crossed first.
func (m *Model) Quote(req QuoteRequest) (Quote, error) {
	if !req.ReferencePrice.IsPositive() {
		return Quote{}, ErrNoReferencePrice
	}
	if (req.Quantity == nil) == (req.Notional == nil) {
		return Quote{}, ErrAmbiguousSize
	}

	price := m.ExecutionPrice(req.Side, req.ReferencePrice)
	if req.Type == model.OrderTypeLimit && req.LimitPrice != nil {
		if req.Side == model.SideBuy && price.GreaterThan(*req.LimitPrice) {
			price = *req.LimitPrice
		}
		if req.Side == model.SideSell && price.LessThan(*req.LimitPrice) {
			price = *req.LimitPrice
		}
	}

	var qty, notional decimal.Decimal
	if req.Quantity != nil {
		qty = *req.Quantity
		notional = qty.Mul(price)
	} else {
		notional = *req.Notional
		qty = notional.DivRound(price, QuantityScale)
	}

	fee := m.Fee(notional)
	var delta decimal.Decimal
	if req.Side == model.SideBuy {
		delta = notional.Add(fee).Round(model.CashScale).Neg()
	} else {
		delta = notional.Sub(fee).Round(model.CashScale)
	}

	return Quote{
		ReferencePrice: req.ReferencePrice,
		ExecutionPrice: price,
		Quantity:       qty,
		Notional:       notional,
		Fee:            fee,
		CashDelta:      delta,
	}, nil
}
