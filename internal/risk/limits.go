// Package risk implements the pre-trade checks that run before any ledger
// mutation: minimum trade size, cash sufficiency, per-instrument
// concentration and the sell-side holding check.
//
// Concentration is measured against the portfolio including the trade:
//
//	(existing_value + trade_value) / (portfolio_value + trade_value) <= max_position_pct
//
// All checks are pure. Failures are *model.LedgerError values so callers
// can match them with errors.Is against the model sentinels.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// Limits holds the configured risk parameters.
type Limits struct {
	// MaxPositionPct is the largest fraction of the portfolio a single
	// instrument may represent after a buy. Zero disables the check.
	MaxPositionPct decimal.Decimal

	// MinTradeSize is the smallest accepted trade value in base currency.
	MinTradeSize decimal.Decimal
}

// NewLimits creates a Limits value. Negative inputs are clamped to zero.
func NewLimits(maxPositionPct, minTradeSize decimal.Decimal) *Limits {
	if maxPositionPct.IsNegative() {
		maxPositionPct = decimal.Zero
	}
	if minTradeSize.IsNegative() {
		minTradeSize = decimal.Zero
	}
	return &Limits{MaxPositionPct: maxPositionPct, MinTradeSize: minTradeSize}
}

// CheckMinimum rejects trades whose value is under MinTradeSize.
func (l *Limits) CheckMinimum(tradeValue decimal.Decimal) error {
	if tradeValue.LessThan(l.MinTradeSize) {
		return model.Reject(model.KindBelowMinimumSize,
			"trade value %s is below minimum %s",
			tradeValue.StringFixed(model.CashScale), l.MinTradeSize.StringFixed(model.CashScale))
	}
	return nil
}

// BuyCheck carries the account state a buy is evaluated against.
type BuyCheck struct {
	Instrument string
	// Cash is the current cash balance.
	Cash decimal.Decimal
	// Cost is the total cash the buy consumes, fee included.
	Cost decimal.Decimal
	// ExistingValue is the current value of the instrument being bought.
	ExistingValue decimal.Decimal
	// PortfolioValue is cash plus every holding's value.
	PortfolioValue decimal.Decimal
	// TradeValue is the notional of the buy.
	TradeValue decimal.Decimal
}

// CheckBuy validates cash sufficiency, then concentration.
func (l *Limits) CheckBuy(c BuyCheck) error {
	if c.Cost.GreaterThan(c.Cash) {
		return model.Reject(model.KindInsufficientFunds,
			"required %s, available %s",
			c.Cost.StringFixed(model.CashScale), c.Cash.StringFixed(model.CashScale))
	}

	if !l.MaxPositionPct.IsPositive() {
		return nil
	}
	ratio := Concentration(c.ExistingValue, c.TradeValue, c.PortfolioValue)
	if ratio.GreaterThan(l.MaxPositionPct) {
		return model.Reject(model.KindPositionLimitExceeded,
			"%s would be %s%% of portfolio, limit %s%%",
			c.Instrument,
			ratio.Mul(decimal.NewFromInt(100)).StringFixed(2),
			l.MaxPositionPct.Mul(decimal.NewFromInt(100)).StringFixed(2))
	}
	return nil
}

// CheckSell rejects sells larger than the held quantity.
func (l *Limits) CheckSell(instrument string, held, qty decimal.Decimal) error {
	if qty.GreaterThan(held) {
		return model.Reject(model.KindInsufficientPosition,
			"%s: requested %s, held %s", instrument, qty, held)
	}
	return nil
}

// Concentration returns (existing + trade) / (portfolio + trade). A
// non-positive denominator yields one (fully concentrated).
func Concentration(existing, trade, portfolio decimal.Decimal) decimal.Decimal {
	denom := portfolio.Add(trade)
	if !denom.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return existing.Add(trade).Div(denom)
}

// Exposure values an account for the concentration check. The traded
// instrument is marked at ref; every other holding at its avg_price.
// It returns the traded instrument's current value and the total
// portfolio value (cash included).
func Exposure(cash decimal.Decimal, positions []model.Position, instrument string, ref decimal.Decimal) (existing, portfolio decimal.Decimal) {
	portfolio = cash
	for _, p := range positions {
		if p.Instrument == instrument {
			existing = p.Quantity.Mul(ref)
			portfolio = portfolio.Add(existing)
			continue
		}
		portfolio = portfolio.Add(p.CostBasis())
	}
	return existing, portfolio
}
