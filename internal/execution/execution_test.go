package execution

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// d is a test helper for creating exact decimals.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

func defaultModel(t *testing.T) *Model {
	t.Helper()
	m, err := NewModel(d("5"), d("10"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m
}

// --- Constructor tests ---

func TestNewModel_NegativeBps(t *testing.T) {
	if _, err := NewModel(d("-1"), d("10")); err != ErrInvalidBps {
		t.Errorf("expected ErrInvalidBps for negative slippage, got %v", err)
	}
	if _, err := NewModel(d("5"), d("-0.5")); err != ErrInvalidBps {
		t.Errorf("expected ErrInvalidBps for negative fee, got %v", err)
	}
}

func TestNewModel_ZeroBps(t *testing.T) {
	m, err := NewModel(decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.ExecutionPrice(model.SideBuy, d("100")).Equal(d("100")) {
		t.Error("zero slippage should leave the price unchanged")
	}
}

// --- Slippage ---

func TestExecutionPrice_WorsensAgainstTrader(t *testing.T) {
	m := defaultModel(t)

	buy := m.ExecutionPrice(model.SideBuy, d("45000"))
	if !buy.Equal(d("45022.5")) {
		t.Errorf("expected buy price 45022.5, got %s", buy)
	}
	sell := m.ExecutionPrice(model.SideSell, d("45000"))
	if !sell.Equal(d("44977.5")) {
		t.Errorf("expected sell price 44977.5, got %s", sell)
	}
}

// --- Fee ---

func TestFee_RoundedToCash(t *testing.T) {
	m := defaultModel(t)
	fee := m.Fee(d("4502.25"))
	if !fee.Equal(d("4.50")) {
		t.Errorf("expected fee 4.50, got %s", fee)
	}
}

// --- Quote ---

func TestQuote_MarketBuyScenario(t *testing.T) {
	m := defaultModel(t)

	q, err := m.Quote(QuoteRequest{
		Side:           model.SideBuy,
		Type:           model.OrderTypeMarket,
		ReferencePrice: d("45000"),
		Quantity:       ptr(d("0.1")),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.ExecutionPrice.Equal(d("45022.5")) {
		t.Errorf("expected execution price 45022.5, got %s", q.ExecutionPrice)
	}
	if !q.Notional.Equal(d("4502.25")) {
		t.Errorf("expected notional 4502.25, got %s", q.Notional)
	}
	if !q.Fee.Equal(d("4.5")) {
		t.Errorf("expected fee 4.50, got %s", q.Fee)
	}
	if !q.CashDelta.Equal(d("-4506.75")) {
		t.Errorf("expected cash delta -4506.75, got %s", q.CashDelta)
	}
	if !q.Cost().Equal(d("4506.75")) {
		t.Errorf("expected cost 4506.75, got %s", q.Cost())
	}
}

func TestQuote_SellFeeReducesProceeds(t *testing.T) {
	m := defaultModel(t)

	q, err := m.Quote(QuoteRequest{
		Side:           model.SideSell,
		Type:           model.OrderTypeMarket,
		ReferencePrice: d("45000"),
		Quantity:       ptr(d("0.1")),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// notional 4497.75, fee 4.50 → proceeds 4493.25
	if !q.CashDelta.Equal(d("4493.25")) {
		t.Errorf("expected proceeds 4493.25, got %s", q.CashDelta)
	}
	if !q.Cost().IsZero() {
		t.Errorf("sell should have no cost, got %s", q.Cost())
	}
}

func TestQuote_Notional(t *testing.T) {
	m, _ := NewModel(decimal.Zero, d("10"))

	q, err := m.Quote(QuoteRequest{
		Side:           model.SideBuy,
		Type:           model.OrderTypeMarket,
		ReferencePrice: d("2000"),
		Notional:       ptr(d("500")),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Quantity.Equal(d("0.25")) {
		t.Errorf("expected quantity 0.25, got %s", q.Quantity)
	}
	if !q.Notional.Equal(d("500")) {
		t.Errorf("notional should be preserved, got %s", q.Notional)
	}
	if !q.CashDelta.Equal(d("-500.5")) {
		t.Errorf("expected cash delta -500.50, got %s", q.CashDelta)
	}
}

func TestQuote_AmbiguousSize(t *testing.T) {
	m := defaultModel(t)

	_, err := m.Quote(QuoteRequest{
		Side: model.SideBuy, Type: model.OrderTypeMarket, ReferencePrice: d("10"),
	})
	if err != ErrAmbiguousSize {
		t.Errorf("expected ErrAmbiguousSize for neither, got %v", err)
	}

	_, err = m.Quote(QuoteRequest{
		Side: model.SideBuy, Type: model.OrderTypeMarket, ReferencePrice: d("10"),
		Quantity: ptr(d("1")), Notional: ptr(d("10")),
	})
	if err != ErrAmbiguousSize {
		t.Errorf("expected ErrAmbiguousSize for both, got %v", err)
	}
}

func TestQuote_NoReferencePrice(t *testing.T) {
	m := defaultModel(t)
	_, err := m.Quote(QuoteRequest{
		Side: model.SideBuy, Type: model.OrderTypeMarket, ReferencePrice: decimal.Zero,
		Quantity: ptr(d("1")),
	})
	if err != ErrNoReferencePrice {
		t.Errorf("expected ErrNoReferencePrice, got %v", err)
	}
}

func TestQuote_LimitCapsSlippage(t *testing.T) {
	m := defaultModel(t)

	// Slipped price 100.05 exceeds the 100.02 limit, so the fill is capped.
	q, err := m.Quote(QuoteRequest{
		Side:           model.SideBuy,
		Type:           model.OrderTypeLimit,
		ReferencePrice: d("100"),
		Quantity:       ptr(d("1")),
		LimitPrice:     ptr(d("100.02")),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.ExecutionPrice.Equal(d("100.02")) {
		t.Errorf("expected capped price 100.02, got %s", q.ExecutionPrice)
	}

	q, _ = m.Quote(QuoteRequest{
		Side:           model.SideSell,
		Type:           model.OrderTypeLimit,
		ReferencePrice: d("100"),
		Quantity:       ptr(d("1")),
		LimitPrice:     ptr(d("99.99")),
	})
	if !q.ExecutionPrice.Equal(d("99.99")) {
		t.Errorf("expected floored price 99.99, got %s", q.ExecutionPrice)
	}
}

// --- Limit cross ---

func TestCrossed(t *testing.T) {
	tests := []struct {
		side       model.Side
		ref, limit string
		want       bool
	}{
		{model.SideBuy, "100", "101", true},
		{model.SideBuy, "100", "100", true},
		{model.SideBuy, "100", "99", false},
		{model.SideSell, "100", "99", true},
		{model.SideSell, "100", "100", true},
		{model.SideSell, "100", "101", false},
	}
	for _, tt := range tests {
		if got := Crossed(tt.side, d(tt.ref), d(tt.limit)); got != tt.want {
			t.Errorf("Crossed(%s, ref=%s, limit=%s) = %v, want %v",
				tt.side, tt.ref, tt.limit, got, tt.want)
		}
	}
}

func TestTradeValue(t *testing.T) {
	if v := TradeValue(d("45000"), ptr(d("0.1")), nil); !v.Equal(d("4500")) {
		t.Errorf("expected 4500, got %s", v)
	}
	if v := TradeValue(d("45000"), nil, ptr(d("25"))); !v.Equal(d("25")) {
		t.Errorf("expected 25, got %s", v)
	}
}
