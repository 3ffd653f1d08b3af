// Package portfolio values accounts against current prices and produces
// advisory rebalancing suggestions. Nothing here writes to the store.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/execution"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/store"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Value marks positions to market. Positions without a positive entry in
// prices are valued at their average price and reported with
// PriceSourceAvgPrice. Flat positions are skipped.
func Value(acct *model.Account, positions []model.Position, prices map[string]decimal.Decimal, at time.Time) model.PortfolioSnapshot {
	snap := model.PortfolioSnapshot{
		AccountID:            acct.ID,
		Cash:                 acct.CashBalance,
		StartingCash:         acct.StartingCash,
		Positions:            []model.PositionValuation{},
		DiversificationScore: decimal.Zero,
		ValuedAt:             at,
	}

	invested := decimal.Zero
	largest := decimal.Zero
	for _, p := range positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		price, source := p.AvgPrice, model.PriceSourceAvgPrice
		if live, ok := prices[p.Instrument]; ok && live.IsPositive() {
			price, source = live, model.PriceSourceLive
		}

		mv := p.Quantity.Mul(price)
		cost := p.Quantity.Mul(p.AvgPrice)
		pnl := mv.Sub(cost)
		pnlPct := decimal.Zero
		if !cost.IsZero() {
			pnlPct = pnl.Div(cost)
		}

		snap.Positions = append(snap.Positions, model.PositionValuation{
			Instrument:   p.Instrument,
			Quantity:     p.Quantity,
			AvgPrice:     p.AvgPrice,
			CurrentPrice: price,
			PriceSource:  source,
			MarketValue:  mv,
			PnL:          pnl,
			PnLPct:       pnlPct,
		})
		invested = invested.Add(mv)

		// First seen wins on ties.
		if snap.LargestPosition == "" || mv.GreaterThan(largest) {
			snap.LargestPosition = p.Instrument
			largest = mv
		}
	}

	snap.PositionCount = len(snap.Positions)
	snap.TotalValue = acct.CashBalance.Add(invested)
	snap.TotalPnL = snap.TotalValue.Sub(acct.StartingCash)
	snap.TotalPnLPct = decimal.Zero
	if !acct.StartingCash.IsZero() {
		snap.TotalPnLPct = snap.TotalPnL.Div(acct.StartingCash)
	}

	if invested.IsPositive() {
		hhi := decimal.Zero
		for _, v := range snap.Positions {
			w := v.MarketValue.Div(invested)
			hhi = hhi.Add(w.Mul(w))
		}
		snap.DiversificationScore = one.Sub(hhi).Mul(hundred).Round(2)
	}
	return snap
}

// Analysis is a summary derived from a snapshot.
type Analysis struct {
	AccountID       string                    `json:"account_id"`
	TotalValue      decimal.Decimal           `json:"total_value"`
	Invested        decimal.Decimal           `json:"invested"`
	Exposure        decimal.Decimal           `json:"exposure"` // invested / total_value
	TopPerformers   []model.PositionValuation `json:"top_performers"`
	WorstPerformers []model.PositionValuation `json:"worst_performers"`
}

const performerCount = 3

// Analyze summarises exposure and the best and worst positions by pnl_pct.
func Analyze(snap model.PortfolioSnapshot) Analysis {
	a := Analysis{
		AccountID:  snap.AccountID,
		TotalValue: snap.TotalValue,
		Invested:   decimal.Zero,
		Exposure:   decimal.Zero,
	}
	for _, p := range snap.Positions {
		a.Invested = a.Invested.Add(p.MarketValue)
	}
	if snap.TotalValue.IsPositive() {
		a.Exposure = a.Invested.Div(snap.TotalValue)
	}

	ranked := make([]model.PositionValuation, len(snap.Positions))
	copy(ranked, snap.Positions)
	sort.SliceStable(ranked, func(i, j int) bool {
		if c := ranked[i].PnLPct.Cmp(ranked[j].PnLPct); c != 0 {
			return c > 0
		}
		return ranked[i].Instrument < ranked[j].Instrument
	})

	n := min(performerCount, len(ranked))
	a.TopPerformers = append([]model.PositionValuation{}, ranked[:n]...)
	a.WorstPerformers = make([]model.PositionValuation, 0, n)
	for i := len(ranked) - 1; i >= len(ranked)-n; i-- {
		a.WorstPerformers = append(a.WorstPerformers, ranked[i])
	}
	return a
}

// Service reads account state from the store and values it.
type Service struct {
	store        store.Store
	prices       pricing.Gateway
	instruments  []string
	minTradeSize decimal.Decimal
	priceTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a valuation service. instruments is the universe used
// when the caller supplies no prices; held instruments are always priced.
func NewService(st store.Store, prices pricing.Gateway, instruments []string, minTradeSize decimal.Decimal, priceTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        st,
		prices:       prices,
		instruments:  instruments,
		minTradeSize: minTradeSize,
		priceTimeout: priceTimeout,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot values the account. A nil prices map fetches live prices for the
// held instruments.
func (s *Service) Snapshot(ctx context.Context, accountID string, prices map[string]decimal.Decimal) (*model.PortfolioSnapshot, error) {
	acct, positions, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if prices == nil {
		held := make([]string, 0, len(positions))
		for _, p := range positions {
			held = append(held, p.Instrument)
		}
		if prices, err = LivePrices(ctx, s.prices, held, s.priceTimeout, s.logger); err != nil {
			return nil, err
		}
	}
	snap := Value(acct, positions, prices, s.now())
	return &snap, nil
}

// Suggest proposes trades moving the account toward targets, a map of
// instrument to fraction of total value. Empty targets mean an equal
// weight across every priced instrument. Only differences above the
// minimum trade size are returned; instruments without a price are skipped.
// Sells come first, then buys, each by descending value.
func (s *Service) Suggest(ctx context.Context, accountID string, prices, targets map[string]decimal.Decimal) ([]model.Suggestion, error) {
	if err := validateTargets(targets); err != nil {
		return nil, err
	}
	acct, positions, err := s.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if prices == nil {
		universe := append([]string{}, s.instruments...)
		for _, p := range positions {
			universe = append(universe, p.Instrument)
		}
		for inst := range targets {
			universe = append(universe, inst)
		}
		if prices, err = LivePrices(ctx, s.prices, universe, s.priceTimeout, s.logger); err != nil {
			return nil, err
		}
	}

	snap := Value(acct, positions, prices, s.now())
	return Rebalance(snap, prices, targets, s.minTradeSize), nil
}

// Rebalance is the pure core of Suggest.
func Rebalance(snap model.PortfolioSnapshot, prices, targets map[string]decimal.Decimal, minTradeSize decimal.Decimal) []model.Suggestion {
	if len(targets) == 0 {
		targets = equalWeight(prices)
	}

	current := make(map[string]decimal.Decimal, len(snap.Positions))
	for _, p := range snap.Positions {
		current[p.Instrument] = p.MarketValue
	}

	out := []model.Suggestion{}
	for inst, frac := range targets {
		price, ok := prices[inst]
		if !ok || !price.IsPositive() {
			continue
		}
		target := snap.TotalValue.Mul(frac)
		have := current[inst]
		diff := target.Sub(have)
		if diff.Abs().LessThanOrEqual(minTradeSize) {
			continue
		}

		action := model.SideBuy
		if diff.IsNegative() {
			action = model.SideSell
		}
		value := diff.Abs()
		haveWeight := decimal.Zero
		if snap.TotalValue.IsPositive() {
			haveWeight = have.Div(snap.TotalValue)
		}
		out = append(out, model.Suggestion{
			Action:     action,
			Instrument: inst,
			Quantity:   value.DivRound(price, execution.QuantityScale),
			Value:      value.Round(model.CashScale),
			Reason: fmt.Sprintf("%s%% held, target %s%%",
				haveWeight.Mul(hundred).StringFixed(1), frac.Mul(hundred).StringFixed(1)),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action == model.SideSell
		}
		if c := out[i].Value.Cmp(out[j].Value); c != 0 {
			return c > 0
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

func equalWeight(prices map[string]decimal.Decimal) map[string]decimal.Decimal {
	priced := 0
	for _, p := range prices {
		if p.IsPositive() {
			priced++
		}
	}
	targets := make(map[string]decimal.Decimal, priced)
	if priced == 0 {
		return targets
	}
	w := one.Div(decimal.NewFromInt(int64(priced)))
	for inst, p := range prices {
		if p.IsPositive() {
			targets[inst] = w
		}
	}
	return targets
}

func validateTargets(targets map[string]decimal.Decimal) error {
	sum := decimal.Zero
	for inst, frac := range targets {
		if frac.IsNegative() || frac.GreaterThan(one) {
			return model.Reject(model.KindInvalidOrderSpec, "target for %s must be between 0 and 1", inst)
		}
		sum = sum.Add(frac)
	}
	if sum.GreaterThan(one) {
		return model.Reject(model.KindInvalidOrderSpec, "targets sum to %s, more than 1", sum)
	}
	return nil
}

func (s *Service) load(ctx context.Context, accountID string) (*model.Account, []model.Position, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	positions, err := s.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("list positions: %w", err)
	}
	return acct, positions, nil
}
