package portfolio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/papertrade/paper-engine/internal/pricing"
)

// maxPriceFetches bounds concurrent gateway calls per valuation.
const maxPriceFetches = 8

// LivePrices fetches the latest price of each instrument concurrently.
// Instruments whose price cannot be fetched within timeout are left out of
// the result so valuation falls back to avg_price. Only cancellation of ctx
// itself is reported as an error.
func LivePrices(ctx context.Context, gw pricing.Gateway, instruments []string, timeout time.Duration, logger *slog.Logger) (map[string]decimal.Decimal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		mu     sync.Mutex
		prices = make(map[string]decimal.Decimal, len(instruments))
		seen   = make(map[string]bool, len(instruments))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPriceFetches)
	for _, inst := range instruments {
		if seen[inst] {
			continue
		}
		seen[inst] = true

		inst := inst
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			p, err := gw.LatestPrice(fctx, inst)
			if err != nil || !p.IsPositive() {
				logger.Debug("live price unavailable", "instrument", inst, "err", err)
				return nil
			}
			mu.Lock()
			prices[inst] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return prices, nil
}
