// Package pricing provides reference prices to the order engine. Feeds are
// consulted only at execution and valuation time; the engine never retries
// a failed lookup.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var (
	// ErrPriceUnavailable is returned when a feed has no usable price.
	ErrPriceUnavailable = errors.New("pricing: price unavailable")

	// ErrInvalidPrice is returned when setting a non-positive price.
	ErrInvalidPrice = errors.New("pricing: price must be positive")
)

// Gateway supplies the latest trade price for an instrument.
type Gateway interface {
	LatestPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Setter is implemented by feeds whose prices can be written at runtime.
type Setter interface {
	SetPrice(ctx context.Context, instrument string, price decimal.Decimal) error
}

// --- Static feed ---

// StaticFeed serves prices held in memory. It backs development setups and
// tests, and can be updated at runtime.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticFeed creates a feed seeded with prices. Non-positive entries are
// skipped.
func NewStaticFeed(prices map[string]decimal.Decimal) *StaticFeed {
	f := &StaticFeed{prices: make(map[string]decimal.Decimal, len(prices))}
	for inst, p := range prices {
		if p.IsPositive() {
			f.prices[inst] = p
		}
	}
	return f
}

// Set updates the price of instrument.
func (f *StaticFeed) Set(instrument string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	f.mu.Lock()
	f.prices[instrument] = price
	f.mu.Unlock()
	return nil
}

// Delete removes the price of instrument, making it unavailable.
func (f *StaticFeed) Delete(instrument string) {
	f.mu.Lock()
	delete(f.prices, instrument)
	f.mu.Unlock()
}

// SetPrice implements Setter.
func (f *StaticFeed) SetPrice(ctx context.Context, instrument string, price decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.Set(instrument, price)
}

func (f *StaticFeed) LatestPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	f.mu.RLock()
	p, ok := f.prices[instrument]
	f.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", ErrPriceUnavailable, instrument)
	}
	return p, nil
}

// --- Redis feed ---

// RedisFeed reads prices published by an external market-data process under
// keys of the form price:{INSTRUMENT}:latest.
type RedisFeed struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisFeed creates a Redis-backed feed. Prices written through SetPrice
// expire after ttl; zero means they never expire.
func NewRedisFeed(rdb *redis.Client, ttl time.Duration) *RedisFeed {
	return &RedisFeed{rdb: rdb, ttl: ttl}
}

func (f *RedisFeed) LatestPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	s, err := f.rdb.Get(ctx, PriceKey(instrument)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", ErrPriceUnavailable, instrument)
	}
	if err != nil {
		// Deadline errors pass through unchanged so callers can tell a
		// timeout from a missing price.
		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, instrument, err)
	}
	p, err := decimal.NewFromString(s)
	if err != nil || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: bad price %q for %s", ErrPriceUnavailable, s, instrument)
	}
	return p, nil
}

// SetPrice implements Setter by writing the price key with the feed's TTL.
func (f *RedisFeed) SetPrice(ctx context.Context, instrument string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	return f.rdb.Set(ctx, PriceKey(instrument), price.String(), f.ttl).Err()
}

// PriceKey returns the Redis key holding the latest price of instrument.
func PriceKey(instrument string) string { return fmt.Sprintf("price:%s:latest", instrument) }

// --- Chain ---

// Chain consults gateways in order and returns the first price found.
type Chain []Gateway

func (c Chain) LatestPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	lastErr := fmt.Errorf("%w: no feeds configured", ErrPriceUnavailable)
	for _, g := range c {
		p, err := g.LatestPrice(ctx, instrument)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}
		lastErr = err
	}
	return decimal.Zero, lastErr
}
