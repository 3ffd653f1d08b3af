package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache for accounts and positions. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall back
// to the primary.
//
// The broker always reads accounts through this cache before ApplyFill, so
// a stale cached version surfaces as a storage conflict. Conflicts drop the
// cached account, and the retry then reads fresh state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) GetOrCreateAccount(ctx context.Context, userID string, startingCash decimal.Decimal, baseCurrency string) (*model.Account, error) {
	if id, err := s.rdb.Get(ctx, userKey(userID)).Result(); err == nil {
		if a, err := s.GetAccount(ctx, id); err == nil {
			return a, nil
		}
	}

	a, err := s.primary.GetOrCreateAccount(ctx, userID, startingCash, baseCurrency)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) ResetAccount(ctx context.Context, accountID string, startingCash *decimal.Decimal) (*model.Account, error) {
	a, err := s.primary.ResetAccount(ctx, accountID, startingCash)
	s.invalidate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) TransitionOrder(ctx context.Context, orderID string, from, to model.OrderStatus, reason string) error {
	return s.primary.TransitionOrder(ctx, orderID, from, to, reason)
}

func (s *CachedStore) ApplyFill(ctx context.Context, app *FillApplication) (*model.Account, error) {
	a, err := s.primary.ApplyFill(ctx, app)
	// Invalidate on both paths: a conflict means the cached account is stale.
	s.invalidate(ctx, app.Fill.AccountID)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(accountID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) GetAccountByUser(ctx context.Context, userID string) (*model.Account, error) {
	if id, err := s.rdb.Get(ctx, userKey(userID)).Result(); err == nil {
		return s.GetAccount(ctx, id)
	}

	a, err := s.primary.GetAccountByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(accountID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, accountID, instrument string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, instrument)
}

func (s *CachedStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, orderID)
}

func (s *CachedStore) ListOrders(ctx context.Context, accountID string, status model.OrderStatus, limit int) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, accountID, status, limit)
}

func (s *CachedStore) ListFills(ctx context.Context, accountID string, limit int) ([]model.Fill, error) {
	return s.primary.ListFills(ctx, accountID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAccount(ctx context.Context, a *model.Account) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(a.ID), data, s.ttl)
		s.rdb.Set(ctx, userKey(a.UserID), a.ID, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, accountID string) {
	s.rdb.Del(ctx, accountKey(accountID), positionsKey(accountID))
}

func accountKey(id string) string    { return fmt.Sprintf("account:%s", id) }
func userKey(uid string) string      { return fmt.Sprintf("account:user:%s", uid) }
func positionsKey(id string) string  { return fmt.Sprintf("positions:%s", id) }
