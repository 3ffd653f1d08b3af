package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	byUser    map[string]string                    // userID → accountID
	positions map[string]map[string]model.Position // accountID → instrument → position
	orders    map[string]*model.Order              // orderID → order
	orderSeq  map[string][]string                  // accountID → orderIDs in insertion order
	keys      map[string]map[string]string         // accountID → idempotency key → orderID
	fills     map[string][]model.Fill              // accountID → fills in execution order
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		byUser:    make(map[string]string),
		positions: make(map[string]map[string]model.Position),
		orders:    make(map[string]*model.Order),
		orderSeq:  make(map[string][]string),
		keys:      make(map[string]map[string]string),
		fills:     make(map[string][]model.Fill),
	}
}

// --- Accounts ---

func (s *MemoryStore) GetOrCreateAccount(_ context.Context, userID string, startingCash decimal.Decimal, baseCurrency string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byUser[userID]; ok {
		copy := *s.accounts[id]
		return &copy, nil
	}

	a := &model.Account{
		ID:           uuid.New().String(),
		UserID:       userID,
		BaseCurrency: baseCurrency,
		StartingCash: startingCash,
		CashBalance:  startingCash,
		Version:      1,
		CreatedAt:    time.Now().UTC(),
	}
	s.accounts[a.ID] = a
	s.byUser[userID] = a.ID

	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, model.Reject(model.KindAccountNotFound, "account %s not found", accountID)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAccountByUser(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUser[userID]
	if !ok {
		return nil, model.Reject(model.KindAccountNotFound, "no account for user %s", userID)
	}
	copy := *s.accounts[id]
	return &copy, nil
}

func (s *MemoryStore) ResetAccount(_ context.Context, accountID string, startingCash *decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, model.Reject(model.KindAccountNotFound, "account %s not found", accountID)
	}
	if startingCash != nil {
		a.StartingCash = *startingCash
	}
	a.CashBalance = a.StartingCash
	a.Version++

	for _, id := range s.orderSeq[accountID] {
		delete(s.orders, id)
	}
	delete(s.orderSeq, accountID)
	delete(s.keys, accountID)
	delete(s.positions, accountID)
	delete(s.fills, accountID)

	copy := *a
	return &copy, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, accountID, instrument string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[accountID][instrument]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions[accountID]))
	for _, p := range s.positions[accountID] {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Instrument < positions[j].Instrument
	})
	return positions, nil
}

// --- Orders ---

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[o.AccountID]; !ok {
		return model.Reject(model.KindAccountNotFound, "account %s not found", o.AccountID)
	}
	keys := s.keys[o.AccountID]
	if keys == nil {
		keys = make(map[string]string)
		s.keys[o.AccountID] = keys
	}
	if _, dup := keys[o.IdempotencyKey]; dup {
		return model.Reject(model.KindDuplicateOrder, "idempotency key %q already used", o.IdempotencyKey)
	}

	// Store a copy to avoid external mutation.
	copy := *o
	s.orders[o.ID] = &copy
	s.orderSeq[o.AccountID] = append(s.orderSeq[o.AccountID], o.ID)
	keys[o.IdempotencyKey] = o.ID
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, model.Reject(model.KindOrderNotFound, "order %s not found", orderID)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, accountID string, status model.OrderStatus, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.orderSeq[accountID]
	var result []model.Order
	for i := len(ids) - 1; i >= 0; i-- {
		o := s.orders[ids[i]]
		if status != "" && o.Status != status {
			continue
		}
		result = append(result, *o)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) TransitionOrder(_ context.Context, orderID string, from, to model.OrderStatus, reason string) error {
	if err := checkTransition(orderID, from, to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return model.Reject(model.KindOrderNotFound, "order %s not found", orderID)
	}
	if o.Status != from {
		return orderConflict(orderID, o.Status, from)
	}
	o.Status = to
	o.RejectReason = reason
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Fills ---

func (s *MemoryStore) ApplyFill(_ context.Context, app *FillApplication) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := app.Fill
	a, ok := s.accounts[f.AccountID]
	if !ok {
		return nil, model.Reject(model.KindAccountNotFound, "account %s not found", f.AccountID)
	}
	if a.Version != app.ExpectedVersion {
		return nil, versionConflict(a.ID, app.ExpectedVersion, a.Version)
	}
	o, ok := s.orders[f.OrderID]
	if !ok {
		return nil, model.Reject(model.KindOrderNotFound, "order %s not found", f.OrderID)
	}
	if o.Status != app.OrderFrom {
		return nil, orderConflict(o.ID, o.Status, app.OrderFrom)
	}

	// Validate everything before mutating so a failure leaves no trace.
	next := *a
	if err := next.ApplyCashDelta(app.CashDelta); err != nil {
		return nil, err
	}

	*a = next
	if app.Flat {
		delete(s.positions[a.ID], f.Instrument)
	} else {
		byInstr := s.positions[a.ID]
		if byInstr == nil {
			byInstr = make(map[string]model.Position)
			s.positions[a.ID] = byInstr
		}
		byInstr[f.Instrument] = app.Position
	}
	s.fills[a.ID] = append(s.fills[a.ID], f)
	o.Status = model.OrderStatusFilled
	o.UpdatedAt = f.FilledAt

	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListFills(_ context.Context, accountID string, limit int) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.fills[accountID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]model.Fill, len(all))
	copy(out, all)
	return out, nil
}
