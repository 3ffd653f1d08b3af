package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

// backends returns a constructor per Store implementation. The postgres
// backend runs only when DATABASE_URL is set; each test gets its own schema.
func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), true)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"cached": func(t *testing.T) Store {
			s, _ := newCachedStore(t, NewMemoryStore())
			return s
		},
		"postgres": newPostgresTestStore,
	}
}

func newPostgresTestStore(t *testing.T) Store {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := "paper_test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	admin, err := pgx.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close(ctx)
		t.Fatalf("create schema: %v", err)
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse DATABASE_URL: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
		admin.Close(ctx)
	})

	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

func newOrder(accountID, key string) *model.Order {
	now := time.Now().UTC()
	return &model.Order{
		ID:             uuid.New().String(),
		AccountID:      accountID,
		Instrument:     "BTC",
		Side:           model.SideBuy,
		Type:           model.OrderTypeMarket,
		Quantity:       ptr(d("0.1")),
		Status:         model.OrderStatusCreated,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func buyFill(a *model.Account, o *model.Order, qty, price, fee, delta string) *FillApplication {
	now := time.Now().UTC()
	return &FillApplication{
		ExpectedVersion: a.Version,
		CashDelta:       d(delta),
		Position: model.Position{
			AccountID: a.ID, Instrument: o.Instrument,
			Quantity: d(qty), AvgPrice: d(price), UpdatedAt: now,
		},
		Fill: model.Fill{
			ID: uuid.New().String(), OrderID: o.ID, AccountID: a.ID,
			Instrument: o.Instrument, Side: o.Side,
			Price: d(price), Quantity: d(qty), Fee: d(fee), FilledAt: now,
		},
		OrderFrom: model.OrderStatusCreated,
	}
}

// --- Accounts ---

func TestGetOrCreateAccount_Idempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		a1, err := s.GetOrCreateAccount(ctx, "alice", d("10000"), "USD")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		a2, err := s.GetOrCreateAccount(ctx, "alice", d("99"), "EUR")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if a1.ID != a2.ID {
			t.Errorf("expected same account, got %s and %s", a1.ID, a2.ID)
		}
		if !a2.CashBalance.Equal(d("10000")) || !a2.StartingCash.Equal(d("10000")) {
			t.Errorf("second call must not reseed: cash=%s starting=%s", a2.CashBalance, a2.StartingCash)
		}
		if a2.BaseCurrency != "USD" {
			t.Errorf("expected USD, got %s", a2.BaseCurrency)
		}
	})
}

func TestGetOrCreateAccount_Concurrent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		const n = 10
		ids := make([]string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, err := s.GetOrCreateAccount(ctx, "bob", d("10000"), "USD")
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				ids[i] = a.ID
			}(i)
		}
		wg.Wait()

		for i := 1; i < n; i++ {
			if ids[i] != ids[0] {
				t.Fatalf("concurrent get-or-create produced two accounts: %s vs %s", ids[0], ids[i])
			}
		}
	})
}

func TestGetAccount_NotFound(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		_, err := s.GetAccount(context.Background(), "missing")
		if !errors.Is(err, model.ErrAccountNotFound) {
			t.Errorf("expected ErrAccountNotFound, got %v", err)
		}
		_, err = s.GetAccountByUser(context.Background(), "nobody")
		if !errors.Is(err, model.ErrAccountNotFound) {
			t.Errorf("expected ErrAccountNotFound, got %v", err)
		}
	})
}

// --- Orders ---

func TestInsertOrder_DuplicateKey(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.GetOrCreateAccount(ctx, "alice", d("10000"), "USD")

		if err := s.InsertOrder(ctx, newOrder(a.ID, "k1")); err != nil {
			t.Fatalf("insert: %v", err)
		}
		err := s.InsertOrder(ctx, newOrder(a.ID, "k1"))
		if !errors.Is(err, model.ErrDuplicateOrder) {
			t.Errorf("expected ErrDuplicateOrder, got %v", err)
		}

		orders, err := s.ListOrders(ctx, a.ID, "", 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(orders) != 1 {
			t.Errorf("expected 1 order, got %d", len(orders))
		}
	})
}

func TestOrderRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.GetOrCreateAccount(ctx, "alice", d("10000"), "USD")

		o := newOrder(a.ID, "k1")
		o.Type = model.OrderTypeLimit
		o.Quantity = nil
		o.Notional = ptr(d("250.5"))
		o.LimitPrice = ptr(d("44000"))
		if err := s.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert: %v", err)
		}

		got, err := s.GetOrder(ctx, o.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Quantity != nil {
			t.Errorf("expected nil quantity, got %s", got.Quantity)
		}
		if got.Notional == nil || !got.Notional.Equal(d("250.5")) {
			t.Errorf("expected notional 250.5, got %v", got.Notional)
		}
		if got.LimitPrice == nil || !got.LimitPrice.Equal(d("44000")) {
			t.Errorf("expected limit 44000, got %v", got.LimitPrice)
		}
		if got.Type != model.OrderTypeLimit || got.Status != model.OrderStatusCreated {
			t.Errorf("unexpected type/status %s/%s", got.Type, got.Status)
		}

		if _, err := s.GetOrder(ctx, "missing"); !errors.Is(err, model.ErrOrderNotFound) {
			t.Errorf("expected ErrOrderNotFound, got %v", err)
		}
	})
}

func TestListOrders_NewestFirstAndFiltered(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.GetOrCreateAccount(ctx, "alice", d("10000"), "USD")

		first := newOrder(a.ID, "k1")
		second := newOrder(a.ID, "k2")
		third := newOrder(a.ID, "k3")
		for _, o := range []*model.Order{first, second, third} {
			if err := s.InsertOrder(ctx, o); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
		if err := s.TransitionOrder(ctx, second.ID, model.OrderStatusCreated, model.OrderStatusRejected, "no price"); err != nil {
			t.Fatalf("transition: %v", err)
		}

		all, _ := s.ListOrders(ctx, a.ID, "", 0)
		if len(all) != 3 || all[0].ID != third.ID || all[2].ID != first.ID {
			t.Fatalf("expected newest first, got %+v", all)
		}

		created, _ := s.ListOrders(ctx, a.ID, model.OrderStatusCreated, 0)
		if len(created) != 2 {
			t.Errorf("expected 2 created orders, got %d", len(created))
		}

		limited, _ := s.ListOrders(ctx, a.ID, "", 1)
		if len(limited) != 1 || limited[0].ID != third.ID {
			t.Errorf("expected only the newest order, got %+v", limited)
		}

		rejected, _ := s.GetOrder(ctx, second.ID)
		if rejected.RejectReason != "no price" {
			t.Errorf("expected reject reason, got %q", rejected.RejectReason)
		}
	})
}

func TestTransitionOrder_StaleFrom(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.GetOrCreateAccount(ctx, "alice", d("10000"), "USD")
		o := newOrder(a.ID, "k1")
		_ = s.InsertOrder(ctx, o)

		if err := s.TransitionOrder(ctx, o.ID, model.OrderStatusCreated, model.OrderStatusCanceled, ""); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		err := s.TransitionOrder(ctx, o.ID, model.OrderStatusCreated, model.OrderStatusCanceled, "")
		if !errors.Is(err, model.ErrStorageConflict) {
			t.Errorf("expected ErrStorageConflict, got %v", err)
		}
		err = s.TransitionOrder(ctx, "missing", model.OrderStatusCreated, model.OrderStatusCanceled, "")
		if !errors.Is(err, model.ErrOrderNotFound) {
			t.Errorf("expected ErrOrderNotFound, got %v", err)
		}
		err = s.TransitionOrder(ctx, o.ID, model.OrderStatusCanceled, model.OrderStatusFilled, "")
		if !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("expected ErrIllegalTransition, got %v", err)
		}
	})
}

// --- Atomic fill ---

func TestApplyFill_Buy(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.GetOrCreateAccount(ctx, "alice", d("10000"), "USD")
		o := newOrder(a.ID, "k1")
		_ = s.InsertOrder(ctx, o)

		updated, err := s.ApplyFill(ctx, buyFill(a, o, "0.1", "45022.5", "4.5", "-4506.75"))
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if !updated.CashBalance.Equal(d("5493.25")) {
			t.Errorf("expected cash 5493.25, got %s", updated.CashBalance)
		}
		if updated.Version != a.Version+1 {
			t.Errorf("expected version %d, got %d", a.Version+1, updated.Version)
		}

		p, err := s.GetPosition(ctx, a.ID, "BTC")
		if err != nil || p == nil {
			t.Fatalf("expected position, got %v / %v", p, err)
		}
		if !p.Quantity.Equal(d("0.1")) || !p.AvgPrice.Equal(d("45022.5")) {
			t.Errorf("unexpected position %s @ %s", p.Quantity, p.AvgPrice)
		}

		got, _ := s.GetOrder(ctx, o.ID)
		if got.Status != model.OrderStatusFilled {
			t.Errorf("expected filled, got %s", got.Status)
		}

		fills, _ := s.ListFills(ctx, a.ID, 0)
		if len(fills) != 1 || !fills[0].Fee.Equal(d("4.5")) {
			t.Errorf("expected one fill with fee 4.5, got %+v", fills)
		}
	})
}

func TestApplyFill_VersionConflictLeavesNoTrace(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.GetOrCreateAccount(ctx, "alice", d("10000"), "USD")
		o1 := newOrder(a.ID, "k1")
		o2 := newOrder(a.ID, "k2")
		_ = s.InsertOrder(ctx, o1)
		_ = s.InsertOrder(ctx, o2)

		// Both applications were prepared against the same version.
		if _, err := s.ApplyFill(ctx, buyFill(a, o1, "0.1", "45000", "4.5", "-4504.5")); err != nil {
			t.Fatalf("first apply: %v", err)
		}
		_, err := s.ApplyFill(ctx, buyFill(a, o2, "0.1", "45000", "4.5", "-4504.5"))
		if !errors.Is(err, model.ErrStorageConflict) {
			t.Fatalf("expected ErrStorageConflict, got %v", err)
		}

		acct, _ := s.GetAccount(ctx, a.ID)
		if !acct.CashBalance.Equal(d("5495.5")) {
			t.Errorf("conflicting apply must not touch cash, got %s", acct.CashBalance)
		}
		fills, _ := s.ListFills(ctx, a.ID, 0)
		if len(fills) != 1 {
			t.Errorf("expected 1 fill, got %d", len(fills))
		}
		o, _ := s.GetOrder(ctx, o2.ID)
		if o.Status != model.OrderStatusCreated {
			t.Errorf("conflicting order must stay created, got %s", o.Status)
		}
	})
}

func TestApplyFill_InsufficientFundsRollsBack(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.GetOrCreateAccount(ctx, "alice", d("100"), "USD")
		o := newOrder(a.ID, "k1")
		_ = s.InsertOrder(ctx, o)

		_, err := s.ApplyFill(ctx, buyFill(a, o, "1", "100", "0.1", "-100.1"))
		if !errors.Is(err, model.ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
		if p, _ := s.GetPosition(ctx, a.ID, "BTC"); p != nil {
			t.Errorf("position must not exist after a failed apply, got %+v", p)
		}
		if fills, _ := s.ListFills(ctx, a.ID, 0); len(fills) != 0 {
			t.Errorf("fill must not exist after a failed apply, got %d", len(fills))
		}
	})
}

func TestApplyFill_FlatDeletesPosition(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.GetOrCreateAccount(ctx, "alice", d("10000"), "USD")
		buy := newOrder(a.ID, "k1")
		_ = s.InsertOrder(ctx, buy)
		a, err := s.ApplyFill(ctx, buyFill(a, buy, "0.1", "45000", "4.5", "-4504.5"))
		if err != nil {
			t.Fatalf("buy: %v", err)
		}

		sell := newOrder(a.ID, "k2")
		sell.Side = model.SideSell
		_ = s.InsertOrder(ctx, sell)
		app := buyFill(a, sell, "0.1", "45000", "4.5", "4495.5")
		app.Flat = true
		if _, err := s.ApplyFill(ctx, app); err != nil {
			t.Fatalf("sell: %v", err)
		}

		if p, _ := s.GetPosition(ctx, a.ID, "BTC"); p != nil {
			t.Errorf("expected flat position, got %+v", p)
		}
		positions, _ := s.ListPositions(ctx, a.ID)
		if len(positions) != 0 {
			t.Errorf("expected no positions, got %d", len(positions))
		}
	})
}

func TestListFills_LimitKeepsMostRecent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.GetOrCreateAccount(ctx, "alice", d("10000"), "USD")

		var orderIDs []string
		for i, key := range []string{"k1", "k2", "k3"} {
			o := newOrder(a.ID, key)
			_ = s.InsertOrder(ctx, o)
			qty := decimal.NewFromInt(int64(i + 1)).Div(d("10")).String()
			var err error
			a, err = s.ApplyFill(ctx, buyFill(a, o, qty, "100", "0", "-10"))
			if err != nil {
				t.Fatalf("apply %d: %v", i, err)
			}
			orderIDs = append(orderIDs, o.ID)
		}

		fills, _ := s.ListFills(ctx, a.ID, 2)
		if len(fills) != 2 {
			t.Fatalf("expected 2 fills, got %d", len(fills))
		}
		if fills[0].OrderID != orderIDs[1] || fills[1].OrderID != orderIDs[2] {
			t.Errorf("expected the two most recent fills in execution order")
		}
	})
}

// --- Reset ---

func TestResetAccount(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, _ := s.GetOrCreateAccount(ctx, "alice", d("10000"), "USD")
		o := newOrder(a.ID, "k1")
		_ = s.InsertOrder(ctx, o)
		if _, err := s.ApplyFill(ctx, buyFill(a, o, "0.1", "45000", "4.5", "-4504.5")); err != nil {
			t.Fatalf("apply: %v", err)
		}

		reset, err := s.ResetAccount(ctx, a.ID, ptr(d("5000")))
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		if !reset.CashBalance.Equal(d("5000")) || !reset.StartingCash.Equal(d("5000")) {
			t.Errorf("expected cash=starting=5000, got %s/%s", reset.CashBalance, reset.StartingCash)
		}
		if reset.ID != a.ID {
			t.Error("reset must keep the account")
		}

		positions, _ := s.ListPositions(ctx, a.ID)
		orders, _ := s.ListOrders(ctx, a.ID, "", 0)
		fills, _ := s.ListFills(ctx, a.ID, 0)
		if len(positions)+len(orders)+len(fills) != 0 {
			t.Errorf("reset must clear history: %d positions, %d orders, %d fills",
				len(positions), len(orders), len(fills))
		}

		// Keys are reusable after a reset.
		if err := s.InsertOrder(ctx, newOrder(a.ID, "k1")); err != nil {
			t.Errorf("expected key reuse after reset, got %v", err)
		}

		// Without a new amount the existing starting cash is restored.
		again, err := s.ResetAccount(ctx, a.ID, nil)
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		if !again.CashBalance.Equal(d("5000")) {
			t.Errorf("expected 5000, got %s", again.CashBalance)
		}

		if _, err := s.ResetAccount(ctx, "missing", nil); !errors.Is(err, model.ErrAccountNotFound) {
			t.Errorf("expected ErrAccountNotFound, got %v", err)
		}
	})
}

func TestSQLiteStore_Pragmas(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), true)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected wal journal, got %q", mode)
	}
	var fk int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("expected foreign keys on, got %d", fk)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	st, closeFn, err := Open(ctx, OpenOptions{})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := st.(*MemoryStore); !ok {
		t.Errorf("empty driver should open memory, got %T", st)
	}
	closeFn()

	st, closeFn, err = Open(ctx, OpenOptions{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "open.db"), Migrate: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer closeFn()
	if _, err := st.GetOrCreateAccount(ctx, "alice", d("10000"), "USD"); err != nil {
		t.Errorf("migrated sqlite should accept writes: %v", err)
	}

	if _, _, err := Open(ctx, OpenOptions{Driver: "mongo"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
