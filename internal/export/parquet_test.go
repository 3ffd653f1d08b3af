package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestWriteAndReadFills(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	fills := []model.Fill{
		{ID: "f1", OrderID: "o1", AccountID: "a1", Instrument: "BTC", Side: model.SideBuy,
			Price: d("45022.5"), Quantity: d("0.1"), Fee: d("4.50"), FilledAt: at},
		{ID: "f2", OrderID: "o2", AccountID: "a1", Instrument: "BTC", Side: model.SideSell,
			Price: d("44977.5"), Quantity: d("0.05"), Fee: d("2.25"), FilledAt: at.Add(time.Minute)},
	}

	path := filepath.Join(t.TempDir(), "nested", "fills.parquet")
	if err := WriteFills(path, fills); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadFills(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	r := got[0]
	if r.FillID != "f1" || r.Side != "buy" || r.Instrument != "BTC" {
		t.Errorf("unexpected record %+v", r)
	}
	if r.Price != "45022.5" || r.Notional != "4502.25" || r.Fee != "4.5" {
		t.Errorf("decimal columns should keep exact values, got price=%s notional=%s fee=%s", r.Price, r.Notional, r.Fee)
	}
	if r.FilledAt != at.UnixMilli() {
		t.Errorf("expected ms timestamp %d, got %d", at.UnixMilli(), r.FilledAt)
	}
	if got[1].FillID != "f2" {
		t.Errorf("order not preserved: %+v", got[1])
	}
}

func TestAccountFills_Empty(t *testing.T) {
	ms := store.NewMemoryStore()
	acct, err := ms.GetOrCreateAccount(context.Background(), "alice", d("10000"), "USD")
	if err != nil {
		t.Fatalf("account: %v", err)
	}

	path := filepath.Join(t.TempDir(), "fills.parquet")
	n, err := AccountFills(context.Background(), ms, acct.ID, path)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 fills, got %d", n)
	}
	got, err := ReadFills(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty file, got %d rows", len(got))
	}
}
