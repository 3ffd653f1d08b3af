// Package export writes ledger history to Parquet files for offline
// analysis.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/store"
)

// FillRecord is the Parquet schema for one fill. Decimal columns are stored
// as their exact string form.
type FillRecord struct {
	FillID     string `parquet:"fill_id"`
	OrderID    string `parquet:"order_id"`
	AccountID  string `parquet:"account_id"`
	Instrument string `parquet:"instrument"`
	Side       string `parquet:"side"`
	Price      string `parquet:"price"`
	Quantity   string `parquet:"quantity"`
	Notional   string `parquet:"notional"`
	Fee        string `parquet:"fee"`
	FilledAt   int64  `parquet:"filled_at,timestamp(millisecond)"` // Unix ms
}

// Records converts fills to their on-disk form, preserving order.
func Records(fills []model.Fill) []FillRecord {
	out := make([]FillRecord, 0, len(fills))
	for _, f := range fills {
		out = append(out, FillRecord{
			FillID:     f.ID,
			OrderID:    f.OrderID,
			AccountID:  f.AccountID,
			Instrument: f.Instrument,
			Side:       string(f.Side),
			Price:      f.Price.String(),
			Quantity:   f.Quantity.String(),
			Notional:   f.Notional().String(),
			Fee:        f.Fee.String(),
			FilledAt:   f.FilledAt.UnixMilli(),
		})
	}
	return out
}

// WriteFills writes fills to path, creating parent directories. An existing
// file is replaced.
func WriteFills(path string, fills []model.Fill) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, Records(fills))
}

// ReadFills reads a file written by WriteFills.
func ReadFills(path string) ([]FillRecord, error) {
	return parquet.ReadFile[FillRecord](path)
}

// AccountFills exports every fill of the account to path and returns the
// number written.
func AccountFills(ctx context.Context, st store.Store, accountID, path string) (int, error) {
	fills, err := st.ListFills(ctx, accountID, 0)
	if err != nil {
		return 0, fmt.Errorf("list fills: %w", err)
	}
	if err := WriteFills(path, fills); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(fills), nil
}
