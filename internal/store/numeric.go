package store

import "github.com/shopspring/decimal"

// Decimal columns are written with Decimal.String() and read back as TEXT,
// so the stored representation is always parseable.

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func parseOptionalDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d := parseDecimal(*s)
	return &d
}

func optionalDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
