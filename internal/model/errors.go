package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a ledger failure. Kinds are stable strings and are
// exposed to API callers.
type ErrorKind string

const (
	KindInvalidOrderSpec      ErrorKind = "invalid_order_spec"
	KindBelowMinimumSize      ErrorKind = "below_minimum_size"
	KindInsufficientFunds     ErrorKind = "insufficient_funds"
	KindInsufficientPosition  ErrorKind = "insufficient_position"
	KindPositionLimitExceeded ErrorKind = "position_limit_exceeded"
	KindPriceUnavailable      ErrorKind = "price_unavailable"
	KindStorageConflict       ErrorKind = "storage_conflict"
	KindTimeout               ErrorKind = "timeout"
	KindDuplicateOrder        ErrorKind = "duplicate_order"
	KindOrderNotFound         ErrorKind = "order_not_found"
	KindOrderNotCancelable    ErrorKind = "order_not_cancelable"
	KindAccountNotFound       ErrorKind = "account_not_found"
)

// LedgerError carries a kind and a human-readable reason.
type LedgerError struct {
	Kind   ErrorKind
	Reason string
}

func (e *LedgerError) Error() string {
	if e.Reason == "" {
		return "ledger: " + string(e.Kind)
	}
	return "ledger: " + string(e.Kind) + ": " + e.Reason
}

// Is matches any LedgerError of the same kind when target is a bare
// sentinel (no reason).
func (e *LedgerError) Is(target error) bool {
	t, ok := target.(*LedgerError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// Sentinels for errors.Is.
var (
	ErrInvalidOrderSpec      = &LedgerError{Kind: KindInvalidOrderSpec}
	ErrBelowMinimumSize      = &LedgerError{Kind: KindBelowMinimumSize}
	ErrInsufficientFunds     = &LedgerError{Kind: KindInsufficientFunds}
	ErrInsufficientPosition  = &LedgerError{Kind: KindInsufficientPosition}
	ErrPositionLimitExceeded = &LedgerError{Kind: KindPositionLimitExceeded}
	ErrPriceUnavailable      = &LedgerError{Kind: KindPriceUnavailable}
	ErrStorageConflict       = &LedgerError{Kind: KindStorageConflict}
	ErrTimeout               = &LedgerError{Kind: KindTimeout}
	ErrDuplicateOrder        = &LedgerError{Kind: KindDuplicateOrder}
	ErrOrderNotFound         = &LedgerError{Kind: KindOrderNotFound}
	ErrOrderNotCancelable    = &LedgerError{Kind: KindOrderNotCancelable}
	ErrAccountNotFound       = &LedgerError{Kind: KindAccountNotFound}
)

// Reject builds a LedgerError of the given kind with a formatted reason.
func Reject(kind ErrorKind, format string, args ...any) error {
	return &LedgerError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or "" if err is not a ledger error.
func KindOf(err error) ErrorKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// ReasonOf returns the human-readable reason for err.
func ReasonOf(err error) string {
	var le *LedgerError
	if errors.As(err, &le) {
		if le.Reason != "" {
			return le.Reason
		}
		return string(le.Kind)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
