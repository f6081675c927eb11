package ledger

import (
	"errors"
	"fmt"
)

// Order-level error kinds. All are recoverable at the order level: the
// batch coordinator surfaces kind + message in the per-order result, or
// promotes them to a batch abort in atomic mode.
var (
	ErrInvalidOrder         = errors.New("invalid order")
	ErrUnknownInstrument    = errors.New("unknown instrument")
	ErrNoQuoteAvailable     = errors.New("no quote available")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrNoOpenPosition       = errors.New("no open position")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrStorageConflict      = errors.New("storage conflict")
)

// OrderError is a typed, user-presentable order rejection. Kind is one of
// the sentinel errors above; Message is safe to return to the caller.
type OrderError struct {
	Kind    error
	Message string
}

func (e *OrderError) Error() string { return e.Message }

func (e *OrderError) Unwrap() error { return e.Kind }

// reject builds an OrderError of the given kind.
func reject(kind error, format string, args ...any) *OrderError {
	return &OrderError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
