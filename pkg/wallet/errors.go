package wallet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTransaction is wrapped by every ValidationError.
	ErrInvalidTransaction = errors.New("invalid wallet transaction")

	// ErrInsufficientFunds is wrapped by InsufficientFundsError.
	ErrInsufficientFunds = errors.New("insufficient wallet balance")

	// ErrModelDisallowed is returned when the wallet refuses to fund a
	// provider/model pair.
	ErrModelDisallowed = errors.New("model disallowed for wallet")

	// ErrDuplicateRequest is returned by ReserveOnce when the request id
	// already has a hold, open or terminal.
	ErrDuplicateRequest = errors.New("escrow hold already exists for request")

	// ErrHoldNotFound is returned for an unknown escrow hold id.
	ErrHoldNotFound = errors.New("escrow hold not found")

	// ErrStorageUnavailable is wrapped by every StorageError.
	ErrStorageUnavailable = errors.New("wallet storage unavailable")

	// ErrReadOnly is returned by writes attempted inside Store.View.
	ErrReadOnly = errors.New("wallet transaction is read-only")
)

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidTransaction
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// InsufficientFundsError reports a reserve that would breach the minimum
// balance.
type InsufficientFundsError struct {
	OrgID          string
	Provider       string
	Requested      decimal.Decimal
	Available      decimal.Decimal
	MinimumReserve decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	msg := fmt.Sprintf("insufficient balance for org %s: requested %s cents, available %s cents",
		e.OrgID, e.Requested.String(), e.Available.String())
	if e.MinimumReserve.IsPositive() {
		msg += fmt.Sprintf(" (minimum reserve %s)", e.MinimumReserve.String())
	}
	return msg
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("wallet storage %s: %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap exposes both ErrStorageUnavailable and the cause.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// NewStorageError wraps err for backend and op. A nil err yields nil.
func NewStorageError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Backend: backend, Op: op, Err: err}
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
