package domain

import (
	"errors"
	"fmt"
)

var (
	ErrItemNotFound        = errors.New("item not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAlreadyReleased     = errors.New("reservation already closed")
	ErrOrderNotFound       = errors.New("order not found")
	ErrDuplicateOrder      = errors.New("duplicate buy order")
	ErrEmptyCart           = errors.New("cart has no held items")
	ErrInconsistentAudit   = errors.New("stock disagrees with audit log")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrGatewayTimeout      = errors.New("payment gateway timeout")
	ErrGatewayRejected     = errors.New("payment gateway rejected request")
	ErrCommitInProgress    = errors.New("confirmation already in progress")
)

// InsufficientStockError carries the stock observed when the hold was refused.
type InsufficientStockError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ItemID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ValidationError is returned before any mutation for malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type GatewayErrorKind int

const (
	GatewayUnavailable GatewayErrorKind = iota
	GatewayTimeout
	GatewayRejected
)

// GatewayError is the explicit error kind returned by payment gateway adapters.
type GatewayError struct {
	Kind GatewayErrorKind
	Op   string
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.kindError(), e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) Is(target error) bool {
	return target == e.kindError()
}

func (e *GatewayError) kindError() error {
	switch e.Kind {
	case GatewayTimeout:
		return ErrGatewayTimeout
	case GatewayRejected:
		return ErrGatewayRejected
	default:
		return ErrGatewayUnavailable
	}
}
