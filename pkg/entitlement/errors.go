package entitlement

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the entitlement core.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrAccountNotFound         = errors.New("account not found")
	ErrLedgerNotFound          = errors.New("ledger not found")
	ErrLedgerExists            = errors.New("ledger already exists")
	ErrEventNotFound           = errors.New("ledger event not found")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidSessionKey       = errors.New("invalid session key")
	ErrInvalidCredits          = errors.New("invalid credits")
	ErrInvalidReason           = errors.New("invalid reason")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidEventKind        = errors.New("invalid event kind")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidLedgerState      = errors.New("invalid ledger state")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
