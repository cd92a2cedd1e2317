/*
errors.go - Centralized error types for the generic engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Category packages and stores wrap these errors with additional context.

ERROR CATEGORIES:
  1. Lookup errors - Entry or target missing
  2. Lifecycle errors - Operation not allowed in the entry's status
  3. Amount errors - Non-positive, exceeds remaining, nothing to apply
  4. Concurrency errors - Lock/CAS contention (retryable)
  5. Validation errors - Malformed input

USAGE:
  Callers classify with errors.Is:

    if errors.Is(err, generic.ErrInsufficientBalance) {
        var ib *generic.InsufficientBalanceError
        errors.As(err, &ib)
        ...
    }

SEE ALSO:
  - engine.go: Produces most of these errors
  - store.go: Stores return ErrNotFound, ErrConcurrencyConflict,
    ErrDuplicateIdempotencyKey
  - api/handlers.go: Maps these errors to HTTP statuses
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when an entry or target does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when the entry's status forbids the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidAmount is returned for non-positive amounts, amounts exceeding
	// the remaining balance, and allocations with nothing to apply.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance is returned when an application exceeds the
	// entry's remaining balance. Always also matches ErrInvalidAmount.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrencyConflict is returned when a conditional update lost a race.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateIdempotencyKey is returned by stores when an application
	// with the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateNumber is returned by stores when an entry number collides.
	ErrDuplicateNumber = errors.New("duplicate entry number")

	// ErrStoreRequired is returned when a component is built without a store.
	ErrStoreRequired = errors.New("store is required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	EntryID   EntryID
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("Insufficient credit balance. Available: %s, Requested: %s",
		e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() []error {
	return []error{ErrInsufficientBalance, ErrInvalidAmount}
}

// Shortfall is how much more balance the request needed.
func (e *InsufficientBalanceError) Shortfall() Amount {
	return e.Requested.Sub(e.Available)
}

// StateError reports an operation rejected by the lifecycle.
type StateError struct {
	EntryID EntryID
	Status  Status
	Op      string
	Reason  string
}

func (e *StateError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("Credit is %s and cannot be %s", e.Status, e.Op)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input
// or a request the entry's current state cannot satisfy.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInsufficientBalance)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
