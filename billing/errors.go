/*
errors.go - Centralized error types for the billing domain

ERROR CATEGORIES:
  1. Lookup errors - Missing settings, invoices, transactions
  2. Authorization errors - Acting on another user's data
  3. Store errors - Uniqueness violations, provisioning gaps
  4. Sequence errors - Allocation failures (must fail invoice creation)

USAGE:
  if errors.Is(err, billing.ErrStoreNotProvisioned) {
      // skip invoice upload, settings not written yet
  }

SEE ALSO:
  - store.go: Returns these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when a user acts on a record owned by another user.
	ErrForbidden = errors.New("forbidden")

	// ErrStoreNotProvisioned is returned when an operation needs a store
	// identity but the user has no settings yet.
	ErrStoreNotProvisioned = errors.New("store not provisioned")

	// ErrDuplicateTransaction is returned when a transaction with the same
	// gateway invoice id already exists.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrDuplicateRevenue is returned when revenue was already recorded for
	// a transaction.
	ErrDuplicateRevenue = errors.New("revenue already recorded")

	// ErrSequenceAllocation is returned when no invoice number could be
	// allocated. Invoice creation must fail when this happens.
	ErrSequenceAllocation = errors.New("sequence allocation failed")

	// ErrInvalidInput is returned for malformed domain values.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SequenceError provides details about a failed allocation.
type SequenceError struct {
	StoreID StoreID
	Day     string
	Cause   error
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("allocate invoice number for store %s on %s: %v", MaskID(string(e.StoreID)), e.Day, e.Cause)
}

func (e *SequenceError) Unwrap() []error {
	return []error{ErrSequenceAllocation, e.Cause}
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicateTransaction) ||
		errors.Is(err, ErrStoreNotProvisioned)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
