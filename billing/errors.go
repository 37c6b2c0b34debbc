/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is against the sentinels; the structured
  types carry the context needed for logs and API responses.

ERROR CATEGORIES:
  1. Configuration - company cannot be billed automatically
  2. Idempotency hits - duplicate period / duplicate reference (benign)
  3. Caller input - already paid, already discounted, no discount, bad pct
  4. Store - I/O failures, surfaced per company, never retried here

USAGE:
  if errors.Is(err, billing.ErrDuplicatePeriod) {
      // another run already closed this period
  }

SEE ALSO:
  - idempotency.go: Maps duplicates to skip decisions
  - api/handlers.go: Maps categories to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfiguration is returned when a company has no usable billing day.
	ErrConfiguration = errors.New("invalid billing configuration")

	// ErrDuplicatePeriod is returned when a statement for the same
	// company and period already exists. Expected under retries.
	ErrDuplicatePeriod = errors.New("statement already exists for period")

	// ErrDuplicateReference is returned when an active movement with the
	// same reference already exists for the company. Expected under retries.
	ErrDuplicateReference = errors.New("movement reference already exists")

	// ErrIdempotencyConflict is returned when an existing record shares the
	// natural key but disagrees on content.
	ErrIdempotencyConflict = errors.New("idempotency conflict")

	ErrAlreadyPaid         = errors.New("statement already paid")
	ErrAlreadyDiscounted   = errors.New("statement already discounted")
	ErrNoDiscount          = errors.New("statement has no discount")
	ErrInvalidPercentage   = errors.New("discount percentage must be within [0, 100]")
	ErrNothingToDiscount   = errors.New("statement has no charged amount to discount")
	ErrInvalidAmount       = errors.New("movement amount must be positive")
	ErrInvalidMovementKind = errors.New("movement kind must be charge or credit")
	ErrMissingKey          = errors.New("adjustment requires an idempotency key")

	ErrCompanyNotFound   = errors.New("company not found")
	ErrStatementNotFound = errors.New("statement not found")
	ErrMovementNotFound  = errors.New("movement not found")

	// ErrStoreUnavailable is returned when the persistent store fails.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError is fatal for one company's run, never for the batch.
type ConfigurationError struct {
	CompanyID CompanyID
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("company %s: %s", e.CompanyID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// DuplicatePeriodError names the statement that already covers the period.
type DuplicatePeriodError struct {
	CompanyID  CompanyID
	Start      time.Time
	End        time.Time
	ExistingID StatementID
}

func (e *DuplicatePeriodError) Error() string {
	return fmt.Sprintf("statement %s already covers [%s, %s) for company %s",
		e.ExistingID, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.CompanyID)
}

func (e *DuplicatePeriodError) Unwrap() error { return ErrDuplicatePeriod }

// DuplicateReferenceError names the movement already holding the reference.
type DuplicateReferenceError struct {
	CompanyID  CompanyID
	Reference  string
	ExistingID MovementID
}

func (e *DuplicateReferenceError) Error() string {
	return fmt.Sprintf("reference %s already posted as movement %s for company %s",
		e.Reference, e.ExistingID, e.CompanyID)
}

func (e *DuplicateReferenceError) Unwrap() error { return ErrDuplicateReference }

// ConflictError reports an existing record whose content disagrees with
// what the caller was about to write under the same natural key.
type ConflictError struct {
	CompanyID CompanyID
	Key       string
	Detail    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency conflict on %s for company %s: %s", e.Key, e.CompanyID, e.Detail)
}

func (e *ConflictError) Unwrap() error { return ErrIdempotencyConflict }

// StatementStateError is returned by discount operations on a statement in
// the wrong state. Sentinel is one of ErrAlreadyPaid, ErrAlreadyDiscounted,
// ErrNoDiscount or ErrNothingToDiscount.
type StatementStateError struct {
	StatementID StatementID
	Sentinel    error
}

func (e *StatementStateError) Error() string {
	return fmt.Sprintf("statement %s: %v", e.StatementID, e.Sentinel)
}

func (e *StatementStateError) Unwrap() error { return e.Sentinel }

// InvalidPercentageError carries the rejected percentage.
type InvalidPercentageError struct {
	Percentage decimal.Decimal
}

func (e *InvalidPercentageError) Error() string {
	return fmt.Sprintf("invalid discount percentage %s: must be within [0, 100]", e.Percentage)
}

func (e *InvalidPercentageError) Unwrap() error { return ErrInvalidPercentage }

// StoreUnavailableError wraps an I/O failure. It matches both
// ErrStoreUnavailable and the underlying driver error.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// Unavailable wraps err as a StoreUnavailableError unless it is nil or
// already a domain error.
func Unavailable(op string, err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsIdempotencyHit returns true for duplicates that callers treat as a skip.
func IsIdempotencyHit(err error) bool {
	return errors.Is(err, ErrDuplicatePeriod) || errors.Is(err, ErrDuplicateReference)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAlreadyPaid) ||
		errors.Is(err, ErrAlreadyDiscounted) ||
		errors.Is(err, ErrNoDiscount) ||
		errors.Is(err, ErrInvalidPercentage) ||
		errors.Is(err, ErrNothingToDiscount) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidMovementKind) ||
		errors.Is(err, ErrMissingKey) ||
		errors.Is(err, ErrConfiguration)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCompanyNotFound) ||
		errors.Is(err, ErrStatementNotFound) ||
		errors.Is(err, ErrMovementNotFound)
}

// IsRetryable returns true if the failed company should be retried later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsDomainError returns true for errors raised by the engine's own rules.
func IsDomainError(err error) bool {
	return IsIdempotencyHit(err) || IsClientError(err) || IsNotFound(err) ||
		errors.Is(err, ErrIdempotencyConflict) || errors.Is(err, ErrStoreUnavailable)
}
