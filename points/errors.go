/*
errors.go - Centralized error types for the points ledger

ERROR CATEGORIES:
  1. Client errors   - invalid arguments, insufficient balance, replays
  2. Contention      - optimistic concurrency budget exhausted (retryable)
  3. Integrity       - account summary disagrees with the ledger (audit only)
  4. Lookup          - missing entries or accounts

USAGE:
  Callers branch with errors.Is on the sentinels; structured errors carry
  context and unwrap to their sentinel:

    if errors.Is(err, points.ErrInsufficientBalance) {
        var ib *points.InsufficientBalanceError
        errors.As(err, &ib) // ib.Shortfall
    }
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned before any mutation for non-positive
	// amounts or a missing member id.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInsufficientBalance is returned when eligible grants (or the
	// account's available points) cannot cover a request.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrentModification is returned when the bounded retry budget
	// for a contended row is exhausted. The whole operation was rolled back.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrIntegrityViolation is reported by the auditor, and by the sweep
	// when it finds an account holding fewer points than a grant expires,
	// whenever an account summary disagrees with its ledger.
	ErrIntegrityViolation = errors.New("ledger integrity violation")

	// ErrDuplicateSource is returned when an EARN or SPEND with the same
	// member, source type and source id already exists.
	ErrDuplicateSource = errors.New("duplicate source reference")

	ErrEntryNotFound   = errors.New("entry not found")
	ErrAccountNotFound = errors.New("account not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	MemberID  MemberID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d, shortfall %d",
		e.MemberID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Shortfall() int64 { return e.Requested - e.Available }

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ConcurrentModificationError names the row whose retry budget ran out.
type ConcurrentModificationError struct {
	MemberID MemberID
	Row      string // "entry" or "account"
	RowID    string
	Attempts int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s (member %s) after %d attempts",
		e.Row, e.RowID, e.MemberID, e.Attempts)
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrConcurrentModification }

// IntegrityError reports an account summary that does not match the
// ledger. It is surfaced for operator investigation and never corrected
// automatically.
type IntegrityError struct {
	MemberID       MemberID
	AccountBalance int64 // available + frozen
	LedgerBalance  int64 // sum of live remaining balances
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation for %s: account holds %d, ledger holds %d",
		e.MemberID, e.AccountBalance, e.LedgerBalance)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateSource)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrAccountNotFound)
}
