/*
store.go - Persistence contract for entries, accounts and traces

PURPOSE:
  Defines the interface between the ledger engine and the database.
  Implementations: points/store (memory), store/sqlite, store/postgres.

CONDITIONAL UPDATES:
  The engine holds no locks. All cross-operation safety comes from two
  compare-and-set primitives the store must execute atomically:

  DecrementRemaining(id, amount):
    UPDATE entries SET remaining_balance = remaining_balance - :amount
    WHERE id = :id AND kind = 'EARN' AND deleted = false
      AND remaining_balance >= :amount
    -> false when zero rows matched (someone else got there first)

  UpdateAccount(next):
    UPDATE accounts SET ..., version = version + 1
    WHERE member_id = :member AND version = :next.Version
    -> false when the version moved

TRANSACTIONS:
  WithTx runs fn in one database transaction. If fn returns an error every
  write made through the Tx is rolled back; otherwise all are committed.
  Inside fn, only the Tx may be used (some stores hold a single
  connection or lock for the duration).

SOURCE UNIQUENESS:
  Entries with a non-empty SourceID are unique per
  (member, kind, source type, source id). A violation surfaces as
  ErrDuplicateSource.
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// READER - Queries over committed (or, inside a Tx, in-flight) state
// =============================================================================

type Reader interface {
	// GetEntry returns ErrEntryNotFound if the id is unknown.
	GetEntry(ctx context.Context, id EntryID) (Entry, error)

	// GetAccount returns ErrAccountNotFound if the member has no account.
	GetAccount(ctx context.Context, memberID MemberID) (Account, error)

	// EligibleGrants returns the member's spendable EARN entries at now,
	// in FIFO-by-expiry order: ExpiresAt ascending with never-expiring
	// grants last, then CreatedAt ascending, then ID ascending.
	EligibleGrants(ctx context.Context, memberID MemberID, now time.Time) ([]Entry, error)

	// ExpiredGrants returns up to limit live EARN entries with a positive
	// remaining balance and ExpiresAt <= now, oldest expiry first.
	ExpiredGrants(ctx context.Context, now time.Time, limit int) ([]Entry, error)

	// EntriesByMember returns the member's entries, newest first.
	// limit <= 0 means no limit.
	EntriesByMember(ctx context.Context, memberID MemberID, limit int) ([]Entry, error)

	// TracesBySpend returns the traces of a SPEND entry in consumption order.
	TracesBySpend(ctx context.Context, spendEntryID EntryID) ([]DeductionTrace, error)

	// BalanceChecks pairs each account with the sum of remaining balances
	// of its live EARN entries, read in a single consistent snapshot.
	// No members means every account.
	BalanceChecks(ctx context.Context, memberIDs ...MemberID) ([]BalanceCheck, error)
}

// BalanceCheck is one row of an integrity audit.
type BalanceCheck struct {
	Account       Account
	LedgerBalance int64
}

// =============================================================================
// TX - Writes, only available inside WithTx
// =============================================================================

type Tx interface {
	Reader

	// InsertEntry appends a ledger line.
	InsertEntry(ctx context.Context, e Entry) error

	// DecrementRemaining conditionally lowers an EARN entry's remaining
	// balance by amount. Returns false, nil when the condition did not hold.
	DecrementRemaining(ctx context.Context, id EntryID, amount int64) (bool, error)

	// InsertTraces writes trace rows. They are never updated afterwards.
	InsertTraces(ctx context.Context, traces []DeductionTrace) error

	// EnsureAccount returns the member's account, creating an empty one at
	// now if none exists.
	EnsureAccount(ctx context.Context, memberID MemberID, now time.Time) (Account, error)

	// UpdateAccount writes next if the stored version still equals
	// next.Version, bumping it by one. Returns false, nil on a mismatch.
	UpdateAccount(ctx context.Context, next Account) (bool, error)
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
