/*
Package points provides the loyalty points ledger engine.

PURPOSE:
  Tracks points granted to members and spends them under an
  expiration-aware FIFO policy: among a member's unexpired grants, the one
  closest to expiring is consumed first, so the least value is lost to
  expiration. Every spend records exactly which grants funded it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry:          A ledger line (EARN, SPEND or EXPIRE)
  - Account:        Denormalized per-member summary with a version token
  - DeductionTrace: Which EARN entry funded how much of a SPEND entry
  - SweepReport:    Outcome of one expiration sweep

DESIGN PRINCIPLES:
  1. Identity is immutable: entries are never rewritten, only an EARN
     entry's RemainingBalance shrinks
  2. No in-process locks: concurrent callers are serialized per row by
     conditional updates in the store
  3. Auditability: every SPEND has traces summing to its amount, every
     expiration has an EXPIRE entry
  4. The account summary is a cache of the ledger and can be re-derived

EXAMPLE:
  G1 = 50 (expires day 3), G2 = 30 (expires day 5), G3 = 20 (never)
  Deduct 60 -> G1: 50 -> 0, G2: 30 -> 20, G3 untouched
  Traces:   [{G1, 50}, {G2, 10}]

SEE ALSO:
  - deduction.go: FIFO deduction engine
  - account.go:   Account summary maintainer
  - reconciler.go: Expiration sweep
  - store.go:     Persistence contract
*/
package points

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type EntryID string
type TraceID string

// NewEntryID returns a fresh random entry id.
func NewEntryID() EntryID { return EntryID(uuid.NewString()) }

// NewTraceID returns a fresh random trace id.
func NewTraceID() TraceID { return TraceID(uuid.NewString()) }

// =============================================================================
// ENTRY - One ledger line
// =============================================================================

type EntryKind string

const (
	KindEarn   EntryKind = "EARN"   // Points granted; carries a shrinking remaining balance
	KindSpend  EntryKind = "SPEND"  // Points deducted; funded by one or more EARN entries
	KindExpire EntryKind = "EXPIRE" // Remaining balance of an expired EARN entry written off
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindEarn, KindSpend, KindExpire:
		return true
	}
	return false
}

// Entry is a ledger line.
//
// INVARIANTS:
//   - Amount > 0 for EARN, < 0 for SPEND and EXPIRE.
//   - EARN: 0 <= RemainingBalance <= Amount, and it only ever decreases.
//   - SPEND/EXPIRE: RemainingBalance == 0.
type Entry struct {
	ID               EntryID
	MemberID         MemberID
	Kind             EntryKind
	Amount           int64
	RemainingBalance int64
	SourceType       string
	SourceID         string
	Description      string
	ExpiresAt        *time.Time // nil = never expires
	CreatedAt        time.Time
	Deleted          bool
}

// ExpiredAt reports whether the entry has expired at the given instant.
// An entry expires exactly at ExpiresAt.
func (e Entry) ExpiredAt(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Spendable reports whether a deduction at now may draw from this entry.
func (e Entry) Spendable(now time.Time) bool {
	return e.Kind == KindEarn && !e.Deleted && e.RemainingBalance > 0 && !e.ExpiredAt(now)
}

// =============================================================================
// ACCOUNT - Per-member summary
// =============================================================================

// Account is the denormalized balance summary of one member.
// Version is bumped on every write and used as the compare-and-set token.
type Account struct {
	MemberID        MemberID
	TotalPoints     int64 // lifetime sum of grants
	AvailablePoints int64 // spendable now
	FrozenPoints    int64 // reserved, not spendable
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// =============================================================================
// DEDUCTION TRACE - Provenance of a spend
// =============================================================================

// DeductionTrace links a SPEND entry to one EARN entry it consumed.
// Write-once.
type DeductionTrace struct {
	ID           TraceID
	SpendEntryID EntryID
	EarnEntryID  EntryID
	UsedAmount   int64
	MemberID     MemberID
	ExpiresAt    *time.Time // snapshot of the EARN entry's expiry
	CreatedAt    time.Time
}

// =============================================================================
// REQUESTS
// =============================================================================

// GrantRequest asks the ledger to award points.
type GrantRequest struct {
	MemberID    MemberID
	Amount      int64
	SourceType  string
	SourceID    string
	ExpiresAt   *time.Time
	Description string
}

// DeductRequest asks the ledger to spend points.
type DeductRequest struct {
	MemberID    MemberID
	Amount      int64
	SourceType  string
	SourceID    string
	Description string
}

// =============================================================================
// SWEEP REPORT
// =============================================================================

// SweepReport summarizes one expiration sweep.
type SweepReport struct {
	GrantsSwept   int   // grants driven to zero by this run
	PointsExpired int64 // sum of their written-off balances
	Skipped       int   // grants that lost a race and were left for a later run
	Failed        int   // grants whose sweep errored
}
