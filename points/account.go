package points

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ACCOUNT MAINTAINER - Version-checked updates to the account summary
// =============================================================================

// accounts applies read-modify-write changes to an Account under its
// version token. Every change runs inside the caller's Tx so it commits or
// rolls back with the ledger rows it mirrors.
type accounts struct {
	retries  int // extra attempts after the first version mismatch
	recorder Recorder
}

// adjust re-reads the account and applies mutate until the conditional
// write lands or the retry budget is spent. mutate may reject the change
// by returning an error, which is passed through unchanged.
func (a accounts) adjust(ctx context.Context, tx Tx, memberID MemberID, now time.Time, mutate func(*Account) error) (Account, error) {
	attempts := 1 + a.retries
	for attempt := 1; attempt <= attempts; attempt++ {
		acct, err := tx.GetAccount(ctx, memberID)
		if err != nil {
			return Account{}, err
		}

		next := acct
		if err := mutate(&next); err != nil {
			return Account{}, err
		}
		next.UpdatedAt = now

		ok, err := tx.UpdateAccount(ctx, next)
		if err != nil {
			return Account{}, fmt.Errorf("failed to update account %s: %w", memberID, err)
		}
		if ok {
			next.Version++
			return next, nil
		}
		a.recorder.ConflictRecorded("account")
	}
	return Account{}, &ConcurrentModificationError{
		MemberID: memberID,
		Row:      "account",
		RowID:    string(memberID),
		Attempts: attempts,
	}
}

// credit adds freshly granted points to total and available, creating the
// account on first use.
func (a accounts) credit(ctx context.Context, tx Tx, memberID MemberID, amount int64, now time.Time) (Account, error) {
	if _, err := tx.EnsureAccount(ctx, memberID, now); err != nil {
		return Account{}, fmt.Errorf("failed to ensure account %s: %w", memberID, err)
	}
	return a.adjust(ctx, tx, memberID, now, func(acct *Account) error {
		acct.TotalPoints += amount
		acct.AvailablePoints += amount
		return nil
	})
}

// debit removes spent points from available. It refuses to drive the
// account negative.
func (a accounts) debit(ctx context.Context, tx Tx, memberID MemberID, amount int64, now time.Time) (Account, error) {
	acct, err := a.adjust(ctx, tx, memberID, now, func(acct *Account) error {
		if acct.AvailablePoints < amount {
			return &InsufficientBalanceError{MemberID: memberID, Available: acct.AvailablePoints, Requested: amount}
		}
		acct.AvailablePoints -= amount
		return nil
	})
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, &InsufficientBalanceError{MemberID: memberID, Requested: amount}
	}
	return acct, err
}

// expire writes off points of an expired grant. Available is drained
// first; anything beyond it comes out of frozen, since frozen points are
// still backed by grants and may be the ones expiring.
//
// An account holding less than the expiring amount already disagrees with
// the ledger. That is returned as an *IntegrityError and left in place for
// the auditor; the LedgerBalance it carries is the expiring amount, a lower
// bound on what the ledger holds.
func (a accounts) expire(ctx context.Context, tx Tx, memberID MemberID, amount int64, now time.Time) (Account, error) {
	return a.adjust(ctx, tx, memberID, now, func(acct *Account) error {
		held := acct.AvailablePoints + acct.FrozenPoints
		if held < amount {
			return &IntegrityError{MemberID: memberID, AccountBalance: held, LedgerBalance: amount}
		}
		fromAvailable := min(amount, acct.AvailablePoints)
		acct.AvailablePoints -= fromAvailable
		acct.FrozenPoints -= amount - fromAvailable
		return nil
	})
}

// reserve moves points from available to frozen.
func (a accounts) reserve(ctx context.Context, tx Tx, memberID MemberID, amount int64, now time.Time) (Account, error) {
	acct, err := a.adjust(ctx, tx, memberID, now, func(acct *Account) error {
		if acct.AvailablePoints < amount {
			return &InsufficientBalanceError{MemberID: memberID, Available: acct.AvailablePoints, Requested: amount}
		}
		acct.AvailablePoints -= amount
		acct.FrozenPoints += amount
		return nil
	})
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, &InsufficientBalanceError{MemberID: memberID, Requested: amount}
	}
	return acct, err
}

// release moves points from frozen back to available.
func (a accounts) release(ctx context.Context, tx Tx, memberID MemberID, amount int64, now time.Time) (Account, error) {
	return a.adjust(ctx, tx, memberID, now, func(acct *Account) error {
		if acct.FrozenPoints < amount {
			return invalidArgument("release of %d exceeds frozen %d", amount, acct.FrozenPoints)
		}
		acct.FrozenPoints -= amount
		acct.AvailablePoints += amount
		return nil
	})
}
