/*
deduction.go - FIFO-by-expiry deduction engine

PURPOSE:
  Spends a member's points from the grants closest to expiring first,
  writing one trace row per grant touched.

ALGORITHM:
  1. Build the SPEND entry (id assigned up front, anchors every trace)
  2. Load eligible grants: EARN, live, remaining > 0, not expired at now,
     ordered expires_at ASC (never-expiring last), created_at, id
  3. Walk the grants; for each take min(left, remaining) with a
     conditional decrement. On a lost race re-read that grant and retry it
     once with the recomputed take. If that also fails, abort the whole
     deduction. The walk never skips ahead to a later grant.
  4. Left over after the last grant -> InsufficientBalance
  5. Persist SPEND + traces and debit the account (version-checked)
  6. Return the SPEND entry

ATOMICITY:
  Steps 1-5 run in one store transaction. Any error rolls back every
  grant decrement, trace and the SPEND entry together.

CONTENTION POLICY:
  Fail fast. A grant that keeps moving under us aborts with
  ConcurrentModification instead of re-selecting the whole list; the
  caller retries the operation.
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Deduct spends req.Amount points from req.MemberID in FIFO-by-expiry order.
func (l *Ledger) Deduct(ctx context.Context, req DeductRequest) (Entry, error) {
	start := time.Now()
	spend, err := l.deduct(ctx, req)
	l.recorder.DeductionRecorded(deductionOutcome(err), req.Amount, time.Since(start))
	return spend, err
}

func (l *Ledger) deduct(ctx context.Context, req DeductRequest) (Entry, error) {
	if req.MemberID == "" {
		return Entry{}, invalidArgument("member id is required")
	}
	if req.Amount <= 0 {
		return Entry{}, invalidArgument("deduction amount must be positive, got %d", req.Amount)
	}

	now := l.now()
	spend := Entry{
		ID:          NewEntryID(),
		MemberID:    req.MemberID,
		Kind:        KindSpend,
		Amount:      -req.Amount,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
		Description: req.Description,
		CreatedAt:   now,
	}

	err := l.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertEntry(ctx, spend); err != nil {
			return err
		}

		grants, err := tx.EligibleGrants(ctx, req.MemberID, now)
		if err != nil {
			return fmt.Errorf("failed to load eligible grants: %w", err)
		}

		traces, err := l.consume(ctx, tx, spend, grants, now)
		if err != nil {
			return err
		}

		if err := tx.InsertTraces(ctx, traces); err != nil {
			return fmt.Errorf("failed to write deduction traces: %w", err)
		}

		_, err = l.accounts.debit(ctx, tx, req.MemberID, req.Amount, now)
		return err
	})
	if err != nil {
		l.logger.Warn("deduction aborted",
			slog.String("member_id", string(req.MemberID)),
			slog.Int64("amount", req.Amount),
			slog.String("source_type", req.SourceType),
			slog.String("source_id", req.SourceID),
			slog.Any("error", err))
		return Entry{}, err
	}

	l.logger.Info("points deducted",
		slog.String("member_id", string(req.MemberID)),
		slog.String("spend_entry_id", string(spend.ID)),
		slog.Int64("amount", req.Amount))
	return spend, nil
}

// consume walks grants in order and decrements them until the spend is
// covered. It returns the trace rows, in consumption order.
func (l *Ledger) consume(ctx context.Context, tx Tx, spend Entry, grants []Entry, now time.Time) ([]DeductionTrace, error) {
	required := -spend.Amount
	left := required
	var traces []DeductionTrace

	for _, grant := range grants {
		if left == 0 {
			break
		}

		used, err := l.take(ctx, tx, grant, left, now)
		if err != nil {
			return nil, err
		}

		traces = append(traces, DeductionTrace{
			ID:           NewTraceID(),
			SpendEntryID: spend.ID,
			EarnEntryID:  grant.ID,
			UsedAmount:   used,
			MemberID:     spend.MemberID,
			ExpiresAt:    grant.ExpiresAt,
			CreatedAt:    now,
		})
		left -= used
	}

	if left > 0 {
		return nil, &InsufficientBalanceError{
			MemberID:  spend.MemberID,
			Available: required - left,
			Requested: required,
		}
	}
	return traces, nil
}

// take decrements one grant by min(left, remaining). A failed conditional
// decrement means another operation moved the grant; it is re-read and
// retried up to the grant retry budget.
func (l *Ledger) take(ctx context.Context, tx Tx, grant Entry, left int64, now time.Time) (int64, error) {
	want := min(left, grant.RemainingBalance)
	attempts := 1 + l.cfg.GrantRetries

	for attempt := 1; ; attempt++ {
		ok, err := tx.DecrementRemaining(ctx, grant.ID, want)
		if err != nil {
			return 0, fmt.Errorf("failed to decrement grant %s: %w", grant.ID, err)
		}
		if ok {
			return want, nil
		}
		l.recorder.ConflictRecorded("entry")

		if attempt >= attempts {
			break
		}

		fresh, err := tx.GetEntry(ctx, grant.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to re-read grant %s: %w", grant.ID, err)
		}
		if !fresh.Spendable(now) {
			// Nothing left to take; moving on would break FIFO order.
			break
		}
		want = min(left, fresh.RemainingBalance)
	}

	return 0, &ConcurrentModificationError{
		MemberID: grant.MemberID,
		Row:      "entry",
		RowID:    string(grant.ID),
		Attempts: attempts,
	}
}

func deductionOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrInvalidArgument):
		return OutcomeInvalid
	case errors.Is(err, ErrInsufficientBalance):
		return OutcomeInsufficient
	case errors.Is(err, ErrConcurrentModification):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}
