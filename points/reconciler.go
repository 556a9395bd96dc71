/*
reconciler.go - Expiration sweep

PURPOSE:
  Writes off the remaining balance of grants whose expiry has passed.
  Deductions already ignore such grants; the sweep makes the ledger and
  the account summary say so.

PER-GRANT UNIT OF WORK (one transaction each):
  1. Conditionally decrement remaining by the balance observed at
     selection time (drives it to zero)
  2. Append an EXPIRE entry with amount = -observed
  3. Lower the account's available points by observed

RACES:
  - A deduction that touched the grant after selection makes step 1 fail.
    The grant is skipped without error; a later run picks it up with the
    fresh balance.
  - Two overlapping sweeps: only one conditional decrement can succeed,
    and the EXPIRE entry is unique per grant, so nothing is counted twice.

FAILURES:
  A grant whose transaction fails is rolled back, counted once in Failed
  and not retried for the rest of the run. An account holding fewer
  points than the grant is expiring fails with an IntegrityError so the
  drift stays visible to the auditor.

A crash mid-sweep leaves some grants swept and others not. Rerunning is
always safe.
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SourceTypeExpiration tags EXPIRE entries. Their SourceID is the id of
// the expired EARN entry.
const SourceTypeExpiration = "expiration"

type Reconciler struct {
	store     Store
	accounts  accounts
	batchSize int
	workers   int
	logger    *slog.Logger
	recorder  Recorder
}

type sweepOutcome int

const (
	outcomeSwept sweepOutcome = iota
	outcomeSkipped
)

// Sweep expires every live grant with a positive balance and
// ExpiresAt <= now. It is idempotent.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	start := time.Now()
	now = now.UTC()

	var (
		report SweepReport
		mu     sync.Mutex
		failed = make(map[EntryID]struct{})
	)

	for {
		// Failed grants stay selectable, so widen the window past them.
		limit := r.batchSize + len(failed)
		selected, err := r.store.ExpiredGrants(ctx, now, limit)
		if err != nil {
			return report, fmt.Errorf("failed to select expired grants: %w", err)
		}

		grants := make([]Entry, 0, len(selected))
		for _, grant := range selected {
			if _, ok := failed[grant.ID]; !ok {
				grants = append(grants, grant)
			}
		}
		if len(grants) == 0 {
			break
		}

		progress := 0
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.workers)
		for _, grant := range grants {
			g.Go(func() error {
				outcome, err := r.sweepGrant(gctx, grant, now)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					failed[grant.ID] = struct{}{}
					progress++
					report.Failed++
					msg := "failed to expire grant"
					if errors.Is(err, ErrIntegrityViolation) {
						msg = "account disagrees with ledger, grant not expired"
					}
					r.logger.Error(msg,
						slog.String("entry_id", string(grant.ID)),
						slog.String("member_id", string(grant.MemberID)),
						slog.Any("error", err))
				case outcome == outcomeSkipped:
					report.Skipped++
				default:
					progress++
					report.GrantsSwept++
					report.PointsExpired += grant.RemainingBalance
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return report, err
		}
		// A short selection means the backlog is drained; a round with
		// only skips would select the same contended grants again.
		if len(selected) < limit || progress == 0 {
			break
		}
	}

	r.recorder.SweepRecorded(report, time.Since(start))
	r.logger.Info("expiration sweep finished",
		slog.Time("as_of", now),
		slog.Int("grants_swept", report.GrantsSwept),
		slog.Int64("points_expired", report.PointsExpired),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed))
	return report, nil
}

func (r *Reconciler) sweepGrant(ctx context.Context, grant Entry, now time.Time) (sweepOutcome, error) {
	outcome := outcomeSwept
	amount := grant.RemainingBalance

	err := r.store.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.DecrementRemaining(ctx, grant.ID, amount)
		if err != nil {
			return fmt.Errorf("failed to decrement grant %s: %w", grant.ID, err)
		}
		if !ok {
			outcome = outcomeSkipped
			return nil
		}

		expire := Entry{
			ID:          NewEntryID(),
			MemberID:    grant.MemberID,
			Kind:        KindExpire,
			Amount:      -amount,
			SourceType:  SourceTypeExpiration,
			SourceID:    string(grant.ID),
			Description: fmt.Sprintf("expired %d points of grant %s", amount, grant.ID),
			CreatedAt:   now,
		}
		if err := tx.InsertEntry(ctx, expire); err != nil {
			return err
		}

		_, err = r.accounts.expire(ctx, tx, grant.MemberID, amount, now)
		return err
	})
	if err != nil {
		return outcomeSkipped, err
	}
	return outcome, nil
}
