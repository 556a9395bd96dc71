package points_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/points"
)

func TestAudit_ConsistentAfterMixedActivity(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "m-1", 50, at(days(1)))
	f.grant(t, "m-1", 30, nil)
	f.grant(t, "m-2", 40, at(days(10)))
	_, err := f.deduct("m-1", 20)
	require.NoError(t, err)
	_, err = f.ledger.Reserve(f.ctx, "m-2", 15)
	require.NoError(t, err)
	f.clock.Advance(days(2))
	_, err = f.ledger.SweepExpired(f.ctx, f.clock.Now())
	require.NoError(t, err)

	report, err := f.ledger.Audit(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.True(t, report.OK())
}

func TestAudit_ReportsDriftWithoutCorrecting(t *testing.T) {
	// GIVEN: An account whose summary was altered outside the ledger
	// WHEN: Auditing
	// THEN: The mismatch is reported and the account is left as it is

	f := newFixture(t)
	f.grant(t, "m-1", 50, nil)
	f.grant(t, "m-2", 10, nil)

	err := f.store.WithTx(f.ctx, func(tx points.Tx) error {
		acct, err := tx.GetAccount(context.Background(), "m-1")
		if err != nil {
			return err
		}
		acct.AvailablePoints = 70
		_, err = tx.UpdateAccount(context.Background(), acct)
		return err
	})
	require.NoError(t, err)

	report, err := f.ledger.Audit(f.ctx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	require.Len(t, report.Violations, 1)

	v := report.Violations[0]
	assert.Equal(t, points.MemberID("m-1"), v.MemberID)
	assert.Equal(t, int64(70), v.AccountBalance)
	assert.Equal(t, int64(50), v.LedgerBalance)
	assert.ErrorIs(t, v, points.ErrIntegrityViolation)

	assert.Equal(t, int64(70), f.account(t, "m-1").AvailablePoints)
}

func TestAudit_LimitedToGivenMembers(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "m-1", 10, nil)
	f.grant(t, "m-2", 10, nil)
	f.grant(t, "m-3", 10, nil)

	report, err := f.ledger.Audit(f.ctx, "m-1", "m-3")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
}
