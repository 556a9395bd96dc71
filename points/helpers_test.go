package points_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/points/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var day0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func at(d time.Duration) *time.Time {
	t := day0.Add(d)
	return &t
}

// testClock is a settable clock shared by a ledger and its test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: day0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ctx    context.Context
	ledger *points.Ledger
	store  *store.Memory
	clock  *testClock
}

func newFixture(t *testing.T, opts ...points.Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := newTestClock()
	opts = append([]points.Option{points.WithClock(clock.Now)}, opts...)
	return &fixture{
		ctx:    context.Background(),
		ledger: points.NewLedger(mem, opts...),
		store:  mem,
		clock:  clock,
	}
}

// ledgerOver builds a second ledger on s sharing the fixture's clock.
func (f *fixture) ledgerOver(s points.Store, opts ...points.Option) *points.Ledger {
	opts = append([]points.Option{points.WithClock(f.clock.Now)}, opts...)
	return points.NewLedger(s, opts...)
}

func (f *fixture) grant(t *testing.T, member points.MemberID, amount int64, expiresAt *time.Time) points.Entry {
	t.Helper()
	e, err := f.ledger.Grant(f.ctx, points.GrantRequest{
		MemberID:   member,
		Amount:     amount,
		SourceType: "test",
		ExpiresAt:  expiresAt,
	})
	require.NoError(t, err)
	// Distinct creation times keep FIFO tie-breaks deterministic.
	f.clock.Advance(time.Second)
	return e
}

func (f *fixture) deduct(member points.MemberID, amount int64) (points.Entry, error) {
	return f.ledger.Deduct(f.ctx, points.DeductRequest{
		MemberID:   member,
		Amount:     amount,
		SourceType: "order",
	})
}

func (f *fixture) remaining(t *testing.T, id points.EntryID) int64 {
	t.Helper()
	e, err := f.ledger.Entry(f.ctx, id)
	require.NoError(t, err)
	return e.RemainingBalance
}

func (f *fixture) account(t *testing.T, member points.MemberID) points.Account {
	t.Helper()
	acct, err := f.ledger.Account(f.ctx, member)
	require.NoError(t, err)
	return acct
}

// requireConsistent asserts available + frozen equals the live remaining
// balance of the member's grants.
func (f *fixture) requireConsistent(t *testing.T, member points.MemberID) {
	t.Helper()
	report, err := f.ledger.Audit(f.ctx, member)
	require.NoError(t, err)
	require.True(t, report.OK(), "account and ledger disagree: %v", report.Violations)
}

func (f *fixture) entriesOfKind(t *testing.T, member points.MemberID, kind points.EntryKind) []points.Entry {
	t.Helper()
	all, err := f.ledger.History(f.ctx, member, 0)
	require.NoError(t, err)
	var out []points.Entry
	for _, e := range all {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// faultyStore wraps a store and lets a test intercept the conditional
// writes made inside transactions.
type faultyStore struct {
	points.Store

	mu                 sync.Mutex
	onDecrement        func(tx points.Tx, id points.EntryID, amount int64) (handled, ok bool, err error)
	onUpdateAccount    func(next points.Account) (handled, ok bool)
	onExpiredGrants    func([]points.Entry) []points.Entry
	decrementCalls     int
	updateAccountCalls int
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx points.Tx) error {
		return fn(&faultyTx{Tx: tx, s: s})
	})
}

func (s *faultyStore) ExpiredGrants(ctx context.Context, now time.Time, limit int) ([]points.Entry, error) {
	grants, err := s.Store.ExpiredGrants(ctx, now, limit)
	if err != nil || s.onExpiredGrants == nil {
		return grants, err
	}
	return s.onExpiredGrants(grants), nil
}

type faultyTx struct {
	points.Tx
	s *faultyStore
}

func (tx *faultyTx) DecrementRemaining(ctx context.Context, id points.EntryID, amount int64) (bool, error) {
	tx.s.mu.Lock()
	tx.s.decrementCalls++
	hook := tx.s.onDecrement
	tx.s.mu.Unlock()

	if hook != nil {
		if handled, ok, err := hook(tx.Tx, id, amount); handled {
			return ok, err
		}
	}
	return tx.Tx.DecrementRemaining(ctx, id, amount)
}

func (tx *faultyTx) UpdateAccount(ctx context.Context, next points.Account) (bool, error) {
	tx.s.mu.Lock()
	tx.s.updateAccountCalls++
	hook := tx.s.onUpdateAccount
	tx.s.mu.Unlock()

	if hook != nil {
		if handled, ok := hook(next); handled {
			return ok, nil
		}
	}
	return tx.Tx.UpdateAccount(ctx, next)
}

// countingRecorder tallies recorder callbacks.
type countingRecorder struct {
	mu        sync.Mutex
	outcomes  map[string]int
	conflicts map[string]int
	grants    int
	sweeps    []points.SweepReport
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: map[string]int{}, conflicts: map[string]int{}}
}

func (r *countingRecorder) GrantRecorded(int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants++
}

func (r *countingRecorder) DeductionRecorded(outcome string, _ int64, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) ConflictRecorded(row string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts[row]++
}

func (r *countingRecorder) SweepRecorded(report points.SweepReport, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps = append(r.sweeps, report)
}
