/*
ledger.go - Public entry point of the points engine

PURPOSE:
  Ledger wires the store, the account maintainer, the deduction engine
  and the expiration reconciler behind the operations exposed to the
  award layer, the HTTP adapter and the CLI:

    Grant             create an EARN entry and credit the account
    Deduct            FIFO-by-expiry spend (deduction.go)
    Reserve/Release   move points between available and frozen
    AvailableBalance  read the account summary
    Trace             audit query for one spend
    SweepExpired      expire stale grants (reconciler.go)
    Audit             compare accounts against the ledger (audit.go)

CONFIGURATION:
  Config carries the retry budgets and sweep sizing. A zero retry budget
  is honored and disables retrying; negative budgets and non-positive
  sweep sizes fall back to DefaultConfig. Override single fields by
  starting from DefaultConfig():

    cfg := points.DefaultConfig()
    cfg.SweepBatchSize = 100
    ledger := points.NewLedger(store, points.WithConfig(cfg))

USAGE:
  ledger := points.NewLedger(store,
      points.WithLogger(logger),
      points.WithRecorder(metrics.New(prometheus.DefaultRegisterer)))
  earn, err := ledger.Grant(ctx, points.GrantRequest{MemberID: "m-1", Amount: 50})
  spend, err := ledger.Deduct(ctx, points.DeductRequest{MemberID: "m-1", Amount: 20})
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	GrantRetries   int // re-attempts on a contended grant within one deduction
	AccountRetries int // re-attempts on an account version mismatch
	SweepBatchSize int // expired grants selected per sweep round
	SweepWorkers   int // grants swept in parallel
}

func DefaultConfig() Config {
	return Config{
		GrantRetries:   1,
		AccountRetries: 3,
		SweepBatchSize: 500,
		SweepWorkers:   4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GrantRetries < 0 {
		c.GrantRetries = d.GrantRetries
	}
	if c.AccountRetries < 0 {
		c.AccountRetries = d.AccountRetries
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	if c.SweepWorkers <= 0 {
		c.SweepWorkers = d.SweepWorkers
	}
	return c
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    Store
	cfg      Config
	accounts accounts
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

type Option func(*Ledger)

// WithConfig replaces the whole configuration. Fields are not merged with
// DefaultConfig, so a zero GrantRetries or AccountRetries means no retries.
func WithConfig(cfg Config) Option { return func(l *Ledger) { l.cfg = cfg.withDefaults() } }

func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

func WithRecorder(r Recorder) Option { return func(l *Ledger) { l.recorder = r } }

// WithClock overrides the time source. Tests use it to pin "now".
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.recorder == nil {
		l.recorder = nopRecorder{}
	}
	clock := l.now
	l.now = func() time.Time { return clock().UTC() }
	l.accounts = accounts{retries: l.cfg.AccountRetries, recorder: l.recorder}
	return l
}

// Config returns the effective configuration.
func (l *Ledger) Config() Config { return l.cfg }

// Now returns the ledger clock's current time in UTC.
func (l *Ledger) Now() time.Time { return l.now() }

// =============================================================================
// GRANT
// =============================================================================

// Grant creates an EARN entry and credits the member's account in one
// transaction. ExpiresAt, when set, must lie in the future.
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (Entry, error) {
	if req.MemberID == "" {
		return Entry{}, invalidArgument("member id is required")
	}
	if req.Amount <= 0 {
		return Entry{}, invalidArgument("grant amount must be positive, got %d", req.Amount)
	}

	now := l.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return Entry{}, invalidArgument("grant already expired at %s", req.ExpiresAt.Format(time.RFC3339))
	}

	earn := Entry{
		ID:               NewEntryID(),
		MemberID:         req.MemberID,
		Kind:             KindEarn,
		Amount:           req.Amount,
		RemainingBalance: req.Amount,
		SourceType:       req.SourceType,
		SourceID:         req.SourceID,
		Description:      req.Description,
		ExpiresAt:        utcPtr(req.ExpiresAt),
		CreatedAt:        now,
	}

	err := l.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertEntry(ctx, earn); err != nil {
			return err
		}
		_, err := l.accounts.credit(ctx, tx, req.MemberID, req.Amount, now)
		return err
	})
	if err != nil {
		return Entry{}, err
	}

	l.recorder.GrantRecorded(req.Amount)
	l.logger.Info("points granted",
		slog.String("member_id", string(req.MemberID)),
		slog.String("entry_id", string(earn.ID)),
		slog.Int64("amount", req.Amount),
		slog.String("source_type", req.SourceType))
	return earn, nil
}

// =============================================================================
// RESERVE / RELEASE
// =============================================================================

// Reserve moves amount from available to frozen.
func (l *Ledger) Reserve(ctx context.Context, memberID MemberID, amount int64) (Account, error) {
	return l.moveFrozen(ctx, memberID, amount, l.accounts.reserve)
}

// Release moves amount from frozen back to available.
func (l *Ledger) Release(ctx context.Context, memberID MemberID, amount int64) (Account, error) {
	return l.moveFrozen(ctx, memberID, amount, l.accounts.release)
}

func (l *Ledger) moveFrozen(ctx context.Context, memberID MemberID, amount int64,
	move func(context.Context, Tx, MemberID, int64, time.Time) (Account, error)) (Account, error) {
	if memberID == "" {
		return Account{}, invalidArgument("member id is required")
	}
	if amount <= 0 {
		return Account{}, invalidArgument("amount must be positive, got %d", amount)
	}

	now := l.now()
	var acct Account
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		acct, err = move(ctx, tx, memberID, amount, now)
		return err
	})
	return acct, err
}

// =============================================================================
// QUERIES
// =============================================================================

// AvailableBalance returns the spendable points of a member.
// A member without an account has a balance of zero.
func (l *Ledger) AvailableBalance(ctx context.Context, memberID MemberID) (int64, error) {
	acct, err := l.Account(ctx, memberID)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.AvailablePoints, nil
}

// Account returns the full summary of a member.
func (l *Ledger) Account(ctx context.Context, memberID MemberID) (Account, error) {
	if memberID == "" {
		return Account{}, invalidArgument("member id is required")
	}
	return l.store.GetAccount(ctx, memberID)
}

// Entry returns one ledger line.
func (l *Ledger) Entry(ctx context.Context, id EntryID) (Entry, error) {
	return l.store.GetEntry(ctx, id)
}

// History returns a member's entries, newest first.
func (l *Ledger) History(ctx context.Context, memberID MemberID, limit int) ([]Entry, error) {
	if memberID == "" {
		return nil, invalidArgument("member id is required")
	}
	return l.store.EntriesByMember(ctx, memberID, limit)
}

// Trace returns the grants that funded a spend, in consumption order.
func (l *Ledger) Trace(ctx context.Context, spendEntryID EntryID) ([]DeductionTrace, error) {
	spend, err := l.store.GetEntry(ctx, spendEntryID)
	if err != nil {
		return nil, err
	}
	if spend.Kind != KindSpend {
		return nil, invalidArgument("entry %s is %s, not %s", spendEntryID, spend.Kind, KindSpend)
	}
	traces, err := l.store.TracesBySpend(ctx, spendEntryID)
	if err != nil {
		return nil, fmt.Errorf("failed to load traces for %s: %w", spendEntryID, err)
	}
	return traces, nil
}

// SweepExpired expires every grant past its expiry at now. now may lie in
// the past but not beyond the ledger clock: expiring grants that are still
// spendable cannot be undone.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time) (SweepReport, error) {
	if clock := l.now(); now.After(clock) {
		return SweepReport{}, invalidArgument("sweep instant %s is after the ledger clock %s",
			now.UTC().Format(time.RFC3339Nano), clock.Format(time.RFC3339Nano))
	}
	return l.Reconciler().Sweep(ctx, now)
}

// Reconciler returns an expiration reconciler sharing this ledger's
// store, config and instrumentation.
func (l *Ledger) Reconciler() *Reconciler {
	return &Reconciler{
		store:     l.store,
		accounts:  l.accounts,
		batchSize: l.cfg.SweepBatchSize,
		workers:   l.cfg.SweepWorkers,
		logger:    l.logger,
		recorder:  l.recorder,
	}
}

// Audit compares account summaries with the ledger. See Auditor.
func (l *Ledger) Audit(ctx context.Context, memberIDs ...MemberID) (AuditReport, error) {
	return NewAuditor(l.store, l.logger).Check(ctx, memberIDs...)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
