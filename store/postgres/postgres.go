/*
Package postgres provides a PostgreSQL implementation of points.Store on pgx.

Same contract and schema shape as store/sqlite. Under READ COMMITTED the
conditional UPDATEs block on the row lock held by a concurrent writer and
re-evaluate their WHERE clause once it commits, which is what makes the
compare-and-set safe across processes.

USAGE:
  pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
  store := postgres.New(pool)
  if err := store.Migrate(ctx); err != nil { ... }
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/points-ledger/points"
)

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed points.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ points.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect parses databaseURL, opens a pool and migrates the schema.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		member_id TEXT PRIMARY KEY,
		total_points BIGINT NOT NULL DEFAULT 0,
		available_points BIGINT NOT NULL DEFAULT 0 CHECK (available_points >= 0),
		frozen_points BIGINT NOT NULL DEFAULT 0 CHECK (frozen_points >= 0),
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('EARN', 'SPEND', 'EXPIRE')),
		amount BIGINT NOT NULL,
		remaining_balance BIGINT NOT NULL DEFAULT 0
			CHECK (remaining_balance >= 0 AND (kind = 'EARN' OR remaining_balance = 0)),
		source_type TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		CHECK (kind <> 'EARN' OR remaining_balance <= amount)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_member
		ON entries(member_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_member_remaining
		ON entries(member_id, remaining_balance) WHERE kind = 'EARN' AND NOT deleted;
	CREATE INDEX IF NOT EXISTS idx_entries_expires_at
		ON entries(expires_at) WHERE kind = 'EARN' AND NOT deleted AND remaining_balance > 0;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_source
		ON entries(member_id, kind, source_type, source_id) WHERE source_id <> '';

	CREATE TABLE IF NOT EXISTS traces (
		id TEXT PRIMARY KEY,
		spend_entry_id TEXT NOT NULL REFERENCES entries(id),
		earn_entry_id TEXT NOT NULL REFERENCES entries(id),
		used_amount BIGINT NOT NULL CHECK (used_amount > 0),
		member_id TEXT NOT NULL,
		expires_at TIMESTAMPTZ,
		seq INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_traces_spend ON traces(spend_entry_id, seq);
	CREATE INDEX IF NOT EXISTS idx_traces_member ON traces(member_id);
	CREATE INDEX IF NOT EXISTS idx_traces_earn ON traces(earn_entry_id);
	`)
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(tx points.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	q querier
}

func (ts *txStore) InsertEntry(ctx context.Context, e points.Entry) error {
	remaining := e.RemainingBalance
	if e.Kind != points.KindEarn {
		remaining = 0
	}
	_, err := ts.q.Exec(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		string(e.ID), string(e.MemberID), string(e.Kind), e.Amount, remaining, e.SourceType, e.SourceID,
		e.Description, e.ExpiresAt, e.CreatedAt, e.Deleted,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "idx_entries_source" {
			return points.ErrDuplicateSource
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (ts *txStore) DecrementRemaining(ctx context.Context, id points.EntryID, amount int64) (bool, error) {
	tag, err := ts.q.Exec(ctx, `
		UPDATE entries SET remaining_balance = remaining_balance - $1
		WHERE id = $2 AND kind = 'EARN' AND NOT deleted AND remaining_balance >= $1
	`, amount, string(id))
	if err != nil {
		return false, fmt.Errorf("failed to decrement entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (ts *txStore) InsertTraces(ctx context.Context, traces []points.DeductionTrace) error {
	if len(traces) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, tr := range traces {
		batch.Queue(`
			INSERT INTO traces
			(id, spend_entry_id, earn_entry_id, used_amount, member_id, expires_at, seq, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, string(tr.ID), string(tr.SpendEntryID), string(tr.EarnEntryID), tr.UsedAmount,
			string(tr.MemberID), tr.ExpiresAt, i, tr.CreatedAt)
	}

	tx, ok := ts.q.(pgx.Tx)
	if !ok {
		return errors.New("traces must be written inside a transaction")
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert traces: %w", err)
	}
	return nil
}

func (ts *txStore) EnsureAccount(ctx context.Context, memberID points.MemberID, now time.Time) (points.Account, error) {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO accounts (member_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (member_id) DO NOTHING
	`, string(memberID), now)
	if err != nil {
		return points.Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	return getAccount(ctx, ts.q, memberID)
}

func (ts *txStore) UpdateAccount(ctx context.Context, next points.Account) (bool, error) {
	tag, err := ts.q.Exec(ctx, `
		UPDATE accounts SET
			total_points = $1, available_points = $2, frozen_points = $3,
			version = version + 1, updated_at = $4
		WHERE member_id = $5 AND version = $6
	`, next.TotalPoints, next.AvailablePoints, next.FrozenPoints, next.UpdatedAt,
		string(next.MemberID), next.Version)
	if err != nil {
		return false, fmt.Errorf("failed to update account: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (ts *txStore) GetEntry(ctx context.Context, id points.EntryID) (points.Entry, error) {
	return getEntry(ctx, ts.q, id)
}

func (ts *txStore) GetAccount(ctx context.Context, memberID points.MemberID) (points.Account, error) {
	return getAccount(ctx, ts.q, memberID)
}

func (ts *txStore) EligibleGrants(ctx context.Context, memberID points.MemberID, now time.Time) ([]points.Entry, error) {
	return eligibleGrants(ctx, ts.q, memberID, now)
}

func (ts *txStore) ExpiredGrants(ctx context.Context, now time.Time, limit int) ([]points.Entry, error) {
	return expiredGrants(ctx, ts.q, now, limit)
}

func (ts *txStore) EntriesByMember(ctx context.Context, memberID points.MemberID, limit int) ([]points.Entry, error) {
	return entriesByMember(ctx, ts.q, memberID, limit)
}

func (ts *txStore) TracesBySpend(ctx context.Context, spendEntryID points.EntryID) ([]points.DeductionTrace, error) {
	return tracesBySpend(ctx, ts.q, spendEntryID)
}

func (ts *txStore) BalanceChecks(ctx context.Context, memberIDs ...points.MemberID) ([]points.BalanceCheck, error) {
	return balanceChecks(ctx, ts.q, memberIDs)
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetEntry(ctx context.Context, id points.EntryID) (points.Entry, error) {
	return getEntry(ctx, s.pool, id)
}

func (s *Store) GetAccount(ctx context.Context, memberID points.MemberID) (points.Account, error) {
	return getAccount(ctx, s.pool, memberID)
}

func (s *Store) EligibleGrants(ctx context.Context, memberID points.MemberID, now time.Time) ([]points.Entry, error) {
	return eligibleGrants(ctx, s.pool, memberID, now)
}

func (s *Store) ExpiredGrants(ctx context.Context, now time.Time, limit int) ([]points.Entry, error) {
	return expiredGrants(ctx, s.pool, now, limit)
}

func (s *Store) EntriesByMember(ctx context.Context, memberID points.MemberID, limit int) ([]points.Entry, error) {
	return entriesByMember(ctx, s.pool, memberID, limit)
}

func (s *Store) TracesBySpend(ctx context.Context, spendEntryID points.EntryID) ([]points.DeductionTrace, error) {
	return tracesBySpend(ctx, s.pool, spendEntryID)
}

func (s *Store) BalanceChecks(ctx context.Context, memberIDs ...points.MemberID) ([]points.BalanceCheck, error) {
	return balanceChecks(ctx, s.pool, memberIDs)
}

const entryColumns = `id, member_id, kind, amount, remaining_balance, source_type, source_id,
	description, expires_at, created_at, deleted`

func getEntry(ctx context.Context, q querier, id points.EntryID) (points.Entry, error) {
	e, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return points.Entry{}, points.ErrEntryNotFound
	}
	if err != nil {
		return points.Entry{}, fmt.Errorf("failed to load entry: %w", err)
	}
	return e, nil
}

func eligibleGrants(ctx context.Context, q querier, memberID points.MemberID, now time.Time) ([]points.Entry, error) {
	return queryEntries(ctx, q, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE member_id = $1 AND kind = 'EARN' AND NOT deleted AND remaining_balance > 0
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY expires_at ASC NULLS LAST, created_at ASC, id ASC
	`, string(memberID), now)
}

func expiredGrants(ctx context.Context, q querier, now time.Time, limit int) ([]points.Entry, error) {
	return queryEntries(ctx, q, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE kind = 'EARN' AND NOT deleted AND remaining_balance > 0
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC, created_at ASC, id ASC
		LIMIT $2
	`, now, pgLimit(limit))
}

func entriesByMember(ctx context.Context, q querier, memberID points.MemberID, limit int) ([]points.Entry, error) {
	return queryEntries(ctx, q, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE member_id = $1 AND NOT deleted
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, string(memberID), pgLimit(limit))
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]points.Entry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []points.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (points.Entry, error) {
	var (
		e                  points.Entry
		id, memberID, kind string
		expiresAt          *time.Time
	)
	err := row.Scan(&id, &memberID, &kind, &e.Amount, &e.RemainingBalance, &e.SourceType, &e.SourceID,
		&e.Description, &expiresAt, &e.CreatedAt, &e.Deleted)
	if err != nil {
		return e, err
	}
	e.ID = points.EntryID(id)
	e.MemberID = points.MemberID(memberID)
	e.Kind = points.EntryKind(kind)
	e.CreatedAt = e.CreatedAt.UTC()
	if expiresAt != nil {
		t := expiresAt.UTC()
		e.ExpiresAt = &t
	}
	return e, nil
}

func getAccount(ctx context.Context, q querier, memberID points.MemberID) (points.Account, error) {
	var a points.Account
	err := q.QueryRow(ctx, `
		SELECT total_points, available_points, frozen_points, version, created_at, updated_at
		FROM accounts WHERE member_id = $1
	`, string(memberID)).Scan(&a.TotalPoints, &a.AvailablePoints, &a.FrozenPoints, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.Account{}, points.ErrAccountNotFound
	}
	if err != nil {
		return points.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	a.MemberID = memberID
	return a, nil
}

func tracesBySpend(ctx context.Context, q querier, spendEntryID points.EntryID) ([]points.DeductionTrace, error) {
	rows, err := q.Query(ctx, `
		SELECT id, spend_entry_id, earn_entry_id, used_amount, member_id, expires_at, created_at
		FROM traces
		WHERE spend_entry_id = $1
		ORDER BY seq ASC
	`, string(spendEntryID))
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	var traces []points.DeductionTrace
	for rows.Next() {
		var (
			tr                          points.DeductionTrace
			id, spendID, earnID, member string
		)
		if err := rows.Scan(&id, &spendID, &earnID, &tr.UsedAmount, &member, &tr.ExpiresAt, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trace: %w", err)
		}
		tr.ID = points.TraceID(id)
		tr.SpendEntryID = points.EntryID(spendID)
		tr.EarnEntryID = points.EntryID(earnID)
		tr.MemberID = points.MemberID(member)
		traces = append(traces, tr)
	}
	return traces, rows.Err()
}

func balanceChecks(ctx context.Context, q querier, memberIDs []points.MemberID) ([]points.BalanceCheck, error) {
	ids := make([]string, len(memberIDs))
	for i, id := range memberIDs {
		ids[i] = string(id)
	}

	rows, err := q.Query(ctx, `
		SELECT a.member_id, a.total_points, a.available_points, a.frozen_points, a.version,
		       a.created_at, a.updated_at,
		       COALESCE((SELECT SUM(e.remaining_balance) FROM entries e
		                 WHERE e.member_id = a.member_id AND e.kind = 'EARN' AND NOT e.deleted), 0)::BIGINT
		FROM accounts a
		WHERE cardinality($1::TEXT[]) = 0 OR a.member_id = ANY($1)
		ORDER BY a.member_id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance checks: %w", err)
	}
	defer rows.Close()

	var checks []points.BalanceCheck
	for rows.Next() {
		var (
			c      points.BalanceCheck
			member string
		)
		a := &c.Account
		if err := rows.Scan(&member, &a.TotalPoints, &a.AvailablePoints, &a.FrozenPoints, &a.Version,
			&a.CreatedAt, &a.UpdatedAt, &c.LedgerBalance); err != nil {
			return nil, fmt.Errorf("failed to scan balance check: %w", err)
		}
		a.MemberID = points.MemberID(member)
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// pgLimit maps "no limit" onto LIMIT NULL.
func pgLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
