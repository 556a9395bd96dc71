/*
Package sqlite provides a SQLite-backed implementation of points.Store.

PURPOSE:
  Durable storage for accounts, ledger entries and deduction traces.
  The same SQL runs on PostgreSQL with minor dialect changes
  (see store/postgres).

KEY TABLES:
  accounts: One summary row per member, guarded by a version column
  entries:  EARN / SPEND / EXPIRE ledger lines; remaining_balance is the
            only column ever updated, and only downwards
  traces:   Write-once links from a SPEND entry to the EARN entries it used

CONDITIONAL UPDATES:
  Grant consumption:
    UPDATE entries SET remaining_balance = remaining_balance - ?
    WHERE id = ? AND kind = 'EARN' AND deleted = 0 AND remaining_balance >= ?
  Account summary:
    UPDATE accounts SET ..., version = version + 1
    WHERE member_id = ? AND version = ?
  Zero rows affected means another writer got there first.

INDEXES:
  - idx_entries_member_remaining: eligibility query (hot path)
  - idx_entries_expires_at:       expiration sweep
  - idx_entries_source:           source uniqueness (idempotent replays)
  - idx_traces_spend / member:    audit queries

CONNECTIONS:
  The pool is capped at one connection. An in-memory database lives in a
  single connection, and SQLite allows a single writer anyway; reads and
  writes queue on the pool instead of failing with SQLITE_BUSY.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := points.NewLedger(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/points-ledger/points"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements points.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ points.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		member_id TEXT PRIMARY KEY,
		total_points INTEGER NOT NULL DEFAULT 0,
		available_points INTEGER NOT NULL DEFAULT 0 CHECK (available_points >= 0),
		frozen_points INTEGER NOT NULL DEFAULT 0 CHECK (frozen_points >= 0),
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('EARN', 'SPEND', 'EXPIRE')),
		amount INTEGER NOT NULL,
		remaining_balance INTEGER NOT NULL DEFAULT 0
			CHECK (remaining_balance >= 0 AND (kind = 'EARN' OR remaining_balance = 0)),
		source_type TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		expires_at TEXT,
		created_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		CHECK (kind <> 'EARN' OR remaining_balance <= amount)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_member
		ON entries(member_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_member_remaining
		ON entries(member_id, remaining_balance) WHERE kind = 'EARN' AND deleted = 0;
	CREATE INDEX IF NOT EXISTS idx_entries_expires_at
		ON entries(expires_at) WHERE kind = 'EARN' AND deleted = 0 AND remaining_balance > 0;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_source
		ON entries(member_id, kind, source_type, source_id) WHERE source_id <> '';

	CREATE TABLE IF NOT EXISTS traces (
		id TEXT PRIMARY KEY,
		spend_entry_id TEXT NOT NULL REFERENCES entries(id),
		earn_entry_id TEXT NOT NULL REFERENCES entries(id),
		used_amount INTEGER NOT NULL CHECK (used_amount > 0),
		member_id TEXT NOT NULL,
		expires_at TEXT,
		seq INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_traces_spend
		ON traces(spend_entry_id, seq);
	CREATE INDEX IF NOT EXISTS idx_traces_member
		ON traces(member_id);
	CREATE INDEX IF NOT EXISTS idx_traces_earn
		ON traces(earn_entry_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx points.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore runs every read and write on the open transaction.
type txStore struct {
	q querier
}

func (ts *txStore) InsertEntry(ctx context.Context, e points.Entry) error {
	return insertEntry(ctx, ts.q, e)
}

func (ts *txStore) DecrementRemaining(ctx context.Context, id points.EntryID, amount int64) (bool, error) {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE entries SET remaining_balance = remaining_balance - ?
		WHERE id = ? AND kind = 'EARN' AND deleted = 0 AND remaining_balance >= ?
	`, amount, id, amount)
	if err != nil {
		return false, fmt.Errorf("failed to decrement entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (ts *txStore) InsertTraces(ctx context.Context, traces []points.DeductionTrace) error {
	for i, tr := range traces {
		_, err := ts.q.ExecContext(ctx, `
			INSERT INTO traces
			(id, spend_entry_id, earn_entry_id, used_amount, member_id, expires_at, seq, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			tr.ID, tr.SpendEntryID, tr.EarnEntryID, tr.UsedAmount, tr.MemberID,
			formatTimePtr(tr.ExpiresAt), i, formatTime(tr.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert trace: %w", err)
		}
	}
	return nil
}

func (ts *txStore) EnsureAccount(ctx context.Context, memberID points.MemberID, now time.Time) (points.Account, error) {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO accounts (member_id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(member_id) DO NOTHING
	`, memberID, formatTime(now), formatTime(now))
	if err != nil {
		return points.Account{}, fmt.Errorf("failed to create account: %w", err)
	}
	return getAccount(ctx, ts.q, memberID)
}

func (ts *txStore) UpdateAccount(ctx context.Context, next points.Account) (bool, error) {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE accounts SET
			total_points = ?, available_points = ?, frozen_points = ?,
			version = version + 1, updated_at = ?
		WHERE member_id = ? AND version = ?
	`, next.TotalPoints, next.AvailablePoints, next.FrozenPoints,
		formatTime(next.UpdatedAt), next.MemberID, next.Version)
	if err != nil {
		return false, fmt.Errorf("failed to update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
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
// READS (points.Reader)
// =============================================================================

func (s *Store) GetEntry(ctx context.Context, id points.EntryID) (points.Entry, error) {
	return getEntry(ctx, s.db, id)
}

func (s *Store) GetAccount(ctx context.Context, memberID points.MemberID) (points.Account, error) {
	return getAccount(ctx, s.db, memberID)
}

func (s *Store) EligibleGrants(ctx context.Context, memberID points.MemberID, now time.Time) ([]points.Entry, error) {
	return eligibleGrants(ctx, s.db, memberID, now)
}

func (s *Store) ExpiredGrants(ctx context.Context, now time.Time, limit int) ([]points.Entry, error) {
	return expiredGrants(ctx, s.db, now, limit)
}

func (s *Store) EntriesByMember(ctx context.Context, memberID points.MemberID, limit int) ([]points.Entry, error) {
	return entriesByMember(ctx, s.db, memberID, limit)
}

func (s *Store) TracesBySpend(ctx context.Context, spendEntryID points.EntryID) ([]points.DeductionTrace, error) {
	return tracesBySpend(ctx, s.db, spendEntryID)
}

func (s *Store) BalanceChecks(ctx context.Context, memberIDs ...points.MemberID) ([]points.BalanceCheck, error) {
	return balanceChecks(ctx, s.db, memberIDs)
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

const entryColumns = `id, member_id, kind, amount, remaining_balance, source_type, source_id,
	description, expires_at, created_at, deleted`

func insertEntry(ctx context.Context, q querier, e points.Entry) error {
	remaining := e.RemainingBalance
	if e.Kind != points.KindEarn {
		remaining = 0
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.MemberID, e.Kind, e.Amount, remaining, e.SourceType, e.SourceID,
		e.Description, formatTimePtr(e.ExpiresAt), formatTime(e.CreatedAt), e.Deleted,
	)
	if err != nil {
		if isSourceConflict(err) {
			return points.ErrDuplicateSource
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func getEntry(ctx context.Context, q querier, id points.EntryID) (points.Entry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return points.Entry{}, points.ErrEntryNotFound
	}
	return e, err
}

func eligibleGrants(ctx context.Context, q querier, memberID points.MemberID, now time.Time) ([]points.Entry, error) {
	return queryEntries(ctx, q, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE member_id = ? AND kind = 'EARN' AND deleted = 0 AND remaining_balance > 0
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY expires_at IS NULL, expires_at ASC, created_at ASC, id ASC
	`, memberID, formatTime(now))
}

func expiredGrants(ctx context.Context, q querier, now time.Time, limit int) ([]points.Entry, error) {
	return queryEntries(ctx, q, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE kind = 'EARN' AND deleted = 0 AND remaining_balance > 0
		  AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC, created_at ASC, id ASC
		LIMIT ?
	`, formatTime(now), sqlLimit(limit))
}

func entriesByMember(ctx context.Context, q querier, memberID points.MemberID, limit int) ([]points.Entry, error) {
	return queryEntries(ctx, q, `
		SELECT `+entryColumns+`
		FROM entries
		WHERE member_id = ? AND deleted = 0
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, memberID, sqlLimit(limit))
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]points.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []points.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (points.Entry, error) {
	var (
		e         points.Entry
		expiresAt sql.NullString
		createdAt string
	)
	err := row.Scan(
		&e.ID, &e.MemberID, &e.Kind, &e.Amount, &e.RemainingBalance, &e.SourceType, &e.SourceID,
		&e.Description, &expiresAt, &createdAt, &e.Deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	if e.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return e, fmt.Errorf("failed to scan entry %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, fmt.Errorf("failed to scan entry %s: %w", e.ID, err)
	}
	return e, nil
}

func getAccount(ctx context.Context, q querier, memberID points.MemberID) (points.Account, error) {
	var (
		a                    points.Account
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT member_id, total_points, available_points, frozen_points, version, created_at, updated_at
		FROM accounts WHERE member_id = ?
	`, memberID).Scan(&a.MemberID, &a.TotalPoints, &a.AvailablePoints, &a.FrozenPoints, &a.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return points.Account{}, points.ErrAccountNotFound
	}
	if err != nil {
		return points.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	if err := parseAccountTimes(&a, createdAt, updatedAt); err != nil {
		return points.Account{}, err
	}
	return a, nil
}

func tracesBySpend(ctx context.Context, q querier, spendEntryID points.EntryID) ([]points.DeductionTrace, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, spend_entry_id, earn_entry_id, used_amount, member_id, expires_at, created_at
		FROM traces
		WHERE spend_entry_id = ?
		ORDER BY seq ASC
	`, spendEntryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	var traces []points.DeductionTrace
	for rows.Next() {
		var (
			tr        points.DeductionTrace
			expiresAt sql.NullString
			createdAt string
		)
		if err := rows.Scan(&tr.ID, &tr.SpendEntryID, &tr.EarnEntryID, &tr.UsedAmount, &tr.MemberID, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trace: %w", err)
		}
		var err error
		if tr.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan trace %s: %w", tr.ID, err)
		}
		if tr.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trace %s: %w", tr.ID, err)
		}
		traces = append(traces, tr)
	}
	return traces, rows.Err()
}

func balanceChecks(ctx context.Context, q querier, memberIDs []points.MemberID) ([]points.BalanceCheck, error) {
	query := `
		SELECT a.member_id, a.total_points, a.available_points, a.frozen_points, a.version,
		       a.created_at, a.updated_at,
		       COALESCE((SELECT SUM(e.remaining_balance) FROM entries e
		                 WHERE e.member_id = a.member_id AND e.kind = 'EARN' AND e.deleted = 0), 0)
		FROM accounts a`
	args := make([]any, 0, len(memberIDs))
	if len(memberIDs) > 0 {
		query += ` WHERE a.member_id IN (?` + strings.Repeat(", ?", len(memberIDs)-1) + `)`
		for _, id := range memberIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY a.member_id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance checks: %w", err)
	}
	defer rows.Close()

	var checks []points.BalanceCheck
	for rows.Next() {
		var (
			c                    points.BalanceCheck
			createdAt, updatedAt string
		)
		a := &c.Account
		if err := rows.Scan(&a.MemberID, &a.TotalPoints, &a.AvailablePoints, &a.FrozenPoints, &a.Version,
			&createdAt, &updatedAt, &c.LedgerBalance); err != nil {
			return nil, fmt.Errorf("failed to scan balance check: %w", err)
		}
		if err := parseAccountTimes(a, createdAt, updatedAt); err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// parseTime rejects anything not written by formatTime. A zero time would
// sort first and jump the FIFO queue.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseAccountTimes(a *points.Account, createdAt, updatedAt string) error {
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return fmt.Errorf("failed to load account %s: %w", a.MemberID, err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return fmt.Errorf("failed to load account %s: %w", a.MemberID, err)
	}
	return nil
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func isSourceConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(sqliteErr.Error(), "entries.member_id")
}
