// Package store provides an in-memory points.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/points-ledger/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps accounts, entries and traces in maps. Writes only happen
// inside WithTx, which holds the write lock for the whole transaction and
// restores a snapshot when fn fails.
type Memory struct {
	mu sync.RWMutex
	t  tables
}

type tables struct {
	entries  map[points.EntryID]points.Entry
	accounts map[points.MemberID]points.Account
	traces   map[points.EntryID][]points.DeductionTrace // by spend entry
	sources  map[sourceKey]points.EntryID
}

type sourceKey struct {
	MemberID   points.MemberID
	Kind       points.EntryKind
	SourceType string
	SourceID   string
}

var _ points.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{t: tables{
		entries:  make(map[points.EntryID]points.Entry),
		accounts: make(map[points.MemberID]points.Account),
		traces:   make(map[points.EntryID][]points.DeductionTrace),
		sources:  make(map[sourceKey]points.EntryID),
	}}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.t.clone()
	if err := fn(&txView{t: &m.t}); err != nil {
		m.t = snapshot
		return err
	}
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id points.EntryID) (points.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getEntry(id)
}

func (m *Memory) GetAccount(_ context.Context, memberID points.MemberID) (points.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.getAccount(memberID)
}

func (m *Memory) EligibleGrants(_ context.Context, memberID points.MemberID, now time.Time) ([]points.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.eligibleGrants(memberID, now), nil
}

func (m *Memory) ExpiredGrants(_ context.Context, now time.Time, limit int) ([]points.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.expiredGrants(now, limit), nil
}

func (m *Memory) EntriesByMember(_ context.Context, memberID points.MemberID, limit int) ([]points.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.entriesByMember(memberID, limit), nil
}

func (m *Memory) TracesBySpend(_ context.Context, spendEntryID points.EntryID) ([]points.DeductionTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]points.DeductionTrace(nil), m.t.traces[spendEntryID]...), nil
}

func (m *Memory) BalanceChecks(_ context.Context, memberIDs ...points.MemberID) ([]points.BalanceCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.t.balanceChecks(memberIDs), nil
}

// =============================================================================
// TRANSACTIONAL VIEW - Used only while WithTx holds the write lock
// =============================================================================

type txView struct {
	t *tables
}

func (tv *txView) GetEntry(_ context.Context, id points.EntryID) (points.Entry, error) {
	return tv.t.getEntry(id)
}

func (tv *txView) GetAccount(_ context.Context, memberID points.MemberID) (points.Account, error) {
	return tv.t.getAccount(memberID)
}

func (tv *txView) EligibleGrants(_ context.Context, memberID points.MemberID, now time.Time) ([]points.Entry, error) {
	return tv.t.eligibleGrants(memberID, now), nil
}

func (tv *txView) ExpiredGrants(_ context.Context, now time.Time, limit int) ([]points.Entry, error) {
	return tv.t.expiredGrants(now, limit), nil
}

func (tv *txView) EntriesByMember(_ context.Context, memberID points.MemberID, limit int) ([]points.Entry, error) {
	return tv.t.entriesByMember(memberID, limit), nil
}

func (tv *txView) TracesBySpend(_ context.Context, spendEntryID points.EntryID) ([]points.DeductionTrace, error) {
	return append([]points.DeductionTrace(nil), tv.t.traces[spendEntryID]...), nil
}

func (tv *txView) BalanceChecks(_ context.Context, memberIDs ...points.MemberID) ([]points.BalanceCheck, error) {
	return tv.t.balanceChecks(memberIDs), nil
}

func (tv *txView) InsertEntry(_ context.Context, e points.Entry) error {
	if _, exists := tv.t.entries[e.ID]; exists {
		return fmt.Errorf("duplicate entry id %s", e.ID)
	}
	if e.SourceID != "" {
		k := sourceKey{MemberID: e.MemberID, Kind: e.Kind, SourceType: e.SourceType, SourceID: e.SourceID}
		if _, exists := tv.t.sources[k]; exists {
			return points.ErrDuplicateSource
		}
		tv.t.sources[k] = e.ID
	}
	if e.Kind != points.KindEarn {
		e.RemainingBalance = 0
	}
	tv.t.entries[e.ID] = e
	return nil
}

func (tv *txView) DecrementRemaining(_ context.Context, id points.EntryID, amount int64) (bool, error) {
	e, ok := tv.t.entries[id]
	if !ok || e.Kind != points.KindEarn || e.Deleted || e.RemainingBalance < amount {
		return false, nil
	}
	e.RemainingBalance -= amount
	tv.t.entries[id] = e
	return true, nil
}

func (tv *txView) InsertTraces(_ context.Context, traces []points.DeductionTrace) error {
	for _, tr := range traces {
		if _, ok := tv.t.entries[tr.SpendEntryID]; !ok {
			return points.ErrEntryNotFound
		}
		tv.t.traces[tr.SpendEntryID] = append(tv.t.traces[tr.SpendEntryID], tr)
	}
	return nil
}

func (tv *txView) EnsureAccount(_ context.Context, memberID points.MemberID, now time.Time) (points.Account, error) {
	if acct, ok := tv.t.accounts[memberID]; ok {
		return acct, nil
	}
	acct := points.Account{MemberID: memberID, CreatedAt: now, UpdatedAt: now}
	tv.t.accounts[memberID] = acct
	return acct, nil
}

func (tv *txView) UpdateAccount(_ context.Context, next points.Account) (bool, error) {
	cur, ok := tv.t.accounts[next.MemberID]
	if !ok || cur.Version != next.Version {
		return false, nil
	}
	next.Version++
	next.CreatedAt = cur.CreatedAt
	tv.t.accounts[next.MemberID] = next
	return true, nil
}

// =============================================================================
// TABLE OPERATIONS - Callers hold the appropriate lock
// =============================================================================

func (t *tables) getEntry(id points.EntryID) (points.Entry, error) {
	e, ok := t.entries[id]
	if !ok {
		return points.Entry{}, points.ErrEntryNotFound
	}
	return e, nil
}

func (t *tables) getAccount(memberID points.MemberID) (points.Account, error) {
	acct, ok := t.accounts[memberID]
	if !ok {
		return points.Account{}, points.ErrAccountNotFound
	}
	return acct, nil
}

func (t *tables) eligibleGrants(memberID points.MemberID, now time.Time) []points.Entry {
	var result []points.Entry
	for _, e := range t.entries {
		if e.MemberID == memberID && e.Spendable(now) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return fifoLess(result[i], result[j]) })
	return result
}

func (t *tables) expiredGrants(now time.Time, limit int) []points.Entry {
	var result []points.Entry
	for _, e := range t.entries {
		if e.Kind == points.KindEarn && !e.Deleted && e.RemainingBalance > 0 && e.ExpiredAt(now) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return fifoLess(result[i], result[j]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (t *tables) entriesByMember(memberID points.MemberID, limit int) []points.Entry {
	var result []points.Entry
	for _, e := range t.entries {
		if e.MemberID == memberID && !e.Deleted {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (t *tables) balanceChecks(memberIDs []points.MemberID) []points.BalanceCheck {
	wanted := make(map[points.MemberID]bool, len(memberIDs))
	for _, id := range memberIDs {
		wanted[id] = true
	}

	ledger := make(map[points.MemberID]int64)
	for _, e := range t.entries {
		if e.Kind == points.KindEarn && !e.Deleted {
			ledger[e.MemberID] += e.RemainingBalance
		}
	}

	var result []points.BalanceCheck
	for id, acct := range t.accounts {
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		result = append(result, points.BalanceCheck{Account: acct, LedgerBalance: ledger[id]})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Account.MemberID < result[j].Account.MemberID })
	return result
}

func (t *tables) clone() tables {
	c := tables{
		entries:  make(map[points.EntryID]points.Entry, len(t.entries)),
		accounts: make(map[points.MemberID]points.Account, len(t.accounts)),
		traces:   make(map[points.EntryID][]points.DeductionTrace, len(t.traces)),
		sources:  make(map[sourceKey]points.EntryID, len(t.sources)),
	}
	for k, v := range t.entries {
		c.entries[k] = v
	}
	for k, v := range t.accounts {
		c.accounts[k] = v
	}
	for k, v := range t.traces {
		c.traces[k] = append([]points.DeductionTrace(nil), v...)
	}
	for k, v := range t.sources {
		c.sources[k] = v
	}
	return c
}

// fifoLess orders grants by expiry (never-expiring last), then creation
// time, then id.
func fifoLess(a, b points.Entry) bool {
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return false
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return true
	case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
