/*
handlers_test.go - HTTP tests for the points API

Tests for:
- Grant / deduct round trips and status codes
- Error mapping (400, 404, 409, 422)
- Balance, history and trace queries
- Admin sweep and audit
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/metrics"
	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/points/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var day0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	ledger *points.Ledger
	router http.Handler
	now    *time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	now := day0
	reg := prometheus.NewRegistry()
	ledger := points.NewLedger(store.NewMemory(),
		points.WithClock(func() time.Time { return now }),
		points.WithRecorder(metrics.New(reg)))
	return &testServer{
		ledger: ledger,
		router: NewRouter(NewHandler(ledger, nil), reg),
		now:    &now,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) grant(t *testing.T, member string, amount int64, expiresAt *time.Time) EntryDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/members/"+member+"/grants", GrantRequest{
		Amount:     amount,
		SourceType: "test",
		ExpiresAt:  expiresAt,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[EntryDTO](t, rec)
}

// =============================================================================
// GRANT / DEDUCT
// =============================================================================

func TestGrant_Created(t *testing.T) {
	s := newTestServer(t)
	expiry := day0.Add(72 * time.Hour)

	entry := s.grant(t, "m-1", 50, &expiry)

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "m-1", entry.MemberID)
	assert.Equal(t, "EARN", entry.Kind)
	assert.Equal(t, int64(50), entry.Amount)
	assert.Equal(t, int64(50), entry.RemainingBalance)
	require.NotNil(t, entry.ExpiresAt)
	assert.Equal(t, "2025-03-04T12:00:00Z", *entry.ExpiresAt)
}

func TestDeduct_FIFOAndTraces(t *testing.T) {
	// GIVEN: G1 50 expiring day 3, G2 30 expiring day 5, G3 20 never
	// WHEN: POSTing a 60-point deduction
	// THEN: 201, and the traces endpoint shows [50 from G1, 10 from G2]

	s := newTestServer(t)
	d3, d5 := day0.Add(72*time.Hour), day0.Add(120*time.Hour)
	g1 := s.grant(t, "m-1", 50, &d3)
	g2 := s.grant(t, "m-1", 30, &d5)
	s.grant(t, "m-1", 20, nil)

	rec := s.do(t, http.MethodPost, "/api/members/m-1/deductions", DeductRequest{Amount: 60, SourceType: "order", SourceID: "o-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	spend := decode[EntryDTO](t, rec)
	assert.Equal(t, "SPEND", spend.Kind)
	assert.Equal(t, int64(-60), spend.Amount)

	rec = s.do(t, http.MethodGet, "/api/deductions/"+spend.ID+"/traces", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	traces := decode[[]TraceDTO](t, rec)
	require.Len(t, traces, 2)
	assert.Equal(t, g1.ID, traces[0].EarnEntryID)
	assert.Equal(t, int64(50), traces[0].UsedAmount)
	assert.Equal(t, g2.ID, traces[1].EarnEntryID)
	assert.Equal(t, int64(10), traces[1].UsedAmount)

	rec = s.do(t, http.MethodGet, "/api/members/m-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[BalanceDTO](t, rec)
	assert.Equal(t, int64(40), balance.Available)
	assert.Equal(t, int64(100), balance.Total)
}

func TestDeduct_ErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	s.grant(t, "m-1", 30, nil)
	rec := s.do(t, http.MethodPost, "/api/members/m-1/deductions", DeductRequest{Amount: 5, SourceType: "order", SourceID: "dup"})
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"insufficient balance", DeductRequest{Amount: 100}, http.StatusUnprocessableEntity},
		{"zero amount", DeductRequest{Amount: 0}, http.StatusBadRequest},
		{"duplicate source", DeductRequest{Amount: 5, SourceType: "order", SourceID: "dup"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/members/m-1/deductions", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, "Failed to deduct points", resp.Error)
			assert.NotEmpty(t, resp.Details)
		})
	}
}

func TestDeduct_MalformedBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/members/m-1/deductions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", decode[ErrorResponse](t, rec).Error)
}

func TestGrant_ExpiredIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	past := day0.Add(-time.Hour)

	rec := s.do(t, http.MethodPost, "/api/members/m-1/grants", GrantRequest{Amount: 10, ExpiresAt: &past})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RESERVE / RELEASE
// =============================================================================

func TestReserveAndRelease(t *testing.T) {
	s := newTestServer(t)
	s.grant(t, "m-1", 50, nil)

	rec := s.do(t, http.MethodPost, "/api/members/m-1/reserve", FreezeRequest{Amount: 30})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	balance := decode[BalanceDTO](t, rec)
	assert.Equal(t, int64(20), balance.Available)
	assert.Equal(t, int64(30), balance.Frozen)

	rec = s.do(t, http.MethodPost, "/api/members/m-1/release", FreezeRequest{Amount: 40})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/members/m-1/reserve", FreezeRequest{Amount: 21})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/members/m-1/release", FreezeRequest{Amount: 30})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(50), decode[BalanceDTO](t, rec).Available)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestBalance_UnknownMemberIsZero(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/members/nobody/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[BalanceDTO](t, rec)
	assert.Equal(t, "nobody", balance.MemberID)
	assert.Equal(t, int64(0), balance.Available)
}

func TestEntries_NewestFirstWithLimit(t *testing.T) {
	s := newTestServer(t)
	for i := range 3 {
		s.grant(t, "m-1", int64(10*(i+1)), nil)
		*s.now = s.now.Add(time.Second)
	}

	rec := s.do(t, http.MethodGet, "/api/members/m-1/entries?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]EntryDTO](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(30), entries[0].Amount)
	assert.Equal(t, int64(20), entries[1].Amount)

	rec = s.do(t, http.MethodGet, "/api/members/m-1/entries?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTraces_StatusCodes(t *testing.T) {
	s := newTestServer(t)
	g := s.grant(t, "m-1", 10, nil)

	rec := s.do(t, http.MethodGet, "/api/deductions/missing/traces", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/deductions/"+g.ID+"/traces", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "an EARN entry has no traces")
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdminSweep(t *testing.T) {
	s := newTestServer(t)
	d1 := day0.Add(24 * time.Hour)
	s.grant(t, "m-1", 15, &d1)

	rec := s.do(t, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, SweepDTO{}, decode[SweepDTO](t, rec), "nothing expired yet")

	rec = s.do(t, http.MethodPost, "/api/admin/sweep?at="+day0.Add(48*time.Hour).Format(time.RFC3339), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "instant after the ledger clock")

	*s.now = day0.Add(72 * time.Hour)
	rec = s.do(t, http.MethodPost, "/api/admin/sweep?at="+day0.Add(48*time.Hour).Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, SweepDTO{GrantsSwept: 1, PointsExpired: 15}, decode[SweepDTO](t, rec))

	rec = s.do(t, http.MethodPost, "/api/admin/sweep?at=tomorrow", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAudit(t *testing.T) {
	s := newTestServer(t)
	s.grant(t, "m-1", 10, nil)
	s.grant(t, "m-2", 10, nil)

	rec := s.do(t, http.MethodGet, "/api/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[AuditDTO](t, rec)
	assert.Equal(t, 2, audit.Checked)
	assert.True(t, audit.OK)
	assert.Empty(t, audit.Violations)

	rec = s.do(t, http.MethodGet, "/api/admin/audit?member=m-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[AuditDTO](t, rec).Checked)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.grant(t, "m-1", 10, nil)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "points_ledger_grants_total 1")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{points.ErrInvalidArgument, http.StatusBadRequest},
		{points.ErrEntryNotFound, http.StatusNotFound},
		{points.ErrAccountNotFound, http.StatusNotFound},
		{points.ErrDuplicateSource, http.StatusConflict},
		{&points.ConcurrentModificationError{Row: "entry"}, http.StatusConflict},
		{&points.InsufficientBalanceError{Requested: 1}, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", points.ErrInsufficientBalance), http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}
