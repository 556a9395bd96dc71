/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the points engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to points.Ledger.

ENDPOINTS:
  Members:
    POST   /api/members/{id}/grants      Award points (EARN entry)
    POST   /api/members/{id}/deductions  Spend points FIFO by expiry
    POST   /api/members/{id}/reserve     Move available points to frozen
    POST   /api/members/{id}/release     Move frozen points back to available
    GET    /api/members/{id}/balance     Account summary
    GET    /api/members/{id}/entries     Ledger history, newest first

  Deductions:
    GET    /api/deductions/{id}/traces   Grants that funded a spend

  Admin:
    POST   /api/admin/sweep              Run the expiration sweep now
    GET    /api/admin/audit              Compare accounts with the ledger

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Entry or account not found
  - 409: Duplicate source, concurrent modification (retry the request)
  - 422: Insufficient balance
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/points-ledger/points"
)

const defaultHistoryLimit = 100

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *points.Ledger
	Logger *slog.Logger
}

// NewHandler creates a new handler around the given ledger.
func NewHandler(ledger *points.Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Ledger: ledger, Logger: logger}
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// Grant awards points to a member.
// POST /api/members/{id}/grants
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Ledger.Grant(r.Context(), points.GrantRequest{
		MemberID:    points.MemberID(chi.URLParam(r, "id")),
		Amount:      req.Amount,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
		ExpiresAt:   req.ExpiresAt,
		Description: req.Description,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to grant points", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// Deduct spends points from a member's oldest-expiring grants first.
// POST /api/members/{id}/deductions
func (h *Handler) Deduct(w http.ResponseWriter, r *http.Request) {
	var req DeductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.Ledger.Deduct(r.Context(), points.DeductRequest{
		MemberID:    points.MemberID(chi.URLParam(r, "id")),
		Amount:      req.Amount,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
		Description: req.Description,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to deduct points", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// Reserve freezes available points.
// POST /api/members/{id}/reserve
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	h.moveFrozen(w, r, h.Ledger.Reserve, "Failed to reserve points")
}

// Release returns frozen points to available.
// POST /api/members/{id}/release
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	h.moveFrozen(w, r, h.Ledger.Release, "Failed to release points")
}

type freezeFunc func(ctx context.Context, memberID points.MemberID, amount int64) (points.Account, error)

func (h *Handler) moveFrozen(w http.ResponseWriter, r *http.Request, fn freezeFunc, message string) {
	var req FreezeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acct, err := fn(r.Context(), points.MemberID(chi.URLParam(r, "id")), req.Amount)
	if err != nil {
		h.writeLedgerError(w, message, err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(acct))
}

// GetBalance returns a member's account summary. Members with no account
// yet report zero balances.
// GET /api/members/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	memberID := points.MemberID(chi.URLParam(r, "id"))

	acct, err := h.Ledger.Account(r.Context(), memberID)
	if errors.Is(err, points.ErrAccountNotFound) {
		writeJSON(w, http.StatusOK, toBalanceDTO(points.Account{MemberID: memberID}))
		return
	}
	if err != nil {
		h.writeLedgerError(w, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(acct))
}

// GetEntries returns a member's ledger history, newest first.
// GET /api/members/{id}/entries?limit=N
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", fmt.Errorf("limit must be a positive integer, got %q", raw))
			return
		}
		limit = n
	}

	entries, err := h.Ledger.History(r.Context(), points.MemberID(chi.URLParam(r, "id")), limit)
	if err != nil {
		h.writeLedgerError(w, "Failed to get entries", err)
		return
	}

	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// DEDUCTION HANDLERS
// =============================================================================

// GetTraces returns the grants a spend drew from, in consumption order.
// GET /api/deductions/{id}/traces
func (h *Handler) GetTraces(w http.ResponseWriter, r *http.Request) {
	traces, err := h.Ledger.Trace(r.Context(), points.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, "Failed to get traces", err)
		return
	}

	writeJSON(w, http.StatusOK, toTraceDTOs(traces))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the expiration sweep immediately. An optional "at"
// query parameter (RFC 3339) sweeps as of an earlier instant; one after
// the ledger clock is rejected with 400.
// POST /api/admin/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	now := h.Ledger.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid at parameter", err)
			return
		}
		now = at.UTC()
	}

	report, err := h.Ledger.SweepExpired(r.Context(), now)
	if err != nil {
		h.writeLedgerError(w, "Failed to sweep expired grants", err)
		return
	}

	writeJSON(w, http.StatusOK, SweepDTO{
		GrantsSwept:   report.GrantsSwept,
		PointsExpired: report.PointsExpired,
		Skipped:       report.Skipped,
		Failed:        report.Failed,
	})
}

// Audit compares account summaries with the ledger. Repeat the "member"
// query parameter to limit the check; omit it to audit every account.
// GET /api/admin/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	var members []points.MemberID
	for _, m := range r.URL.Query()["member"] {
		members = append(members, points.MemberID(m))
	}

	report, err := h.Ledger.Audit(r.Context(), members...)
	if err != nil {
		h.writeLedgerError(w, "Failed to audit accounts", err)
		return
	}

	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, points.ErrInvalidArgument):
		return http.StatusBadRequest
	case points.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, points.ErrDuplicateSource),
		errors.Is(err, points.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, points.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, "error", err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
