/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the points engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TIMESTAMPS:
  All timestamps are RFC 3339 strings in UTC. A grant without expires_at
  never expires.

VALIDATION:
  Validation is done by the points engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - points/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/points-ledger/points"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// GrantRequest is the request to credit points to a member.
type GrantRequest struct {
	Amount      int64      `json:"amount"`
	SourceType  string     `json:"source_type"`
	SourceID    string     `json:"source_id,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Description string     `json:"description,omitempty"`
}

// DeductRequest is the request to spend points.
type DeductRequest struct {
	Amount      int64  `json:"amount"`
	SourceType  string `json:"source_type"`
	SourceID    string `json:"source_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// FreezeRequest moves points between available and frozen.
type FreezeRequest struct {
	Amount int64 `json:"amount"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID               string  `json:"id"`
	MemberID         string  `json:"member_id"`
	Kind             string  `json:"kind"`
	Amount           int64   `json:"amount"`
	RemainingBalance int64   `json:"remaining_balance"`
	SourceType       string  `json:"source_type,omitempty"`
	SourceID         string  `json:"source_id,omitempty"`
	Description      string  `json:"description,omitempty"`
	ExpiresAt        *string `json:"expires_at,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// BalanceDTO summarizes a member's account.
type BalanceDTO struct {
	MemberID  string `json:"member_id"`
	Total     int64  `json:"total_points"`
	Available int64  `json:"available_points"`
	Frozen    int64  `json:"frozen_points"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// TraceDTO links a spend to one grant it drew from.
type TraceDTO struct {
	ID           string  `json:"id"`
	SpendEntryID string  `json:"spend_entry_id"`
	EarnEntryID  string  `json:"earn_entry_id"`
	UsedAmount   int64   `json:"used_amount"`
	ExpiresAt    *string `json:"expires_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// SweepDTO reports the outcome of an expiration sweep.
type SweepDTO struct {
	GrantsSwept   int   `json:"grants_swept"`
	PointsExpired int64 `json:"points_expired"`
	Skipped       int   `json:"skipped"`
	Failed        int   `json:"failed"`
}

// ViolationDTO is one member whose account disagrees with the ledger.
type ViolationDTO struct {
	MemberID       string `json:"member_id"`
	AccountBalance int64  `json:"account_balance"`
	LedgerBalance  int64  `json:"ledger_balance"`
}

// AuditDTO reports an integrity check.
type AuditDTO struct {
	Checked    int            `json:"checked"`
	OK         bool           `json:"ok"`
	Violations []ViolationDTO `json:"violations"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryDTO(e points.Entry) EntryDTO {
	return EntryDTO{
		ID:               string(e.ID),
		MemberID:         string(e.MemberID),
		Kind:             string(e.Kind),
		Amount:           e.Amount,
		RemainingBalance: e.RemainingBalance,
		SourceType:       e.SourceType,
		SourceID:         e.SourceID,
		Description:      e.Description,
		ExpiresAt:        formatTimePtr(e.ExpiresAt),
		CreatedAt:        formatTime(e.CreatedAt),
	}
}

func toEntryDTOs(entries []points.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toBalanceDTO(a points.Account) BalanceDTO {
	dto := BalanceDTO{
		MemberID:  string(a.MemberID),
		Total:     a.TotalPoints,
		Available: a.AvailablePoints,
		Frozen:    a.FrozenPoints,
		Version:   a.Version,
	}
	if !a.UpdatedAt.IsZero() {
		dto.UpdatedAt = formatTime(a.UpdatedAt)
	}
	return dto
}

func toTraceDTOs(traces []points.DeductionTrace) []TraceDTO {
	dtos := make([]TraceDTO, len(traces))
	for i, tr := range traces {
		dtos[i] = TraceDTO{
			ID:           string(tr.ID),
			SpendEntryID: string(tr.SpendEntryID),
			EarnEntryID:  string(tr.EarnEntryID),
			UsedAmount:   tr.UsedAmount,
			ExpiresAt:    formatTimePtr(tr.ExpiresAt),
			CreatedAt:    formatTime(tr.CreatedAt),
		}
	}
	return dtos
}

func toAuditDTO(r points.AuditReport) AuditDTO {
	dto := AuditDTO{Checked: r.Checked, OK: r.OK(), Violations: []ViolationDTO{}}
	for _, v := range r.Violations {
		dto.Violations = append(dto.Violations, ViolationDTO{
			MemberID:       string(v.MemberID),
			AccountBalance: v.AccountBalance,
			LedgerBalance:  v.LedgerBalance,
		})
	}
	return dto
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
