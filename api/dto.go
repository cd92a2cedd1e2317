/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  ledger's domain types from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are generic.Amount, which encodes as a decimal string with two
  places ("12.50") and decodes from either a string or a JSON number.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/generic"
	"github.com/warp/credit-ledger/referral"
)

// =============================================================================
// CREDITS
// =============================================================================

// CreditDTO represents a ledger entry in API responses.
type CreditDTO struct {
	ID              string            `json:"id"`
	Number          string            `json:"number"`
	ClientID        string            `json:"client_id"`
	Category        string            `json:"category"`
	Amount          generic.Amount    `json:"amount"`
	AmountUsed      generic.Amount    `json:"amount_used"`
	AmountRemaining generic.Amount    `json:"amount_remaining"`
	Status          string            `json:"status"`
	Label           string            `json:"label"`
	Reason          string            `json:"reason,omitempty"`
	ReferenceID     string            `json:"reference_id,omitempty"`
	ParentID        string            `json:"parent_id,omitempty"`
	Notes           string            `json:"notes,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	CreatedBy       string            `json:"created_by"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Version         int64             `json:"version"`
}

func toCreditDTO(e generic.Entry) CreditDTO {
	dto := CreditDTO{
		ID:              string(e.ID),
		Number:          e.Number,
		ClientID:        string(e.OwnerID),
		Amount:          e.Amount,
		AmountUsed:      e.AmountUsed,
		AmountRemaining: e.AmountRemaining,
		Status:          string(e.Status),
		Label:           e.Label(),
		Reason:          e.Reason,
		ReferenceID:     e.ReferenceID,
		ParentID:        string(e.ParentID),
		Notes:           e.Notes,
		ExpiresAt:       e.ExpiresAt,
		Attributes:      e.Attributes,
		CreatedBy:       e.CreatedBy,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
		Version:         e.Version,
	}
	if e.Category != nil {
		dto.Category = e.Category.CategoryID()
	}
	return dto
}

func toCreditDTOs(entries []generic.Entry) []CreditDTO {
	out := make([]CreditDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toCreditDTO(e))
	}
	return out
}

// CreateCreditRequest is the body of POST /api/credits.
type CreateCreditRequest struct {
	ClientID  string         `json:"client_id"`
	Amount    generic.Amount `json:"amount"`
	Reason    string         `json:"reason"`
	InvoiceID string         `json:"invoice_id,omitempty"`
	Notes     string         `json:"notes,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	IssuedBy  string         `json:"issued_by"`
}

// ApplyCreditRequest is the body of POST /api/credits/{id}/apply.
type ApplyCreditRequest struct {
	TargetID       string         `json:"target_id"`
	Amount         generic.Amount `json:"amount"`
	AppliedBy      string         `json:"applied_by"`
	Notes          string         `json:"notes,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type VoidCreditRequest struct {
	VoidedBy string `json:"voided_by"`
	Reason   string `json:"reason"`
}

// ApplicationDTO represents one draw from an entry.
type ApplicationDTO struct {
	ID             string         `json:"id"`
	CreditID       string         `json:"credit_id"`
	CreditNumber   string         `json:"credit_number,omitempty"`
	TargetID       string         `json:"target_id"`
	Kind           string         `json:"kind"`
	Amount         generic.Amount `json:"amount"`
	AppliedAt      time.Time      `json:"applied_at"`
	AppliedBy      string         `json:"applied_by"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Notes          string         `json:"notes,omitempty"`
}

func toApplicationDTO(a generic.Application) ApplicationDTO {
	return ApplicationDTO{
		ID:             string(a.ID),
		CreditID:       string(a.EntryID),
		TargetID:       string(a.TargetID),
		Kind:           string(a.Kind),
		Amount:         a.Amount,
		AppliedAt:      a.AppliedAt,
		AppliedBy:      a.AppliedBy,
		IdempotencyKey: a.IdempotencyKey,
		Notes:          a.Notes,
	}
}

func toApplicationDTOs(apps []generic.Application) []ApplicationDTO {
	out := make([]ApplicationDTO, 0, len(apps))
	for _, a := range apps {
		out = append(out, toApplicationDTO(a))
	}
	return out
}

// ApplyCreditResponse is returned by single-credit application.
type ApplyCreditResponse struct {
	Application ApplicationDTO `json:"application"`
	Credit      CreditDTO      `json:"credit"`
	Replayed    bool           `json:"replayed"`
}

// BalanceDTO is a client's derived balance.
type BalanceDTO struct {
	ClientID     string         `json:"client_id"`
	Category     string         `json:"category,omitempty"`
	AsOf         time.Time      `json:"as_of"`
	Issued       generic.Amount `json:"total_issued"`
	Available    generic.Amount `json:"available"`
	Pending      generic.Amount `json:"pending"`
	Used         generic.Amount `json:"used"`
	Expired      generic.Amount `json:"expired"`
	Voided       generic.Amount `json:"voided"`
	ExpiringSoon generic.Amount `json:"expiring_soon"`
	CreditCount  int            `json:"credit_count"`
	ActiveCount  int            `json:"active_count"`
}

func toBalanceDTO(b generic.Balance) BalanceDTO {
	return BalanceDTO{
		ClientID:     string(b.OwnerID),
		Category:     b.Category,
		AsOf:         b.AsOf,
		Issued:       b.Issued,
		Available:    b.Available,
		Pending:      b.Pending,
		Used:         b.Used,
		Expired:      b.Expired,
		Voided:       b.Voided,
		ExpiringSoon: b.ExpiringSoon,
		CreditCount:  b.EntryCount,
		ActiveCount:  b.ActiveCount,
	}
}

type HistoryDTO struct {
	Credits      []CreditDTO      `json:"credits"`
	Applications []ApplicationDTO `json:"applications"`
}

type StatusTotalDTO struct {
	Count     int            `json:"count"`
	Amount    generic.Amount `json:"amount"`
	Remaining generic.Amount `json:"remaining"`
}

type SummaryDTO struct {
	AsOf           time.Time                 `json:"as_of"`
	Clients        int                       `json:"clients"`
	TotalIssued    generic.Amount            `json:"total_issued"`
	TotalAvailable generic.Amount            `json:"total_available"`
	ExpiringSoon   generic.Amount            `json:"expiring_soon"`
	ByStatus       map[string]StatusTotalDTO `json:"by_status"`
	ByReason       map[string]StatusTotalDTO `json:"by_reason"`
	TopClients     []ClientTotalDTO          `json:"top_clients"`
}

type ClientTotalDTO struct {
	ClientID  string         `json:"client_id"`
	Available generic.Amount `json:"available"`
}

func toSummaryDTO(s credit.Summary) SummaryDTO {
	dto := SummaryDTO{
		AsOf:           s.AsOf,
		Clients:        s.Clients,
		TotalIssued:    s.TotalIssued,
		TotalAvailable: s.TotalAvailable,
		ExpiringSoon:   s.ExpiringSoon,
		ByStatus:       make(map[string]StatusTotalDTO, len(s.ByStatus)),
		ByReason:       make(map[string]StatusTotalDTO, len(s.ByReason)),
		TopClients:     make([]ClientTotalDTO, 0, len(s.TopClients)),
	}
	for k, v := range s.ByStatus {
		dto.ByStatus[string(k)] = StatusTotalDTO(v)
	}
	for k, v := range s.ByReason {
		dto.ByReason[string(k)] = StatusTotalDTO(v)
	}
	for _, c := range s.TopClients {
		dto.TopClients = append(dto.TopClients, ClientTotalDTO{ClientID: string(c.ClientID), Available: c.Available})
	}
	return dto
}

// =============================================================================
// TARGETS
// =============================================================================

// TargetDTO is an invoice or order credit can be applied to.
type TargetDTO struct {
	ID          string         `json:"id"`
	ClientID    string         `json:"client_id"`
	Total       generic.Amount `json:"total"`
	Discount    generic.Amount `json:"discount"`
	Outstanding generic.Amount `json:"outstanding"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func toTargetDTO(t generic.Target) TargetDTO {
	return TargetDTO{
		ID:          string(t.ID),
		ClientID:    string(t.OwnerID),
		Total:       t.Total,
		Discount:    t.Discount,
		Outstanding: t.Outstanding(),
		UpdatedAt:   t.UpdatedAt,
	}
}

// PutTargetRequest registers or updates an invoice/order.
type PutTargetRequest struct {
	ClientID string          `json:"client_id"`
	Total    generic.Amount  `json:"total"`
	Discount *generic.Amount `json:"discount,omitempty"`
}

// AllocateRequest is the body of FIFO application endpoints.
type AllocateRequest struct {
	ClientID       string          `json:"client_id,omitempty"`
	Cap            *generic.Amount `json:"max_amount,omitempty"`
	CreditIDs      []string        `json:"credit_ids,omitempty"`
	AppliedBy      string          `json:"applied_by"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type AllocationDTO struct {
	Credit      CreditDTO      `json:"credit"`
	Applied     generic.Amount `json:"applied"`
	Application ApplicationDTO `json:"application"`
	Remainder   *CreditDTO     `json:"remainder,omitempty"`
}

type AllocationResponse struct {
	TargetID         string          `json:"target_id"`
	Applied          generic.Amount  `json:"total_applied"`
	Allocations      []AllocationDTO `json:"allocations"`
	Target           TargetDTO       `json:"target"`
	RemainingBalance generic.Amount  `json:"remaining_balance"`
	Replayed         bool            `json:"replayed"`
}

func toAllocationResponse(r generic.AllocationResult) AllocationResponse {
	resp := AllocationResponse{
		TargetID:         string(r.TargetID),
		Applied:          r.Applied,
		Allocations:      make([]AllocationDTO, 0, len(r.Allocations)),
		Target:           toTargetDTO(r.Target),
		RemainingBalance: r.RemainingBalance,
		Replayed:         r.Replayed,
	}
	for _, a := range r.Allocations {
		dto := AllocationDTO{
			Credit:      toCreditDTO(a.Entry),
			Applied:     a.Applied,
			Application: toApplicationDTO(a.Application),
		}
		if a.Remainder != nil {
			rem := toCreditDTO(*a.Remainder)
			dto.Remainder = &rem
		}
		resp.Allocations = append(resp.Allocations, dto)
	}
	return resp
}

// =============================================================================
// REFERRALS
// =============================================================================

type CreateReferralRequest struct {
	ReferrerID      string         `json:"referrer_client_id"`
	ReferredID      string         `json:"referred_client_id"`
	ReferredOrderID string         `json:"referred_order_id"`
	OrderTotal      generic.Amount `json:"order_total"`
	Tier            string         `json:"tier,omitempty"`
	CreatedBy       string         `json:"created_by,omitempty"`
}

type OrderEventRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

type ReferralCreditsResponse struct {
	Credits []CreditDTO `json:"credits"`
	Balance BalanceDTO  `json:"balance"`
}

type LabelTotalDTO struct {
	Count  int            `json:"count"`
	Amount generic.Amount `json:"amount"`
}

type ReferrerDTO struct {
	ClientID      string         `json:"client_id"`
	ReferralCount int            `json:"referral_count"`
	TotalEarned   generic.Amount `json:"total_earned"`
}

type ReferralStatsDTO struct {
	TotalCreated int                      `json:"total_credits_created"`
	TotalAmount  generic.Amount           `json:"total_credit_amount"`
	ByStatus     map[string]LabelTotalDTO `json:"by_status"`
	TopReferrers []ReferrerDTO            `json:"top_referrers"`
}

func toReferralStatsDTO(s referral.Stats) ReferralStatsDTO {
	dto := ReferralStatsDTO{
		TotalCreated: s.TotalCreated,
		TotalAmount:  s.TotalAmount,
		ByStatus:     make(map[string]LabelTotalDTO, len(s.ByLabel)),
		TopReferrers: make([]ReferrerDTO, 0, len(s.TopReferrers)),
	}
	for k, v := range s.ByLabel {
		dto.ByStatus[k] = LabelTotalDTO(v)
	}
	for _, r := range s.TopReferrers {
		dto.TopReferrers = append(dto.TopReferrers, ReferrerDTO{
			ClientID:      string(r.ClientID),
			ReferralCount: r.ReferralCount,
			TotalEarned:   r.TotalEarned,
		})
	}
	return dto
}

// =============================================================================
// ADMIN / ERRORS
// =============================================================================

type ExpireResponse struct {
	Expired int       `json:"expired"`
	RanAt   time.Time `json:"ran_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	Field     string          `json:"field,omitempty"`
	Available *generic.Amount `json:"available,omitempty"`
	Requested *generic.Amount `json:"requested,omitempty"`
}
