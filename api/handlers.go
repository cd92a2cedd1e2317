/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes store credit and referral credit over REST. Handlers parse the
  request, call the credit or referral service, and serialize the result.
  All business rules live in the services and the generic engine.

ENDPOINTS:
  Credits:
    POST   /api/credits                    Issue a store credit
    GET    /api/credits/summary            Aggregate summary
    GET    /api/credits/number/{number}    Get credit by number
    GET    /api/credits/{id}               Get credit
    POST   /api/credits/{id}/apply         Apply to a target (idempotent)
    POST   /api/credits/{id}/void          Void an unused credit
    GET    /api/credits/{id}/applications  Application history

  Clients:
    GET    /api/clients/{id}/credits       List (?active_only=true)
    GET    /api/clients/{id}/balance       Derived balance
    GET    /api/clients/{id}/history       Credits plus applications

  Targets:
    GET    /api/targets/{id}               Invoice/order with discount
    PUT    /api/targets/{id}               Register or update
    GET    /api/targets/{id}/applications  Applications made to it
    POST   /api/targets/{id}/apply-credits FIFO store-credit application

  Referrals:
    POST   /api/referrals                          Create for referred order
    POST   /api/referrals/orders/{id}/available    Referred order finalized
    POST   /api/referrals/orders/{id}/cancel       Referred order cancelled
    POST   /api/referrals/orders/{id}/apply        FIFO referral application
    GET    /api/referrals/stats                    Aggregates
    GET    /api/referrals/clients/{id}             A referrer's credits

  Admin:
    POST   /api/admin/expire               Run the expiration sweep

IDEMPOTENCY:
  Apply endpoints accept the key in the body or the Idempotency-Key header.
  The header wins when both are present.

ERROR HANDLING:
  - 400: Validation errors, invalid amounts
  - 404: Credit or target not found
  - 409: Credit state forbids the operation
  - 422: Insufficient balance
  - 503: Concurrency conflict after retries (Retry-After: 1)
  - 500: Anything else, logged with details, opaque to the client

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/generic"
	"github.com/warp/credit-ledger/referral"
)

// IdempotencyHeader carries the idempotency key on apply endpoints.
const IdempotencyHeader = "Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Credits   *credit.Service
	Referrals *referral.Service
	Store     generic.Store
	Clock     generic.Clock
	Log       logrus.FieldLogger
}

// NewHandler creates a handler over the two services. Both must share a store.
func NewHandler(credits *credit.Service, referrals *referral.Service) *Handler {
	return &Handler{
		Credits:   credits,
		Referrals: referrals,
		Store:     credits.Ledger.Store,
		Clock:     credits.Ledger.Clock,
		Log:       credits.Log.WithField("component", "api"),
	}
}

// =============================================================================
// CREDIT ENDPOINTS
// =============================================================================

// CreateCredit issues a store credit.
// POST /api/credits
func (h *Handler) CreateCredit(w http.ResponseWriter, r *http.Request) {
	var req CreateCreditRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Credits.Create(r.Context(), credit.CreateRequest{
		ClientID:  generic.OwnerID(req.ClientID),
		Amount:    req.Amount,
		Reason:    credit.Reason(req.Reason),
		InvoiceID: req.InvoiceID,
		Notes:     req.Notes,
		ExpiresAt: req.ExpiresAt,
		IssuedBy:  req.IssuedBy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditDTO(entry))
}

// GetCredit returns one credit.
// GET /api/credits/{id}
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Credits.Get(r.Context(), generic.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(entry))
}

// GET /api/credits/number/{number}
func (h *Handler) GetCreditByNumber(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Credits.GetByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(entry))
}

// ApplyCredit draws from one credit onto a target.
// POST /api/credits/{id}/apply
//
// Returns 201 for a new application and 200 when an idempotency key
// replays an earlier one.
func (h *Handler) ApplyCredit(w http.ResponseWriter, r *http.Request) {
	var req ApplyCreditRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Credits.Apply(r.Context(), credit.ApplyRequest{
		CreditID:       generic.EntryID(chi.URLParam(r, "id")),
		InvoiceID:      generic.TargetID(req.TargetID),
		Amount:         req.Amount,
		AppliedBy:      req.AppliedBy,
		Notes:          req.Notes,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, ApplyCreditResponse{
		Application: toApplicationDTO(res.Application),
		Credit:      toCreditDTO(res.Entry),
		Replayed:    res.Replayed,
	})
}

// VoidCredit withdraws an unused credit.
// POST /api/credits/{id}/void
func (h *Handler) VoidCredit(w http.ResponseWriter, r *http.Request) {
	var req VoidCreditRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Credits.Void(r.Context(), generic.EntryID(chi.URLParam(r, "id")), req.VoidedBy, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(entry))
}

// GET /api/credits/{id}/applications
func (h *Handler) ListCreditApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := h.Credits.Applications(r.Context(), generic.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTOs(apps))
}

// GET /api/credits/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Credits.Summary(r.Context(), h.Clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(sum))
}

// =============================================================================
// CLIENT ENDPOINTS
// =============================================================================

// ListClientCredits returns a client's store credits, newest first.
// GET /api/clients/{id}/credits?active_only=true
func (h *Handler) ListClientCredits(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, &generic.ValidationError{Field: "active_only", Message: "must be true or false"})
			return
		}
		activeOnly = b
	}
	entries, err := h.Credits.ListByClient(r.Context(), generic.OwnerID(chi.URLParam(r, "id")), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTOs(entries))
}

// GET /api/clients/{id}/balance
func (h *Handler) GetClientBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Credits.Balance(r.Context(), generic.OwnerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// GET /api/clients/{id}/history
func (h *Handler) GetClientHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.Credits.History(r.Context(), generic.OwnerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	dto := HistoryDTO{
		Credits:      toCreditDTOs(hist.Entries),
		Applications: make([]ApplicationDTO, 0, len(hist.Applications)),
	}
	for _, item := range hist.Applications {
		a := toApplicationDTO(item.Application)
		a.CreditNumber = item.EntryNumber
		dto.Applications = append(dto.Applications, a)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// TARGET ENDPOINTS
// =============================================================================

// GET /api/targets/{id}
func (h *Handler) GetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.GetTarget(r.Context(), generic.TargetID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTargetDTO(t))
}

// PutTarget registers an invoice/order or updates its total.
// PUT /api/targets/{id}
func (h *Handler) PutTarget(w http.ResponseWriter, r *http.Request) {
	var req PutTargetRequest
	if !decode(w, r, &req) {
		return
	}
	target, err := h.Credits.Allocator.SaveTarget(r.Context(), generic.TargetInput{
		ID:       generic.TargetID(chi.URLParam(r, "id")),
		OwnerID:  generic.OwnerID(req.ClientID),
		Total:    req.Total,
		Discount: req.Discount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTargetDTO(target))
}

// GET /api/targets/{id}/applications
func (h *Handler) ListTargetApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := h.Credits.ApplicationsByInvoice(r.Context(), generic.TargetID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTOs(apps))
}

// ApplyCreditsToTarget spends the client's store credit FIFO.
// POST /api/targets/{id}/apply-credits
func (h *Handler) ApplyCreditsToTarget(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Credits.ApplyToInvoice(r.Context(), credit.ApplyToInvoiceRequest{
		InvoiceID:      generic.TargetID(chi.URLParam(r, "id")),
		ClientID:       generic.OwnerID(req.ClientID),
		Cap:            req.Cap,
		CreditIDs:      entryIDs(req.CreditIDs),
		AppliedBy:      req.AppliedBy,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, allocationStatus(res), toAllocationResponse(res))
}

// =============================================================================
// REFERRAL ENDPOINTS
// =============================================================================

// POST /api/referrals
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.Referrals.CreateForOrder(r.Context(), referral.Reward{
		ReferrerID:      generic.OwnerID(req.ReferrerID),
		ReferredID:      generic.OwnerID(req.ReferredID),
		ReferredOrderID: req.ReferredOrderID,
		OrderTotal:      req.OrderTotal,
		Tier:            req.Tier,
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditDTO(entry))
}

// POST /api/referrals/orders/{id}/available
func (h *Handler) MarkReferralAvailable(w http.ResponseWriter, r *http.Request) {
	var req OrderEventRequest
	if !decode(w, r, &req) {
		return
	}
	entries, err := h.Referrals.MarkAvailable(r.Context(), chi.URLParam(r, "id"), actorOrSystem(req.Actor))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTOs(entries))
}

// POST /api/referrals/orders/{id}/cancel
func (h *Handler) CancelReferral(w http.ResponseWriter, r *http.Request) {
	var req OrderEventRequest
	if !decode(w, r, &req) {
		return
	}
	entries, err := h.Referrals.CancelForOrder(r.Context(), chi.URLParam(r, "id"), actorOrSystem(req.Actor), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTOs(entries))
}

// POST /api/referrals/orders/{id}/apply
func (h *Handler) ApplyReferralCredits(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Referrals.ApplyToOrder(r.Context(), generic.TargetID(chi.URLParam(r, "id")), referral.ApplyOptions{
		EntryIDs:       entryIDs(req.CreditIDs),
		MaxAmount:      req.Cap,
		AppliedBy:      req.AppliedBy,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, allocationStatus(res), toAllocationResponse(res))
}

// GET /api/referrals/stats
func (h *Handler) GetReferralStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Referrals.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralStatsDTO(st))
}

// GET /api/referrals/clients/{id}?active_only=true
func (h *Handler) GetClientReferrals(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))
	cc, err := h.Referrals.ForClient(r.Context(), generic.OwnerID(chi.URLParam(r, "id")), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReferralCreditsResponse{
		Credits: toCreditDTOs(cc.Entries),
		Balance: toBalanceDTO(cc.Balance),
	})
}

// =============================================================================
// ADMIN / HEALTH
// =============================================================================

// TriggerExpire runs the expiration sweep now.
// POST /api/admin/expire
func (h *Handler) TriggerExpire(w http.ResponseWriter, r *http.Request) {
	ranAt := h.Clock.Now()
	n, err := h.Credits.MarkExpired(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireResponse{Expired: n, RanAt: ranAt})
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports whether the store is reachable.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.Log.WithError(err).Warn("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Code: "VALIDATION_ERROR"})
		return false
	}
	return true
}

// writeError maps ledger errors to HTTP statuses. Unknown errors are
// logged and reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		insufficient *generic.InsufficientBalanceError
		validation   *generic.ValidationError
	)
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     err.Error(),
			Code:      "INSUFFICIENT_BALANCE",
			Available: &insufficient.Available,
			Requested: &insufficient.Requested,
		})
	case errors.Is(err, generic.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, generic.ErrInvalidState):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "INVALID_STATE"})
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "VALIDATION_ERROR", Field: validation.Field})
	case errors.Is(err, generic.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_AMOUNT"})
	case errors.Is(err, generic.ErrConcurrencyConflict):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "concurrent update, retry", Code: "CONCURRENCY_CONFLICT"})
	default:
		h.Log.WithError(err).WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "INTERNAL"})
	}
}

func idempotencyKey(r *http.Request, body string) string {
	if k := r.Header.Get(IdempotencyHeader); k != "" {
		return k
	}
	return body
}

func entryIDs(ids []string) []generic.EntryID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]generic.EntryID, len(ids))
	for i, id := range ids {
		out[i] = generic.EntryID(id)
	}
	return out
}

func allocationStatus(res generic.AllocationResult) int {
	if res.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}
