/*
handlers_test.go - HTTP tests for the credit ledger API

Tests drive the full router (middleware included) over an in-memory
store and check status codes, error codes and JSON bodies.
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/generic"
	"github.com/warp/credit-ledger/generic/store"
	"github.com/warp/credit-ledger/referral"
)

var now = time.Date(2025, time.May, 5, 8, 30, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	router http.Handler
	clock  *generic.FixedClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	st := store.NewMemory()
	clock := generic.NewFixedClock(now)
	credits := credit.NewService(st, clock, log, nil)
	credits.SetRetries(5, time.Millisecond)
	referrals := referral.NewService(credits.Ledger, credits.Allocator, credits.Balances, referral.DefaultSettings())

	h := api.NewHandler(credits, referrals)
	return &testServer{
		t:      t,
		router: api.NewRouter(h, api.RouterOptions{AllowedOrigins: []string{"*"}}),
		clock:  clock,
	}
}

func (s *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createCredit(client, amount string) api.CreditDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/credits", map[string]any{
		"client_id": client,
		"amount":    amount,
		"reason":    "GOODWILL",
		"issued_by": "agent-1",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[api.CreditDTO](s.t, rec)
}

func (s *testServer) putTarget(id, client, total string) {
	s.t.Helper()
	rec := s.do(http.MethodPut, "/api/targets/"+id, map[string]any{"client_id": client, "total": total})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func applyBody(target, amount string) map[string]any {
	return map[string]any{"target_id": target, "amount": amount, "applied_by": "cashier"}
}

// =============================================================================
// CREDITS
// =============================================================================

func TestCreateAndGetCredit(t *testing.T) {
	s := newTestServer(t)
	c := s.createCredit("client-1", "100")

	assert.Equal(t, "CR-00001", c.Number)
	assert.Equal(t, "ACTIVE", c.Status)
	assert.Equal(t, "100.00", c.AmountRemaining.String())

	rec := s.do(http.MethodGet, "/api/credits/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, c.ID, decodeBody[api.CreditDTO](t, rec).ID)

	rec = s.do(http.MethodGet, "/api/credits/number/CR-00001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, c.ID, decodeBody[api.CreditDTO](t, rec).ID)

	// Amounts are serialized as strings
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, "100.00", raw["amount"])
}

func TestCreateCredit_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		body  map[string]any
		code  string
		field string
	}{
		{name: "unknown reason", body: map[string]any{"client_id": "c", "amount": "5", "reason": "BIRTHDAY", "issued_by": "a"}, code: "VALIDATION_ERROR", field: "reason"},
		{name: "return without invoice", body: map[string]any{"client_id": "c", "amount": "5", "reason": "RETURN", "issued_by": "a"}, code: "VALIDATION_ERROR", field: "invoice_id"},
		{name: "zero amount", body: map[string]any{"client_id": "c", "amount": "0", "reason": "GOODWILL", "issued_by": "a"}, code: "VALIDATION_ERROR", field: "amount"},
		{name: "bad amount", body: map[string]any{"client_id": "c", "amount": "lots", "reason": "GOODWILL", "issued_by": "a"}, code: "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/credits", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			errResp := decodeBody[api.ErrorResponse](t, rec)
			assert.Equal(t, tt.code, errResp.Code)
			if tt.field != "" {
				assert.Equal(t, tt.field, errResp.Field)
			}
		})
	}

	rec := s.do(http.MethodGet, "/api/credits/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody[api.ErrorResponse](t, rec).Code)
}

func TestApplyCredit_StatusCodes(t *testing.T) {
	// GIVEN: A credit of 100
	s := newTestServer(t)
	c := s.createCredit("client-1", "100")
	path := "/api/credits/" + c.ID + "/apply"

	// WHEN/THEN: 30 applies and returns 201
	rec := s.do(http.MethodPost, path, applyBody("INV-1", "30"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[api.ApplyCreditResponse](t, rec)
	assert.Equal(t, "PARTIALLY_USED", resp.Credit.Status)
	assert.Equal(t, "70.00", resp.Credit.AmountRemaining.String())
	assert.False(t, resp.Replayed)

	// Overdraw is 422 with the amounts
	rec = s.do(http.MethodPost, path, applyBody("INV-2", "70.01"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errResp := decodeBody[api.ErrorResponse](t, rec)
	assert.Equal(t, "INSUFFICIENT_BALANCE", errResp.Code)
	require.NotNil(t, errResp.Available)
	assert.Equal(t, "70.00", errResp.Available.String())

	// Zero is 400
	rec = s.do(http.MethodPost, path, applyBody("INV-2", "0"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_AMOUNT", decodeBody[api.ErrorResponse](t, rec).Code)

	// The rest uses it up; a further apply is 409
	rec = s.do(http.MethodPost, path, applyBody("INV-2", "70"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "FULLY_USED", decodeBody[api.ApplyCreditResponse](t, rec).Credit.Status)

	rec = s.do(http.MethodPost, path, applyBody("INV-3", "1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", decodeBody[api.ErrorResponse](t, rec).Code)

	// Unknown credit is 404
	rec = s.do(http.MethodPost, "/api/credits/missing/apply", applyBody("INV-3", "1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApplyCredit_IdempotencyHeader(t *testing.T) {
	s := newTestServer(t)
	c := s.createCredit("client-1", "100")
	path := "/api/credits/" + c.ID + "/apply"

	first := s.do(http.MethodPost, path, applyBody("INV-1", "25"), api.IdempotencyHeader, "pay-1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := s.do(http.MethodPost, path, applyBody("INV-1", "25"), api.IdempotencyHeader, "pay-1")
	require.Equal(t, http.StatusOK, second.Code)

	a := decodeBody[api.ApplyCreditResponse](t, first)
	b := decodeBody[api.ApplyCreditResponse](t, second)
	assert.True(t, b.Replayed)
	assert.Equal(t, a.Application.ID, b.Application.ID)
	assert.Equal(t, "pay-1", b.Application.IdempotencyKey)
	assert.Equal(t, "75.00", b.Credit.AmountRemaining.String())

	rec := s.do(http.MethodGet, "/api/credits/"+c.ID+"/applications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.ApplicationDTO](t, rec), 1)
}

func TestApplyCredit_ConcurrentOverdraw(t *testing.T) {
	s := newTestServer(t)
	c := s.createCredit("client-1", "100")
	path := "/api/credits/" + c.ID + "/apply"

	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = s.do(http.MethodPost, path, applyBody("INV-1", "60")).Code
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusCreated, http.StatusUnprocessableEntity}, codes)
	rec := s.do(http.MethodGet, "/api/credits/"+c.ID, nil)
	assert.Equal(t, "40.00", decodeBody[api.CreditDTO](t, rec).AmountRemaining.String())
}

func TestVoidCredit(t *testing.T) {
	s := newTestServer(t)
	c := s.createCredit("client-1", "10")

	rec := s.do(http.MethodPost, "/api/credits/"+c.ID+"/void", map[string]any{"voided_by": "manager"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/credits/"+c.ID+"/void", map[string]any{"voided_by": "manager", "reason": "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "VOID", decodeBody[api.CreditDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/credits/"+c.ID+"/void", map[string]any{"voided_by": "manager", "reason": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// CLIENTS
// =============================================================================

func TestClientEndpoints(t *testing.T) {
	s := newTestServer(t)
	a := s.createCredit("client-1", "50")
	s.createCredit("client-1", "20")
	rec := s.do(http.MethodPost, "/api/credits/"+a.ID+"/apply", applyBody("INV-1", "50"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodGet, "/api/clients/client-1/credits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.CreditDTO](t, rec), 2)

	rec = s.do(http.MethodGet, "/api/clients/client-1/credits?active_only=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.CreditDTO](t, rec), 1)

	rec = s.do(http.MethodGet, "/api/clients/client-1/credits?active_only=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/clients/client-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[api.BalanceDTO](t, rec)
	assert.Equal(t, "70.00", bal.Issued.String())
	assert.Equal(t, "20.00", bal.Available.String())
	assert.Equal(t, "50.00", bal.Used.String())

	rec = s.do(http.MethodGet, "/api/clients/client-1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decodeBody[api.HistoryDTO](t, rec)
	require.Len(t, hist.Applications, 1)
	assert.Equal(t, a.Number, hist.Applications[0].CreditNumber)
}

// =============================================================================
// TARGETS
// =============================================================================

func TestApplyCreditsToTarget(t *testing.T) {
	// GIVEN: An invoice of 100 and credits of 30 (older) and 40
	s := newTestServer(t)
	s.putTarget("INV-9", "client-1", "100")
	older := s.createCredit("client-1", "30")
	s.clock.Advance(time.Minute)
	newer := s.createCredit("client-1", "40")

	// WHEN: Applying with a cap of 50
	body := map[string]any{"max_amount": "50", "applied_by": "cashier"}
	rec := s.do(http.MethodPost, "/api/targets/INV-9/apply-credits", body, api.IdempotencyHeader, "checkout-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: FIFO with a remainder split, and the discount rises by 50
	resp := decodeBody[api.AllocationResponse](t, rec)
	assert.Equal(t, "50.00", resp.Applied.String())
	require.Len(t, resp.Allocations, 2)
	assert.Equal(t, older.ID, resp.Allocations[0].Credit.ID)
	assert.Equal(t, "FULLY_USED", resp.Allocations[0].Credit.Status)
	assert.Equal(t, newer.ID, resp.Allocations[1].Credit.ID)
	require.NotNil(t, resp.Allocations[1].Remainder)
	assert.Equal(t, "20.00", resp.Allocations[1].Remainder.AmountRemaining.String())
	assert.Equal(t, newer.ID, resp.Allocations[1].Remainder.ParentID)
	assert.Equal(t, "50.00", resp.Target.Discount.String())
	assert.Equal(t, "20.00", resp.RemainingBalance.String())

	// Replaying the key returns 200 and changes nothing
	rec = s.do(http.MethodPost, "/api/targets/INV-9/apply-credits", body, api.IdempotencyHeader, "checkout-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[api.AllocationResponse](t, rec).Replayed)

	rec = s.do(http.MethodGet, "/api/targets/INV-9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	target := decodeBody[api.TargetDTO](t, rec)
	assert.Equal(t, "50.00", target.Discount.String())
	assert.Equal(t, "50.00", target.Outstanding.String())

	rec = s.do(http.MethodGet, "/api/targets/INV-9/applications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.ApplicationDTO](t, rec), 2)

	// Updating the total keeps the discount
	s.putTarget("INV-9", "client-1", "120")
	rec = s.do(http.MethodGet, "/api/targets/INV-9", nil)
	assert.Equal(t, "70.00", decodeBody[api.TargetDTO](t, rec).Outstanding.String())
}

func TestApplyCreditsToTarget_Errors(t *testing.T) {
	s := newTestServer(t)
	s.putTarget("INV-1", "client-1", "100")

	rec := s.do(http.MethodPost, "/api/targets/INV-1/apply-credits", map[string]any{"applied_by": "cashier"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_AMOUNT", decodeBody[api.ErrorResponse](t, rec).Code)

	rec = s.do(http.MethodPost, "/api/targets/INV-404/apply-credits", map[string]any{"applied_by": "cashier"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPut, "/api/targets/INV-2", map[string]any{"total": "10"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "client_id", decodeBody[api.ErrorResponse](t, rec).Field)
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestReferralFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/referrals", map[string]any{
		"referrer_client_id": "alice",
		"referred_client_id": "bob",
		"referred_order_id":  "order-1",
		"order_total":        "150.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[api.CreditDTO](t, rec)
	assert.Equal(t, "PENDING", created.Label)
	assert.Equal(t, "15.00", created.Amount.String())

	rec = s.do(http.MethodPost, "/api/referrals/orders/order-1/available", map[string]any{"actor": "orders"})
	require.Equal(t, http.StatusOK, rec.Code)
	activated := decodeBody[[]api.CreditDTO](t, rec)
	require.Len(t, activated, 1)
	assert.Equal(t, "AVAILABLE", activated[0].Label)

	s.putTarget("order-2", "alice", "100")
	rec = s.do(http.MethodPost, "/api/referrals/orders/order-2/apply", map[string]any{"applied_by": "checkout"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "15.00", decodeBody[api.AllocationResponse](t, rec).Applied.String())

	rec = s.do(http.MethodGet, "/api/referrals/clients/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cc := decodeBody[api.ReferralCreditsResponse](t, rec)
	require.Len(t, cc.Credits, 1)
	assert.Equal(t, "APPLIED", cc.Credits[0].Label)

	rec = s.do(http.MethodGet, "/api/referrals/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[api.ReferralStatsDTO](t, rec)
	assert.Equal(t, 1, st.TotalCreated)
	assert.Equal(t, 1, st.ByStatus["APPLIED"].Count)

	rec = s.do(http.MethodPost, "/api/referrals", map[string]any{
		"referrer_client_id": "alice",
		"referred_client_id": "alice",
		"referred_order_id":  "order-3",
		"order_total":        "10",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN / HEALTH
// =============================================================================

func TestTriggerExpireAndSummary(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/credits", map[string]any{
		"client_id":  "client-1",
		"amount":     "10",
		"reason":     "PROMOTIONAL",
		"issued_by":  "marketing",
		"expires_at": now.Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s.createCredit("client-2", "5")

	s.clock.Advance(2 * time.Hour)
	rec = s.do(http.MethodPost, "/api/admin/expire", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[api.ExpireResponse](t, rec).Expired)

	rec = s.do(http.MethodPost, "/api/admin/expire", nil)
	assert.Equal(t, 0, decodeBody[api.ExpireResponse](t, rec).Expired)

	rec = s.do(http.MethodGet, "/api/credits/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decodeBody[api.SummaryDTO](t, rec)
	assert.Equal(t, 2, sum.Clients)
	assert.Equal(t, "15.00", sum.TotalIssued.String())
	assert.Equal(t, "5.00", sum.TotalAvailable.String())
	assert.Equal(t, 1, sum.ByStatus["EXPIRED"].Count)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/credits", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req.WithContext(context.Background()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
