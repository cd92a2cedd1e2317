/*
service.go - Store-credit operations

PURPOSE:
  The entry point for everything the API does with store credit. Each
  method validates store-credit rules (reasons, invoice references) and
  delegates to the generic ledger, engine, allocator and balance
  calculator, which hold the concurrency and idempotency guarantees.

OPERATIONS:
  Create          Issue a new ACTIVE credit to a client
  Get/GetByNumber Read a credit
  ListByClient    A client's credits, optionally only redeemable ones
  Balance         Derived balance for a client
  Apply           Atomic, idempotent draw from one credit onto an invoice
  ApplyToInvoice  FIFO draw across a client's credits onto an invoice
  Void            Withdraw an unused credit
  MarkExpired     Expiration sweep
  Summary         Aggregate view across all clients

SEE ALSO:
  - generic/engine.go: Single-entry application
  - generic/allocator.go: FIFO allocation and remainder splitting
*/
package credit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/credit-ledger/generic"
)

type Service struct {
	Ledger    *generic.Ledger
	Engine    *generic.Engine
	Allocator *generic.Allocator
	Balances  *generic.BalanceCalculator
	Log       logrus.FieldLogger
}

// NewService wires a Service whose components share one store, clock,
// logger and recorder.
func NewService(store generic.Store, clock generic.Clock, log logrus.FieldLogger, rec generic.Recorder) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if rec == nil {
		rec = generic.NopRecorder{}
	}
	ledger := generic.NewLedger(store, clock, log)
	ledger.Recorder = rec
	engine := generic.NewEngine(store, clock, log)
	engine.Recorder = rec
	return &Service{
		Ledger:    ledger,
		Engine:    engine,
		Allocator: generic.NewAllocator(engine),
		Balances:  generic.NewBalanceCalculator(store, clock),
		Log:       log.WithField("component", "credit"),
	}
}

// SetRetries adjusts conflict retry behaviour for every component.
func (s *Service) SetRetries(max int, backoff time.Duration) {
	s.Ledger.MaxRetries, s.Ledger.RetryBackoff = max, backoff
	s.Engine.MaxRetries, s.Engine.RetryBackoff = max, backoff
}

// =============================================================================
// ISSUANCE
// =============================================================================

type CreateRequest struct {
	ClientID  generic.OwnerID
	Amount    generic.Amount
	Reason    Reason
	InvoiceID string
	Notes     string
	ExpiresAt *time.Time
	IssuedBy  string
}

func (r CreateRequest) validate() error {
	if !r.Reason.Valid() {
		return &generic.ValidationError{Field: "reason", Message: fmt.Sprintf("unknown reason %q", r.Reason)}
	}
	if r.Reason.RequiresInvoice() && r.InvoiceID == "" {
		return &generic.ValidationError{Field: "invoice_id", Message: fmt.Sprintf("is required for %s credits", r.Reason)}
	}
	return nil
}

// Create issues a new ACTIVE store credit.
func (s *Service) Create(ctx context.Context, req CreateRequest) (generic.Entry, error) {
	if err := req.validate(); err != nil {
		return generic.Entry{}, err
	}
	notes := req.Notes
	if notes == "" {
		notes = fmt.Sprintf("Credit issued for %s", req.Reason)
	}
	return s.Ledger.Issue(ctx, generic.IssueInput{
		OwnerID:     req.ClientID,
		Category:    StoreCredit,
		Amount:      req.Amount,
		ExpiresAt:   req.ExpiresAt,
		IssuedBy:    req.IssuedBy,
		Reason:      string(req.Reason),
		ReferenceID: req.InvoiceID,
		Notes:       notes,
	})
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id generic.EntryID) (generic.Entry, error) {
	return s.Ledger.Get(ctx, id)
}

func (s *Service) GetByNumber(ctx context.Context, number string) (generic.Entry, error) {
	return s.Ledger.GetByNumber(ctx, number)
}

// ListByClient returns a client's credits newest first. With activeOnly,
// only credits that can be applied right now are returned.
func (s *Service) ListByClient(ctx context.Context, client generic.OwnerID, activeOnly bool) ([]generic.Entry, error) {
	return s.Ledger.ListByOwner(ctx, client, generic.ListOptions{
		Category:   StoreCredit.CategoryID(),
		ActiveOnly: activeOnly,
	})
}

func (s *Service) Balance(ctx context.Context, client generic.OwnerID) (generic.Balance, error) {
	return s.Balances.Calculate(ctx, client, StoreCredit.CategoryID())
}

func (s *Service) Applications(ctx context.Context, id generic.EntryID) ([]generic.Application, error) {
	return s.Ledger.Applications(ctx, id)
}

func (s *Service) ApplicationsByInvoice(ctx context.Context, invoice generic.TargetID) ([]generic.Application, error) {
	return s.Ledger.ApplicationsByTarget(ctx, invoice)
}

func (s *Service) History(ctx context.Context, client generic.OwnerID) (generic.History, error) {
	return s.Ledger.History(ctx, client, StoreCredit.CategoryID())
}

// =============================================================================
// CONSUMPTION
// =============================================================================

type ApplyRequest struct {
	CreditID       generic.EntryID
	InvoiceID      generic.TargetID
	Amount         generic.Amount
	AppliedBy      string
	Notes          string
	IdempotencyKey string
}

// Apply draws an amount from one credit onto an invoice. Replaying an
// idempotency key returns the original application.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (generic.ApplyResult, error) {
	return s.Engine.ApplyDetailed(ctx, generic.ApplyInput{
		EntryID:        req.CreditID,
		TargetID:       req.InvoiceID,
		Amount:         req.Amount,
		AppliedBy:      req.AppliedBy,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	})
}

type ApplyToInvoiceRequest struct {
	InvoiceID generic.TargetID
	// ClientID defaults to the invoice's owner.
	ClientID       generic.OwnerID
	Cap            *generic.Amount
	CreditIDs      []generic.EntryID
	AppliedBy      string
	IdempotencyKey string
}

// ApplyToInvoice spends the client's credits oldest first onto the
// invoice, splitting the last credit touched when it is only partly used.
func (s *Service) ApplyToInvoice(ctx context.Context, req ApplyToInvoiceRequest) (generic.AllocationResult, error) {
	client := req.ClientID
	if client == "" {
		invoice, err := s.Engine.Store.GetTarget(ctx, req.InvoiceID)
		if err != nil {
			return generic.AllocationResult{}, err
		}
		client = invoice.OwnerID
	}
	return s.Allocator.Allocate(ctx, generic.AllocateInput{
		OwnerID:        client,
		Category:       StoreCredit.CategoryID(),
		TargetID:       req.InvoiceID,
		Cap:            req.Cap,
		EntryIDs:       req.CreditIDs,
		AppliedBy:      req.AppliedBy,
		Notes:          "Applied to invoice " + string(req.InvoiceID),
		IdempotencyKey: req.IdempotencyKey,
	})
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (s *Service) Void(ctx context.Context, id generic.EntryID, actor, reason string) (generic.Entry, error) {
	if actor == "" {
		return generic.Entry{}, &generic.ValidationError{Field: "voided_by", Message: "is required"}
	}
	if reason == "" {
		return generic.Entry{}, &generic.ValidationError{Field: "reason", Message: "is required"}
	}
	return s.Ledger.Void(ctx, id, actor, reason)
}

// MarkExpired moves every credit past its expiration to EXPIRED.
func (s *Service) MarkExpired(ctx context.Context) (int, error) {
	return s.Ledger.MarkExpired(ctx)
}

// =============================================================================
// SUMMARY
// =============================================================================

type StatusTotal struct {
	Count     int
	Amount    generic.Amount
	Remaining generic.Amount
}

type Summary struct {
	AsOf           time.Time
	Clients        int
	TotalIssued    generic.Amount
	TotalAvailable generic.Amount
	ExpiringSoon   generic.Amount
	ByStatus       map[generic.Status]StatusTotal
	ByReason       map[Reason]StatusTotal
	TopClients     []ClientTotal
}

type ClientTotal struct {
	ClientID  generic.OwnerID
	Available generic.Amount
}

// Summary aggregates every store credit as of asOf.
func (s *Service) Summary(ctx context.Context, asOf time.Time) (Summary, error) {
	entries, err := s.Ledger.Store.ListEntries(ctx, generic.EntryFilter{Category: StoreCredit.CategoryID()})
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		AsOf:           asOf,
		TotalIssued:    generic.Zero,
		TotalAvailable: generic.Zero,
		ExpiringSoon:   generic.Zero,
		ByStatus:       make(map[generic.Status]StatusTotal),
		ByReason:       make(map[Reason]StatusTotal),
	}
	byClient := make(map[generic.OwnerID][]generic.Entry)
	for _, e := range entries {
		byClient[e.OwnerID] = append(byClient[e.OwnerID], e)
		sum.ByStatus[e.Status] = addTotal(sum.ByStatus[e.Status], e)
		if e.ParentID == "" {
			sum.ByReason[Reason(e.Reason)] = addTotal(sum.ByReason[Reason(e.Reason)], e)
		}
	}

	for client, list := range byClient {
		b := generic.CalculateBalance(list, asOf, s.Balances.ExpiringWindow)
		sum.TotalIssued = sum.TotalIssued.Add(b.Issued)
		sum.TotalAvailable = sum.TotalAvailable.Add(b.Available)
		sum.ExpiringSoon = sum.ExpiringSoon.Add(b.ExpiringSoon)
		if b.Available.IsPositive() {
			sum.TopClients = append(sum.TopClients, ClientTotal{ClientID: client, Available: b.Available})
		}
	}
	sum.Clients = len(byClient)

	sort.Slice(sum.TopClients, func(i, j int) bool {
		if c := sum.TopClients[i].Available.Cmp(sum.TopClients[j].Available); c != 0 {
			return c > 0
		}
		return sum.TopClients[i].ClientID < sum.TopClients[j].ClientID
	})
	if len(sum.TopClients) > 10 {
		sum.TopClients = sum.TopClients[:10]
	}
	return sum, nil
}

func addTotal(t StatusTotal, e generic.Entry) StatusTotal {
	if t.Count == 0 {
		t.Amount, t.Remaining = generic.Zero, generic.Zero
	}
	t.Count++
	t.Amount = t.Amount.Add(e.Amount)
	t.Remaining = t.Remaining.Add(e.AmountRemaining)
	return t
}
