package referral

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/warp/credit-ledger/generic"
)

// Service manages referral credits. It shares the generic ledger
// components with store credit but keeps its own category and settings.
type Service struct {
	Ledger    *generic.Ledger
	Allocator *generic.Allocator
	Balances  *generic.BalanceCalculator
	Settings  Settings
	Log       logrus.FieldLogger
}

func NewService(ledger *generic.Ledger, allocator *generic.Allocator, balances *generic.BalanceCalculator, settings Settings) *Service {
	return &Service{
		Ledger:    ledger,
		Allocator: allocator,
		Balances:  balances,
		Settings:  settings,
		Log:       ledger.Log.WithField("component", "referral"),
	}
}

// =============================================================================
// CREATION
// =============================================================================

// CreateForOrder issues a PENDING credit to the referrer for a referred order.
func (s *Service) CreateForOrder(ctx context.Context, r Reward) (generic.Entry, error) {
	switch {
	case r.ReferrerID == "":
		return generic.Entry{}, &generic.ValidationError{Field: "referrer_id", Message: "is required"}
	case r.ReferredID == "":
		return generic.Entry{}, &generic.ValidationError{Field: "referred_id", Message: "is required"}
	case r.ReferrerID == r.ReferredID:
		return generic.Entry{}, &generic.ValidationError{Field: "referred_id", Message: "Self-referral is not allowed"}
	case r.ReferredOrderID == "":
		return generic.Entry{}, &generic.ValidationError{Field: "referred_order_id", Message: "is required"}
	case !r.OrderTotal.IsPositive():
		return generic.Entry{}, fmt.Errorf("%w: order total must be positive, got %s", generic.ErrInvalidAmount, r.OrderTotal)
	}

	tier := s.Settings.For(r.Tier)
	amount, err := tier.CreditFor(r.OrderTotal)
	if err != nil {
		return generic.Entry{}, err
	}
	if !amount.IsPositive() {
		return generic.Entry{}, fmt.Errorf("%w: referral earns nothing at %s%%", generic.ErrInvalidAmount, tier.Percentage)
	}

	createdBy := r.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}
	attrs := map[string]string{
		AttrReferredClient: string(r.ReferredID),
		AttrPercentage:     tier.Percentage.StringFixed(2),
		AttrOrderTotal:     r.OrderTotal.String(),
	}
	if r.Tier != "" {
		attrs[AttrTier] = r.Tier
	}
	return s.Ledger.Issue(ctx, generic.IssueInput{
		OwnerID:     r.ReferrerID,
		Category:    Referral,
		Amount:      amount,
		ExpiresAt:   tier.ExpiresAt(s.Ledger.Clock.Now()),
		IssuedBy:    createdBy,
		Reason:      "REFERRAL",
		ReferenceID: r.ReferredOrderID,
		Notes:       fmt.Sprintf("Referral of %s on order %s", r.ReferredID, r.ReferredOrderID),
		Attributes:  attrs,
	})
}

// =============================================================================
// ORDER EVENTS
// =============================================================================

// MarkAvailable activates every PENDING credit earned by the order.
func (s *Service) MarkAvailable(ctx context.Context, orderID, actor string) ([]generic.Entry, error) {
	pending, err := s.forOrder(ctx, orderID, generic.StatusPending)
	if err != nil {
		return nil, err
	}
	var out []generic.Entry
	for _, e := range pending {
		activated, err := s.Ledger.Activate(ctx, e.ID, actor)
		if err != nil {
			if errors.Is(err, generic.ErrInvalidState) {
				continue
			}
			return out, err
		}
		out = append(out, activated)
	}
	s.Log.WithFields(logrus.Fields{"order_id": orderID, "count": len(out)}).Info("referral credits available")
	return out, nil
}

// CancelForOrder voids the order's PENDING and untouched AVAILABLE credits.
// Credits already drawn from are left as they are.
func (s *Service) CancelForOrder(ctx context.Context, orderID, actor, reason string) ([]generic.Entry, error) {
	if reason == "" {
		reason = "referred order cancelled"
	}
	open, err := s.forOrder(ctx, orderID, generic.StatusPending, generic.StatusActive)
	if err != nil {
		return nil, err
	}
	var out []generic.Entry
	for _, e := range open {
		voided, err := s.Ledger.Void(ctx, e.ID, actor, reason)
		if err != nil {
			if errors.Is(err, generic.ErrInvalidState) {
				continue
			}
			return out, err
		}
		out = append(out, voided)
	}
	s.Log.WithFields(logrus.Fields{"order_id": orderID, "count": len(out)}).Info("referral credits cancelled")
	return out, nil
}

func (s *Service) forOrder(ctx context.Context, orderID string, statuses ...generic.Status) ([]generic.Entry, error) {
	if orderID == "" {
		return nil, &generic.ValidationError{Field: "order_id", Message: "is required"}
	}
	return s.Ledger.Store.ListEntries(ctx, generic.EntryFilter{
		Category:    Referral.CategoryID(),
		ReferenceID: orderID,
		Statuses:    statuses,
		OldestFirst: true,
	})
}

// =============================================================================
// REDEMPTION
// =============================================================================

type ApplyOptions struct {
	EntryIDs       []generic.EntryID
	MaxAmount      *generic.Amount
	AppliedBy      string
	IdempotencyKey string
}

// ApplyToOrder spends the order owner's available referral credit on it,
// oldest first.
func (s *Service) ApplyToOrder(ctx context.Context, orderID generic.TargetID, opts ApplyOptions) (generic.AllocationResult, error) {
	order, err := s.Ledger.Store.GetTarget(ctx, orderID)
	if err != nil {
		return generic.AllocationResult{}, err
	}
	if order.OwnerID == "" {
		return generic.AllocationResult{}, &generic.ValidationError{Field: "order_id", Message: "order has no client"}
	}
	return s.Allocator.Allocate(ctx, generic.AllocateInput{
		OwnerID:        order.OwnerID,
		Category:       Referral.CategoryID(),
		TargetID:       orderID,
		Cap:            opts.MaxAmount,
		EntryIDs:       opts.EntryIDs,
		AppliedBy:      opts.AppliedBy,
		Notes:          "Referral credit applied to order " + string(orderID),
		IdempotencyKey: opts.IdempotencyKey,
	})
}

// =============================================================================
// READS
// =============================================================================

// ClientCredits is a referrer's view of their referral credit.
type ClientCredits struct {
	Entries []generic.Entry
	Balance generic.Balance
}

func (s *Service) ForClient(ctx context.Context, client generic.OwnerID, activeOnly bool) (ClientCredits, error) {
	entries, err := s.Ledger.ListByOwner(ctx, client, generic.ListOptions{
		Category:   Referral.CategoryID(),
		ActiveOnly: activeOnly,
	})
	if err != nil {
		return ClientCredits{}, err
	}
	bal, err := s.Balances.Calculate(ctx, client, Referral.CategoryID())
	if err != nil {
		return ClientCredits{}, err
	}
	return ClientCredits{Entries: entries, Balance: bal}, nil
}

type LabelTotal struct {
	Count  int
	Amount generic.Amount
}

type Referrer struct {
	ClientID      generic.OwnerID
	ReferralCount int
	TotalEarned   generic.Amount
}

type Stats struct {
	TotalCreated int
	TotalAmount  generic.Amount
	ByLabel      map[string]LabelTotal
	TopReferrers []Referrer
}

// Stats aggregates referral credits. Remainder entries are counted under
// their label but not as new referrals.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.Ledger.Store.ListEntries(ctx, generic.EntryFilter{Category: Referral.CategoryID()})
	if err != nil {
		return Stats{}, err
	}
	st := Stats{TotalAmount: generic.Zero, ByLabel: make(map[string]LabelTotal)}
	referrers := make(map[generic.OwnerID]*Referrer)
	for _, e := range entries {
		label := Referral.Label(e.Status)
		lt := st.ByLabel[label]
		if lt.Count == 0 {
			lt.Amount = generic.Zero
		}
		lt.Count++
		lt.Amount = lt.Amount.Add(e.Amount)
		st.ByLabel[label] = lt

		if e.ParentID != "" {
			continue
		}
		st.TotalCreated++
		st.TotalAmount = st.TotalAmount.Add(e.Amount)
		r, ok := referrers[e.OwnerID]
		if !ok {
			r = &Referrer{ClientID: e.OwnerID, TotalEarned: generic.Zero}
			referrers[e.OwnerID] = r
		}
		r.ReferralCount++
		r.TotalEarned = r.TotalEarned.Add(e.Amount)
	}

	for _, r := range referrers {
		st.TopReferrers = append(st.TopReferrers, *r)
	}
	sort.Slice(st.TopReferrers, func(i, j int) bool {
		if c := st.TopReferrers[i].TotalEarned.Cmp(st.TopReferrers[j].TotalEarned); c != 0 {
			return c > 0
		}
		return st.TopReferrers[i].ClientID < st.TopReferrers[j].ClientID
	})
	if len(st.TopReferrers) > 10 {
		st.TopReferrers = st.TopReferrers[:10]
	}
	return st, nil
}
