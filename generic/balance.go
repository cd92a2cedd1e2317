/*
balance.go - Client balance calculation

PURPOSE:
  Answers "how much credit does this client have right now?" by folding
  the client's entries. Nothing is cached; the entries' balance triples
  are the source of truth.

BALANCE COMPONENTS:
  Issued:       Value originally issued (remainder entries excluded, they
                carry value already counted on their parent)
  Available:    Remaining on ACTIVE/PARTIALLY_USED entries not yet expired
  Pending:      Remaining on PENDING entries (not redeemable yet)
  Used:         Value applied to invoices/orders
  Expired:      Remaining on EXPIRED entries, plus usable entries whose
                expiration has passed but the sweep has not run yet
  Voided:       Value withdrawn by voiding
  ExpiringSoon: Part of Available that expires within the window

IDENTITY:
  Issued == Available + Pending + Used + Expired + Voided

  Remainder transfers are recorded as applications on the parent, so
  Used subtracts the amount of every remainder entry from the raw sum of
  AmountUsed.

SEE ALSO:
  - ledger.go: Entry reads
  - allocator.go: Creates remainder entries
*/
package generic

import (
	"context"
	"time"
)

// DefaultExpiringWindow is how far ahead ExpiringSoon looks.
const DefaultExpiringWindow = 30 * 24 * time.Hour

type Balance struct {
	OwnerID  OwnerID
	Category string
	AsOf     time.Time

	Issued       Amount
	Available    Amount
	Pending      Amount
	Used         Amount
	Expired      Amount
	Voided       Amount
	ExpiringSoon Amount

	EntryCount  int
	ActiveCount int
}

// =============================================================================
// PURE CALCULATION
// =============================================================================

// CalculateBalance folds entries into a Balance as of asOf.
func CalculateBalance(entries []Entry, asOf time.Time, window time.Duration) Balance {
	b := Balance{
		AsOf:         asOf,
		Issued:       Zero,
		Available:    Zero,
		Pending:      Zero,
		Used:         Zero,
		Expired:      Zero,
		Voided:       Zero,
		ExpiringSoon: Zero,
	}
	horizon := asOf.Add(window)
	transferred := Zero

	for _, e := range entries {
		b.EntryCount++
		if e.ParentID == "" {
			b.Issued = b.Issued.Add(e.Amount)
		} else {
			transferred = transferred.Add(e.Amount)
		}
		b.Used = b.Used.Add(e.AmountUsed)

		switch {
		case e.Status == StatusVoid:
			b.Voided = b.Voided.Add(e.VoidedAmount())
		case e.Status == StatusPending:
			b.Pending = b.Pending.Add(e.AmountRemaining)
		case e.Status == StatusExpired, e.Status.IsUsable() && e.ExpiredAt(asOf):
			b.Expired = b.Expired.Add(e.AmountRemaining)
		case e.Status.IsUsable():
			b.Available = b.Available.Add(e.AmountRemaining)
			if e.AmountRemaining.IsPositive() {
				b.ActiveCount++
			}
			if e.ExpiresAt != nil && !e.ExpiresAt.After(horizon) {
				b.ExpiringSoon = b.ExpiringSoon.Add(e.AmountRemaining)
			}
		}
	}
	b.Used = b.Used.Sub(transferred)
	return b
}

// =============================================================================
// CALCULATOR - Store-backed
// =============================================================================

type BalanceCalculator struct {
	Store          Store
	Clock          Clock
	ExpiringWindow time.Duration
}

func NewBalanceCalculator(store Store, clock Clock) *BalanceCalculator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &BalanceCalculator{Store: store, Clock: clock, ExpiringWindow: DefaultExpiringWindow}
}

// Calculate returns the owner's balance now. An empty category spans all.
func (c *BalanceCalculator) Calculate(ctx context.Context, owner OwnerID, category string) (Balance, error) {
	return c.CalculateAt(ctx, owner, category, c.Clock.Now())
}

func (c *BalanceCalculator) CalculateAt(ctx context.Context, owner OwnerID, category string, asOf time.Time) (Balance, error) {
	entries, err := c.Store.ListEntries(ctx, EntryFilter{OwnerID: owner, Category: category})
	if err != nil {
		return Balance{}, err
	}
	b := CalculateBalance(entries, asOf, c.ExpiringWindow)
	b.OwnerID = owner
	b.Category = category
	return b, nil
}
