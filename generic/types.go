/*
Package generic provides the core value-ledger engine.

PURPOSE:
  This package contains category-agnostic types and algorithms for issuing
  monetary ledger entries to client accounts and consuming them against
  invoices and orders. Whether tracking store credit or referral rewards,
  the same engine handles issuance, balance calculation, atomic
  application, remainder splitting, voiding, and expiration.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: Fixed-point money, rounded half-even to 2 places
  - Entry: A credit issued to a client (the mutable balance triple lives here)
  - Application: An immutable record of value moved out of an entry
  - Target: The invoice/order whose discount a credit pays down
  - Owner/Entry/Target IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Precision: Every amount is a decimal.Decimal rounded with RoundBank(2)
  2. Conservation: AmountUsed + AmountRemaining == Amount for every entry
  3. Append-only history: Applications and entries are never deleted
  4. Type Safety: Strong typing for IDs prevents mixing owner/target IDs

USAGE:
  amount := generic.MustParseAmount("100.00")
  entry, err := ledger.Issue(ctx, generic.IssueInput{
      OwnerID:  "client-42",
      Category: credit.StoreCredit,
      Amount:   amount,
      IssuedBy: "user-7",
  })

SEE ALSO:
  - lifecycle.go: Status state machine
  - engine.go: Atomic application of an entry to a target
  - allocator.go: FIFO consumption across several entries
  - store.go: Persistence contracts
*/
package generic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places every Amount is rounded to.
const Scale = 2

// =============================================================================
// AMOUNT - Fixed-point money
// =============================================================================

// Amount is a money value. The zero value is 0.00.
type Amount struct {
	Value decimal.Decimal
}

// Zero is 0.00.
var Zero = Amount{Value: decimal.Zero}

func round(d decimal.Decimal) Amount { return Amount{Value: d.RoundBank(Scale)} }

func NewAmount(value float64) Amount                { return round(decimal.NewFromFloat(value)) }
func NewAmountFromInt(value int64) Amount           { return round(decimal.NewFromInt(value)) }
func NewAmountFromDecimal(d decimal.Decimal) Amount { return round(d) }

// ParseAmount parses a decimal string such as "12.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, &ValidationError{Field: "amount", Message: fmt.Sprintf("invalid decimal %q", s)}
	}
	return round(d), nil
}

// MustParseAmount parses s or panics. Use in tests and constants.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Add(b Amount) Amount          { return round(a.Value.Add(b.Value)) }
func (a Amount) Sub(b Amount) Amount          { return round(a.Value.Sub(b.Value)) }
func (a Amount) Mul(s decimal.Decimal) Amount { return round(a.Value.Mul(s)) }
func (a Amount) Neg() Amount                  { return round(a.Value.Neg()) }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) Cmp(b Amount) int             { return a.Value.Cmp(b.Value) }
func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}
func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Percent returns a * pct / 100.
func (a Amount) Percent(pct decimal.Decimal) Amount {
	return round(a.Value.Mul(pct).Div(decimal.NewFromInt(100)))
}

// String renders the amount with exactly two decimals.
func (a Amount) String() string { return a.Value.StringFixedBank(Scale) }

// MarshalJSON encodes the amount as a decimal string, never a float.
func (a Amount) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// accept bare numbers too
		s = string(b)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Sum adds amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type EntryID string
type TargetID string
type ApplicationID string

// =============================================================================
// ENTRY - A credit issued to a client account
// =============================================================================

// Entry is a single stored-value record. Amount never changes after issue;
// AmountUsed, AmountRemaining and Status are mutated only through a Tx while
// the entry is locked.
type Entry struct {
	ID       EntryID
	OwnerID  OwnerID
	Category Category
	Number   string // e.g. CR-00001, unique across the store
	Seq      int64  // issue order within the category's number prefix

	Amount          Amount
	AmountUsed      Amount
	AmountRemaining Amount
	Status          Status

	Reason      string
	ReferenceID string  // originating invoice/order, if any
	ParentID    EntryID // set on remainder entries
	Notes       string
	ExpiresAt   *time.Time
	Attributes  map[string]string

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// ExpiredAt reports whether the entry's expiration date is before t.
func (e Entry) ExpiredAt(t time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(t)
}

// UsableAt reports whether value can still be drawn from the entry at t.
func (e Entry) UsableAt(t time.Time) bool {
	return e.Status.IsUsable() && !e.ExpiredAt(t) && e.AmountRemaining.IsPositive()
}

// VoidedAmount is the value withdrawn by voiding.
func (e Entry) VoidedAmount() Amount {
	if e.Status != StatusVoid {
		return Zero
	}
	return e.Amount.Sub(e.AmountUsed)
}

// CheckBalance verifies the conservation rule for the entry.
// VOID entries are exempt from the remaining half: voiding zeroes the
// remaining balance without recording an application.
func (e Entry) CheckBalance() error {
	if e.Status == StatusVoid {
		if !e.AmountRemaining.IsZero() {
			return fmt.Errorf("entry %s: void with remaining %s", e.ID, e.AmountRemaining)
		}
		return nil
	}
	if !e.AmountUsed.Add(e.AmountRemaining).Equal(e.Amount) {
		return fmt.Errorf("entry %s: used %s + remaining %s != amount %s",
			e.ID, e.AmountUsed, e.AmountRemaining, e.Amount)
	}
	if e.AmountRemaining.IsNegative() || e.AmountUsed.IsNegative() {
		return fmt.Errorf("entry %s: negative balance component", e.ID)
	}
	return nil
}

// Label renders the status in the entry's category vocabulary.
func (e Entry) Label() string {
	if e.Category == nil {
		return string(e.Status)
	}
	return e.Category.Label(e.Status)
}

func (e Entry) Attr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// =============================================================================
// APPLICATION - Value moved out of an entry
// =============================================================================

type ApplicationKind string

const (
	// KindTarget moves value onto an invoice/order.
	KindTarget ApplicationKind = "target"
	// KindRemainder moves the unconsumed tail of a split entry into a new
	// sibling entry; TargetID holds the sibling's EntryID.
	KindRemainder ApplicationKind = "remainder"
)

type Application struct {
	ID             ApplicationID
	EntryID        EntryID
	TargetID       TargetID
	Kind           ApplicationKind
	Amount         Amount
	AppliedAt      time.Time
	AppliedBy      string
	IdempotencyKey string
	Notes          string
}

// =============================================================================
// TARGET - Invoice/order paid down by applications
// =============================================================================

// Target is the slice of an invoice or order the allocator mutates.
type Target struct {
	ID        TargetID
	OwnerID   OwnerID
	Total     Amount
	Discount  Amount
	UpdatedAt time.Time
}

// Outstanding is what is still owed on the target.
func (t Target) Outstanding() Amount {
	return t.Total.Sub(t.Discount).Max(Zero)
}
