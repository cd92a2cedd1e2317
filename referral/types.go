/*
Package referral implements referral rewards as a ledger category.

REFERRAL LIFECYCLE:

	A referrer earns a percentage of a referred client's order. The credit
	is created PENDING when the order is placed, becomes AVAILABLE when the
	order is finalized, and is CANCELLED if the order is cancelled first.
	Available credit is spent FIFO against the referrer's own orders.

STATUS LABELS:

	Storage uses the canonical ledger statuses. This category presents
	them with referral vocabulary:

	| Ledger status   | Referral label |
	|-----------------|----------------|
	| PENDING         | PENDING        |
	| ACTIVE          | AVAILABLE      |
	| PARTIALLY_USED  | AVAILABLE      |
	| FULLY_USED      | APPLIED        |
	| EXPIRED         | EXPIRED        |
	| VOID            | CANCELLED      |
*/
package referral

import (
	"github.com/warp/credit-ledger/generic"
)

// Category is the referral ledger category.
type Category struct{}

func (Category) CategoryID() string            { return "referral" }
func (Category) NumberPrefix() string          { return "RF" }
func (Category) InitialStatus() generic.Status { return generic.StatusPending }

func (Category) Label(s generic.Status) string {
	switch s {
	case generic.StatusActive, generic.StatusPartiallyUsed:
		return LabelAvailable
	case generic.StatusFullyUsed:
		return LabelApplied
	case generic.StatusVoid:
		return LabelCancelled
	}
	return string(s)
}

// Compile-time check that Category implements generic.Category
var _ generic.Category = Category{}

var Referral = Category{}

func init() {
	generic.RegisterCategory(Referral)
}

const (
	LabelAvailable = "AVAILABLE"
	LabelApplied   = "APPLIED"
	LabelCancelled = "CANCELLED"
)

// Attribute keys stored on referral entries.
const (
	AttrReferredClient = "referred_client_id"
	AttrPercentage     = "credit_percentage"
	AttrOrderTotal     = "order_total"
	AttrTier           = "tier"
)

// Reward describes a referred order that earns its referrer credit.
type Reward struct {
	ReferrerID      generic.OwnerID
	ReferredID      generic.OwnerID
	ReferredOrderID string
	OrderTotal      generic.Amount
	Tier            string
	CreatedBy       string
}
