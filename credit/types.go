// Package credit implements store credit on top of the generic ledger.
// Store credits are issued ACTIVE by staff for returns, adjustments and
// goodwill, and are redeemed against invoices.
package credit

import (
	"fmt"

	"github.com/warp/credit-ledger/generic"
)

// =============================================================================
// STORE-CREDIT CATEGORY
// =============================================================================

// Category is the store-credit ledger category.
// Implements generic.Category with canonical status labels.
type Category struct{}

func (Category) CategoryID() string            { return "store_credit" }
func (Category) NumberPrefix() string          { return "CR" }
func (Category) InitialStatus() generic.Status { return generic.StatusActive }
func (Category) Label(s generic.Status) string { return string(s) }

// Compile-time check that Category implements generic.Category
var _ generic.Category = Category{}

// StoreCredit is the category value used throughout.
var StoreCredit = Category{}

func init() {
	generic.RegisterCategory(StoreCredit)
}

// =============================================================================
// REASONS
// =============================================================================

type Reason string

const (
	ReasonReturn          Reason = "RETURN"
	ReasonPriceAdjustment Reason = "PRICE_ADJUSTMENT"
	ReasonGoodwill        Reason = "GOODWILL"
	ReasonPromotional     Reason = "PROMOTIONAL"
	ReasonRefund          Reason = "REFUND"
	ReasonDamageClaim     Reason = "DAMAGE_CLAIM"
	ReasonBillingError    Reason = "BILLING_ERROR"
	ReasonCreditNote      Reason = "CREDIT_NOTE"
	ReasonOther           Reason = "OTHER"
)

var AllReasons = []Reason{
	ReasonReturn, ReasonPriceAdjustment, ReasonGoodwill, ReasonPromotional,
	ReasonRefund, ReasonDamageClaim, ReasonBillingError, ReasonCreditNote, ReasonOther,
}

// RequiresInvoice reports whether the reason must cite the original invoice.
func (r Reason) RequiresInvoice() bool {
	switch r {
	case ReasonReturn, ReasonBillingError, ReasonPriceAdjustment, ReasonCreditNote:
		return true
	}
	return false
}

func (r Reason) Valid() bool {
	for _, v := range AllReasons {
		if v == r {
			return true
		}
	}
	return false
}

// ParseReason validates a reason string.
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !r.Valid() {
		return "", &generic.ValidationError{Field: "reason", Message: fmt.Sprintf("unknown reason %q", s)}
	}
	return r, nil
}
