package referral

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-ledger/generic"
)

// DefaultPercentage applies when no setting matches.
var DefaultPercentage = decimal.NewFromInt(10)

// TierSettings controls how much credit a referral earns.
type TierSettings struct {
	Percentage      decimal.Decimal
	MinOrderAmount  generic.Amount
	MaxCreditAmount *generic.Amount // nil means uncapped
	ExpiryDays      int             // 0 means the credit never expires
}

func (t TierSettings) Validate() error {
	if t.Percentage.IsNegative() || t.Percentage.GreaterThan(decimal.NewFromInt(100)) {
		return &generic.ValidationError{Field: "percentage", Message: fmt.Sprintf("must be between 0 and 100, got %s", t.Percentage)}
	}
	if t.MinOrderAmount.IsNegative() {
		return &generic.ValidationError{Field: "min_order_amount", Message: "must not be negative"}
	}
	if t.MaxCreditAmount != nil && t.MaxCreditAmount.IsNegative() {
		return &generic.ValidationError{Field: "max_credit_amount", Message: "must not be negative"}
	}
	if t.ExpiryDays < 0 {
		return &generic.ValidationError{Field: "expiry_days", Message: "must not be negative"}
	}
	return nil
}

// Settings holds the global defaults and per-tier overrides.
type Settings struct {
	Global TierSettings
	Tiers  map[string]TierSettings
}

func DefaultSettings() Settings {
	return Settings{Global: TierSettings{Percentage: DefaultPercentage, MinOrderAmount: generic.Zero}}
}

// For returns the settings for tier, falling back to Global.
func (s Settings) For(tier string) TierSettings {
	if t, ok := s.Tiers[tier]; ok && tier != "" {
		return t
	}
	return s.Global
}

func (s Settings) Validate() error {
	if err := s.Global.Validate(); err != nil {
		return err
	}
	for name, t := range s.Tiers {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tier %s: %w", name, err)
		}
	}
	return nil
}

// CreditFor computes the credit earned on orderTotal.
func (t TierSettings) CreditFor(orderTotal generic.Amount) (generic.Amount, error) {
	if orderTotal.LessThan(t.MinOrderAmount) {
		return generic.Zero, &generic.ValidationError{
			Field:   "order_total",
			Message: fmt.Sprintf("%s is below the minimum of %s", orderTotal, t.MinOrderAmount),
		}
	}
	amount := orderTotal.Percent(t.Percentage)
	if t.MaxCreditAmount != nil {
		amount = amount.Min(*t.MaxCreditAmount)
	}
	return amount, nil
}

// ExpiresAt returns the expiration for a credit created at now, or nil.
func (t TierSettings) ExpiresAt(now time.Time) *time.Time {
	if t.ExpiryDays <= 0 {
		return nil
	}
	exp := generic.DaysFrom(now, t.ExpiryDays)
	return &exp
}
