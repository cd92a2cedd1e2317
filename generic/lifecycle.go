/*
lifecycle.go - Entry status state machine

PURPOSE:
  Every entry moves through one canonical set of statuses regardless of
  category. Categories only choose the initial status and how statuses
  are labelled (store credit says FULLY_USED, referral credit says APPLIED).

STATES:
  PENDING         Issued but not yet redeemable (referral awaiting payment)
  ACTIVE          Redeemable, nothing used yet
  PARTIALLY_USED  Redeemable, some value applied
  FULLY_USED      Terminal, remaining is zero
  EXPIRED         Terminal, reached only through the expiration sweep
  VOID            Terminal, reached only with zero applications

TRANSITIONS:
  PENDING        -> ACTIVE | VOID
  ACTIVE         -> PARTIALLY_USED | FULLY_USED | EXPIRED | VOID
  PARTIALLY_USED -> PARTIALLY_USED | FULLY_USED | EXPIRED

SEE ALSO:
  - engine.go: Drives ACTIVE/PARTIALLY_USED -> PARTIALLY_USED/FULLY_USED
  - ledger.go: Void, Activate, MarkExpired
*/
package generic

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusActive        Status = "ACTIVE"
	StatusPartiallyUsed Status = "PARTIALLY_USED"
	StatusFullyUsed     Status = "FULLY_USED"
	StatusExpired       Status = "EXPIRED"
	StatusVoid          Status = "VOID"
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusActive, StatusPartiallyUsed,
	StatusFullyUsed, StatusExpired, StatusVoid,
}

// UsableStatuses are the statuses value can be drawn from.
var UsableStatuses = []Status{StatusActive, StatusPartiallyUsed}

var transitions = map[Status][]Status{
	StatusPending:       {StatusActive, StatusVoid},
	StatusActive:        {StatusPartiallyUsed, StatusFullyUsed, StatusExpired, StatusVoid},
	StatusPartiallyUsed: {StatusPartiallyUsed, StatusFullyUsed, StatusExpired},
}

func (s Status) IsTerminal() bool {
	return s == StatusFullyUsed || s == StatusExpired || s == StatusVoid
}

func (s Status) IsUsable() bool {
	return s == StatusActive || s == StatusPartiallyUsed
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition returns a StateError when from -> to is not allowed.
func transition(e Entry, to Status, op string) error {
	if CanTransition(e.Status, to) {
		return nil
	}
	return &StateError{EntryID: e.ID, Status: e.Status, Op: op}
}

// statusAfterUse is the status once remaining has been reduced.
func statusAfterUse(remaining Amount) Status {
	if remaining.IsPositive() {
		return StatusPartiallyUsed
	}
	return StatusFullyUsed
}
