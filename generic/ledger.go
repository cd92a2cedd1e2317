/*
ledger.go - Credit store: issuing, reading, voiding and expiring entries

PURPOSE:
  The Ledger owns the lifecycle of entries outside of consumption:
  it issues them with collision-free numbers, reads them back, activates
  pending ones, voids unused ones, and runs the expiration sweep.
  Consumption lives in engine.go and allocator.go.

CRITICAL INVARIANTS:
  1. CONSERVATION: AmountUsed + AmountRemaining == Amount (VOID excepted,
     where remaining is zeroed without an application)
  2. NEVER DELETED: Terminal entries are retained for audit
  3. VOID ONLY IF UNUSED: An entry with any application cannot be voided
  4. SWEEP IS IDEMPOTENT: MarkExpired twice with the same clock changes
     nothing the second time

NUMBERING:
  Numbers come from the store's per-prefix sequence inside the insert
  transaction, so concurrent issuance never reads a stale maximum. A
  collision on the unique index (e.g. a sequence reset) is retried.

SEE ALSO:
  - lifecycle.go: Transition table
  - store.go: Persistence contracts
  - balance.go: Derived balances for a client
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store    Store
	Clock    Clock
	Log      logrus.FieldLogger
	Recorder Recorder

	MaxRetries   int
	RetryBackoff time.Duration
}

func NewLedger(store Store, clock Clock, log logrus.FieldLogger) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{
		Store:        store,
		Clock:        clock,
		Log:          log,
		Recorder:     NopRecorder{},
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: DefaultRetryBackoff,
	}
}

// IssueInput describes a new entry.
type IssueInput struct {
	OwnerID     OwnerID
	Category    Category
	Amount      Amount
	ExpiresAt   *time.Time
	IssuedBy    string
	Reason      string
	ReferenceID string
	Notes       string
	Attributes  map[string]string
}

func (in IssueInput) validate(now time.Time) error {
	switch {
	case in.OwnerID == "":
		return invalid("owner_id", "is required")
	case in.Category == nil:
		return invalid("category", "is required")
	case !in.Amount.IsPositive():
		return invalid("amount", "must be positive, got %s", in.Amount)
	case in.IssuedBy == "":
		return invalid("issued_by", "is required")
	case in.ExpiresAt != nil && !in.ExpiresAt.After(now):
		return invalid("expires_at", "must be in the future")
	}
	return nil
}

// Issue creates a new entry in the category's initial status.
func (l *Ledger) Issue(ctx context.Context, in IssueInput) (Entry, error) {
	if l.Store == nil {
		return Entry{}, ErrStoreRequired
	}
	now := l.Clock.Now()
	if err := in.validate(now); err != nil {
		return Entry{}, err
	}

	draft := Entry{
		OwnerID:         in.OwnerID,
		Category:        in.Category,
		Amount:          in.Amount,
		AmountUsed:      Zero,
		AmountRemaining: in.Amount,
		Status:          in.Category.InitialStatus(),
		Reason:          in.Reason,
		ReferenceID:     in.ReferenceID,
		Notes:           in.Notes,
		ExpiresAt:       in.ExpiresAt,
		Attributes:      in.Attributes,
		CreatedBy:       in.IssuedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var entry Entry
	var err error
	for attempt := 0; attempt <= l.MaxRetries; attempt++ {
		err = l.Store.WithTx(ctx, func(tx Tx) error {
			var ierr error
			entry, ierr = insertNewEntry(ctx, tx, draft)
			return ierr
		})
		if !errors.Is(err, ErrDuplicateNumber) {
			break
		}
		l.Recorder.ConflictRetried("issue")
	}
	if err != nil {
		l.Log.WithError(err).WithField("owner_id", in.OwnerID).Error("issue entry failed")
		return Entry{}, err
	}

	l.Recorder.EntryIssued(categoryID(in.Category), entry.Amount)
	l.Log.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"number":   entry.Number,
		"owner_id": entry.OwnerID,
		"amount":   entry.Amount.String(),
		"category": categoryID(entry.Category),
	}).Info("entry issued")
	return entry, nil
}

// insertNewEntry assigns ID, sequence and number to draft and persists it.
func insertNewEntry(ctx context.Context, tx Tx, draft Entry) (Entry, error) {
	seq, err := tx.NextNumber(ctx, draft.Category.NumberPrefix())
	if err != nil {
		return Entry{}, err
	}
	draft.ID = EntryID(uuid.NewString())
	draft.Seq = seq
	draft.Number = FormatNumber(draft.Category.NumberPrefix(), seq)
	draft.Version = 1
	if err := tx.InsertEntry(ctx, draft); err != nil {
		return Entry{}, err
	}
	return draft, nil
}

// =============================================================================
// READS
// =============================================================================

func (l *Ledger) Get(ctx context.Context, id EntryID) (Entry, error) {
	return l.Store.GetEntry(ctx, id)
}

func (l *Ledger) GetByNumber(ctx context.Context, number string) (Entry, error) {
	return l.Store.GetEntryByNumber(ctx, number)
}

// ListOptions narrows ListByOwner.
type ListOptions struct {
	Category string
	// ActiveOnly keeps entries value can still be drawn from right now.
	ActiveOnly bool
}

// ListByOwner returns the owner's entries, newest first.
func (l *Ledger) ListByOwner(ctx context.Context, owner OwnerID, opts ListOptions) ([]Entry, error) {
	filter := EntryFilter{OwnerID: owner, Category: opts.Category}
	if opts.ActiveOnly {
		filter.Statuses = UsableStatuses
	}
	entries, err := l.Store.ListEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	if !opts.ActiveOnly {
		return entries, nil
	}
	now := l.Clock.Now()
	active := entries[:0]
	for _, e := range entries {
		if e.UsableAt(now) {
			active = append(active, e)
		}
	}
	return active, nil
}

// Applications returns the entry's applications, newest first.
func (l *Ledger) Applications(ctx context.Context, id EntryID) ([]Application, error) {
	if _, err := l.Store.GetEntry(ctx, id); err != nil {
		return nil, err
	}
	return l.Store.ListApplications(ctx, ApplicationFilter{EntryIDs: []EntryID{id}})
}

// ApplicationsByTarget returns every application made to an invoice/order.
func (l *Ledger) ApplicationsByTarget(ctx context.Context, target TargetID) ([]Application, error) {
	return l.Store.ListApplications(ctx, ApplicationFilter{TargetID: target})
}

// HistoryItem pairs an application with the number of the entry it drew from.
type HistoryItem struct {
	Application
	EntryNumber string
}

type History struct {
	Entries      []Entry
	Applications []HistoryItem
}

// History returns all of an owner's entries and their applications.
func (l *Ledger) History(ctx context.Context, owner OwnerID, category string) (History, error) {
	entries, err := l.Store.ListEntries(ctx, EntryFilter{OwnerID: owner, Category: category})
	if err != nil {
		return History{}, err
	}
	h := History{Entries: entries}
	if len(entries) == 0 {
		return h, nil
	}

	ids := make([]EntryID, len(entries))
	numbers := make(map[EntryID]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
		numbers[e.ID] = e.Number
	}
	apps, err := l.Store.ListApplications(ctx, ApplicationFilter{EntryIDs: ids})
	if err != nil {
		return History{}, err
	}
	for _, a := range apps {
		h.Applications = append(h.Applications, HistoryItem{Application: a, EntryNumber: numbers[a.EntryID]})
	}
	return h, nil
}

// =============================================================================
// LIFECYCLE OPERATIONS
// =============================================================================

// Void withdraws an unused entry. Allowed from ACTIVE (and PENDING)
// with zero applications; remaining becomes zero.
func (l *Ledger) Void(ctx context.Context, id EntryID, actor, reason string) (Entry, error) {
	return l.mutate(ctx, id, "void", func(ctx context.Context, tx Tx, e Entry) (Entry, error) {
		if e.Status == StatusFullyUsed {
			return e, &StateError{EntryID: e.ID, Status: e.Status, Reason: "Cannot void a fully used credit"}
		}
		if err := transition(e, StatusVoid, "voided"); err != nil {
			return e, err
		}
		n, err := tx.CountApplications(ctx, e.ID)
		if err != nil {
			return e, err
		}
		if n > 0 {
			return e, &StateError{EntryID: e.ID, Status: e.Status, Reason: "Cannot void a credit that has been applied"}
		}
		e.Status = StatusVoid
		e.AmountRemaining = Zero
		e.Notes = appendNote(e.Notes, fmt.Sprintf("Voided by %s: %s", actor, reason))
		return e, nil
	})
}

// Activate makes a PENDING entry redeemable.
func (l *Ledger) Activate(ctx context.Context, id EntryID, actor string) (Entry, error) {
	return l.mutate(ctx, id, "activate", func(_ context.Context, _ Tx, e Entry) (Entry, error) {
		if e.Status != StatusPending {
			return e, &StateError{EntryID: e.ID, Status: e.Status, Op: "activated"}
		}
		e.Status = StatusActive
		return e, nil
	})
}

// mutate locks the entry, applies fn, and writes the result conditionally,
// retrying on conflicts.
func (l *Ledger) mutate(ctx context.Context, id EntryID, op string, fn func(context.Context, Tx, Entry) (Entry, error)) (Entry, error) {
	var out Entry
	onRetry := func(attempt int, err error) {
		l.Recorder.ConflictRetried(op)
		l.Log.WithFields(logrus.Fields{"entry_id": id, "attempt": attempt}).Debug("retrying after conflict")
	}
	err := retryConflicts(ctx, l.MaxRetries, l.RetryBackoff, onRetry, func() error {
		return l.Store.WithTx(ctx, func(tx Tx) error {
			current, err := tx.GetEntryForUpdate(ctx, id)
			if err != nil {
				return err
			}
			next, err := fn(ctx, tx, current)
			if err != nil {
				return err
			}
			next.UpdatedAt = l.Clock.Now()
			if err := tx.UpdateEntry(ctx, next, current.Version); err != nil {
				return err
			}
			next.Version = current.Version + 1
			out = next
			return nil
		})
	})
	if err != nil {
		if !IsClientError(err) && !IsNotFound(err) {
			l.Log.WithError(err).WithField("entry_id", id).Errorf("%s failed", op)
		}
		return Entry{}, err
	}
	l.Log.WithFields(logrus.Fields{"entry_id": id, "status": out.Status}).Infof("entry %s", op)
	return out, nil
}

// MarkExpired runs the expiration sweep at the ledger clock's now.
func (l *Ledger) MarkExpired(ctx context.Context) (int, error) {
	return l.MarkExpiredAt(ctx, l.Clock.Now())
}

// MarkExpiredAt moves every usable entry whose expiration is before now to
// EXPIRED. Running it again with the same now changes nothing.
func (l *Ledger) MarkExpiredAt(ctx context.Context, now time.Time) (int, error) {
	n, err := l.Store.ExpireEntries(ctx, now)
	if err != nil {
		l.Log.WithError(err).Error("expiration sweep failed")
		return 0, err
	}
	l.Recorder.EntriesExpired(n)
	if n > 0 {
		l.Log.WithField("count", n).Info("entries expired")
	}
	return n, nil
}

func appendNote(existing, note string) string {
	if strings.TrimSpace(existing) == "" {
		return note
	}
	return existing + "\n" + note
}
