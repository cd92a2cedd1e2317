/*
engine.go - Atomic, idempotent application of an entry to a target

PURPOSE:
  Apply draws an amount from one entry onto an invoice/order. It is the
  only place the balance triple (AmountUsed, AmountRemaining, Status)
  moves on consumption, and it owns the concurrency contract.

ONE TRANSACTION PER ATTEMPT:
  1. Lock the entry (GetEntryForUpdate)
  2. If the idempotency key was already used, return that application
  3. Validate status, expiry, and 0 < amount <= remaining
  4. Conditionally update the entry (version check)
  5. Insert the application (unique idempotency key)

  The key lookup happens after the lock, so a concurrent replay waits for
  the first request and then sees its application. If two replays still
  race on different stores' isolation levels, the unique index rejects
  the loser, its transaction rolls back, and the stored application is
  returned instead.

RETRIES:
  ErrConcurrencyConflict (version mismatch, serialization failure) re-runs
  the whole transaction up to MaxRetries times. Everything else surfaces.

SEE ALSO:
  - allocator.go: Calls applyInTx for several entries in one transaction
  - store.go: Locking contract
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

type ApplyInput struct {
	EntryID        EntryID
	TargetID       TargetID
	Amount         Amount
	AppliedBy      string
	Notes          string
	IdempotencyKey string
}

func (in ApplyInput) validate() error {
	switch {
	case in.EntryID == "":
		return invalid("entry_id", "is required")
	case in.TargetID == "":
		return invalid("target_id", "is required")
	case in.AppliedBy == "":
		return invalid("applied_by", "is required")
	case !in.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, in.Amount)
	}
	return nil
}

// ApplyResult is an application plus the entry state right after it.
type ApplyResult struct {
	Application Application
	Entry       Entry
	Replayed    bool
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store    Store
	Clock    Clock
	Log      logrus.FieldLogger
	Recorder Recorder

	MaxRetries   int
	RetryBackoff time.Duration
}

func NewEngine(store Store, clock Clock, log logrus.FieldLogger) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		Store:        store,
		Clock:        clock,
		Log:          log,
		Recorder:     NopRecorder{},
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: DefaultRetryBackoff,
	}
}

// Apply draws in.Amount from the entry onto the target.
func (e *Engine) Apply(ctx context.Context, in ApplyInput) (Application, error) {
	res, err := e.ApplyDetailed(ctx, in)
	return res.Application, err
}

// ApplyDetailed is Apply returning the updated entry and replay flag.
func (e *Engine) ApplyDetailed(ctx context.Context, in ApplyInput) (ApplyResult, error) {
	if e.Store == nil {
		return ApplyResult{}, ErrStoreRequired
	}
	if err := in.validate(); err != nil {
		e.Recorder.ApplicationRecorded("", OutcomeRejected, in.Amount)
		return ApplyResult{}, err
	}

	log := e.Log.WithFields(logrus.Fields{
		"entry_id":        in.EntryID,
		"target_id":       in.TargetID,
		"amount":          in.Amount.String(),
		"idempotency_key": in.IdempotencyKey,
	})

	var res ApplyResult
	onRetry := func(attempt int, err error) {
		e.Recorder.ConflictRetried("apply")
		log.WithField("attempt", attempt).Debug("retrying apply after conflict")
	}
	err := retryConflicts(ctx, e.MaxRetries, e.RetryBackoff, onRetry, func() error {
		return e.Store.WithTx(ctx, func(tx Tx) error {
			var aerr error
			res, aerr = e.applyInTx(ctx, tx, in, KindTarget, e.Clock.Now())
			return aerr
		})
	})

	if errors.Is(err, ErrDuplicateIdempotencyKey) && in.IdempotencyKey != "" {
		res, err = e.replay(ctx, in)
	}

	category := categoryID(res.Entry.Category)
	switch {
	case err == nil && res.Replayed:
		e.Recorder.ApplicationRecorded(category, OutcomeReplayed, res.Application.Amount)
		log.Info("apply replayed from idempotency key")
	case err == nil:
		e.Recorder.ApplicationRecorded(category, OutcomeApplied, res.Application.Amount)
		log.WithFields(logrus.Fields{
			"application_id": res.Application.ID,
			"remaining":      res.Entry.AmountRemaining.String(),
			"status":         res.Entry.Status,
		}).Info("credit applied")
	case IsRetryable(err):
		e.Recorder.ApplicationRecorded(category, OutcomeConflict, in.Amount)
		log.WithError(err).Warn("apply gave up after conflicts")
	case IsClientError(err) || IsNotFound(err):
		e.Recorder.ApplicationRecorded(category, OutcomeRejected, in.Amount)
		log.WithError(err).Info("apply rejected")
	default:
		e.Recorder.ApplicationRecorded(category, OutcomeFailed, in.Amount)
		log.WithError(err).Error("apply failed")
	}
	if err != nil {
		return ApplyResult{}, err
	}
	return res, nil
}

// replay loads the application that won an idempotency-key race.
func (e *Engine) replay(ctx context.Context, in ApplyInput) (ApplyResult, error) {
	app, err := e.Store.GetApplicationByKey(ctx, in.IdempotencyKey)
	if err != nil {
		return ApplyResult{}, err
	}
	if app.EntryID != in.EntryID {
		return ApplyResult{}, keyReusedError(in.IdempotencyKey, app.EntryID)
	}
	entry, err := e.Store.GetEntry(ctx, app.EntryID)
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Application: app, Entry: entry, Replayed: true}, nil
}

// applyInTx is the single-entry primitive. Callers own the transaction.
func (e *Engine) applyInTx(ctx context.Context, tx Tx, in ApplyInput, kind ApplicationKind, now time.Time) (ApplyResult, error) {
	entry, err := tx.GetEntryForUpdate(ctx, in.EntryID)
	if err != nil {
		return ApplyResult{}, err
	}

	if in.IdempotencyKey != "" {
		existing, found, err := tx.FindApplicationByKey(ctx, in.IdempotencyKey)
		if err != nil {
			return ApplyResult{}, err
		}
		if found {
			if existing.EntryID != in.EntryID {
				return ApplyResult{}, keyReusedError(in.IdempotencyKey, existing.EntryID)
			}
			return ApplyResult{Application: existing, Entry: entry, Replayed: true}, nil
		}
	}

	if !entry.Status.IsUsable() {
		return ApplyResult{}, &StateError{EntryID: entry.ID, Status: entry.Status, Op: "applied"}
	}
	if entry.ExpiredAt(now) {
		return ApplyResult{}, &StateError{EntryID: entry.ID, Status: entry.Status, Reason: "Credit has expired"}
	}
	if !in.Amount.IsPositive() {
		return ApplyResult{}, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, in.Amount)
	}
	if in.Amount.GreaterThan(entry.AmountRemaining) {
		return ApplyResult{}, &InsufficientBalanceError{
			EntryID:   entry.ID,
			Available: entry.AmountRemaining,
			Requested: in.Amount,
		}
	}

	updated := entry
	updated.AmountUsed = entry.AmountUsed.Add(in.Amount)
	updated.AmountRemaining = entry.Amount.Sub(updated.AmountUsed)
	updated.Status = statusAfterUse(updated.AmountRemaining)
	updated.UpdatedAt = now
	if err := transition(entry, updated.Status, "applied"); err != nil {
		return ApplyResult{}, err
	}
	if err := tx.UpdateEntry(ctx, updated, entry.Version); err != nil {
		return ApplyResult{}, err
	}
	updated.Version = entry.Version + 1

	app := Application{
		ID:             ApplicationID(uuid.NewString()),
		EntryID:        entry.ID,
		TargetID:       in.TargetID,
		Kind:           kind,
		Amount:         in.Amount,
		AppliedAt:      now,
		AppliedBy:      in.AppliedBy,
		IdempotencyKey: in.IdempotencyKey,
		Notes:          in.Notes,
	}
	if err := tx.InsertApplication(ctx, app); err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Application: app, Entry: updated}, nil
}

func keyReusedError(key string, entryID EntryID) error {
	return invalid("idempotency_key", "%q was already used for entry %s", key, entryID)
}
