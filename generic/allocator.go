/*
allocator.go - FIFO consumption of several entries against one target

PURPOSE:
  When an invoice/order draws from a client's credits as a whole, the
  allocator spends a capped amount across every eligible entry of one
  category, oldest first, in a single transaction.

ALGORITHM:
  1. Lock the target; it must exist and belong to the owner
  2. Select usable, unexpired entries of the owner, oldest first
  3. maxApplicable = min(sum of remaining, target outstanding, cap)
     maxApplicable <= 0 fails with ErrInvalidAmount
  4. Walk entries taking min(remaining, still needed) from each (Plan)
  5. A partially consumed entry is split: the tail moves into a new
     sibling entry through a "remainder" application, and the source
     becomes fully used
  6. Increase the target's discount by the applied total

SPLIT INVARIANT:
  For every touched entry:
    applied to target + remainder entry's AmountRemaining
      + AmountUsed before the allocation == Amount
  Amounts are already rounded to cents, so the remainder is an exact
  subtraction and no value is created or lost across repeated splits.

IDEMPOTENCY:
  With an idempotency key K, the n-th draw is recorded under "K/n".
  A replay is detected by finding "K/1" after the target is locked and
  returns the recorded draws without mutating anything.

SEE ALSO:
  - engine.go: applyInTx, the per-entry primitive used here
  - referral/service.go: ApplyToOrder
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// PLAN - Pure FIFO distribution
// =============================================================================

// Draw is the amount planned from one entry.
type Draw struct {
	Entry  Entry
	Amount Amount
}

// Plan distributes need across entries in the given order, taking
// min(remaining, still needed) from each. Entries with nothing remaining
// are skipped. The returned shortfall is what could not be covered.
func Plan(entries []Entry, need Amount) (draws []Draw, shortfall Amount) {
	remaining := need
	for _, e := range entries {
		if !remaining.IsPositive() {
			break
		}
		if !e.AmountRemaining.IsPositive() {
			continue
		}
		take := remaining.Min(e.AmountRemaining)
		draws = append(draws, Draw{Entry: e, Amount: take})
		remaining = remaining.Sub(take)
	}
	return draws, remaining.Max(Zero)
}

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

type AllocateInput struct {
	OwnerID  OwnerID
	Category string
	TargetID TargetID

	// Cap limits the total applied; nil means no caller cap.
	Cap *Amount
	// EntryIDs restricts the candidates; empty means every eligible entry.
	EntryIDs []EntryID

	AppliedBy      string
	Notes          string
	IdempotencyKey string
}

func (in AllocateInput) validate() error {
	switch {
	case in.OwnerID == "":
		return invalid("owner_id", "is required")
	case in.TargetID == "":
		return invalid("target_id", "is required")
	case in.AppliedBy == "":
		return invalid("applied_by", "is required")
	case in.Cap != nil && !in.Cap.IsPositive():
		return fmt.Errorf("%w: cap must be positive, got %s", ErrInvalidAmount, *in.Cap)
	}
	return nil
}

// Allocation is the outcome for one touched entry.
type Allocation struct {
	Entry       Entry // state after the allocation
	Applied     Amount
	UsedBefore  Amount
	Application Application
	Remainder   *Entry
}

type AllocationResult struct {
	TargetID    TargetID
	Applied     Amount
	Allocations []Allocation
	Remainders  []Entry
	Target      Target

	// RemainingBalance is the owner's usable balance in the category after.
	RemainingBalance Amount
	Replayed         bool
}

// =============================================================================
// ALLOCATOR
// =============================================================================

type Allocator struct {
	Engine *Engine
}

func NewAllocator(engine *Engine) *Allocator {
	return &Allocator{Engine: engine}
}

// Allocate spends up to the cap from the owner's entries onto the target.
func (a *Allocator) Allocate(ctx context.Context, in AllocateInput) (AllocationResult, error) {
	e := a.Engine
	if e == nil || e.Store == nil {
		return AllocationResult{}, ErrStoreRequired
	}
	if err := in.validate(); err != nil {
		return AllocationResult{}, err
	}

	start := time.Now()
	log := e.Log.WithFields(logrus.Fields{
		"owner_id":        in.OwnerID,
		"target_id":       in.TargetID,
		"category":        in.Category,
		"idempotency_key": in.IdempotencyKey,
	})

	var res AllocationResult
	onRetry := func(attempt int, err error) {
		e.Recorder.ConflictRetried("allocate")
		log.WithField("attempt", attempt).Debug("retrying allocation after conflict")
	}
	err := retryConflicts(ctx, e.MaxRetries, e.RetryBackoff, onRetry, func() error {
		return e.Store.WithTx(ctx, func(tx Tx) error {
			var aerr error
			res, aerr = a.allocateInTx(ctx, tx, in, e.Clock.Now())
			return aerr
		})
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) && in.IdempotencyKey != "" {
		err = e.Store.WithTx(ctx, func(tx Tx) error {
			var rerr error
			res, rerr = a.replayInTx(ctx, tx, in)
			return rerr
		})
	}
	if err != nil {
		if IsClientError(err) || IsNotFound(err) {
			log.WithError(err).Info("allocation rejected")
		} else {
			log.WithError(err).Error("allocation failed")
		}
		return AllocationResult{}, err
	}

	e.Recorder.AllocationCompleted(in.Category, time.Since(start))
	log.WithFields(logrus.Fields{
		"applied":    res.Applied.String(),
		"entries":    len(res.Allocations),
		"remainders": len(res.Remainders),
		"replayed":   res.Replayed,
	}).Info("allocation completed")
	return res, nil
}

func (a *Allocator) allocateInTx(ctx context.Context, tx Tx, in AllocateInput, now time.Time) (AllocationResult, error) {
	target, err := tx.GetTargetForUpdate(ctx, in.TargetID)
	if err != nil {
		return AllocationResult{}, err
	}
	if target.OwnerID != "" && target.OwnerID != in.OwnerID {
		return AllocationResult{}, invalid("target_id", "%s does not belong to %s", target.ID, in.OwnerID)
	}

	if in.IdempotencyKey != "" {
		if _, found, err := tx.FindApplicationByKey(ctx, drawKey(in.IdempotencyKey, 1)); err != nil {
			return AllocationResult{}, err
		} else if found {
			return a.replayInTx(ctx, tx, in)
		}
	}

	candidates, err := tx.ListEntries(ctx, EntryFilter{
		OwnerID:     in.OwnerID,
		Category:    in.Category,
		Statuses:    UsableStatuses,
		IDs:         in.EntryIDs,
		OldestFirst: true,
	})
	if err != nil {
		return AllocationResult{}, err
	}

	available := Zero
	for _, c := range candidates {
		if c.UsableAt(now) {
			available = available.Add(c.AmountRemaining)
		}
	}
	maxApplicable := available.Min(target.Outstanding())
	if in.Cap != nil {
		maxApplicable = maxApplicable.Min(*in.Cap)
	}
	if !maxApplicable.IsPositive() {
		return AllocationResult{}, fmt.Errorf("%w: nothing to apply (available %s, outstanding %s)",
			ErrInvalidAmount, available, target.Outstanding())
	}

	// Lock oldest first until the locked balance covers the need, then plan
	// against the locked state.
	var locked []Entry
	covered := Zero
	for _, c := range candidates {
		if !covered.LessThan(maxApplicable) {
			break
		}
		entry, err := tx.GetEntryForUpdate(ctx, c.ID)
		if err != nil {
			return AllocationResult{}, err
		}
		if !entry.UsableAt(now) {
			continue
		}
		locked = append(locked, entry)
		covered = covered.Add(entry.AmountRemaining)
	}
	draws, _ := Plan(locked, maxApplicable)

	res := AllocationResult{TargetID: target.ID, Applied: Zero}
	for i, d := range draws {
		applied, err := a.Engine.applyInTx(ctx, tx, ApplyInput{
			EntryID:        d.Entry.ID,
			TargetID:       target.ID,
			Amount:         d.Amount,
			AppliedBy:      in.AppliedBy,
			Notes:          in.Notes,
			IdempotencyKey: drawKey(in.IdempotencyKey, i+1),
		}, KindTarget, now)
		if err != nil {
			return AllocationResult{}, err
		}

		alloc := Allocation{
			Entry:       applied.Entry,
			Applied:     d.Amount,
			UsedBefore:  d.Entry.AmountUsed,
			Application: applied.Application,
		}
		if applied.Entry.AmountRemaining.IsPositive() {
			source, remainder, err := a.split(ctx, tx, applied.Entry, target, in.AppliedBy, now)
			if err != nil {
				return AllocationResult{}, err
			}
			alloc.Entry = source
			alloc.Remainder = &remainder
			res.Remainders = append(res.Remainders, remainder)
		}
		res.Allocations = append(res.Allocations, alloc)
		res.Applied = res.Applied.Add(d.Amount)
	}
	if !res.Applied.IsPositive() {
		return AllocationResult{}, fmt.Errorf("%w: no eligible credit could be locked", ErrInvalidAmount)
	}

	target.Discount = target.Discount.Add(res.Applied)
	target.UpdatedAt = now
	if err := tx.UpdateTarget(ctx, target); err != nil {
		return AllocationResult{}, err
	}
	res.Target = target
	res.RemainingBalance = available.Sub(res.Applied)
	return res, nil
}

// split moves the unconsumed tail of source into a new sibling entry and
// returns the (now fully used) source and the remainder.
func (a *Allocator) split(ctx context.Context, tx Tx, source Entry, target Target, actor string, now time.Time) (Entry, Entry, error) {
	tail := source.AmountRemaining
	remainder, err := insertNewEntry(ctx, tx, Entry{
		OwnerID:         source.OwnerID,
		Category:        source.Category,
		Amount:          tail,
		AmountUsed:      Zero,
		AmountRemaining: tail,
		Status:          StatusActive,
		Reason:          source.Reason,
		ReferenceID:     source.ReferenceID,
		ParentID:        source.ID,
		Notes:           fmt.Sprintf("Remainder from partial application to %s", target.ID),
		ExpiresAt:       source.ExpiresAt,
		Attributes:      copyAttributes(source.Attributes),
		CreatedBy:       actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return Entry{}, Entry{}, err
	}

	moved, err := a.Engine.applyInTx(ctx, tx, ApplyInput{
		EntryID:   source.ID,
		TargetID:  TargetID(remainder.ID),
		Amount:    tail,
		AppliedBy: actor,
		Notes:     "Remainder transferred to " + remainder.Number,
	}, KindRemainder, now)
	if err != nil {
		return Entry{}, Entry{}, err
	}
	return moved.Entry, remainder, nil
}

// =============================================================================
// TARGETS
// =============================================================================

// TargetInput upserts a target's owner and total. Discount, when set,
// replaces the stored discount; otherwise the stored one is kept.
type TargetInput struct {
	ID       TargetID
	OwnerID  OwnerID
	Total    Amount
	Discount *Amount
}

// SaveTarget upserts a target under its lock, so it serializes with
// allocations onto the same target.
func (a *Allocator) SaveTarget(ctx context.Context, in TargetInput) (Target, error) {
	e := a.Engine
	if e == nil || e.Store == nil {
		return Target{}, ErrStoreRequired
	}
	switch {
	case in.ID == "":
		return Target{}, invalid("target_id", "is required")
	case in.OwnerID == "":
		return Target{}, invalid("client_id", "is required")
	case in.Total.IsNegative():
		return Target{}, invalid("total", "must not be negative")
	case in.Discount != nil && in.Discount.IsNegative():
		return Target{}, invalid("discount", "must not be negative")
	}

	t := Target{ID: in.ID, OwnerID: in.OwnerID, Total: in.Total, Discount: Zero}
	if in.Discount != nil {
		t.Discount = *in.Discount
	}
	var saved Target
	err := retryConflicts(ctx, e.MaxRetries, e.RetryBackoff, nil, func() error {
		return e.Store.WithTx(ctx, func(tx Tx) error {
			t.UpdatedAt = e.Clock.Now()
			if err := tx.SaveTarget(ctx, t, in.Discount != nil); err != nil {
				return err
			}
			var err error
			saved, err = tx.GetTargetForUpdate(ctx, t.ID)
			return err
		})
	})
	if err != nil {
		return Target{}, err
	}
	e.Log.WithFields(logrus.Fields{
		"target_id": saved.ID,
		"total":     saved.Total.String(),
		"discount":  saved.Discount.String(),
	}).Debug("target saved")
	return saved, nil
}

// replayInTx rebuilds the result of an allocation already recorded under
// in.IdempotencyKey.
func (a *Allocator) replayInTx(ctx context.Context, tx Tx, in AllocateInput) (AllocationResult, error) {
	target, err := tx.GetTargetForUpdate(ctx, in.TargetID)
	if err != nil {
		return AllocationResult{}, err
	}
	res := AllocationResult{TargetID: in.TargetID, Applied: Zero, Target: target, Replayed: true}
	for n := 1; ; n++ {
		app, found, err := tx.FindApplicationByKey(ctx, drawKey(in.IdempotencyKey, n))
		if err != nil {
			return AllocationResult{}, err
		}
		if !found {
			break
		}
		if app.TargetID != in.TargetID {
			return AllocationResult{}, invalid("idempotency_key", "%q was already used for target %s", in.IdempotencyKey, app.TargetID)
		}
		entries, err := tx.ListEntries(ctx, EntryFilter{IDs: []EntryID{app.EntryID}})
		if err != nil {
			return AllocationResult{}, err
		}
		alloc := Allocation{Applied: app.Amount, Application: app}
		if len(entries) == 1 {
			if entries[0].OwnerID != in.OwnerID {
				return AllocationResult{}, invalid("idempotency_key", "%q was already used by another owner", in.IdempotencyKey)
			}
			alloc.Entry = entries[0]
		}
		res.Allocations = append(res.Allocations, alloc)
		res.Applied = res.Applied.Add(app.Amount)
	}
	if len(res.Allocations) == 0 {
		return AllocationResult{}, fmt.Errorf("%w: idempotency key %q has no recorded draws", ErrNotFound, in.IdempotencyKey)
	}

	usable, err := tx.ListEntries(ctx, EntryFilter{OwnerID: in.OwnerID, Category: in.Category, Statuses: UsableStatuses})
	if err != nil {
		return AllocationResult{}, err
	}
	now := a.Engine.Clock.Now()
	res.RemainingBalance = Zero
	for _, e := range usable {
		if e.UsableAt(now) {
			res.RemainingBalance = res.RemainingBalance.Add(e.AmountRemaining)
		}
	}
	return res, nil
}

func drawKey(key string, n int) string {
	if key == "" {
		return ""
	}
	return fmt.Sprintf("%s/%d", key, n)
}

func copyAttributes(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
