package generic_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/generic"
)

// =============================================================================
// ISSUANCE
// =============================================================================

func TestIssue_AssignsNumbersAndInitialState(t *testing.T) {
	f := newFixture(t)

	first := f.issue(t, "client-1", "100.00")
	second := f.issue(t, "client-2", "15.50")

	assert.Equal(t, "TC-00001", first.Number)
	assert.Equal(t, "TC-00002", second.Number)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, generic.StatusActive, first.Status)
	assert.Equal(t, "100.00", first.AmountRemaining.String())
	assert.True(t, first.AmountUsed.IsZero())
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, epoch, first.CreatedAt)

	pending := f.issueIn(t, pendingCategory, "client-1", "5.00", nil)
	assert.Equal(t, generic.StatusPending, pending.Status)
	assert.Equal(t, "TP-00001", pending.Number, "each prefix has its own sequence")
}

func TestIssue_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := epoch.Add(-time.Hour)

	tests := []struct {
		name string
		in   generic.IssueInput
	}{
		{name: "missing owner", in: generic.IssueInput{Category: testCategory, Amount: amt("1"), IssuedBy: "x"}},
		{name: "missing category", in: generic.IssueInput{OwnerID: "c", Amount: amt("1"), IssuedBy: "x"}},
		{name: "zero amount", in: generic.IssueInput{OwnerID: "c", Category: testCategory, Amount: generic.Zero, IssuedBy: "x"}},
		{name: "negative amount", in: generic.IssueInput{OwnerID: "c", Category: testCategory, Amount: amt("-1"), IssuedBy: "x"}},
		{name: "missing issuer", in: generic.IssueInput{OwnerID: "c", Category: testCategory, Amount: amt("1")}},
		{name: "expiry in the past", in: generic.IssueInput{OwnerID: "c", Category: testCategory, Amount: amt("1"), IssuedBy: "x", ExpiresAt: &past}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Issue(ctx, tt.in)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}
}

func TestIssue_ConcurrentNumbersAreUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 50
	numbers := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := f.ledger.Issue(ctx, generic.IssueInput{
				OwnerID:  generic.OwnerID(fmt.Sprintf("client-%d", i)),
				Category: testCategory,
				Amount:   amt("1.00"),
				IssuedBy: "tester",
			})
			assert.NoError(t, err)
			numbers[i] = e.Number
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, num := range numbers {
		assert.False(t, seen[num], "duplicate number %s", num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
}

// =============================================================================
// READS
// =============================================================================

func TestGetByNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.issue(t, "client-1", "10.00")

	got, err := f.ledger.GetByNumber(ctx, e.Number)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	_, err = f.ledger.GetByNumber(ctx, "TC-99999")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestListByOwner_ActiveOnly(t *testing.T) {
	// GIVEN: A client with an active, a used-up, a voided and a lapsed credit
	f := newFixture(t)
	ctx := context.Background()

	active := f.issue(t, "client-1", "10.00")
	f.clock.Advance(time.Minute)
	used := f.issue(t, "client-1", "10.00")
	f.clock.Advance(time.Minute)
	voided := f.issue(t, "client-1", "10.00")
	f.clock.Advance(time.Minute)
	lapsed := f.issueIn(t, testCategory, "client-1", "10.00", ptrTime(f.clock.Now().Add(time.Hour)))
	f.issue(t, "client-2", "99.00")

	_, err := f.engine.Apply(ctx, apply(used.ID, "inv", "10.00"))
	require.NoError(t, err)
	_, err = f.ledger.Void(ctx, voided.ID, "manager", "duplicate")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	// WHEN: Listing all, then active only
	all, err := f.ledger.ListByOwner(ctx, "client-1", generic.ListOptions{})
	require.NoError(t, err)
	activeOnly, err := f.ledger.ListByOwner(ctx, "client-1", generic.ListOptions{ActiveOnly: true})
	require.NoError(t, err)

	// THEN: All are returned newest first; only the active one is redeemable
	require.Len(t, all, 4)
	assert.Equal(t, lapsed.ID, all[0].ID)
	assert.Equal(t, active.ID, all[3].ID)

	require.Len(t, activeOnly, 1)
	assert.Equal(t, active.ID, activeOnly[0].ID)
}

func TestApplications_UnknownEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Applications(context.Background(), "nope")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.issue(t, "client-1", "20.00")
	b := f.issue(t, "client-1", "20.00")
	_, err := f.engine.Apply(ctx, apply(a.ID, "inv-1", "5.00"))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, apply(b.ID, "inv-2", "7.00"))
	require.NoError(t, err)

	h, err := f.ledger.History(ctx, "client-1", testCategory.CategoryID())
	require.NoError(t, err)

	assert.Len(t, h.Entries, 2)
	require.Len(t, h.Applications, 2)
	numbers := map[string]bool{}
	for _, item := range h.Applications {
		numbers[item.EntryNumber] = true
	}
	assert.True(t, numbers[a.Number])
	assert.True(t, numbers[b.Number])

	empty, err := f.ledger.History(ctx, "nobody", "")
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)
	assert.Empty(t, empty.Applications)
}

// =============================================================================
// VOID / ACTIVATE
// =============================================================================

func TestVoid_Unused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.issue(t, "client-1", "45.00")

	voided, err := f.ledger.Void(ctx, e.ID, "manager", "issued to wrong client")
	require.NoError(t, err)

	assert.Equal(t, generic.StatusVoid, voided.Status)
	assert.True(t, voided.AmountRemaining.IsZero())
	assert.Equal(t, "45.00", voided.VoidedAmount().String())
	assert.Contains(t, voided.Notes, "Voided by manager: issued to wrong client")
	assert.Equal(t, generic.StatusVoid, f.reload(t, e.ID).Status)
	f.requireConserved(t, "client-1")

	_, err = f.ledger.Void(ctx, e.ID, "manager", "again")
	assert.ErrorIs(t, err, generic.ErrInvalidState, "void is terminal")
}

func TestVoid_RejectsUsedCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	partial := f.issue(t, "client-1", "50.00")
	_, err := f.engine.Apply(ctx, apply(partial.ID, "inv", "10.00"))
	require.NoError(t, err)
	_, err = f.ledger.Void(ctx, partial.ID, "manager", "oops")
	assert.ErrorIs(t, err, generic.ErrInvalidState)

	full := f.issue(t, "client-1", "10.00")
	_, err = f.engine.Apply(ctx, apply(full.ID, "inv", "10.00"))
	require.NoError(t, err)
	_, err = f.ledger.Void(ctx, full.ID, "manager", "oops")
	require.ErrorIs(t, err, generic.ErrInvalidState)
	assert.Equal(t, "Cannot void a fully used credit", err.Error())

	// Remaining balance is untouched by the failed voids
	assert.Equal(t, "40.00", f.reload(t, partial.ID).AmountRemaining.String())
}

func TestVoid_PendingAndActivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p1 := f.issueIn(t, pendingCategory, "client-1", "5.00", nil)
	p2 := f.issueIn(t, pendingCategory, "client-1", "5.00", nil)

	voided, err := f.ledger.Void(ctx, p1.ID, "system", "order cancelled")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusVoid, voided.Status)

	active, err := f.ledger.Activate(ctx, p2.ID, "system")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusActive, active.Status)

	_, err = f.ledger.Activate(ctx, p2.ID, "system")
	assert.ErrorIs(t, err, generic.ErrInvalidState)
}

// =============================================================================
// EXPIRATION SWEEP
// =============================================================================

func TestMarkExpired_Idempotent(t *testing.T) {
	// GIVEN: Credits with various expirations and states
	f := newFixture(t)
	ctx := context.Background()
	soon := ptrTime(epoch.Add(24 * time.Hour))
	later := ptrTime(epoch.Add(30 * 24 * time.Hour))

	lapsing := f.issueIn(t, testCategory, "client-1", "10.00", soon)
	lapsingPartial := f.issueIn(t, testCategory, "client-1", "10.00", soon)
	usedUp := f.issueIn(t, testCategory, "client-1", "10.00", soon)
	valid := f.issueIn(t, testCategory, "client-1", "10.00", later)
	forever := f.issue(t, "client-1", "10.00")

	_, err := f.engine.Apply(ctx, apply(lapsingPartial.ID, "inv", "4.00"))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, apply(usedUp.ID, "inv", "10.00"))
	require.NoError(t, err)

	// WHEN: The sweep runs twice after the first expiry date
	f.clock.Advance(48 * time.Hour)
	n1, err := f.ledger.MarkExpired(ctx)
	require.NoError(t, err)
	n2, err := f.ledger.MarkExpired(ctx)
	require.NoError(t, err)

	// THEN: Only usable, lapsed credits expire, and only once
	assert.Equal(t, 2, n1)
	assert.Equal(t, 0, n2)
	assert.Equal(t, generic.StatusExpired, f.reload(t, lapsing.ID).Status)
	expiredPartial := f.reload(t, lapsingPartial.ID)
	assert.Equal(t, generic.StatusExpired, expiredPartial.Status)
	assert.Equal(t, "6.00", expiredPartial.AmountRemaining.String(), "sweep keeps the remaining amount")
	assert.Equal(t, generic.StatusFullyUsed, f.reload(t, usedUp.ID).Status)
	assert.Equal(t, generic.StatusActive, f.reload(t, valid.ID).Status)
	assert.Equal(t, generic.StatusActive, f.reload(t, forever.ID).Status)
	f.requireConserved(t, "client-1")
}

func TestMarkExpired_ExactBoundary(t *testing.T) {
	// An entry is expired only once now is strictly after its expiration.
	f := newFixture(t)
	ctx := context.Background()
	at := epoch.Add(time.Hour)
	e := f.issueIn(t, testCategory, "client-1", "10.00", &at)

	n, err := f.ledger.MarkExpiredAt(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, generic.StatusActive, f.reload(t, e.ID).Status)

	n, err = f.ledger.MarkExpiredAt(ctx, at.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
