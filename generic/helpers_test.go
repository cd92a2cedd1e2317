package generic_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/generic"
	"github.com/warp/credit-ledger/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	testCategory    = generic.BasicCategory{ID: "test_credit", Prefix: "TC"}
	pendingCategory = generic.BasicCategory{ID: "test_pending", Prefix: "TP", Initial: generic.StatusPending}
)

var epoch = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store     *store.Memory
	clock     *generic.FixedClock
	ledger    *generic.Ledger
	engine    *generic.Engine
	allocator *generic.Allocator
	balances  *generic.BalanceCalculator
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	clock := generic.NewFixedClock(epoch)
	log := quietLogger()
	engine := generic.NewEngine(st, clock, log)
	engine.RetryBackoff = time.Millisecond
	return &fixture{
		store:     st,
		clock:     clock,
		ledger:    generic.NewLedger(st, clock, log),
		engine:    engine,
		allocator: generic.NewAllocator(engine),
		balances:  generic.NewBalanceCalculator(st, clock),
	}
}

func amt(s string) generic.Amount { return generic.MustParseAmount(s) }

func (f *fixture) issue(t *testing.T, owner generic.OwnerID, amount string) generic.Entry {
	t.Helper()
	return f.issueIn(t, testCategory, owner, amount, nil)
}

func (f *fixture) issueIn(t *testing.T, c generic.Category, owner generic.OwnerID, amount string, expires *time.Time) generic.Entry {
	t.Helper()
	e, err := f.ledger.Issue(context.Background(), generic.IssueInput{
		OwnerID:   owner,
		Category:  c,
		Amount:    amt(amount),
		ExpiresAt: expires,
		IssuedBy:  "tester",
		Reason:    "GOODWILL",
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) target(t *testing.T, id generic.TargetID, owner generic.OwnerID, total string) generic.Target {
	t.Helper()
	tg := generic.Target{ID: id, OwnerID: owner, Total: amt(total), Discount: generic.Zero, UpdatedAt: f.clock.Now()}
	require.NoError(t, f.store.SaveTarget(context.Background(), tg))
	return tg
}

func (f *fixture) reload(t *testing.T, id generic.EntryID) generic.Entry {
	t.Helper()
	e, err := f.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

// requireConserved checks used + remaining == amount on every entry.
func (f *fixture) requireConserved(t *testing.T, owner generic.OwnerID) {
	t.Helper()
	entries, err := f.store.ListEntries(context.Background(), generic.EntryFilter{OwnerID: owner})
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, e.CheckBalance(), "entry %s", e.Number)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func ptrAmount(a generic.Amount) *generic.Amount { return &a }
