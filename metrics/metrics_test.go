package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/warp/credit-ledger/generic"
	"github.com/warp/credit-ledger/metrics"
)

func TestRecorder_ApplicationRecorded(t *testing.T) {
	r := metrics.Recorder{}
	applied := metrics.Applications.WithLabelValues("test_cat", generic.OutcomeApplied)
	rejected := metrics.Applications.WithLabelValues("test_cat", generic.OutcomeRejected)
	amount := metrics.AppliedAmount.WithLabelValues("test_cat")

	beforeApplied := testutil.ToFloat64(applied)
	beforeRejected := testutil.ToFloat64(rejected)
	beforeAmount := testutil.ToFloat64(amount)

	r.ApplicationRecorded("test_cat", generic.OutcomeApplied, generic.MustParseAmount("12.50"))
	r.ApplicationRecorded("test_cat", generic.OutcomeRejected, generic.MustParseAmount("99.00"))

	assert.Equal(t, beforeApplied+1, testutil.ToFloat64(applied))
	assert.Equal(t, beforeRejected+1, testutil.ToFloat64(rejected))
	// Rejected attempts do not count towards the applied amount
	assert.InDelta(t, beforeAmount+12.5, testutil.ToFloat64(amount), 0.0001)
}

func TestRecorder_EntriesExpired(t *testing.T) {
	r := metrics.Recorder{}
	before := testutil.ToFloat64(metrics.EntriesExpired)

	r.EntriesExpired(3)
	r.EntriesExpired(0)

	assert.Equal(t, before+3, testutil.ToFloat64(metrics.EntriesExpired))
}

func TestRecorder_IssuedAndRetries(t *testing.T) {
	r := metrics.Recorder{}
	issued := metrics.EntriesIssued.WithLabelValues("issue_cat")
	retries := metrics.ApplicationRetries.WithLabelValues("apply")
	beforeIssued := testutil.ToFloat64(issued)
	beforeRetries := testutil.ToFloat64(retries)

	r.EntryIssued("issue_cat", generic.NewAmountFromInt(100))
	r.ConflictRetried("apply")
	r.AllocationCompleted("issue_cat", 3*time.Millisecond)

	assert.Equal(t, beforeIssued+1, testutil.ToFloat64(issued))
	assert.Equal(t, beforeRetries+1, testutil.ToFloat64(retries))
}
