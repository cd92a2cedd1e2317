// Package metrics exports ledger activity as Prometheus metrics.
//
// Collectors are registered on the default registry at init, and Recorder
// feeds them from the engine. The API serves them on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/credit-ledger/generic"
)

// ═══════════════════════════════════════════════════════════════════════════
// Collectors
// ═══════════════════════════════════════════════════════════════════════════

// Applications counts apply attempts by category and outcome.
var Applications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "applications_total",
	Help:      "Apply attempts by category and outcome (applied, replayed, rejected, conflict, failed).",
}, []string{"category", "result"})

var AppliedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "applied_amount_total",
	Help:      "Total value applied to targets.",
}, []string{"category"})

var ApplicationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "application_retries_total",
	Help:      "Transactions retried after a concurrency conflict.",
}, []string{"op"})

var EntriesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "entries_issued_total",
	Help:      "Entries issued by category.",
}, []string{"category"})

var IssuedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "issued_amount_total",
	Help:      "Total value issued by category.",
}, []string{"category"})

var EntriesExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "entries_expired_total",
	Help:      "Entries moved to EXPIRED by the sweep.",
})

var AllocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ledger",
	Name:      "allocation_duration_seconds",
	Help:      "Wall time of FIFO allocations.",
	Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
}, []string{"category"})

// ═══════════════════════════════════════════════════════════════════════════
// Recorder
// ═══════════════════════════════════════════════════════════════════════════

// Recorder implements generic.Recorder on the collectors above.
type Recorder struct{}

var _ generic.Recorder = Recorder{}

func (Recorder) EntryIssued(category string, amount generic.Amount) {
	EntriesIssued.WithLabelValues(category).Inc()
	IssuedAmount.WithLabelValues(category).Add(amount.Value.InexactFloat64())
}

func (Recorder) ApplicationRecorded(category, outcome string, amount generic.Amount) {
	Applications.WithLabelValues(category, outcome).Inc()
	if outcome == generic.OutcomeApplied {
		AppliedAmount.WithLabelValues(category).Add(amount.Value.InexactFloat64())
	}
}

func (Recorder) ConflictRetried(op string) {
	ApplicationRetries.WithLabelValues(op).Inc()
}

func (Recorder) EntriesExpired(n int) {
	EntriesExpired.Add(float64(n))
}

func (Recorder) AllocationCompleted(category string, elapsed time.Duration) {
	AllocationDuration.WithLabelValues(category).Observe(elapsed.Seconds())
}
