package generic

import "time"

// Application outcomes reported to a Recorder.
const (
	OutcomeApplied  = "applied"
	OutcomeReplayed = "replayed"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
)

// Recorder receives engine events. The metrics package provides the
// Prometheus implementation; NopRecorder discards everything.
type Recorder interface {
	EntryIssued(category string, amount Amount)
	ApplicationRecorded(category, outcome string, amount Amount)
	ConflictRetried(op string)
	EntriesExpired(n int)
	AllocationCompleted(category string, elapsed time.Duration)
}

type NopRecorder struct{}

func (NopRecorder) EntryIssued(string, Amount)                {}
func (NopRecorder) ApplicationRecorded(string, string, Amount) {}
func (NopRecorder) ConflictRetried(string)                    {}
func (NopRecorder) EntriesExpired(int)                        {}
func (NopRecorder) AllocationCompleted(string, time.Duration) {}

func categoryID(c Category) string {
	if c == nil {
		return ""
	}
	return c.CategoryID()
}
