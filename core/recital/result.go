package recital

import "time"

// Outcome is what happened to one session during a phase.
type Outcome string

const (
	OutcomeAggregated Outcome = "aggregated" // reached AGGREGATED
	OutcomeDisavowed  Outcome = "disavowed"  // no content, flagged for discard
	OutcomePending    Outcome = "pending"    // transcoding failed, retried next cycle
	OutcomeUploaded   Outcome = "uploaded"
	OutcomeDiscarded  Outcome = "discarded"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

// SessionResult records the outcome of one session in a batch phase.
type SessionResult struct {
	SessionID string
	Outcome   Outcome
	Err       error
}

// CycleReport summarises one finalization cycle.
type CycleReport struct {
	// Skipped is set when another cycle was still running.
	Skipped    bool
	StartedAt  time.Time
	Elapsed    time.Duration
	Aggregated []SessionResult
	Uploaded   []SessionResult
	Discarded  []SessionResult
	// Err joins the listing failures of the phases; per-session errors
	// stay in the results.
	Err error
}

// Failures counts the sessions that failed in any phase.
func (r CycleReport) Failures() int {
	n := 0
	for _, phase := range [][]SessionResult{r.Aggregated, r.Uploaded, r.Discarded} {
		for _, res := range phase {
			if res.Outcome == OutcomeFailed {
				n++
			}
		}
	}
	return n
}

func countOutcome(results []SessionResult, outcome Outcome) int {
	n := 0
	for _, res := range results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}
