package recorder

import (
	"github.com/PowerDNS/chronotrace/trace"
	"github.com/PowerDNS/chronotrace/utils/topics"
)

// Outcome is the terminal state of a trace
type Outcome int

const (
	// OutcomeNotActive means the trace was not open, for example because
	// it was already finished
	OutcomeNotActive Outcome = iota
	// OutcomeDiscarded means the mode decided not to store the trace
	OutcomeDiscarded
	// OutcomeStored means the bundle was written to storage
	OutcomeStored
	// OutcomeQueued means the bundle was handed to the async queue
	OutcomeQueued
	// OutcomeFailed means the bundle should have been stored, but was lost
	OutcomeFailed
	// OutcomeExpired means the trace was never finished and was swept
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotActive:
		return "not_active"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeStored:
		return "stored"
	case OutcomeQueued:
		return "queued"
	case OutcomeFailed:
		return "failed"
	case OutcomeExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Finalized describes a trace that left the active trace table
type Finalized struct {
	TraceID trace.ID
	Outcome Outcome
	Status  int    // response status, zero for expired traces
	Fault   bool   // finished with FinishCaptureWithError
	Path    string // storage path for OutcomeStored
}

// NewEvents returns an initialized Events struct
func NewEvents() *Events {
	return &Events{
		Finalized: topics.New[Finalized](),
	}
}

// Events contains event topics that can be subscribed to.
type Events struct {
	// Finalized is triggered for every trace that is finished or expired.
	// Slow subscribers miss notifications instead of delaying the unit of
	// work.
	Finalized *topics.Topic[Finalized]
}

func (r *Recorder) publish(info Finalized) {
	metricFinalized.WithLabelValues(info.Outcome.String()).Inc()
	if missed := r.Events.Finalized.TryPublish(info); missed > 0 {
		metricNotificationsMissed.Add(float64(missed))
	}
}
