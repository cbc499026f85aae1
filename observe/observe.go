// Package observe contains the event observers that feed traces: an HTTP
// client transport, a go-redis hook, a gorm plugin and a job wrapper.
//
// Observers find the trace to record to in the context, see
// recorder.WithTraceID. Without a trace in the context they do nothing.
package observe

import (
	"context"
	"time"

	"github.com/PowerDNS/chronotrace/redact"
	"github.com/PowerDNS/chronotrace/trace"
)

// Recorder receives the events. It is implemented by recorder.Recorder.
type Recorder interface {
	Record(ctx context.Context, ev trace.Event) bool
	Redactor() *redact.Redactor
}

func seconds(d time.Duration) float64 {
	return d.Seconds()
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
