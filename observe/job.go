package observe

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/PowerDNS/chronotrace/recorder"
	"github.com/PowerDNS/chronotrace/trace"
	"github.com/PowerDNS/chronotrace/utils"
)

// Job describes one run of a background job
type Job struct {
	Name       string
	Queue      string
	Connection string
	Attempts   int
}

// RunJob runs fn and records job events.
//
// When ctx already carries a trace, for example for a job that runs inline
// during a request, the events are added to that trace. Otherwise the job is
// its own unit of work: it is captured if the recorder decides so for the job
// name, and stored according to the recorder mode. A failing job counts as a
// fault.
func RunJob(ctx context.Context, rec *recorder.Recorder, job Job, fn func(ctx context.Context) error) (err error) {
	if _, ok := recorder.TraceIDFromContext(ctx); ok {
		return runJobEvents(ctx, rec, job, fn)
	}
	if !rec.ShouldCapture(recorder.Unit{Kind: recorder.UnitJob, Name: job.Name}) {
		return fn(ctx)
	}

	id := rec.StartCapture(recorder.RequestInfo{
		Method: "JOB",
		URL:    "job://" + job.Queue + "/" + job.Name,
		Route:  job.Name,
		Input: map[string]any{
			"queue":      job.Queue,
			"connection": job.Connection,
			"attempts":   job.Attempts,
		},
	})
	ctx = recorder.WithTraceID(ctx, id)
	t0 := time.Now()
	mem := utils.HeapAllocs()

	defer func() {
		if p := recover(); p != nil {
			var fault error
			if e, ok := p.(error); ok {
				fault = errors.WithStack(e)
			} else {
				fault = errors.Errorf("panic: %v", p)
			}
			rec.FinishCaptureWithError(context.WithoutCancel(ctx), id, fault,
				time.Since(t0), utils.HeapAllocs()-mem)
			panic(p)
		}
	}()

	err = runJobEvents(ctx, rec, job, fn)
	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		rec.FinishCaptureWithError(finishCtx, id, err, time.Since(t0), utils.HeapAllocs()-mem)
		return err
	}
	rec.FinishCapture(finishCtx, id, recorder.ResponseInfo{Status: http.StatusOK},
		time.Since(t0), utils.HeapAllocs()-mem)
	return nil
}

func runJobEvents(ctx context.Context, rec Recorder, job Job, fn func(ctx context.Context) error) error {
	rec.Record(ctx, trace.JobProcessing{
		JobName:    job.Name,
		Queue:      job.Queue,
		Connection: job.Connection,
		Attempts:   job.Attempts,
	})
	t0 := time.Now()
	if err := fn(ctx); err != nil {
		rec.Record(ctx, trace.JobFailed{
			JobName:    job.Name,
			Queue:      job.Queue,
			Connection: job.Connection,
			Exception:  rec.Redactor().ScrubText(err.Error()),
		})
		return err
	}
	rec.Record(ctx, trace.JobProcessed{
		JobName:    job.Name,
		Queue:      job.Queue,
		Connection: job.Connection,
		Duration:   seconds(time.Since(t0)),
	})
	return nil
}
