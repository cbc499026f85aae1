package recorder

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/redact"
	"github.com/PowerDNS/chronotrace/trace"
	"github.com/PowerDNS/chronotrace/utils"
)

// TruncatedMarker ends response content that was cut at the size cap
const TruncatedMarker = "[... truncated]"

// RequestInfo describes an incoming unit of work. It is redacted by
// StartCapture, the caller passes the raw values.
type RequestInfo struct {
	Method    string
	URL       string
	Route     string
	Headers   http.Header
	Query     url.Values
	Input     map[string]any
	Files     []trace.File
	User      map[string]any
	Session   map[string]any
	UserAgent string
	IP        string
}

// ResponseInfo describes the result of a unit of work
type ResponseInfo struct {
	Status  int
	Headers http.Header
	Body    []byte
	// BodyTruncated is set when the caller already cut the body
	BodyTruncated bool
	Cookies       []*http.Cookie
}

// StartCapture opens a new trace and returns its ID. The request snapshot is
// redacted before it is stored in the active trace table. It does no I/O.
func (r *Recorder) StartCapture(req RequestInfo) trace.ID {
	now := r.now()
	id := trace.NewIDAt(now)
	snap := trace.Request{
		Method:    req.Method,
		URL:       r.redactor.ScrubURL(req.URL),
		Route:     req.Route,
		Headers:   emptyIfNil(r.redactor.ScrubHeaders(req.Headers)),
		Query:     emptyIfNil(r.redactor.ScrubFields(redact.ValuesMap(req.Query))),
		Input:     emptyIfNil(r.redactor.ScrubFields(req.Input)),
		Files:     req.Files,
		User:      r.redactor.ScrubFields(req.User),
		Session:   r.redactor.ScrubFields(req.Session),
		UserAgent: req.UserAgent,
		IP:        req.IP,
		Timestamp: trace.UnixSeconds(now),
	}
	if !r.collector.Open(id, now, snap) {
		// Only possible with a broken entropy source
		r.l.WithField("trace_id", id).Error("Duplicate trace ID")
	}
	r.stats.started.Inc()
	metricStarted.Inc()
	return id
}

func emptyIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// FinishCapture closes a trace and stores it if the mode says so. Calling it
// for a trace that is not open is a no-op that returns OutcomeNotActive.
// Storage errors are logged, never returned.
func (r *Recorder) FinishCapture(ctx context.Context, id trace.ID, resp ResponseInfo, duration time.Duration, memDelta int64) Outcome {
	content := r.capContent(string(resp.Body), resp.BodyTruncated)
	snap := trace.Response{
		Status:      resp.Status,
		Headers:     emptyIfNil(r.redactor.ScrubHeaders(resp.Headers)),
		Content:     content,
		Duration:    duration.Seconds(),
		MemoryUsage: memDelta,
		Timestamp:   trace.UnixSeconds(r.now()),
		Cookies:     r.cookies(resp.Cookies),
	}
	return r.finalize(ctx, id, snap, false)
}

// FinishCaptureWithError closes a trace that ended in a fault. The trace is
// always stored, regardless of the mode, with status 500 and a description
// of the fault.
func (r *Recorder) FinishCaptureWithError(ctx context.Context, id trace.ID, fault error, duration time.Duration, memDelta int64) Outcome {
	snap := trace.Response{
		Status:      http.StatusInternalServerError,
		Headers:     map[string]any{},
		Duration:    duration.Seconds(),
		MemoryUsage: memDelta,
		Timestamp:   trace.UnixSeconds(r.now()),
		Exception:   r.redactor.ScrubText(FormatFault(fault)),
	}
	return r.finalize(ctx, id, snap, true)
}

// capContent limits content to max_content_size including the truncation
// marker, and redacts it.
func (r *Recorder) capContent(content string, truncated bool) string {
	limit := int(r.conf.MaxContentSize.Bytes())
	if limit <= 0 {
		return r.redactor.ScrubText(content)
	}
	if truncated || len(content) > limit {
		content = truncate(content, limit)
	}
	content = r.redactor.ScrubText(content)
	if len(content) > limit {
		// Replacements can make the text longer
		content = truncate(content, limit)
	}
	return content
}

func truncate(s string, limit int) string {
	if limit <= len(TruncatedMarker) {
		return utils.TruncateUTF8(s, limit)
	}
	return utils.TruncateUTF8(s, limit-len(TruncatedMarker)) + TruncatedMarker
}

func (r *Recorder) cookies(cookies []*http.Cookie) []trace.Cookie {
	if len(cookies) == 0 {
		return nil
	}
	hideValues := r.redactor.IsSensitive("cookie")
	res := make([]trace.Cookie, 0, len(cookies))
	for _, c := range cookies {
		value := c.Value
		if hideValues || r.redactor.IsSensitive(c.Name) {
			value = redact.Marker
		}
		res = append(res, trace.Cookie{
			Name:     c.Name,
			Value:    value,
			Path:     c.Path,
			Domain:   c.Domain,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return res
}

// shouldStore is the finish time part of the store decision
func (r *Recorder) shouldStore(status int, fault bool) bool {
	if fault {
		return true
	}
	if r.conf.Mode == config.ModeRecordOnError {
		return status >= 500
	}
	// Sample and targeted mode decided in ShouldCapture
	return true
}

func (r *Recorder) finalize(ctx context.Context, id trace.ID, resp trace.Response, fault bool) Outcome {
	closed, ok := r.collector.Close(id)
	if !ok {
		metricFinalized.WithLabelValues(OutcomeNotActive.String()).Inc()
		return OutcomeNotActive
	}
	l := r.l.WithField("trace_id", id)

	info := Finalized{TraceID: id, Status: resp.Status, Fault: fault}
	if !r.shouldStore(resp.Status, fault) {
		info.Outcome = OutcomeDiscarded
		r.publish(info)
		return info.Outcome
	}

	b := &trace.Bundle{
		TraceID:     id,
		Timestamp:   closed.Start.UTC(),
		Environment: r.conf.Environment,
		Request:     closed.Request,
		Response:    resp,
		Context:     r.executionContext(),
		Events:      closed.Events,
		Metadata: map[string]any{
			"mode":        string(r.conf.Mode),
			"fault":       fault,
			"event_count": closed.Events.Len(),
		},
	}
	// The bundle is handed on in its stored form, so that what a consumer
	// receives equals what Retrieve returns later
	nb, err := trace.Normalize(b)
	if err != nil {
		l.WithError(err).Error("Could not encode trace")
		r.stats.failed.Inc()
		info.Outcome = OutcomeFailed
		r.publish(info)
		return info.Outcome
	}
	info.Outcome, info.Path = r.dispatch(ctx, nb, l)
	r.publish(info)
	return info.Outcome
}

// dispatch hands the bundle to the queue or stores it directly
func (r *Recorder) dispatch(ctx context.Context, b *trace.Bundle, l logrus.FieldLogger) (Outcome, string) {
	if r.conf.AsyncStorage && r.dispatcher != nil {
		err := r.dispatcher.Dispatch(ctx, b)
		if err == nil {
			return OutcomeQueued, ""
		}
		if !r.conf.Queue.SyncFallback {
			l.WithError(err).Warn("Could not queue trace, dropping it")
			r.stats.failed.Inc()
			return OutcomeFailed, ""
		}
		l.WithError(err).Warn("Could not queue trace, storing synchronously")
		r.stats.fallback.Inc()
		metricSyncFallback.Inc()
	}
	return r.store(ctx, b, l)
}

func (r *Recorder) store(ctx context.Context, b *trace.Bundle, l logrus.FieldLogger) (Outcome, string) {
	t0 := time.Now()
	p, err := r.st.Store(ctx, b)
	metricStoreDuration.Observe(time.Since(t0).Seconds())
	if err != nil {
		r.health.AddFailure()
		r.stats.failed.Inc()
		l.WithError(err).Error("Could not store trace")
		return OutcomeFailed, ""
	}
	r.health.AddSuccess()
	r.stats.stored.Inc()
	l.WithFields(logrus.Fields{
		"path":   p,
		"status": b.Response.Status,
	}).Debug("Stored trace")
	return OutcomeStored, p
}
