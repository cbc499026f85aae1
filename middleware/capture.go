// Package middleware marks the boundaries of a unit of work for HTTP
// servers. It decides whether a request is captured, snapshots the request
// and response, and makes the trace ID available to observers through the
// request context.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/PowerDNS/chronotrace/recorder"
	"github.com/PowerDNS/chronotrace/redact"
	"github.com/PowerDNS/chronotrace/trace"
	"github.com/PowerDNS/chronotrace/utils"
)

// RequestIDHeader is set on requests and responses for correlation
const RequestIDHeader = "X-Request-ID"

// Options configure the middleware
type Options struct {
	// User returns the authenticated user of a request, if any
	User func(r *http.Request) map[string]any
	// Session returns session data of a request, if any
	Session func(r *http.Request) map[string]any
	// Route returns the route pattern used for targeted mode. The URL path
	// is used if not set or if it returns an empty string.
	Route func(r *http.Request) string
}

// unit is one captured request
type unit struct {
	rec   *recorder.Recorder
	id    trace.ID
	start time.Time
	mem   int64
}

// begin snapshots the request and opens a trace. The returned request
// carries the trace ID in its context and has its body restored.
func begin(rec *recorder.Recorder, r *http.Request, route, ip string, opt Options) (*http.Request, *unit) {
	if r.Header.Get(RequestIDHeader) == "" {
		r.Header.Set(RequestIDHeader, uuid.New().String())
	}
	limit := int(rec.Config().MaxContentSize.Bytes())
	input, files := readInput(r, limit)

	info := recorder.RequestInfo{
		Method:    r.Method,
		URL:       fullURL(r),
		Route:     route,
		Headers:   r.Header,
		Query:     r.URL.Query(),
		Input:     input,
		Files:     files,
		UserAgent: r.UserAgent(),
		IP:        ip,
	}
	if opt.User != nil {
		info.User = opt.User(r)
	}
	if opt.Session != nil {
		info.Session = opt.Session(r)
	}

	u := &unit{
		rec:   rec,
		start: time.Now(),
		mem:   utils.HeapAllocs(),
	}
	u.id = rec.StartCapture(info)
	r = r.WithContext(recorder.WithTraceID(r.Context(), u.id))
	return r, u
}

// finish closes the trace with the captured response. Storing must not be
// aborted by a client that went away, so the cancellation of the request
// context is dropped.
func (u *unit) finish(ctx context.Context, status int, header http.Header, body *utils.CappedBuffer) recorder.Outcome {
	resp := recorder.ResponseInfo{
		Status:        status,
		Headers:       header,
		Body:          body.Bytes(),
		BodyTruncated: body.Truncated(),
		Cookies:       (&http.Response{Header: header}).Cookies(),
	}
	return u.rec.FinishCapture(context.WithoutCancel(ctx), u.id, resp,
		time.Since(u.start), utils.HeapAllocs()-u.mem)
}

// fail closes the trace with a fault
func (u *unit) fail(ctx context.Context, fault error) recorder.Outcome {
	return u.rec.FinishCaptureWithError(context.WithoutCancel(ctx), u.id, fault,
		time.Since(u.start), utils.HeapAllocs()-u.mem)
}

// panicError turns a recovered value into an error with a stack trace
func panicError(p any) error {
	if err, ok := p.(error); ok {
		return errors.WithStack(err)
	}
	return errors.Errorf("panic: %v", p)
}

func fullURL(r *http.Request) string {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return u.String()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readInput decodes the request body into the input map and restores the
// body for the handler. Bodies larger than limit are passed through without
// being decoded.
func readInput(r *http.Request, limit int) (map[string]any, []trace.File) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
	r.Body = readCloser{
		Reader: io.MultiReader(bytes.NewReader(data), r.Body),
		Closer: r.Body,
	}
	if err != nil || len(data) == 0 || len(data) > limit {
		return nil, nil
	}

	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, nil
		}
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"body": v}, nil
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return nil, nil
		}
		return redact.ValuesMap(values), nil
	case mediaType == "multipart/form-data":
		return readMultipart(data, params["boundary"], limit)
	}
	return nil, nil
}

// readMultipart collects form values and the metadata of uploaded files.
// File contents are not kept.
func readMultipart(data []byte, boundary string, limit int) (map[string]any, []trace.File) {
	if boundary == "" {
		return nil, nil
	}
	values := url.Values{}
	var files []trace.File
	mr := multipart.NewReader(bytes.NewReader(data), boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		if name := part.FileName(); name != "" {
			n, _ := io.Copy(io.Discard, part)
			files = append(files, trace.File{
				Field:    part.FormName(),
				Name:     name,
				Size:     n,
				MimeType: part.Header.Get("Content-Type"),
			})
			continue
		}
		v, _ := io.ReadAll(io.LimitReader(part, int64(limit)))
		values.Add(part.FormName(), string(v))
	}
	return redact.ValuesMap(values), files
}

type readCloser struct {
	io.Reader
	io.Closer
}
