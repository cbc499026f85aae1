package observe

import (
	"net/http"
	"time"

	"github.com/PowerDNS/chronotrace/recorder"
	"github.com/PowerDNS/chronotrace/trace"
)

// Transport is an http.RoundTripper that records outgoing requests of
// captured units of work
type Transport struct {
	// Base is the transport that performs the requests,
	// http.DefaultTransport if nil
	Base http.RoundTripper
	Rec  Recorder
}

// NewClient returns a client that records through a Transport
func NewClient(rec Recorder, base *http.Client) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	c.Transport = &Transport{Base: c.Transport, Rec: rec}
	return c
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if _, ok := recorder.TraceIDFromContext(ctx); !ok {
		return t.base().RoundTrip(req)
	}
	red := t.Rec.Redactor()
	u := red.ScrubURL(req.URL.String())

	t.Rec.Record(ctx, trace.HTTPRequestSending{
		Method:   req.Method,
		URL:      u,
		Headers:  red.ScrubHeaders(req.Header),
		BodySize: max(req.ContentLength, 0),
	})

	t0 := time.Now()
	resp, err := t.base().RoundTrip(req)
	if err != nil {
		t.Rec.Record(ctx, trace.HTTPConnectionFailed{
			Method: req.Method,
			URL:    u,
			Error:  red.ScrubText(err.Error()),
		})
		return resp, err
	}
	t.Rec.Record(ctx, trace.HTTPResponseReceived{
		Method:       req.Method,
		URL:          u,
		Status:       resp.StatusCode,
		Headers:      red.ScrubHeaders(resp.Header),
		ResponseSize: max(resp.ContentLength, 0),
		Duration:     seconds(time.Since(t0)),
	})
	return resp, nil
}
