package middleware

import (
	"bufio"
	"net"
	"net/http"

	"github.com/pkg/errors"

	"github.com/PowerDNS/chronotrace/recorder"
	"github.com/PowerDNS/chronotrace/utils"
)

// HTTP returns a net/http middleware that captures requests
func HTTP(rec *recorder.Recorder, opt Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := r.URL.Path
			if opt.Route != nil {
				if rt := opt.Route(r); rt != "" {
					route = rt
				}
			}
			if !rec.ShouldCapture(recorder.Unit{Kind: recorder.UnitRequest, Name: route}) {
				next.ServeHTTP(w, r)
				return
			}

			r, u := begin(rec, r, route, remoteIP(r), opt)
			w.Header().Set(RequestIDHeader, r.Header.Get(RequestIDHeader))
			rw := &responseWriter{
				ResponseWriter: w,
				body:           utils.NewCappedBuffer(int(rec.Config().MaxContentSize.Bytes())),
			}
			defer func() {
				if p := recover(); p != nil {
					u.fail(r.Context(), panicError(p))
					panic(p)
				}
			}()
			next.ServeHTTP(rw, r)
			u.finish(r.Context(), rw.Status(), w.Header(), rw.body)
		})
	}
}

// responseWriter keeps a copy of the response body up to the content cap
type responseWriter struct {
	http.ResponseWriter
	status int
	body   *utils.CappedBuffer
}

func (w *responseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	_, _ = w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

// Status returns the response status, 200 if nothing was written
func (w *responseWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap is used by http.ResponseController
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
