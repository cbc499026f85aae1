package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/PowerDNS/chronotrace/recorder"
	"github.com/PowerDNS/chronotrace/utils"
)

// ContextTraceID is the gin context key holding the trace ID of a captured
// request
const ContextTraceID = "chronotrace_trace_id"

// Gin returns a gin middleware that captures requests. The route used for
// targeted mode is the matched route pattern, like /users/:id.
func Gin(rec *recorder.Recorder, opt Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if opt.Route != nil {
			if rt := opt.Route(c.Request); rt != "" {
				route = rt
			}
		}
		if route == "" {
			route = c.Request.URL.Path
		}
		if !rec.ShouldCapture(recorder.Unit{Kind: recorder.UnitRequest, Name: route}) {
			c.Next()
			return
		}

		r, u := begin(rec, c.Request, route, c.ClientIP(), opt)
		c.Request = r
		c.Set(ContextTraceID, u.id)
		c.Header(RequestIDHeader, r.Header.Get(RequestIDHeader))

		bw := &bodyWriter{
			ResponseWriter: c.Writer,
			body:           utils.NewCappedBuffer(int(rec.Config().MaxContentSize.Bytes())),
		}
		c.Writer = bw

		defer func() {
			if p := recover(); p != nil {
				u.fail(r.Context(), panicError(p))
				panic(p)
			}
		}()
		c.Next()

		// Errors attached by handlers that answered with a server error are
		// faults
		if c.Writer.Status() >= 500 && len(c.Errors) > 0 {
			u.fail(r.Context(), c.Errors.Last().Err)
			return
		}
		u.finish(r.Context(), c.Writer.Status(), c.Writer.Header(), bw.body)
	}
}

// bodyWriter keeps a copy of the response body up to the content cap
type bodyWriter struct {
	gin.ResponseWriter
	body *utils.CappedBuffer
}

func (w *bodyWriter) Write(b []byte) (int, error) {
	_, _ = w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyWriter) WriteString(s string) (int, error) {
	_, _ = w.body.Write([]byte(s))
	return w.ResponseWriter.WriteString(s)
}
