// Package status serves the Prometheus metrics, a JSON trace listing and a
// human readable status page.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/PowerDNS/chronotrace/bundle"
	"github.com/PowerDNS/chronotrace/config"
)

// DefaultListLimit is the number of traces listed when no limit is given
const DefaultListLimit = 100

func StartHTTPServer(c config.Config) {
	if c.HTTP.Address == "" {
		logrus.Info("HTTP status server disabled")
		return
	}
	logrus.WithField("address", c.HTTP.Address).Info("HTTP status server enabled")
	http.Handle("/metrics", promhttp.Handler())
	http.Handle("/traces", &TracesHandler{})
	http.Handle("/", &Page{
		c: c,
	})
	go func() {
		err := http.ListenAndServe(c.HTTP.Address, nil)
		logrus.Fatalf("HTTP server error: %v", err)
	}()
}

// TracesHandler returns the most recent traces as JSON. The number of
// traces is set with the limit query parameter.
type TracesHandler struct{}

func (h *TracesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	list, err := gi.ListTraces(ctx, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

type Page struct {
	c config.Config
}

const statusTemplateString = `<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<title>ChronoTrace Status</title>
	<style>
		body          { font-family: sans-serif; }
		table, td, th { border: 1px solid #ccc; border-collapse: collapse; }
		td, th        { padding: 5px; text-align: left; }
		td.size       { text-align: right; }
		td.error      { background-color: #ffb8b8; }
		a             { text-decoration: none; color: #3c6ac5; }
	</style>
</head>
<body>
	<h1>ChronoTrace Status</h1>
	<p>
		<a href="/metrics">Prometheus metrics</a> |
		<a href="/traces">Traces (JSON)</a>
	</p>

	<h2>Components</h2>
	{{ range .Stats }}
	<h3>{{ .Name }}</h3>
	<pre>{{ json .Values }}</pre>
	{{ else }}
	<p>None registered</p>
	{{ end }}

	<h2>Recent traces</h2>
	{{ if .TracesErr }}
	<table><tr><td class="error">{{ .TracesErr }}</td></tr></table>
	{{ else }}
	<table>
		<tr><th>Trace ID</th><th>Created</th><th>Size</th><th>Path</th></tr>
		{{ range .Traces }}
		<tr>
			<td>{{ .TraceID }}</td>
			<td>{{ .CreatedAt.UTC.Format "2006-01-02 15:04:05" }}</td>
			<td class="size">{{ size .Size }}</td>
			<td>{{ .Path }}</td>
		</tr>
		{{ end }}
	</table>
	{{ end }}

	<h2>Config</h2>
	<pre>{{ .Config.String }}</pre>

</body>
</html>`

var statusTemplate *htmltemplate.Template

func init() {
	var err error
	statusTemplate, err = htmltemplate.New("status").Funcs(htmltemplate.FuncMap{
		"json": func(v any) string {
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return err.Error()
			}
			return string(data)
		},
		"size": func(n int64) string {
			return datasize.ByteSize(n).HR()
		},
	}).Parse(statusTemplateString)
	if err != nil {
		log.Fatalf("BUG: Error in status HTML template: %v", err)
	}
}

func (p *Page) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	traces, err := gi.ListTraces(ctx, 20)

	data := struct {
		Config    config.Config
		Stats     []Stats
		Traces    []bundle.Summary
		TracesErr error
	}{
		Config:    p.c,
		Stats:     gi.Stats(),
		Traces:    traces,
		TracesErr: err,
	}

	err = statusTemplate.Execute(w, data)
	if err != nil {
		w.WriteHeader(500)
		_, _ = w.Write([]byte(fmt.Sprintf("Template execution error: %v", err)))
	}
}
