package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PowerDNS/chronotrace/bundle"
	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/trace"
)

type fakeLister struct {
	list []bundle.Summary
	err  error
}

func (f *fakeLister) List(ctx context.Context) ([]bundle.Summary, error) {
	return f.list, f.err
}

func testSummaries(n int) []bundle.Summary {
	var res []bundle.Summary
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := trace.NewIDAt(now.Add(-time.Duration(i) * time.Hour))
		res = append(res, bundle.Summary{
			TraceID:   id,
			Path:      "traces/2024-05-06/" + string(id) + ".zip",
			Size:      2048,
			CreatedAt: now,
		})
	}
	return res
}

func TestTracesHandler(t *testing.T) {
	defer SetTraceStore(nil)

	tests := []struct {
		name       string
		lister     TraceLister
		query      string
		wantStatus int
		wantLen    int
	}{
		{"no-store", nil, "", http.StatusInternalServerError, 0},
		{"default-limit", &fakeLister{list: testSummaries(3)}, "", http.StatusOK, 3},
		{"limit", &fakeLister{list: testSummaries(3)}, "?limit=2", http.StatusOK, 2},
		{"bad-limit", &fakeLister{list: testSummaries(3)}, "?limit=x", http.StatusBadRequest, 0},
		{"list-error", &fakeLister{err: errors.New("backend down")}, "", http.StatusInternalServerError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetTraceStore(tt.lister)
			w := httptest.NewRecorder()
			(&TracesHandler{}).ServeHTTP(w, httptest.NewRequest("GET", "/traces"+tt.query, nil))
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got []bundle.Summary
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Len(t, got, tt.wantLen)
		})
	}
}

func TestPage(t *testing.T) {
	defer SetTraceStore(nil)
	defer RemoveStats("recorder")

	list := testSummaries(1)
	SetTraceStore(&fakeLister{list: list})
	AddStats("recorder", func() any {
		return map[string]uint64{"stored": 42}
	})

	p := &Page{c: config.Default()}
	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, string(list[0].TraceID))
	assert.Contains(t, body, "2.0 KB")
	assert.Contains(t, body, `&#34;stored&#34;: 42`)
	assert.Contains(t, body, "record_on_error")

	w = httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "/other", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
