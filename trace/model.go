package trace

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Category names an event bucket
type Category string

const (
	CategoryDatabase      Category = "database"
	CategoryCache         Category = "cache"
	CategoryHTTP          Category = "http"
	CategoryMail          Category = "mail"
	CategoryNotifications Category = "notifications"
	CategoryEvents        Category = "events"
	CategoryJobs          Category = "jobs"
	CategoryFilesystem    Category = "filesystem"
)

// Categories lists the known categories. Others are accepted and stored,
// but not interpreted.
var Categories = []Category{
	CategoryDatabase,
	CategoryCache,
	CategoryHTTP,
	CategoryMail,
	CategoryNotifications,
	CategoryEvents,
	CategoryJobs,
	CategoryFilesystem,
}

// Record is a single event as stored in a bundle. It carries at least a
// "type" string and a "timestamp" in floating point UNIX seconds.
type Record map[string]any

// Type returns the "type" field
func (r Record) Type() string {
	s, _ := r["type"].(string)
	return s
}

// Timestamp returns the "timestamp" field. Any numeric type is accepted,
// zero is returned if the field is missing or not a number.
func (r Record) Timestamp() float64 {
	switch v := r["timestamp"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case uint:
		return float64(v)
	case uint64:
		return float64(v)
	case uint32:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// Buckets holds the ordered event records per category
type Buckets map[Category][]Record

// Len returns the total number of records
func (b Buckets) Len() int {
	n := 0
	for _, recs := range b {
		n += len(recs)
	}
	return n
}

// Request is the immutable snapshot of an incoming unit of work
type Request struct {
	Method    string         `json:"method"`
	URL       string         `json:"url"`
	Route     string         `json:"route,omitempty"`
	Headers   map[string]any `json:"headers"`
	Query     map[string]any `json:"query"`
	Input     map[string]any `json:"input"`
	Files     []File         `json:"files,omitempty"`
	User      map[string]any `json:"user,omitempty"`
	Session   map[string]any `json:"session,omitempty"`
	UserAgent string         `json:"user_agent"`
	IP        string         `json:"ip"`
	Timestamp float64        `json:"timestamp"`
}

// File is the metadata of an uploaded file
type File struct {
	Field    string `json:"field"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// Response is the immutable snapshot of the outcome of a unit of work
type Response struct {
	Status      int            `json:"status"`
	Headers     map[string]any `json:"headers"`
	Content     string         `json:"content"`
	Duration    float64        `json:"duration"`     // seconds
	MemoryUsage int64          `json:"memory_usage"` // bytes allocated during the unit of work
	Timestamp   float64        `json:"timestamp"`
	Exception   string         `json:"exception,omitempty"`
	Cookies     []Cookie       `json:"cookies,omitempty"`
}

// Cookie is a cookie set by the response
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"http_only,omitempty"`
}

// Context is the environment metadata captured when a trace is finalized
type Context struct {
	AppVersion string            `json:"app_version"`
	GoVersion  string            `json:"go_version"`
	Config     map[string]any    `json:"config"`
	EnvVars    map[string]any    `json:"env_vars"`
	GitCommit  string            `json:"git_commit"`
	GitBranch  string            `json:"git_branch"`
	Components []string          `json:"components,omitempty"`
	BuildInfo  map[string]string `json:"build_info,omitempty"`
}

// Bundle is a completed trace. It is immutable once stored.
type Bundle struct {
	TraceID     ID             `json:"trace_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Environment string         `json:"environment"`
	Request     Request        `json:"request"`
	Response    Response       `json:"response"`
	Context     Context        `json:"context"`
	Events      Buckets        `json:"captured_data"`
	Metadata    map[string]any `json:"metadata"`
}

// Normalize returns a copy of b in exactly the form it has after it has been
// stored and read back: numbers in generic maps become float64, lists become
// []any and empty optional fields become nil.
func Normalize(b *Bundle) (*Bundle, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, errors.Wrap(err, "encode bundle")
	}
	var res Bundle
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrap(err, "decode bundle")
	}
	return &res, nil
}

// Category returns the records of one category
func (b *Bundle) Category(c Category) []Record {
	return b.Events[c]
}

// UnixSeconds converts a time to floating point UNIX seconds, the unit used
// for all timestamps inside a trace.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds is the inverse of UnixSeconds, with microsecond precision
func FromUnixSeconds(f float64) time.Time {
	return time.UnixMicro(int64(f * 1e6)).UTC()
}
