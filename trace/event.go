package trace

import (
	"encoding/json"
	"fmt"
)

// Event is a typed event record. The set of implementations is closed, with
// Unknown covering records this version does not interpret.
type Event interface {
	Category() Category
	EventType() string
	isEvent()
}

// At holds the timestamp shared by all events. A zero value is filled in by
// the collector from the per-trace clock.
type At struct {
	Timestamp float64 `json:"timestamp"`
}

func (At) isEvent() {}

// Database events

type Query struct {
	At
	SQL        string  `json:"sql"`
	Bindings   []any   `json:"bindings"`
	Time       float64 `json:"time"` // milliseconds
	Connection string  `json:"connection"`
	Rows       int64   `json:"rows,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type TransactionBegin struct {
	At
	Connection string `json:"connection"`
}

type TransactionCommit struct {
	At
	Connection string `json:"connection"`
}

type TransactionRollback struct {
	At
	Connection string `json:"connection"`
}

// Cache events

type CacheHit struct {
	At
	Key       string `json:"key"`
	ValueSize int    `json:"value_size"`
	Store     string `json:"store"`
}

type CacheMiss struct {
	At
	Key   string `json:"key"`
	Store string `json:"store"`
}

type CacheWrite struct {
	At
	Key       string  `json:"key"`
	ValueSize int     `json:"value_size"`
	TTL       float64 `json:"ttl,omitempty"` // seconds
	Store     string  `json:"store"`
}

type CacheForget struct {
	At
	Key   string `json:"key"`
	Store string `json:"store"`
}

// HTTP client events

type HTTPRequestSending struct {
	At
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Headers  map[string]any `json:"headers"`
	BodySize int64          `json:"body_size"`
}

type HTTPResponseReceived struct {
	At
	Method       string         `json:"method"`
	URL          string         `json:"url"`
	Status       int            `json:"status"`
	Headers      map[string]any `json:"headers"`
	ResponseSize int64          `json:"response_size"`
	Duration     float64        `json:"duration"` // seconds
}

type HTTPConnectionFailed struct {
	At
	Method string `json:"method"`
	URL    string `json:"url"`
	Error  string `json:"error"`
}

// Job events

type JobProcessing struct {
	At
	JobName    string `json:"job_name"`
	Queue      string `json:"queue"`
	Connection string `json:"connection"`
	Attempts   int    `json:"attempts"`
}

type JobProcessed struct {
	At
	JobName    string  `json:"job_name"`
	Queue      string  `json:"queue"`
	Connection string  `json:"connection"`
	Duration   float64 `json:"duration"` // seconds
}

type JobFailed struct {
	At
	JobName    string `json:"job_name"`
	Queue      string `json:"queue"`
	Connection string `json:"connection"`
	Exception  string `json:"exception"`
}

// Other categories

type MailSent struct {
	At
	Mailer  string   `json:"mailer"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
}

type NotificationSent struct {
	At
	Channel      string `json:"channel"`
	Notifiable   string `json:"notifiable"`
	Notification string `json:"notification"`
}

type FileOperation struct {
	At
	Operation string `json:"operation"` // read, write or delete
	Disk      string `json:"disk"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
}

type Custom struct {
	At
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Unknown is any record that does not decode into a known event
type Unknown struct {
	Cat    Category
	Record Record
}

func (e Query) Category() Category                { return CategoryDatabase }
func (e TransactionBegin) Category() Category     { return CategoryDatabase }
func (e TransactionCommit) Category() Category    { return CategoryDatabase }
func (e TransactionRollback) Category() Category  { return CategoryDatabase }
func (e CacheHit) Category() Category             { return CategoryCache }
func (e CacheMiss) Category() Category            { return CategoryCache }
func (e CacheWrite) Category() Category           { return CategoryCache }
func (e CacheForget) Category() Category          { return CategoryCache }
func (e HTTPRequestSending) Category() Category   { return CategoryHTTP }
func (e HTTPResponseReceived) Category() Category { return CategoryHTTP }
func (e HTTPConnectionFailed) Category() Category { return CategoryHTTP }
func (e JobProcessing) Category() Category        { return CategoryJobs }
func (e JobProcessed) Category() Category         { return CategoryJobs }
func (e JobFailed) Category() Category            { return CategoryJobs }
func (e MailSent) Category() Category             { return CategoryMail }
func (e NotificationSent) Category() Category     { return CategoryNotifications }
func (e FileOperation) Category() Category        { return CategoryFilesystem }
func (e Custom) Category() Category               { return CategoryEvents }
func (e Unknown) Category() Category              { return e.Cat }

func (e Query) EventType() string                { return "query" }
func (e TransactionBegin) EventType() string     { return "transaction_begin" }
func (e TransactionCommit) EventType() string    { return "transaction_commit" }
func (e TransactionRollback) EventType() string  { return "transaction_rollback" }
func (e CacheHit) EventType() string             { return "hit" }
func (e CacheMiss) EventType() string            { return "miss" }
func (e CacheWrite) EventType() string           { return "write" }
func (e CacheForget) EventType() string          { return "forget" }
func (e HTTPRequestSending) EventType() string   { return "request_sending" }
func (e HTTPResponseReceived) EventType() string { return "response_received" }
func (e HTTPConnectionFailed) EventType() string { return "connection_failed" }
func (e JobProcessing) EventType() string        { return "job_processing" }
func (e JobProcessed) EventType() string         { return "job_processed" }
func (e JobFailed) EventType() string            { return "job_failed" }
func (e MailSent) EventType() string             { return "sent" }
func (e NotificationSent) EventType() string     { return "sent" }
func (e FileOperation) EventType() string        { return e.Operation }
func (e Custom) EventType() string               { return "custom" }
func (e Unknown) EventType() string              { return e.Record.Type() }

func (Unknown) isEvent() {}

// ToRecord converts an event to its stored form, adding the "type" field
func ToRecord(ev Event) (Record, error) {
	if u, ok := ev.(Unknown); ok {
		rec := make(Record, len(u.Record))
		for k, v := range u.Record {
			rec[k] = v
		}
		return rec, nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	rec["type"] = ev.EventType()
	return rec, nil
}

// DecodeEvent converts a stored record back into a typed event. Records
// that are not recognized, or that fail to decode, become Unknown.
func DecodeEvent(c Category, rec Record) Event {
	ev := newEvent(c, rec.Type())
	if ev == nil {
		return Unknown{Cat: c, Record: rec}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Unknown{Cat: c, Record: rec}
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return Unknown{Cat: c, Record: rec}
	}
	return derefEvent(ev)
}

func newEvent(c Category, typ string) any {
	switch c {
	case CategoryDatabase:
		switch typ {
		case "query":
			return &Query{}
		case "transaction_begin":
			return &TransactionBegin{}
		case "transaction_commit":
			return &TransactionCommit{}
		case "transaction_rollback":
			return &TransactionRollback{}
		}
	case CategoryCache:
		switch typ {
		case "hit":
			return &CacheHit{}
		case "miss":
			return &CacheMiss{}
		case "write":
			return &CacheWrite{}
		case "forget":
			return &CacheForget{}
		}
	case CategoryHTTP:
		switch typ {
		case "request_sending":
			return &HTTPRequestSending{}
		case "response_received":
			return &HTTPResponseReceived{}
		case "connection_failed":
			return &HTTPConnectionFailed{}
		}
	case CategoryJobs:
		switch typ {
		case "job_processing":
			return &JobProcessing{}
		case "job_processed":
			return &JobProcessed{}
		case "job_failed":
			return &JobFailed{}
		}
	case CategoryMail:
		if typ == "sent" {
			return &MailSent{}
		}
	case CategoryNotifications:
		if typ == "sent" {
			return &NotificationSent{}
		}
	case CategoryFilesystem:
		switch typ {
		case "read", "write", "delete":
			return &FileOperation{}
		}
	case CategoryEvents:
		if typ == "custom" {
			return &Custom{}
		}
	}
	return nil
}

func derefEvent(v any) Event {
	switch e := v.(type) {
	case *Query:
		return *e
	case *TransactionBegin:
		return *e
	case *TransactionCommit:
		return *e
	case *TransactionRollback:
		return *e
	case *CacheHit:
		return *e
	case *CacheMiss:
		return *e
	case *CacheWrite:
		return *e
	case *CacheForget:
		return *e
	case *HTTPRequestSending:
		return *e
	case *HTTPResponseReceived:
		return *e
	case *HTTPConnectionFailed:
		return *e
	case *JobProcessing:
		return *e
	case *JobProcessed:
		return *e
	case *JobFailed:
		return *e
	case *MailSent:
		return *e
	case *NotificationSent:
		return *e
	case *FileOperation:
		return *e
	case *Custom:
		return *e
	}
	panic(fmt.Sprintf("unhandled event type %T", v))
}
