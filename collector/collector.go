// Package collector implements the table of active traces and the per-trace
// event buckets that observers append to while a unit of work runs.
package collector

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PowerDNS/chronotrace/trace"
	"github.com/PowerDNS/chronotrace/utils"
)

const numShards = 32

// Entry is one open trace. Its request snapshot is set once at Open and
// never changed, the buckets are only changed through Collector.Append.
type Entry struct {
	ID      trace.ID
	Start   time.Time // includes the monotonic clock reading
	Request trace.Request

	mu      sync.Mutex
	closed  bool
	buckets trace.Buckets
	last    float64
}

// clock returns the current time in UNIX seconds, derived from the monotonic
// clock so that it never goes backwards within a trace.
func (e *Entry) clock() float64 {
	return trace.UnixSeconds(e.Start) + time.Since(e.Start).Seconds()
}

type shard struct {
	mu      utils.MonitoredMutex
	entries map[trace.ID]*Entry
}

// Collector holds all active traces. It is safe for concurrent use.
// Traces are spread over shards by ID, so that unrelated traces rarely
// contend on the same lock.
type Collector struct {
	shards [numShards]*shard
	l      logrus.FieldLogger
}

// New creates a Collector
func New(logger logrus.FieldLogger) *Collector {
	l := logger.WithField("component", "collector")
	c := &Collector{l: l}
	for i := range c.shards {
		c.shards[i] = &shard{
			mu: utils.MonitoredMutex{
				Logger: l,
				Name:   "collector shard",
			},
			entries: make(map[trace.ID]*Entry),
		}
	}
	return c
}

func (c *Collector) shard(id trace.ID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return c.shards[h.Sum32()%numShards]
}

// Open registers a new active trace. It returns false if the ID is already
// active, in which case the existing trace is left alone.
func (c *Collector) Open(id trace.ID, start time.Time, req trace.Request) bool {
	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return false
	}
	s.entries[id] = &Entry{
		ID:      id,
		Start:   start,
		Request: req,
		buckets: make(trace.Buckets),
	}
	metricActive.Inc()
	return true
}

// Active returns if the trace is currently open
func (c *Collector) Active(id trace.ID) bool {
	s := c.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.entries[id]
	return exists
}

// Append adds a record to the category of an open trace. Records for traces
// that are not active are dropped silently and false is returned.
// The record is copied. A missing type is set to "unknown" and a missing
// timestamp is taken from the trace clock. Records within a category keep
// the order in which Append was called.
func (c *Collector) Append(id trace.ID, category trace.Category, rec trace.Record) bool {
	s := c.shard(id)
	s.mu.Lock()
	e := s.entries[id]
	s.mu.Unlock()
	if e == nil {
		metricDropped.Inc()
		return false
	}

	r := make(trace.Record, len(rec)+2)
	for k, v := range rec {
		r[k] = v
	}
	if r.Type() == "" {
		r["type"] = "unknown"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		// Lost the race against Close
		metricDropped.Inc()
		return false
	}
	ts := r.Timestamp()
	if ts == 0 {
		ts = e.clock()
		if ts < e.last {
			ts = e.last
		}
	}
	// Stored as float64 whatever numeric type the caller used
	r["timestamp"] = ts
	if ts > e.last {
		e.last = ts
	}
	e.buckets[category] = append(e.buckets[category], r)
	metricAppended.WithLabelValues(string(category)).Inc()
	return true
}

// Closed is the final state of a trace removed from the table
type Closed struct {
	ID      trace.ID
	Start   time.Time
	Request trace.Request
	Events  trace.Buckets
}

// Close removes a trace from the table and returns its final state.
// It returns false if the trace was not active, which makes finalizing a
// trace twice a no-op.
func (c *Collector) Close(id trace.ID) (Closed, bool) {
	s := c.shard(id)
	s.mu.Lock()
	e, exists := s.entries[id]
	if exists {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !exists {
		return Closed{}, false
	}
	metricActive.Dec()
	return e.close(), true
}

func (e *Entry) close() Closed {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return Closed{
		ID:      e.ID,
		Start:   e.Start,
		Request: e.Request,
		Events:  e.buckets,
	}
}

// Expire removes all traces that were opened before the cutoff and returns
// their IDs.
func (c *Collector) Expire(cutoff time.Time) []trace.ID {
	var expired []*Entry
	for _, s := range c.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if e.Start.Before(cutoff) {
				expired = append(expired, e)
				delete(s.entries, id)
			}
		}
		s.mu.Unlock()
	}
	ids := make([]trace.ID, 0, len(expired))
	for _, e := range expired {
		e.close()
		ids = append(ids, e.ID)
	}
	metricActive.Sub(float64(len(expired)))
	metricExpired.Add(float64(len(expired)))
	return ids
}

// Len returns the number of active traces
func (c *Collector) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
