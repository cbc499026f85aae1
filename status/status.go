package status

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/PowerDNS/chronotrace/bundle"
)

// TraceLister lists stored traces, it is implemented by bundle.Store
type TraceLister interface {
	List(ctx context.Context) ([]bundle.Summary, error)
}

type info struct {
	mu    sync.Mutex
	store TraceLister
	stats map[string]func() any
}

// Stats are the counters of one component
type Stats struct {
	Name   string
	Values any
}

var gi = info{stats: make(map[string]func() any)}

func (i *info) ListTraces(ctx context.Context, limit int) ([]bundle.Summary, error) {
	i.mu.Lock()
	st := i.store
	i.mu.Unlock()
	if st == nil {
		return nil, errors.New("no trace store registered with status page")
	}
	list, err := st.List(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (i *info) Stats() []Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	res := make([]Stats, 0, len(i.stats))
	for name, fn := range i.stats {
		res = append(res, Stats{Name: name, Values: fn()})
	}
	sort.Slice(res, func(a, b int) bool {
		return res[a].Name < res[b].Name
	})
	return res
}

// SetTraceStore registers the trace store with the status page
func SetTraceStore(st TraceLister) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.store = st
}

// AddStats registers a function that returns the counters of a component,
// like the recorder or a queue
func AddStats(name string, fn func() any) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.stats[name] = fn
}

// RemoveStats removes a registered stats function
func RemoveStats(name string) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	delete(gi.stats, name)
}
