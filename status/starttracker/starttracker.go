// Package starttracker reports a long running process as unhealthy until
// all of its startup steps passed once, like the first storage listing and
// the queue connection of the worker.
package starttracker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wojas/go-healthz"
	"go.uber.org/atomic"
)

type StartTracker struct {
	Config  StartConfig
	mu      sync.Mutex
	pending map[string]bool
	done    atomic.Bool
	since   atomic.Time
	prefix  string
	logger  logrus.FieldLogger
}

// New creates a StartTracker that waits for the given steps. If register is
// set, a check is registered with healthz until all steps passed.
func New(sc StartConfig, prefix string, register bool, steps ...string) *StartTracker {
	st := &StartTracker{
		Config:  sc.Validated(),
		pending: make(map[string]bool, len(steps)),
		prefix:  prefix,
		logger:  logrus.WithField("starttracker", prefix),
	}
	for _, s := range steps {
		st.pending[s] = true
	}
	st.since.Store(time.Now())
	if register {
		st.RegisterTracker()
	}
	return st
}

func (st *StartTracker) trackerName() string {
	return fmt.Sprintf("%s_startup_in_progress", st.prefix)
}

func (st *StartTracker) RegisterTracker() {
	if st.Config.ReportMetadata {
		healthz.SetMeta("startupCompleted", false)
	}

	trackerName := st.trackerName()
	healthz.Register(trackerName, st.Config.EvaluationInterval, func() error {
		if err := st.Check(); err != nil {
			return err
		}
		if st.Config.ReportMetadata {
			healthz.SetMeta("startupCompleted", true)
		}
		st.logger.Info("Startup phase completed successfully")
		// Startup is irrelevant after passing once
		healthz.Deregister(trackerName)
		return nil
	})

	st.logger.Info("Registered tracker for startup phase")
}

// Check returns an error or warning while steps are pending and the
// configured durations have passed
func (st *StartTracker) Check() error {
	pending := st.Pending()
	if len(pending) == 0 || !st.Config.ReportHealthz {
		return nil
	}
	failingFor := time.Since(st.since.Load()).Round(time.Second)
	msg := fmt.Sprintf("startup pending after %s, waiting for: %s",
		failingFor, strings.Join(pending, ", "))
	if failingFor >= st.Config.ErrorDuration {
		return fmt.Errorf("%s", msg)
	}
	if failingFor >= st.Config.WarnDuration {
		return healthz.Warnf("%s", msg)
	}
	return nil
}

// Pass marks a startup step as passed
func (st *StartTracker) Pass(step string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.pending[step] {
		return
	}
	delete(st.pending, step)
	st.logger.WithField("step", step).Debug("Tracked successful startup step")
	if len(st.pending) == 0 {
		st.done.Store(true)
	}
}

// Pending returns the steps that did not pass yet, sorted
func (st *StartTracker) Pending() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var res []string
	for s := range st.pending {
		res = append(res, s)
	}
	sort.Strings(res)
	return res
}

// Done returns true once all steps passed
func (st *StartTracker) Done() bool {
	return st.done.Load() || len(st.Pending()) == 0
}
