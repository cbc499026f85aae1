// Package healthtracker turns consecutive failures of an activity into healthz
// checks, like the writes of trace bundles to storage.
package healthtracker

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wojas/go-healthz"
	"go.uber.org/atomic"
)

// Level is the evaluated health of a tracked activity
type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warning"
	default:
		return "error"
	}
}

type HealthTracker struct {
	Config   HealthConfig
	sequence atomic.Uint32
	since    atomic.Time
	prefix   string
	activity string
	logger   logrus.FieldLogger
}

// New creates a HealthTracker. If register is set, the failed_attempts and
// failed_duration checks are registered with healthz. These names are global,
// so only one tracker per prefix can be registered in a process.
func New(hc HealthConfig, prefix, activity string, register bool) *HealthTracker {
	ht := &HealthTracker{
		Config:   hc.Validated(),
		prefix:   prefix,
		activity: activity,
		logger:   logrus.WithField("healthtracker", prefix),
	}
	if register {
		ht.register()
	}
	return ht
}

func (ht *HealthTracker) register() {
	healthz.Register(fmt.Sprintf("%s_failed_attempts", ht.prefix), ht.Config.EvaluationInterval, func() error {
		return ht.toHealthz(ht.evaluateSequence())
	})
	healthz.Register(fmt.Sprintf("%s_failed_duration", ht.prefix), ht.Config.EvaluationInterval, func() error {
		return ht.toHealthz(ht.evaluateDuration(time.Now()))
	})
	ht.logger.Info("registered health trackers")
}

func (ht *HealthTracker) toHealthz(level Level, msg string) error {
	switch level {
	case LevelError:
		ht.logger.Warnf("%s, violating the error threshold", msg)
		return fmt.Errorf("%s", msg)
	case LevelWarn:
		ht.logger.Warnf("%s, violating the warning threshold", msg)
		return healthz.Warnf("%s", msg)
	}
	return nil
}

func (ht *HealthTracker) evaluateSequence() (Level, string) {
	fails := ht.sequence.Load()
	msg := fmt.Sprintf("failed to %s %d consecutive times", ht.activity, fails)
	switch {
	case fails == 0:
		return LevelOK, ""
	case ht.Config.ErrorSequence > 0 && fails >= ht.Config.ErrorSequence:
		return LevelError, msg
	case fails >= ht.Config.WarnSequence:
		return LevelWarn, msg
	}
	return LevelOK, ""
}

func (ht *HealthTracker) evaluateDuration(now time.Time) (Level, string) {
	if ht.sequence.Load() == 0 {
		return LevelOK, ""
	}
	failingFor := now.Sub(ht.since.Load())
	msg := fmt.Sprintf("failed to %s for %s", ht.activity, failingFor.Round(time.Second))
	switch {
	case failingFor >= ht.Config.ErrorDuration:
		return LevelError, msg
	case failingFor >= ht.Config.WarnDuration:
		return LevelWarn, msg
	}
	return LevelOK, ""
}

// State returns the worst of the sequence and duration evaluations
func (ht *HealthTracker) State(now time.Time) (Level, string) {
	l1, m1 := ht.evaluateSequence()
	l2, m2 := ht.evaluateDuration(now)
	if l2 > l1 {
		return l2, m2
	}
	return l1, m1
}

// Failures returns the number of consecutive failures
func (ht *HealthTracker) Failures() uint32 {
	return ht.sequence.Load()
}

func (ht *HealthTracker) AddFailure() {
	if ht.sequence.Load() == 0 {
		ht.since.Store(time.Now())
	}
	n := ht.sequence.Inc()
	ht.logger.Debugf("incremented consecutive failures to %d", n)
}

func (ht *HealthTracker) AddSuccess() {
	if ht.sequence.Swap(0) > 0 {
		ht.logger.Info("recovered after failures")
	}
}
