// Package cleaner periodically removes bundles that exceeded the retention.
package cleaner

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PowerDNS/chronotrace/bundle"
	"github.com/PowerDNS/chronotrace/config"
	"github.com/PowerDNS/chronotrace/utils"
)

// Purger is implemented by bundle.Store
type Purger interface {
	Purge(ctx context.Context, retentionDays int, now time.Time) (bundle.PurgeStats, error)
}

func New(st Purger, cc config.Cleanup, retentionDays int, logger logrus.FieldLogger) *Worker {
	return &Worker{
		st:            st,
		conf:          cc,
		retentionDays: retentionDays,
		l:             logger.WithField("component", "cleaner"),
	}
}

// Worker performs a periodic purge of old bundles
type Worker struct {
	st            Purger
	conf          config.Cleanup
	retentionDays int
	l             logrus.FieldLogger
}

func (w *Worker) Run(ctx context.Context) error {
	if !w.conf.Enabled {
		// If disabled, simply wait for the context to close
		<-ctx.Done()
		return context.Canceled
	}
	for {
		_, err := w.RunOnce(ctx, time.Now())
		if err != nil {
			w.l.WithError(err).Warn("Clean run failed")
		}
		if err = utils.SleepContextPerturb(ctx, w.conf.Interval); err != nil {
			return err
		}
	}
}

// RunOnce purges all bundles older than the retention at the given time
func (w *Worker) RunOnce(ctx context.Context, now time.Time) (bundle.PurgeStats, error) {
	metricRuns.Inc()
	stats, err := w.st.Purge(ctx, w.retentionDays, now)
	if err != nil {
		metricRunsFailed.Inc()
		return stats, err
	}
	metricDeleted.Add(float64(stats.Deleted))
	metricDeleteFailed.Add(float64(stats.Failed))
	metricLastRun.SetToCurrentTime()

	l := w.l.WithFields(logrus.Fields{
		"cleaned":        stats.Deleted,
		"failed":         stats.Failed,
		"total":          stats.Total,
		"retention_days": w.retentionDays,
	})
	if stats.Deleted > 0 || stats.Failed > 0 {
		l.Info("Cleaned expired traces")
	} else {
		l.Debug("Cleaning stats")
	}
	return stats, nil
}
