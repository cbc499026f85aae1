package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wojas/go-healthz"
	"golang.org/x/sync/errgroup"

	"github.com/PowerDNS/chronotrace/bundle/cleaner"
	"github.com/PowerDNS/chronotrace/queue/redisqueue"
	"github.com/PowerDNS/chronotrace/status"
	"github.com/PowerDNS/chronotrace/status/starttracker"
	"github.com/PowerDNS/chronotrace/utils"
)

func init() {
	rootCmd.AddCommand(workerCmd)
}

const (
	stepStorage = "storage"
	stepQueue   = "queue"
)

func runWorker() error {
	ctx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startup := starttracker.New(conf.Health.Startup, "worker", true, stepStorage, stepQueue)

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	logrus.WithField("storage_type", conf.Storage.Type).Info("Storage backend initialised")
	status.SetTraceStore(s)

	healthz.AddBuildInfo()
	if hostname, err := os.Hostname(); err == nil {
		healthz.SetMeta("hostname", hostname)
	}
	healthz.SetMeta("version", version)
	status.StartHTTPServer(conf)

	eg, ctx := errgroup.WithContext(ctx)

	// Check once that the storage can be listed, retrying until it works
	eg.Go(func() error {
		for {
			_, err := s.List(ctx)
			if err == nil {
				startup.Pass(stepStorage)
				return nil
			}
			logrus.WithError(err).Warn("Storage not available yet")
			if err := utils.SleepContextPerturb(ctx, conf.Health.Startup.EvaluationInterval); err != nil {
				return err
			}
		}
	})

	eg.Go(func() error {
		return cleaner.New(s, conf.Cleanup, conf.RetentionDays, logrus.StandardLogger()).Run(ctx)
	})

	if conf.Queue.Type == "redis" {
		rq, err := redisqueue.New(ctx, conf.Queue, logrus.StandardLogger())
		if err != nil {
			return err
		}
		defer func() {
			if err := rq.Close(); err != nil {
				logrus.WithError(err).Error("Redis close failed")
			}
		}()
		startup.Pass(stepQueue)
		status.AddStats("redisqueue", func() any { return rq.Stats() })
		eg.Go(func() error {
			return rq.Consume(ctx, s)
		})
	} else {
		logrus.WithField("queue_type", conf.Queue.Type).Warn(
			"The in-process queue is consumed by the application itself, " +
				"only running the cleaner and status server")
		startup.Pass(stepQueue)
	}

	logrus.Info("Worker running")
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		logrus.Info("Worker stopped")
		return nil
	}
	return err
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Store traces queued in Redis, purge old traces and serve the status page",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runWorker(); err != nil {
			logrus.WithError(err).Fatal("Error")
		}
	},
}
