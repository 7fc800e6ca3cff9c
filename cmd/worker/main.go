// cmd/worker/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/mailleopard-backend/internal/app"
	"github.com/unclebandit/mailleopard-backend/internal/config"
	"github.com/unclebandit/mailleopard-backend/internal/logger"
	"github.com/unclebandit/mailleopard-backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	log := logger.New(cfg.LogFormat, cfg.LogLevel, logger.Default()...)

	if cfg.Queue.Driver != app.QueueAMQP {
		log.Warn("worker is running with a non-shared queue; only jobs published by this process are consumed",
			slog.String("driver", cfg.Queue.Driver))
	}

	if err := run(cfg, log); err != nil {
		log.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := service.NewWorker(a.Dispatcher, a.Queue, log).Start(); err != nil {
		return err
	}

	scheduler := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)))
	if err := schedulePurge(scheduler, cfg.Mail.PurgeSchedule, cfg.Mail.LogRetention, a.Campaigns.Purge, log); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start()
		log.Info("worker running, waiting for jobs...")
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	return g.Wait()
}

type purgeFunc func(ctx context.Context, userID *int64, olderThan time.Duration) (int64, error)

// schedulePurge registers the delivery log retention job. A zero retention
// disables it.
func schedulePurge(c *cron.Cron, schedule string, retention time.Duration, purge purgeFunc, log *slog.Logger) error {
	if retention <= 0 {
		log.Info("delivery log retention disabled")
		return nil
	}
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := purge(ctx, nil, retention); err != nil {
			log.Error("scheduled purge failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return err
	}
	log.Info("delivery log purge scheduled", slog.String("schedule", schedule), slog.Duration("retention", retention))
	return nil
}
