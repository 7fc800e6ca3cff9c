// Package app wires configuration into the services shared by the binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/unclebandit/mailleopard-backend/internal/config"
	"github.com/unclebandit/mailleopard-backend/internal/db"
	"github.com/unclebandit/mailleopard-backend/internal/mailer"
	"github.com/unclebandit/mailleopard-backend/internal/queue"
	"github.com/unclebandit/mailleopard-backend/internal/repository"
	"github.com/unclebandit/mailleopard-backend/internal/service"
	"github.com/unclebandit/mailleopard-backend/internal/storage"
)

const (
	QueueMemory = "memory"
	QueueAMQP   = "amqp"

	MailerSMTP = "smtp"
	MailerLog  = "log"
)

var ErrUnknownDriver = errors.New("app: unknown driver")

// App holds the long-lived components of a process.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *sql.DB
	Queue  queue.Queue

	Logs        *repository.DeliveryLogRepository
	Senders     *service.SenderRegistry
	Attachments *service.AttachmentResolver
	Dispatcher  *service.DispatchService
	Campaigns   *service.CampaignService

	closers []func() error
}

// New connects to the database and the job queue and builds every service.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log}

	conn, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)

	q, err := NewQueue(cfg.Queue, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Queue = q
	if c, ok := q.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.Config

	store, err := storage.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("app: attachment storage: %w", err)
	}
	static, err := config.LoadStaticSenders(cfg.Mail.SendersFile)
	if err != nil {
		return err
	}
	m, err := NewMailer(cfg.Mail, a.Logger)
	if err != nil {
		return err
	}

	a.Logs = &repository.DeliveryLogRepository{DB: a.DB}
	a.Senders = service.NewSenderRegistry(static, cfg.SMTP.DefaultProfile(), &repository.SenderProfileRepository{DB: a.DB}, m, a.Logger)

	a.Attachments = service.NewAttachmentResolver(store,
		cfg.Storage.MaxAttachmentBytes(),
		cfg.Storage.AllowedTypes,
		cfg.Storage.ShareRoots,
		cfg.Storage.RemoteFetchTimeout,
		a.Logger,
	)
	a.Attachments.StagingDir = cfg.Storage.StagingDir
	a.Attachments.LocalRoots = cfg.Storage.LocalRoots
	a.Attachments.RemoteHosts = cfg.Storage.RemoteHosts

	a.Dispatcher = service.NewDispatchService(a.Logs, a.Senders, m, a.Attachments, cfg.Mail.BatchSize, RatePerMinute(cfg.Mail), a.Logger)
	a.Campaigns = service.NewCampaignService(a.Logs, service.NewCsvIngestor(a.Logger), a.Attachments, a.Senders, a.Queue, cfg.Mail.Enabled, cfg.Mail.MaxAttempts, a.Logger)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewQueue builds the job transport selected by QUEUE_DRIVER.
func NewQueue(cfg config.QueueConfig, log *slog.Logger) (queue.Queue, error) {
	opts := queue.Options{
		MaxRetries: cfg.MaxRetries,
		JobTimeout: cfg.JobTimeout,
		Backoff:    queue.LinearBackoff(2 * time.Second),
	}
	switch cfg.Driver {
	case "", QueueMemory:
		return queue.NewInMemoryQueue(opts, log), nil
	case QueueAMQP:
		return queue.DialAMQP(cfg.AMQPURL, opts, log)
	}
	return nil, fmt.Errorf("%w: queue %q", ErrUnknownDriver, cfg.Driver)
}

// NewMailer builds the transport selected by MAIL_DRIVER.
func NewMailer(cfg config.MailConfig, log *slog.Logger) (mailer.Sender, error) {
	switch cfg.Driver {
	case "", MailerSMTP:
		return mailer.NewSMTPSender(cfg.SendTimeout, log), nil
	case MailerLog:
		return mailer.NewLogSender(log), nil
	}
	return nil, fmt.Errorf("%w: mailer %q", ErrUnknownDriver, cfg.Driver)
}

// RatePerMinute returns the dispatch throttle, zero when disabled.
func RatePerMinute(cfg config.MailConfig) int {
	if !cfg.RateLimitEnabled || cfg.RateLimitPerMinute < 0 {
		return 0
	}
	return cfg.RateLimitPerMinute
}
