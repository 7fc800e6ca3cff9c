package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
	"github.com/unclebandit/mailleopard-backend/internal/queue"
)

// Worker processes dispatch and retry jobs from the queue.
type Worker struct {
	Dispatcher *DispatchService
	Queue      queue.Queue
	Logger     *slog.Logger
}

// Constructor
func NewWorker(d *DispatchService, q queue.Queue, log *slog.Logger) *Worker {
	return &Worker{Dispatcher: d, Queue: q, Logger: log}
}

// Start subscribes the worker to its topics.
func (w *Worker) Start() error {
	if err := w.Queue.Subscribe(queue.TopicCampaignSends, w.HandleDispatch); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue.TopicCampaignSends, err)
	}
	if err := w.Queue.Subscribe(queue.TopicLogRetries, w.HandleRetry); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue.TopicLogRetries, err)
	}
	w.Logger.Info("worker subscribed", slog.String("topics", queue.TopicCampaignSends+","+queue.TopicLogRetries))
	return nil
}

func (w *Worker) HandleDispatch(ctx context.Context, payload []byte) error {
	var job model.DispatchJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return appErrors.Permanent(fmt.Errorf("decode dispatch job: %w", err))
	}
	_, err := w.Dispatcher.Dispatch(ctx, job)
	return err
}

func (w *Worker) HandleRetry(ctx context.Context, payload []byte) error {
	var job model.RetryJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return appErrors.Permanent(fmt.Errorf("decode retry job: %w", err))
	}
	return w.Dispatcher.Retry(ctx, job)
}
