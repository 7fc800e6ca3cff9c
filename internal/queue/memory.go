package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// InMemoryQueue runs jobs in-process with retry.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	opts     Options
	log      *slog.Logger
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Topic      string
	Payload    []byte
	RetryCount int
	MaxRetries int
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(opts Options, log *slog.Logger) *InMemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryQueue{
		handlers: make(map[string][]Handler),
		opts:     opts.withDefaults(),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(_ context.Context, topic string, payload []byte) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w %s", ErrNoSubscribers, topic)
	}

	for _, handler := range handlers {
		job := JobPayload{
			Topic:      topic,
			Payload:    payload,
			MaxRetries: q.opts.MaxRetries,
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.processJob(handler, job)
		}()
	}

	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler Handler, job JobPayload) {
	for {
		err := runAttempt(q.ctx, q.opts.JobTimeout, handler, job.Payload)
		if err == nil {
			q.log.Debug("job processed", slog.String("topic", job.Topic), slog.Int("retries", job.RetryCount))
			return
		}

		if !shouldRetry(err, job.RetryCount, job.MaxRetries) {
			q.log.Error("job permanently failed",
				slog.String("topic", job.Topic),
				slog.Int("attempts", job.RetryCount+1),
				slog.Any("error", err),
			)
			return
		}

		job.RetryCount++
		q.log.Warn("job failed, retrying",
			slog.String("topic", job.Topic),
			slog.Int("attempt", job.RetryCount),
			slog.Int("max_retries", job.MaxRetries),
			slog.Any("error", err),
		)

		select {
		case <-time.After(q.opts.Backoff(job.RetryCount)):
		case <-q.ctx.Done():
			return
		}
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// Close cancels running jobs and waits for them to return.
func (q *InMemoryQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
