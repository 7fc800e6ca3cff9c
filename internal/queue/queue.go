package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
)

const (
	// TopicCampaignSends carries model.DispatchJob payloads.
	TopicCampaignSends = "campaign_sends"
	// TopicLogRetries carries model.RetryJob payloads.
	TopicLogRetries = "log_retries"
)

var ErrNoSubscribers = errors.New("queue: no subscribers for topic")

// Handler processes one job payload. Returning an error wrapped with
// appErrors.Permanent stops further attempts.
type Handler func(ctx context.Context, payload []byte) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler Handler) error
}

// Options tune job execution.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// JobTimeout bounds a single attempt. Zero disables the limit.
	JobTimeout time.Duration
	// Backoff returns the delay before retry n (1-based).
	Backoff func(n int) time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff == nil {
		o.Backoff = LinearBackoff(500 * time.Millisecond)
	}
	return o
}

// LinearBackoff waits step*n before retry n.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(n int) time.Duration { return time.Duration(n) * step }
}

// PublishJSON encodes v and publishes it.
func PublishJSON(ctx context.Context, q Queue, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: encode %s payload: %w", topic, err)
	}
	return q.Publish(ctx, topic, payload)
}

// runAttempt executes one attempt under the job timeout.
func runAttempt(ctx context.Context, timeout time.Duration, handler Handler, payload []byte) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = appErrors.Permanent(fmt.Errorf("queue: handler panic: %v", r))
		}
	}()
	return handler(ctx, payload)
}

// shouldRetry reports whether a failed attempt gets another try. attempt is
// the number of retries already made.
func shouldRetry(err error, attempt, maxRetries int) bool {
	if err == nil || appErrors.IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return attempt < maxRetries
}
