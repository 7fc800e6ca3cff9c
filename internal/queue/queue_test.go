package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
)

func newTestQueue(maxRetries int, timeout time.Duration) *InMemoryQueue {
	return NewInMemoryQueue(Options{
		MaxRetries: maxRetries,
		JobTimeout: timeout,
		Backoff:    func(int) time.Duration { return time.Millisecond },
	}, slog.New(slog.DiscardHandler))
}

func TestPublishWithoutSubscribers(t *testing.T) {
	q := newTestQueue(0, 0)
	err := q.Publish(context.Background(), TopicCampaignSends, []byte("{}"))
	assert.ErrorIs(t, err, ErrNoSubscribers)
}

func TestJobSucceeds(t *testing.T) {
	q := newTestQueue(3, 0)
	var got []byte
	require.NoError(t, q.Subscribe(TopicCampaignSends, func(_ context.Context, p []byte) error {
		got = p
		return nil
	}))

	require.NoError(t, PublishJSON(context.Background(), q, TopicCampaignSends, map[string]string{"job_id": "j1"}))
	q.Wait()
	assert.JSONEq(t, `{"job_id":"j1"}`, string(got))
}

func TestJobRetriedUntilSuccess(t *testing.T) {
	q := newTestQueue(3, 0)
	var calls atomic.Int32
	require.NoError(t, q.Subscribe("t", func(context.Context, []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	require.NoError(t, q.Publish(context.Background(), "t", nil))
	q.Wait()
	assert.EqualValues(t, 3, calls.Load())
}

func TestJobGivesUpAfterMaxRetries(t *testing.T) {
	q := newTestQueue(3, 0)
	var calls atomic.Int32
	require.NoError(t, q.Subscribe("t", func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("always")
	}))

	require.NoError(t, q.Publish(context.Background(), "t", nil))
	q.Wait()
	assert.EqualValues(t, 4, calls.Load(), "first attempt plus three retries")
}

func TestPermanentErrorNotRetried(t *testing.T) {
	q := newTestQueue(3, 0)
	var calls atomic.Int32
	require.NoError(t, q.Subscribe("t", func(context.Context, []byte) error {
		calls.Add(1)
		return appErrors.Permanent(errors.New("bad credentials"))
	}))

	require.NoError(t, q.Publish(context.Background(), "t", nil))
	q.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestJobTimeout(t *testing.T) {
	q := newTestQueue(1, 20*time.Millisecond)
	var mu sync.Mutex
	var errs []error
	require.NoError(t, q.Subscribe("t", func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		mu.Lock()
		errs = append(errs, ctx.Err())
		mu.Unlock()
		return ctx.Err()
	}))

	require.NoError(t, q.Publish(context.Background(), "t", nil))
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}

func TestPanicIsPermanent(t *testing.T) {
	q := newTestQueue(3, 0)
	var calls atomic.Int32
	require.NoError(t, q.Subscribe("t", func(context.Context, []byte) error {
		calls.Add(1)
		panic("boom")
	}))

	require.NoError(t, q.Publish(context.Background(), "t", nil))
	q.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	q := newTestQueue(0, 0)
	started := make(chan struct{})
	require.NoError(t, q.Subscribe("t", func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	require.NoError(t, q.Publish(context.Background(), "t", nil))
	<-started
	require.NoError(t, q.Close())
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 2, retryCount(amqp.Table{retryHeader: int32(2)}))
	assert.Equal(t, 3, retryCount(amqp.Table{retryHeader: int64(3)}))
	assert.Equal(t, 1, retryCount(amqp.Table{retryHeader: 1}))
	assert.Equal(t, 0, retryCount(amqp.Table{retryHeader: "x"}))
}

func TestShouldRetry(t *testing.T) {
	assert.False(t, shouldRetry(nil, 0, 3))
	assert.True(t, shouldRetry(errors.New("x"), 2, 3))
	assert.False(t, shouldRetry(errors.New("x"), 3, 3))
	assert.False(t, shouldRetry(appErrors.Permanent(errors.New("x")), 0, 3))
	assert.False(t, shouldRetry(context.Canceled, 0, 3))
	assert.True(t, shouldRetry(context.DeadlineExceeded, 0, 3))
}
