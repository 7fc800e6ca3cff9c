package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

const retryHeader = "x-retry-count"

// AMQPQueue publishes jobs to durable RabbitMQ queues named after the topic.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	opts Options
	log  *slog.Logger

	mu       sync.Mutex // guards ch for publishing
	declared map[string]bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// DialAMQP connects to the broker.
func DialAMQP(url string, opts Options, log *slog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AMQPQueue{
		conn:     conn,
		ch:       ch,
		opts:     opts.withDefaults(),
		log:      log,
		declared: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (q *AMQPQueue) declare(topic string) error {
	if q.declared[topic] {
		return nil
	}
	_, err := q.ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("queue: declare %s: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) Publish(_ context.Context, topic string, payload []byte) error {
	return q.publish(topic, payload, 0)
}

func (q *AMQPQueue) publish(topic string, payload []byte, retries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.declare(topic); err != nil {
		return err
	}
	err := q.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{retryHeader: int32(retries)},
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer on its own channel. Deliveries are handled one
// at a time and acknowledged after the handler returns.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open consumer channel: %w", err)
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("queue: declare %s: %w", topic, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("queue: set qos: %w", err)
	}

	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("queue: register consumer: %w", err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer ch.Close()
		for {
			select {
			case <-q.ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				q.handle(topic, handler, d)
			}
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, handler Handler, d amqp.Delivery) {
	retries := retryCount(d.Headers)
	err := runAttempt(q.ctx, q.opts.JobTimeout, handler, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	if !shouldRetry(err, retries, q.opts.MaxRetries) {
		q.log.Error("job permanently failed",
			slog.String("topic", topic),
			slog.Int("attempts", retries+1),
			slog.Any("error", err),
		)
		_ = d.Ack(false)
		return
	}

	q.log.Warn("job failed, retrying",
		slog.String("topic", topic),
		slog.Int("attempt", retries+1),
		slog.Int("max_retries", q.opts.MaxRetries),
		slog.Any("error", err),
	)

	select {
	case <-time.After(q.opts.Backoff(retries + 1)):
	case <-q.ctx.Done():
		_ = d.Nack(false, true)
		return
	}

	if perr := q.publish(topic, d.Body, retries+1); perr != nil {
		q.log.Error("requeue failed", slog.String("topic", topic), slog.Any("error", perr))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close stops consumers and closes the connection.
func (q *AMQPQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Close(); err != nil {
		q.log.Warn("close amqp channel", slog.Any("error", err))
	}
	return q.conn.Close()
}

// retryCount reads the retry header. Brokers may hand integers back in any width.
func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
