package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/propelr/propelr/internal/logattr"
)

// amqpChannel is the subset of *amqp.Channel used for publishing.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type dialFunc func(url string) (amqpChannel, io.Closer, error)

// AMQPDispatcher publishes notifications to one durable queue per
// receiver identity. The connection is opened lazily and reopened after
// a failed publish.
type AMQPDispatcher struct {
	url         string
	secret      string
	maxAttempts int
	logger      *slog.Logger
	dial        dialFunc
	now         func() time.Time
	wait        func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	conn     io.Closer
	ch       amqpChannel
	declared map[string]bool
}

// NewAMQPDispatcher creates a dispatcher for the broker at url. When
// secret is non-empty every message carries a signature header.
func NewAMQPDispatcher(url, secret string, logger *slog.Logger) *AMQPDispatcher {
	return &AMQPDispatcher{
		url:         url,
		secret:      secret,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.With("component", "notify.amqp"),
		dial:        dialAMQP,
		now:         time.Now,
		wait:        sleepContext,
		declared:    map[string]bool{},
	}
}

// Connect opens the broker connection eagerly so startup fails fast.
func (d *AMQPDispatcher) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.channel()
	return err
}

// Ping reports whether a broker channel is open or can be opened.
func (d *AMQPDispatcher) Ping(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.channel()
	return err
}

// Dispatch publishes n, retrying with backoff on failure.
func (d *AMQPDispatcher) Dispatch(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	queue := QueueName(n.Receiver.Identity)
	now := d.now().UTC()
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.RunID,
		Timestamp:    now,
		Body:         body,
	}
	if d.secret != "" {
		ts := now.Unix()
		msg.Headers = amqp.Table{
			HeaderTimestamp: strconv.FormatInt(ts, 10),
			HeaderSignature: Sign(d.secret, ts, body),
		}
	}

	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := d.wait(ctx, NextRetryDelay(attempt-1)); err != nil {
				return fmt.Errorf("publish to %s: %w", queue, err)
			}
		}

		if lastErr = d.publish(ctx, queue, msg); lastErr == nil {
			return nil
		}
		d.logger.Warn("publish failed",
			logattr.FlowID(n.FlowID),
			slog.String("queue", queue),
			slog.Int("attempt", attempt+1),
			logattr.Error(lastErr),
		)
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", queue, d.maxAttempts, lastErr)
}

// Close closes the broker connection.
func (d *AMQPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reset()
}

func (d *AMQPDispatcher) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, err := d.channel()
	if err != nil {
		return err
	}

	if !d.declared[queue] {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = d.reset()
			return fmt.Errorf("queue declare: %w", err)
		}
		d.declared[queue] = true
	}

	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		_ = d.reset()
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// channel returns an open channel, dialing if needed; callers hold mu.
func (d *AMQPDispatcher) channel() (amqpChannel, error) {
	if d.ch != nil && !d.ch.IsClosed() {
		return d.ch, nil
	}
	_ = d.reset()

	ch, conn, err := d.dial(d.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	d.ch, d.conn = ch, conn
	return ch, nil
}

// reset drops the current connection; callers hold mu.
func (d *AMQPDispatcher) reset() error {
	var err error
	if d.ch != nil {
		_ = d.ch.Close()
	}
	if d.conn != nil {
		err = d.conn.Close()
	}
	d.ch, d.conn = nil, nil
	clear(d.declared)
	return err
}

func dialAMQP(url string) (amqpChannel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("channel open: %w", err)
	}
	return ch, conn, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
