// Package main is a reference consumer for flow result notifications.
//
// It drains the propelr.notify.* queues, verifies each message signature
// and logs the delivered variables. Point NOTIFY_SIGNING_SECRET at the same
// secret the API server signs with.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/propelr/propelr/internal/logattr"
	"github.com/propelr/propelr/internal/model"
	"github.com/propelr/propelr/internal/notify"
)

type consumerConfig struct {
	AMQPURL       string        `env:"AMQP_URL,required"`
	SigningSecret string        `env:"NOTIFY_SIGNING_SECRET"`
	ReplayWindow  time.Duration `env:"NOTIFY_REPLAY_WINDOW" envDefault:"5m"`
}

var errUnsigned = errors.New("message is not signed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var cfg consumerConfig
	if err := env.Parse(&cfg); err != nil {
		logger.Error("failed to parse config", logattr.Error(err))
		os.Exit(1)
	}
	if cfg.SigningSecret == "" {
		logger.Warn("NOTIFY_SIGNING_SECRET is empty, signatures are not checked")
	}

	if err := consume(ctx, cfg, logger); err != nil {
		logger.Error("consumer stopped", logattr.Error(err))
		os.Exit(1)
	}
}

func consume(ctx context.Context, cfg consumerConfig, logger *slog.Logger) error {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer ch.Close()

	merged := make(chan amqp.Delivery)
	for _, identity := range model.ValidReceivers {
		queue := notify.QueueName(identity)
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", queue, err)
		}
		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", queue, err)
		}
		go func() {
			for d := range deliveries {
				merged <- d
			}
		}()
		logger.Info("consuming", slog.String("queue", queue))
	}

	v := verifier{secret: cfg.SigningSecret, window: cfg.ReplayWindow, now: time.Now}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return nil
			}
			return amqpErr
		case d := <-merged:
			n, err := v.decode(d.Headers, d.Body)
			if err != nil {
				logger.Warn("rejected notification",
					slog.String("message_id", d.MessageId),
					logattr.Error(err),
				)
				_ = d.Nack(false, false)
				continue
			}
			logger.Info("notification received",
				logattr.FlowID(n.FlowID),
				slog.String("run_id", n.RunID),
				slog.String("receiver", string(n.Receiver.Identity)),
				slog.Any("vars", n.Vars),
			)
			_ = d.Ack(false)
		}
	}
}

type verifier struct {
	secret string
	window time.Duration
	now    func() time.Time
}

// decode checks the signature headers, when a secret is configured, and
// parses the body.
func (v verifier) decode(headers amqp.Table, body []byte) (*notify.Notification, error) {
	if v.secret != "" {
		sig, _ := headers[notify.HeaderSignature].(string)
		rawTS, _ := headers[notify.HeaderTimestamp].(string)
		if sig == "" || rawTS == "" {
			return nil, errUnsigned
		}
		ts, err := strconv.ParseInt(rawTS, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp header: %w", err)
		}
		if err := notify.Verify(v.secret, sig, ts, body, v.window, v.now()); err != nil {
			return nil, err
		}
	}

	var n notify.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &n, nil
}
