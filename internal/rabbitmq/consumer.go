package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	amqp "github.com/rabbitmq/amqp091-go"

	"mpesa-service/internal/message"
)

var (
	consumedCounter = metrics.GetOrCreateCounter(`rabbitmq_consumer_total{result="success"}`)
	rejectedCounter = metrics.GetOrCreateCounter(`rabbitmq_consumer_total{result="rejected"}`)
	dialErrCounter  = metrics.GetOrCreateCounter(`rabbitmq_consumer_total{result="dial_error"}`)
)

const maxBackoff = 30 * time.Second

type EventProcessor interface {
	Process(ctx context.Context, e message.TransactionEvent) error
}

// Consumer feeds queued transaction events to a processor, reconnecting with backoff.
type Consumer struct {
	url       string
	queue     string
	processor EventProcessor
	logger    *slog.Logger
}

func NewConsumer(url, queue string, processor EventProcessor, logger *slog.Logger) *Consumer {
	return &Consumer{url: url, queue: queue, processor: processor, logger: logger}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			dialErrCounter.Inc()
			c.logger.WarnContext(ctx, "Failed to dial broker", "error", err, "retryIn", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "Context done, stopping rabbitmq consumer")
			return nil
		}
		c.logger.WarnContext(ctx, "Consume loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.logger.WarnContext(ctx, "Set QoS failed", "error", err)
	}
	if _, err := declare(ch, c.queue); err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range deliveries {
		if err := c.Handle(ctx, d.Body); err != nil {
			rejectedCounter.Inc()
			c.logger.ErrorContext(ctx, "Handle message failed", "error", err)
			// rejected without requeue to avoid a redelivery loop
			_ = d.Nack(false, false)
			continue
		}
		consumedCounter.Inc()
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

// Handle decodes one message body and passes it to the processor.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var e message.TransactionEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return c.processor.Process(ctx, e)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
