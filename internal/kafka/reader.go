// Package kafka carries transaction events over Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"

	"mpesa-service/internal/config"
	"mpesa-service/internal/message"
)

var (
	readErrorCounter      = metrics.GetOrCreateCounter(`kafka_reader_total{result="read_error",type="transaction_event"}`)
	unmarshalErrorCounter = metrics.GetOrCreateCounter(`kafka_reader_total{result="unmarshal_error",type="transaction_event"}`)
	processErrorCounter   = metrics.GetOrCreateCounter(`kafka_reader_total{result="process_error",type="transaction_event"}`)
	successCounter        = metrics.GetOrCreateCounter(`kafka_reader_total{result="success",type="transaction_event"}`)
)

func NewReader(cfg config.Kafka) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(cfg.Brokers, ","),
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// EventProcessor handles one decoded transaction event.
type EventProcessor interface {
	Process(ctx context.Context, e message.TransactionEvent) error
}

// ReadTransactionEvents feeds every message from reader to processor until ctx is done.
// Undecodable messages and processing failures are logged and skipped.
func ReadTransactionEvents(ctx context.Context, reader messageReader, processor EventProcessor, logger *slog.Logger) error {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				logger.InfoContext(ctx, "Context done, stopping kafka reader")
				return nil
			}
			logger.ErrorContext(ctx, "Error reading message", "error", err)
			readErrorCounter.Inc()
			continue
		}
		logger.DebugContext(ctx, "Received message", "topic", m.Topic, "key", string(m.Key))

		var e message.TransactionEvent
		if err := json.Unmarshal(m.Value, &e); err != nil {
			logger.ErrorContext(ctx, "Error unmarshalling message", "error", err)
			unmarshalErrorCounter.Inc()
			continue
		}

		if err := processor.Process(ctx, e); err != nil {
			logger.ErrorContext(ctx, "Error processing message", "error", err)
			processErrorCounter.Inc()
			continue
		}
		successCounter.Inc()
	}
}
