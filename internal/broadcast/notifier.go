package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"mpesa-service/internal/message"
	"mpesa-service/internal/payload"
	"mpesa-service/internal/transaction"
)

var (
	brokerSuccessCounter = metrics.GetOrCreateCounter(`broker_publish_total{result="success"}`)
	brokerErrorCounter   = metrics.GetOrCreateCounter(`broker_publish_total{result="error"}`)
)

// BrokerPublisher forwards transaction events to an external message broker.
type BrokerPublisher interface {
	Publish(ctx context.Context, event message.TransactionEvent) error
}

// Notifier turns one state change into one hub broadcast, mirrored to the broker when one is set.
type Notifier struct {
	hub    *Hub
	broker BrokerPublisher
	logger *slog.Logger
}

func NewNotifier(hub *Hub, broker BrokerPublisher, logger *slog.Logger) *Notifier {
	return &Notifier{hub: hub, broker: broker, logger: logger}
}

func (n *Notifier) Notify(ctx context.Context, rec transaction.Record) {
	delivered := n.hub.Publish(EventFromRecord(rec))
	n.logger.InfoContext(ctx, "Broadcast transaction update", "status", rec.Status, "subscribers", delivered)

	if n.broker == nil {
		return
	}

	event := message.TransactionEvent{
		ID:    uuid.New(),
		Event: message.EventName(string(rec.Status)),
		Payload: message.TransactionPayload{
			CheckoutID:    rec.CheckoutID,
			Status:        string(rec.Status),
			ResultCode:    rec.ResultCode,
			ResultDesc:    rec.ResultDesc,
			ReceiptNumber: payload.ReceiptNumber(rec.Callback),
			Callback:      rec.Callback,
		},
		OccurredAt: time.Now().UTC(),
	}

	if err := n.broker.Publish(ctx, event); err != nil {
		brokerErrorCounter.Inc()
		n.logger.ErrorContext(ctx, "Error publishing transaction event", "error", err)
		return
	}
	brokerSuccessCounter.Inc()
}
