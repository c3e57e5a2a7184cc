// Package broadcast fans transaction state changes out to live subscribers.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"mpesa-service/internal/transaction"
)

const defaultBufferSize = 16

var (
	publishedCounter = metrics.GetOrCreateCounter(`broadcast_events_total{result="published"}`)
	deliveredCounter = metrics.GetOrCreateCounter(`broadcast_deliveries_total{result="delivered"}`)
	prunedCounter    = metrics.GetOrCreateCounter(`broadcast_deliveries_total{result="pruned"}`)
)

// Event is what live subscribers receive for every state change.
type Event struct {
	CheckoutID string             `json:"checkoutId"`
	Status     transaction.Status `json:"status"`
	ResultCode *int               `json:"resultCode,omitempty"`
	ResultDesc string             `json:"resultDesc,omitempty"`
	Callback   json.RawMessage    `json:"callback,omitempty"`
}

func EventFromRecord(rec transaction.Record) Event {
	return Event{
		CheckoutID: rec.CheckoutID,
		Status:     rec.Status,
		ResultCode: rec.ResultCode,
		ResultDesc: rec.ResultDesc,
		Callback:   rec.Callback,
	}
}

type Subscriber struct {
	ID uuid.UUID
	ch chan []byte
}

// Events yields serialized events until the subscriber is removed, then it is closed.
func (s *Subscriber) Events() <-chan []byte {
	return s.ch
}

// Hub holds the process-wide subscriber set. Delivery is best effort: a subscriber whose
// buffer is full is pruned instead of blocking the others.
type Hub struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]*Subscriber
	bufferSize int
	logger     *slog.Logger
}

func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		subs:       make(map[uuid.UUID]*Subscriber),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{ID: uuid.New(), ch: make(chan []byte, h.bufferSize)}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	h.logger.Debug("Subscriber connected", "subscriberId", sub.ID)
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(id)
}

func (h *Hub) remove(id uuid.UUID) bool {
	sub, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	close(sub.ch)
	return true
}

// Publish delivers e to every current subscriber and returns how many accepted it.
func (h *Hub) Publish(e Event) int {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Error marshalling event", "checkoutId", e.CheckoutID, "error", err)
		return 0
	}
	publishedCounter.Inc()

	var stale []uuid.UUID
	delivered := 0

	// sends happen under the read lock so no channel can be closed mid-send
	h.mu.RLock()
	for id, sub := range h.subs {
		select {
		case sub.ch <- data:
			delivered++
		default:
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	if len(stale) > 0 {
		h.mu.Lock()
		for _, id := range stale {
			if h.remove(id) {
				prunedCounter.Inc()
				h.logger.Warn("Pruned slow subscriber", "subscriberId", id)
			}
		}
		h.mu.Unlock()
	}

	deliveredCounter.Add(delivered)
	return delivered
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
