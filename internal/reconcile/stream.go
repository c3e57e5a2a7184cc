package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mpesa-service/internal/broadcast"
	"mpesa-service/internal/transaction"
)

const defaultReconnectDelay = 3 * time.Second

type subscriber interface {
	Subscribe(ctx context.Context, handle func(broadcast.Event)) (time.Duration, error)
}

// Stream shares one live-update subscription between every checkout being watched.
type Stream struct {
	source subscriber
	logger *slog.Logger

	start    sync.Once
	mu       sync.Mutex
	watchers map[string]map[int]chan transaction.Record
	nextID   int
}

func NewStream(source subscriber, logger *slog.Logger) *Stream {
	return &Stream{
		source:   source,
		logger:   logger,
		watchers: make(map[string]map[int]chan transaction.Record),
	}
}

// Start opens the subscription in the background. Only the first call has an effect.
// A dropped stream is reopened after the delay the server advertised; events missed in
// between are not replayed.
func (s *Stream) Start(ctx context.Context) {
	s.start.Do(func() {
		go s.run(ctx)
	})
}

func (s *Stream) run(ctx context.Context) {
	delay := defaultReconnectDelay
	for {
		retry, err := s.source.Subscribe(ctx, s.dispatch)
		if ctx.Err() != nil {
			return
		}
		if retry > 0 {
			delay = retry
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WarnContext(ctx, "Live updates dropped, relying on polling until reconnected", "error", err, "retryIn", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Watch returns a channel that receives the first terminal state seen for checkoutID.
// stop must be called once the caller no longer listens.
func (s *Stream) Watch(checkoutID string) (<-chan transaction.Record, func()) {
	ch := make(chan transaction.Record, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.watchers[checkoutID] == nil {
		s.watchers[checkoutID] = make(map[int]chan transaction.Record)
	}
	s.watchers[checkoutID][id] = ch
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[checkoutID], id)
		if len(s.watchers[checkoutID]) == 0 {
			delete(s.watchers, checkoutID)
		}
	}
	return ch, stop
}

func (s *Stream) dispatch(e broadcast.Event) {
	if !e.Status.Terminal() {
		return
	}
	rec := transaction.Record{
		CheckoutID: e.CheckoutID,
		Status:     e.Status,
		ResultCode: e.ResultCode,
		ResultDesc: e.ResultDesc,
		Callback:   e.Callback,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers[e.CheckoutID] {
		select {
		case ch <- rec:
		default:
		}
	}
}
