package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mpesa-service/internal/transaction"
)

// StatusTimeout is reported when no terminal state was observed within the watch window.
const StatusTimeout transaction.Status = "timeout"

type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Result is the outcome of watching one checkout.
type Result struct {
	Record transaction.Record
	Source Source
}

func (r Result) TimedOut() bool {
	return r.Record.Status == StatusTimeout
}

type StatusQuerier interface {
	Status(ctx context.Context, checkoutID string) (transaction.Record, error)
}

type Watcher interface {
	Watch(checkoutID string) (<-chan transaction.Record, func())
}

// Poll queries the status of checkoutID every interval until it is terminal. Query errors are
// logged and polling continues. When timeout elapses first it returns a StatusTimeout result
// and no error; ctx cancellation stops it immediately with ctx's error.
func Poll(ctx context.Context, querier StatusQuerier, checkoutID string, interval, timeout time.Duration, logger *slog.Logger) (Result, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline.C:
			logger.InfoContext(ctx, "No terminal status within the watch window", "checkoutId", checkoutID, "timeout", timeout)
			return Result{Record: transaction.Record{CheckoutID: checkoutID, Status: StatusTimeout}, Source: SourcePoll}, nil
		case <-ticker.C:
		}

		rec, err := querier.Status(ctx, checkoutID)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			logger.WarnContext(ctx, "Status poll failed", "checkoutId", checkoutID, "attempt", attempt, "error", err)
			continue
		}
		if rec.Status.Terminal() {
			return Result{Record: rec, Source: SourcePoll}, nil
		}
	}
}

// resultSlot accepts the first result offered and ignores the rest.
type resultSlot struct {
	once   sync.Once
	result Result
	filled bool
}

func (s *resultSlot) offer(r Result) bool {
	won := false
	s.once.Do(func() {
		s.result = r
		s.filled = true
		won = true
	})
	return won
}

// Await races the live-update watcher against a poll loop for checkoutID. The first terminal
// result (or the poll timeout) wins and cancels the other. watcher may be nil to poll only.
func Await(ctx context.Context, querier StatusQuerier, watcher Watcher, checkoutID string, interval, timeout time.Duration, logger *slog.Logger) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		slot resultSlot
		wg   sync.WaitGroup
	)

	if watcher != nil {
		events, stop := watcher.Watch(checkoutID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer stop()
			select {
			case rec := <-events:
				if slot.offer(Result{Record: rec, Source: SourcePush}) {
					cancel()
				}
			case <-ctx.Done():
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := Poll(ctx, querier, checkoutID, interval, timeout, logger)
		if err == nil && slot.offer(res) {
			cancel()
		}
	}()

	wg.Wait()

	if !slot.filled {
		return Result{}, ctx.Err()
	}
	logger.DebugContext(ctx, "Checkout resolved", "checkoutId", checkoutID, "status", slot.result.Record.Status, "source", slot.result.Source)
	return slot.result, nil
}
