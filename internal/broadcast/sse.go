package broadcast

import (
	"context"
	"fmt"
	"io"
	"time"
)

// StreamSSE writes the subscriber's events to w in text/event-stream framing until ctx ends,
// the subscriber is pruned, or a write fails. flush is called after every frame.
func StreamSSE(ctx context.Context, w io.Writer, flush func(), sub *Subscriber, retry, heartbeat time.Duration) error {
	if retry > 0 {
		if _, err := fmt.Fprintf(w, "retry: %d\n\n", retry.Milliseconds()); err != nil {
			return err
		}
		flush()
	}

	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return err
			}
			flush()
		case <-tick:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flush()
		}
	}
}
