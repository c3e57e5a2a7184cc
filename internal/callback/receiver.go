// Package callback accepts the gateway's asynchronous STK push results.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"

	"mpesa-service/internal/logcontext"
	"mpesa-service/internal/payload"
	"mpesa-service/internal/transaction"
)

var (
	ErrMalformed    = errors.New("malformed callback")
	ErrUnauthorized = errors.New("callback token rejected")
)

var (
	appliedCounter      = metrics.GetOrCreateCounter(`callback_total{result="applied"}`)
	duplicateCounter    = metrics.GetOrCreateCounter(`callback_total{result="duplicate"}`)
	malformedCounter    = metrics.GetOrCreateCounter(`callback_total{result="malformed"}`)
	unknownCounter      = metrics.GetOrCreateCounter(`callback_total{result="unknown_checkout"}`)
	unauthorizedCounter = metrics.GetOrCreateCounter(`callback_total{result="unauthorized"}`)
)

// Store is the part of the transaction registry the receiver needs.
type Store interface {
	Get(checkoutID string) (transaction.Record, error)
	ApplyCallback(checkoutID string, resultCode int, resultDesc string, raw json.RawMessage) (transaction.Record, bool, error)
}

// Notifier broadcasts a state change.
type Notifier interface {
	Notify(ctx context.Context, rec transaction.Record)
}

type Result struct {
	Record transaction.Record
	// Changed is false for a redelivered callback of an already terminal transaction.
	Changed bool
}

type Receiver struct {
	store    Store
	notifier Notifier
	signer   *Signer
	logger   *slog.Logger
}

func NewReceiver(store Store, notifier Notifier, signer *Signer, logger *slog.Logger) *Receiver {
	return &Receiver{store: store, notifier: notifier, signer: signer, logger: logger}
}

// Receive validates raw, applies it to the store and broadcasts the change. token is the value of
// the callback URL's token parameter. Redeliveries succeed without a second broadcast.
func (r *Receiver) Receive(ctx context.Context, raw []byte, token string) (*Result, error) {
	stk, err := payload.Decode(raw)
	if err != nil {
		malformedCounter.Inc()
		r.logger.WarnContext(ctx, "Rejected malformed callback", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("checkoutId", stk.CheckoutRequestID))

	var nonce string
	if r.signer.Enabled() {
		if nonce, err = r.signer.Verify(token); err != nil {
			unauthorizedCounter.Inc()
			r.logger.WarnContext(ctx, "Rejected callback with invalid token", "error", err)
			return nil, ErrUnauthorized
		}
	}

	rec, err := r.store.Get(stk.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, transaction.ErrNotFound) {
			unknownCounter.Inc()
			r.logger.WarnContext(ctx, "Rejected callback for unknown checkout")
		}
		return nil, err
	}
	if r.signer.Enabled() && rec.Nonce() != nonce {
		unauthorizedCounter.Inc()
		r.logger.WarnContext(ctx, "Rejected callback whose token belongs to another checkout")
		return nil, ErrUnauthorized
	}

	rec, changed, err := r.store.ApplyCallback(stk.CheckoutRequestID, *stk.ResultCode, stk.ResultDesc, raw)
	if err != nil {
		return nil, err
	}

	if !changed {
		duplicateCounter.Inc()
		r.logger.InfoContext(ctx, "Acknowledged duplicate callback", "status", rec.Status)
		return &Result{Record: rec}, nil
	}

	appliedCounter.Inc()
	r.logger.InfoContext(ctx, "Callback applied", "status", rec.Status, "resultCode", *stk.ResultCode, "resultDesc", stk.ResultDesc)
	r.notifier.Notify(ctx, rec)

	return &Result{Record: rec, Changed: true}, nil
}
