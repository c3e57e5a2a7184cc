package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/shopspring/decimal"

	"mpesa-service/internal/booking"
	"mpesa-service/internal/config"
	"mpesa-service/internal/logcontext"
	"mpesa-service/internal/payload"
	"mpesa-service/internal/receipt"
	"mpesa-service/internal/transaction"
)

type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateAwaiting   State = "awaiting-confirmation"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed-out"
)

var ErrBusy = errors.New("reconciler is not in a state that allows this action")

var (
	confirmedCounter = metrics.GetOrCreateCounter(`reconcile_total{result="confirmed"}`)
	failedCounter    = metrics.GetOrCreateCounter(`reconcile_total{result="failed"}`)
	timeoutCounter   = metrics.GetOrCreateCounter(`reconcile_total{result="timeout"}`)
)

type API interface {
	StatusQuerier
	Initiate(ctx context.Context, phone string, amount decimal.Decimal) (string, error)
}

type Bookings interface {
	Get(id string) (booking.Booking, error)
	SetStatus(id string, status booking.Status) (booking.Booking, error)
	AttachCheckout(id, checkoutID string) (booking.Booking, error)
	SetReceipt(id, receipt string) (booking.Booking, error)
}

type Mailer interface {
	Enabled() bool
	Send(ctx context.Context, params map[string]any) error
}

// Outcome is what the user is shown when an attempt settles.
type Outcome struct {
	BookingID   string
	CheckoutID  string
	State       State
	Message     string
	Record      transaction.Record
	Receipt     *receipt.Receipt
	ReceiptPath string
}

// Presenter is told about every settled attempt exactly once.
type Presenter interface {
	Show(ctx context.Context, o Outcome)
}

type Options struct {
	PollInterval    time.Duration
	PollTimeout     time.Duration
	RecheckInterval time.Duration
	RecheckTimeout  time.Duration
	ReceiptDir      string
}

func OptionsFrom(cfg config.Client) Options {
	return Options{
		PollInterval:    time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		PollTimeout:     time.Duration(cfg.PollTimeoutMs) * time.Millisecond,
		RecheckInterval: time.Duration(cfg.RecheckIntervalMs) * time.Millisecond,
		RecheckTimeout:  time.Duration(cfg.RecheckTimeoutMs) * time.Millisecond,
		ReceiptDir:      cfg.ReceiptDir,
	}
}

// Reconciler walks one booking at a time through
// idle -> initiating -> awaiting-confirmation -> confirmed | failed | timed-out.
type Reconciler struct {
	api       API
	watcher   Watcher
	bookings  Bookings
	mailer    Mailer
	presenter Presenter
	opts      Options
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	bookingID  string
	checkoutID string
}

// NewReconciler wires a reconciler. watcher and mailer may be nil.
func NewReconciler(api API, watcher Watcher, bookings Bookings, mailer Mailer, presenter Presenter, opts Options, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		api:       api,
		watcher:   watcher,
		bookings:  bookings,
		mailer:    mailer,
		presenter: presenter,
		opts:      opts,
		logger:    logger,
		state:     StateIdle,
	}
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// transition moves from one of the allowed states to next.
func (r *Reconciler) transition(next State, from ...State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range from {
		if r.state == s {
			r.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBusy, r.state, next)
}

func (r *Reconciler) set(next State) {
	r.mu.Lock()
	r.state = next
	r.mu.Unlock()
}

// Pay starts the payment for a stored booking and blocks until it settles or the first
// watch window closes.
func (r *Reconciler) Pay(ctx context.Context, bookingID string) (Outcome, error) {
	if err := r.transition(StateInitiating, StateIdle); err != nil {
		return Outcome{}, err
	}
	ctx = logcontext.AppendCtx(ctx, slog.String("bookingId", bookingID))

	b, err := r.bookings.Get(bookingID)
	if err != nil {
		r.set(StateIdle)
		return Outcome{}, err
	}

	checkoutID, err := r.api.Initiate(ctx, b.Phone, b.Amount)
	if err != nil {
		r.set(StateFailed)
		failedCounter.Inc()
		r.logger.ErrorContext(ctx, "Payment initiation failed", "error", err)
		if _, serr := r.bookings.SetStatus(bookingID, booking.StatusFailed); serr != nil {
			r.logger.ErrorContext(ctx, "Error marking booking failed", "error", serr)
		}
		return r.show(ctx, Outcome{
			BookingID: bookingID,
			State:     StateFailed,
			Message:   "Payment request failed: " + initiateMessage(err),
		}), nil
	}

	if _, err := r.bookings.AttachCheckout(bookingID, checkoutID); err != nil {
		r.logger.ErrorContext(ctx, "Error saving checkout id on booking", "error", err)
	}

	r.mu.Lock()
	r.state = StateAwaiting
	r.bookingID = bookingID
	r.checkoutID = checkoutID
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "Awaiting payment confirmation", "checkoutId", checkoutID)
	return r.await(ctx, bookingID, checkoutID, r.opts.PollInterval, r.opts.PollTimeout)
}

// CheckNow re-enters a bounded watch after the first one timed out.
func (r *Reconciler) CheckNow(ctx context.Context) (Outcome, error) {
	if err := r.transition(StateAwaiting, StateTimedOut); err != nil {
		return Outcome{}, err
	}

	r.mu.Lock()
	bookingID, checkoutID := r.bookingID, r.checkoutID
	r.mu.Unlock()

	ctx = logcontext.AppendCtx(ctx, slog.String("bookingId", bookingID))
	r.logger.InfoContext(ctx, "Re-checking payment status", "checkoutId", checkoutID)
	return r.await(ctx, bookingID, checkoutID, r.opts.RecheckInterval, r.opts.RecheckTimeout)
}

// Reset returns a settled reconciler to idle so the next booking can be paid.
func (r *Reconciler) Reset() error {
	if err := r.transition(StateIdle, StateConfirmed, StateFailed, StateTimedOut); err != nil {
		return err
	}
	r.mu.Lock()
	r.bookingID, r.checkoutID = "", ""
	r.mu.Unlock()
	return nil
}

// Resume puts a reconciler in the timed-out state for a booking paid in an earlier session,
// so CheckNow can pick up its checkout.
func (r *Reconciler) Resume(bookingID string) error {
	b, err := r.bookings.Get(bookingID)
	if err != nil {
		return err
	}
	if b.CheckoutID == "" {
		return fmt.Errorf("booking %s has no checkout to check", bookingID)
	}
	if err := r.transition(StateTimedOut, StateIdle); err != nil {
		return err
	}
	r.mu.Lock()
	r.bookingID, r.checkoutID = bookingID, b.CheckoutID
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) await(ctx context.Context, bookingID, checkoutID string, interval, timeout time.Duration) (Outcome, error) {
	res, err := Await(ctx, r.api, r.watcher, checkoutID, interval, timeout, r.logger)
	if err != nil {
		r.set(StateTimedOut)
		return Outcome{}, err
	}

	out := Outcome{BookingID: bookingID, CheckoutID: checkoutID, Record: res.Record}
	switch {
	case res.TimedOut():
		r.set(StateTimedOut)
		timeoutCounter.Inc()
		out.State = StateTimedOut
		out.Message = "Payment not confirmed yet. Check again once the prompt on your phone is complete."
	case res.Record.Status == transaction.StatusSuccess:
		r.set(StateConfirmed)
		confirmedCounter.Inc()
		out.State = StateConfirmed
		out.Message = "Payment confirmed"
		r.confirm(ctx, &out)
	default:
		r.set(StateFailed)
		failedCounter.Inc()
		out.State = StateFailed
		out.Message = failureMessage(res.Record)
		if _, err := r.bookings.SetStatus(bookingID, booking.StatusFailed); err != nil {
			r.logger.ErrorContext(ctx, "Error marking booking failed", "error", err)
		}
	}

	return r.show(ctx, out), nil
}

// confirm records a successful payment locally: booking status, receipt number, receipt file
// and the confirmation email. Only the status update is required to succeed.
func (r *Reconciler) confirm(ctx context.Context, out *Outcome) {
	if _, err := r.bookings.SetStatus(out.BookingID, booking.StatusConfirmed); err != nil {
		r.logger.ErrorContext(ctx, "Error marking booking confirmed", "error", err)
	}

	if number := payload.ReceiptNumber(out.Record.Callback); number != "" {
		if _, err := r.bookings.SetReceipt(out.BookingID, number); err != nil {
			r.logger.ErrorContext(ctx, "Error saving receipt number", "error", err)
		}
	}

	b, err := r.bookings.Get(out.BookingID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error loading confirmed booking", "error", err)
		return
	}

	rcpt := receipt.New(b, out.Record)
	out.Receipt = &rcpt

	if r.opts.ReceiptDir != "" {
		path, err := writeReceipt(r.opts.ReceiptDir, b.ID, rcpt)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error writing receipt", "error", err)
		} else {
			out.ReceiptPath = path
		}
	}

	if r.mailer == nil || !r.mailer.Enabled() || b.Email == "" {
		return
	}
	if err := r.mailer.Send(ctx, emailParams(b, rcpt)); err != nil {
		r.logger.WarnContext(ctx, "Confirmation email not sent", "error", err)
	}
}

func (r *Reconciler) show(ctx context.Context, out Outcome) Outcome {
	if r.presenter != nil {
		r.presenter.Show(ctx, out)
	}
	return out
}

func writeReceipt(dir, bookingID string, rcpt receipt.Receipt) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "Receipt_"+bookingID+".txt")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := (receipt.TextRenderer{}).Render(f, rcpt); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

func emailParams(b booking.Booking, rcpt receipt.Receipt) map[string]any {
	return map[string]any{
		"to_name":       b.CustomerName,
		"to_email":      b.Email,
		"booking_id":    b.ID,
		"event_title":   b.EventTitle,
		"event_date":    rcpt.EventDate,
		"amount":        receipt.FormatAmount(b.Amount),
		"mpesa_receipt": rcpt.MpesaReceipt,
		"date_paid":     rcpt.DatePaid,
	}
}

func initiateMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "could not reach the payment server"
}

func failureMessage(rec transaction.Record) string {
	if rec.ResultDesc != "" {
		return "Payment " + string(rec.Status) + ": " + rec.ResultDesc
	}
	return "Payment " + string(rec.Status)
}
