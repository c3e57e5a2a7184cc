// Package service holds the payment use cases behind the HTTP endpoints.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/shopspring/decimal"

	"mpesa-service/internal/callback"
	"mpesa-service/internal/logcontext"
	"mpesa-service/internal/mpesa"
	"mpesa-service/internal/transaction"
)

var (
	initiatedCounter  = metrics.GetOrCreateCounter(`stkpush_total{result="initiated"}`)
	invalidCounter    = metrics.GetOrCreateCounter(`stkpush_total{result="invalid"}`)
	rejectedCounter   = metrics.GetOrCreateCounter(`stkpush_total{result="gateway_error"}`)
	statusHitCounter  = metrics.GetOrCreateCounter(`status_query_total{source="store"}`)
	archiveHitCounter = metrics.GetOrCreateCounter(`status_query_total{source="archive"}`)
	statusMissCounter = metrics.GetOrCreateCounter(`status_query_total{source="none"}`)
	initiateDuration  = metrics.GetOrCreateHistogram(`stkpush_duration_seconds`)
)

// ErrGateway marks failures of the gateway round trip: auth, rejection, transport or timeout.
var ErrGateway = errors.New("payment gateway request failed")

type Gateway interface {
	BuildPushRequest(phone string, amount int64) (*mpesa.PushRequest, error)
	Submit(ctx context.Context, pr *mpesa.PushRequest) (*mpesa.PushResponse, error)
}

type Store interface {
	Create(checkoutID string, details json.RawMessage, nonce string) (transaction.Record, error)
	Get(checkoutID string) (transaction.Record, error)
}

// ArchiveReader looks up records that have been evicted from the store.
type ArchiveReader interface {
	FindByCheckoutID(ctx context.Context, checkoutID string) (transaction.Record, error)
}

type Notifier interface {
	Notify(ctx context.Context, rec transaction.Record)
}

type Options struct {
	TestMSISDN  string
	CountryCode string
	// MaxAmount is the largest whole-shilling amount accepted. Zero leaves only the int64 bound.
	MaxAmount int64
}

type PaymentService struct {
	gateway  Gateway
	store    Store
	archive  ArchiveReader
	notifier Notifier
	signer   *callback.Signer
	opts     Options
	logger   *slog.Logger
}

// NewPaymentService wires the use cases. archive may be nil.
func NewPaymentService(gateway Gateway, store Store, archive ArchiveReader, notifier Notifier, signer *callback.Signer, opts Options, logger *slog.Logger) *PaymentService {
	return &PaymentService{
		gateway:  gateway,
		store:    store,
		archive:  archive,
		notifier: notifier,
		signer:   signer,
		opts:     opts,
		logger:   logger,
	}
}

type InitiateRequest struct {
	Phone  string          `json:"phone"`
	Amount decimal.Decimal `json:"amount"`
}

// Initiate asks the gateway to prompt the payer and records the checkout as pending.
// Nothing is recorded when validation or the gateway fails.
func (s *PaymentService) Initiate(ctx context.Context, req InitiateRequest) (*mpesa.PushResponse, error) {
	defer initiateDuration.UpdateDuration(time.Now())

	phone := req.Phone
	if phone == "" {
		phone = s.opts.TestMSISDN
	}
	phone, err := mpesa.NormalizePhone(phone, s.opts.CountryCode)
	if err != nil {
		invalidCounter.Inc()
		return nil, err
	}

	rounded := req.Amount.Ceil()
	if req.Amount.LessThan(decimal.NewFromInt(1)) || rounded.GreaterThan(s.maxAmount()) {
		invalidCounter.Inc()
		return nil, mpesa.ErrInvalidAmount
	}
	amount := rounded.IntPart()

	pr, err := s.gateway.BuildPushRequest(phone, amount)
	if err != nil {
		invalidCounter.Inc()
		return nil, err
	}

	token, nonce, err := s.signer.Issue()
	if err != nil {
		return nil, err
	}
	if pr.CallBackURL, err = callback.SignedURL(pr.CallBackURL, token); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Initiating STK push", "phone", mpesa.MaskPhone(phone), "amount", amount)

	resp, err := s.gateway.Submit(ctx, pr)
	if err != nil {
		rejectedCounter.Inc()
		s.logger.ErrorContext(ctx, "STK push failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("checkoutId", resp.CheckoutRequestID))

	rec, err := s.store.Create(resp.CheckoutRequestID, resp.Raw, nonce)
	if err != nil {
		return nil, fmt.Errorf("record checkout: %w", err)
	}

	initiatedCounter.Inc()
	s.logger.InfoContext(ctx, "STK push accepted", "merchantRequestId", resp.MerchantRequestID)
	s.notifier.Notify(ctx, rec)

	return resp, nil
}

// Status returns the current record for checkoutID, falling back to the archive for evicted records.
func (s *PaymentService) Status(ctx context.Context, checkoutID string) (transaction.Record, error) {
	rec, err := s.store.Get(checkoutID)
	if err == nil {
		statusHitCounter.Inc()
		return rec, nil
	}
	if !errors.Is(err, transaction.ErrNotFound) || s.archive == nil {
		statusMissCounter.Inc()
		return transaction.Record{}, err
	}

	rec, err = s.archive.FindByCheckoutID(ctx, checkoutID)
	if err != nil {
		if !errors.Is(err, transaction.ErrNotFound) {
			s.logger.ErrorContext(ctx, "Archive lookup failed", "checkoutId", checkoutID, "error", err)
		}
		statusMissCounter.Inc()
		return transaction.Record{}, err
	}
	archiveHitCounter.Inc()
	return rec, nil
}

func (s *PaymentService) maxAmount() decimal.Decimal {
	if s.opts.MaxAmount > 0 {
		return decimal.NewFromInt(s.opts.MaxAmount)
	}
	return decimal.NewFromInt(math.MaxInt64)
}
