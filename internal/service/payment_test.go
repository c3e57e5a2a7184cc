package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpesa-service/internal/callback"
	"mpesa-service/internal/mpesa"
	"mpesa-service/internal/transaction"
)

type stubGateway struct {
	submitted *mpesa.PushRequest
	resp      *mpesa.PushResponse
	err       error
}

func (g *stubGateway) BuildPushRequest(phone string, amount int64) (*mpesa.PushRequest, error) {
	return &mpesa.PushRequest{
		PhoneNumber: phone,
		PartyA:      phone,
		Amount:      amount,
		CallBackURL: "https://example.com/callback",
	}, nil
}

func (g *stubGateway) Submit(_ context.Context, pr *mpesa.PushRequest) (*mpesa.PushResponse, error) {
	g.submitted = pr
	return g.resp, g.err
}

type recordingNotifier struct {
	records []transaction.Record
}

func (n *recordingNotifier) Notify(_ context.Context, rec transaction.Record) {
	n.records = append(n.records, rec)
}

type stubArchive struct {
	records map[string]transaction.Record
	err     error
}

func (a *stubArchive) FindByCheckoutID(_ context.Context, checkoutID string) (transaction.Record, error) {
	if a.err != nil {
		return transaction.Record{}, a.err
	}
	rec, ok := a.records[checkoutID]
	if !ok {
		return transaction.Record{}, transaction.ErrNotFound
	}
	return rec, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func accepted(checkoutID string) *mpesa.PushResponse {
	raw, _ := json.Marshal(map[string]string{
		"MerchantRequestID":   "29115-34620561-1",
		"CheckoutRequestID":   checkoutID,
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
	})
	return &mpesa.PushResponse{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: checkoutID,
		ResponseCode:      "0",
		Raw:               raw,
	}
}

var testOptions = Options{TestMSISDN: "254705809412", CountryCode: "254", MaxAmount: 250_000}

func TestPaymentService_Initiate(t *testing.T) {
	tests := []struct {
		name           string
		req            InitiateRequest
		expectedPhone  string
		expectedAmount int64
		expectedErr    error
	}{
		{
			name:           "LocalFormatPhone",
			req:            InitiateRequest{Phone: "0712345678", Amount: decimal.NewFromInt(100)},
			expectedPhone:  "254712345678",
			expectedAmount: 100,
		},
		{
			name:           "EmptyPhoneUsesTestNumber",
			req:            InitiateRequest{Amount: decimal.NewFromInt(1)},
			expectedPhone:  "254705809412",
			expectedAmount: 1,
		},
		{
			name:           "FractionalAmountRoundsUp",
			req:            InitiateRequest{Phone: "254712345678", Amount: decimal.RequireFromString("10.20")},
			expectedPhone:  "254712345678",
			expectedAmount: 11,
		},
		{
			name:        "InvalidPhone",
			req:         InitiateRequest{Phone: "12345", Amount: decimal.NewFromInt(10)},
			expectedErr: mpesa.ErrInvalidPhone,
		},
		{
			name:        "ZeroAmount",
			req:         InitiateRequest{Phone: "254712345678", Amount: decimal.Zero},
			expectedErr: mpesa.ErrInvalidAmount,
		},
		{
			name:        "SubShillingAmount",
			req:         InitiateRequest{Phone: "254712345678", Amount: decimal.RequireFromString("0.5")},
			expectedErr: mpesa.ErrInvalidAmount,
		},
		{
			name:           "AtTransactionLimit",
			req:            InitiateRequest{Phone: "254712345678", Amount: decimal.NewFromInt(250_000)},
			expectedPhone:  "254712345678",
			expectedAmount: 250_000,
		},
		{
			name:        "AboveTransactionLimit",
			req:         InitiateRequest{Phone: "254712345678", Amount: decimal.RequireFromString("250000.01")},
			expectedErr: mpesa.ErrInvalidAmount,
		},
		{
			name:        "BeyondInt64",
			req:         InitiateRequest{Phone: "254712345678", Amount: decimal.RequireFromString("100000000000000000000")},
			expectedErr: mpesa.ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gateway := &stubGateway{resp: accepted("ws_CO_1")}
			store := transaction.NewStore()
			notifier := &recordingNotifier{}
			svc := NewPaymentService(gateway, store, nil, notifier, callback.NewSigner("", time.Hour), testOptions, testLogger())

			resp, err := svc.Initiate(context.Background(), tt.req)

			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				assert.Nil(t, gateway.submitted)
				assert.Zero(t, store.Len())
				assert.Empty(t, notifier.records)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "ws_CO_1", resp.CheckoutRequestID)
			assert.Equal(t, tt.expectedPhone, gateway.submitted.PhoneNumber)
			assert.Equal(t, tt.expectedAmount, gateway.submitted.Amount)

			rec, err := store.Get("ws_CO_1")
			require.NoError(t, err)
			assert.Equal(t, transaction.StatusPending, rec.Status)
			assert.JSONEq(t, string(resp.Raw), string(rec.Details))

			require.Len(t, notifier.records, 1)
			assert.Equal(t, transaction.StatusPending, notifier.records[0].Status)
		})
	}
}

func TestPaymentService_InitiateWithoutLimitStillBoundsAmount(t *testing.T) {
	gateway := &stubGateway{resp: accepted("ws_CO_1")}
	svc := NewPaymentService(gateway, transaction.NewStore(), nil, &recordingNotifier{}, callback.NewSigner("", time.Hour),
		Options{CountryCode: "254"}, testLogger())

	_, err := svc.Initiate(context.Background(), InitiateRequest{Phone: "254712345678", Amount: decimal.RequireFromString("100000000000000000000")})

	require.ErrorIs(t, err, mpesa.ErrInvalidAmount)
	assert.Nil(t, gateway.submitted)
}

func TestPaymentService_InitiateGatewayFailure(t *testing.T) {
	gwErr := &mpesa.GatewayError{StatusCode: 500, Code: "500.001.1001", Message: "Unable to lock subscriber"}
	gateway := &stubGateway{err: gwErr}
	store := transaction.NewStore()
	notifier := &recordingNotifier{}
	svc := NewPaymentService(gateway, store, nil, notifier, callback.NewSigner("", time.Hour), testOptions, testLogger())

	_, err := svc.Initiate(context.Background(), InitiateRequest{Phone: "254712345678", Amount: decimal.NewFromInt(5)})

	require.ErrorIs(t, err, ErrGateway)
	var target *mpesa.GatewayError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "500.001.1001", target.Code)
	assert.Zero(t, store.Len())
	assert.Empty(t, notifier.records)
}

func TestPaymentService_InitiateSignsCallbackURL(t *testing.T) {
	signer := callback.NewSigner("s3cret", time.Hour)
	gateway := &stubGateway{resp: accepted("ws_CO_1")}
	store := transaction.NewStore()
	svc := NewPaymentService(gateway, store, nil, &recordingNotifier{}, signer, testOptions, testLogger())

	_, err := svc.Initiate(context.Background(), InitiateRequest{Phone: "254712345678", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)

	u, err := url.Parse(gateway.submitted.CallBackURL)
	require.NoError(t, err)
	nonce, err := signer.Verify(u.Query().Get(callback.TokenParam))
	require.NoError(t, err)

	rec, err := store.Get("ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, nonce, rec.Nonce())
}

func TestPaymentService_Status(t *testing.T) {
	store := transaction.NewStore()
	_, err := store.Create("ws_CO_live", nil, "")
	require.NoError(t, err)

	code := 0
	archive := &stubArchive{records: map[string]transaction.Record{
		"ws_CO_old": {CheckoutID: "ws_CO_old", Status: transaction.StatusSuccess, ResultCode: &code},
	}}

	tests := []struct {
		name           string
		archive        ArchiveReader
		checkoutID     string
		expectedStatus transaction.Status
		expectedErr    error
	}{
		{name: "InStore", archive: archive, checkoutID: "ws_CO_live", expectedStatus: transaction.StatusPending},
		{name: "Archived", archive: archive, checkoutID: "ws_CO_old", expectedStatus: transaction.StatusSuccess},
		{name: "Unknown", archive: archive, checkoutID: "ws_CO_none", expectedErr: transaction.ErrNotFound},
		{name: "NoArchive", archive: nil, checkoutID: "ws_CO_old", expectedErr: transaction.ErrNotFound},
		{name: "ArchiveDown", archive: &stubArchive{err: errors.New("connection refused")}, checkoutID: "ws_CO_old"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewPaymentService(&stubGateway{}, store, tt.archive, &recordingNotifier{}, callback.NewSigner("", time.Hour), testOptions, testLogger())

			rec, err := svc.Status(context.Background(), tt.checkoutID)

			if tt.expectedStatus == "" {
				require.Error(t, err)
				if tt.expectedErr != nil {
					assert.ErrorIs(t, err, tt.expectedErr)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, rec.Status)
		})
	}
}
