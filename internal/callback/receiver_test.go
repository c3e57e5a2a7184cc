package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpesa-service/internal/transaction"
)

type recordingNotifier struct {
	mu      sync.Mutex
	records []transaction.Record
}

func (n *recordingNotifier) Notify(_ context.Context, rec transaction.Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, rec)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func callbackBody(checkoutID string, code int, desc string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":%q}}}`, checkoutID, code, desc))
}

func TestReceiver_Receive(t *testing.T) {
	tests := []struct {
		name           string
		body           []byte
		expectedErr    error
		expectedStatus transaction.Status
	}{
		{
			name:           "Success",
			body:           callbackBody("ws_CO_1", 0, "The service request is processed successfully."),
			expectedStatus: transaction.StatusSuccess,
		},
		{
			name:           "Cancelled",
			body:           callbackBody("ws_CO_1", 1, "Request cancelled by user"),
			expectedStatus: transaction.StatusCancelled,
		},
		{
			name:           "InsufficientFunds",
			body:           callbackBody("ws_CO_1", 2001, "The initiator information is invalid."),
			expectedStatus: transaction.StatusFailed,
		},
		{
			name:        "UnknownCheckout",
			body:        callbackBody("ws_CO_missing", 0, "ok"),
			expectedErr: transaction.ErrNotFound,
		},
		{
			name:        "MissingBody",
			body:        []byte(`{"foo":"bar"}`),
			expectedErr: ErrMalformed,
		},
		{
			name:        "NotJSON",
			body:        []byte(`not json`),
			expectedErr: ErrMalformed,
		},
		{
			name:        "MissingResultCode",
			body:        []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1"}}}`),
			expectedErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := transaction.NewStore()
			_, err := store.Create("ws_CO_1", nil, "")
			require.NoError(t, err)
			notifier := &recordingNotifier{}
			receiver := NewReceiver(store, notifier, NewSigner("", time.Hour), testLogger())

			res, err := receiver.Receive(context.Background(), tt.body, "")

			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				assert.Zero(t, notifier.count())
				rec, _ := store.Get("ws_CO_1")
				assert.Equal(t, transaction.StatusPending, rec.Status)
				return
			}

			require.NoError(t, err)
			assert.True(t, res.Changed)
			assert.Equal(t, tt.expectedStatus, res.Record.Status)
			assert.JSONEq(t, string(tt.body), string(res.Record.Callback))
			assert.Equal(t, 1, notifier.count())
		})
	}
}

func TestReceiver_DuplicateDoesNotRebroadcast(t *testing.T) {
	store := transaction.NewStore()
	_, err := store.Create("ws_CO_1", nil, "")
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	receiver := NewReceiver(store, notifier, NewSigner("", time.Hour), testLogger())

	first, err := receiver.Receive(context.Background(), callbackBody("ws_CO_1", 0, "ok"), "")
	require.NoError(t, err)
	assert.True(t, first.Changed)

	second, err := receiver.Receive(context.Background(), callbackBody("ws_CO_1", 1, "late cancel"), "")
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, transaction.StatusSuccess, second.Record.Status)
	assert.Equal(t, 1, notifier.count())
}

func TestReceiver_SignedCallbacks(t *testing.T) {
	signer := NewSigner("s3cret", time.Hour)
	token, nonce, err := signer.Issue()
	require.NoError(t, err)
	otherToken, _, err := signer.Issue()
	require.NoError(t, err)
	forged, _, err := NewSigner("other", time.Hour).Issue()
	require.NoError(t, err)

	tests := []struct {
		name        string
		token       string
		expectedErr error
	}{
		{name: "ValidToken", token: token},
		{name: "MissingToken", token: "", expectedErr: ErrUnauthorized},
		{name: "ForgedToken", token: forged, expectedErr: ErrUnauthorized},
		{name: "TokenOfAnotherCheckout", token: otherToken, expectedErr: ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := transaction.NewStore()
			_, err := store.Create("ws_CO_1", nil, nonce)
			require.NoError(t, err)
			notifier := &recordingNotifier{}
			receiver := NewReceiver(store, notifier, signer, testLogger())

			_, err = receiver.Receive(context.Background(), callbackBody("ws_CO_1", 0, "ok"), tt.token)

			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				assert.Zero(t, notifier.count())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, notifier.count())
		})
	}
}

func TestReceiver_ConcurrentRedeliveryBroadcastsOnce(t *testing.T) {
	store := transaction.NewStore()
	_, err := store.Create("ws_CO_1", nil, "")
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	receiver := NewReceiver(store, notifier, NewSigner("", time.Hour), testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := receiver.Receive(context.Background(), callbackBody("ws_CO_1", 0, "ok"), "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, notifier.count())
	var stored map[string]any
	rec, err := store.Get("ws_CO_1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rec.Callback, &stored))
}
