package transaction

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CreateAndGet(t *testing.T) {
	s := NewStore()

	rec, err := s.Create("ws_CO_1", json.RawMessage(`{"CheckoutRequestID":"ws_CO_1"}`), "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "nonce-1", rec.Nonce())

	got, err := s.Get("ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, rec.CheckoutID, got.CheckoutID)
	assert.JSONEq(t, `{"CheckoutRequestID":"ws_CO_1"}`, string(got.Details))

	_, err = s.Create("ws_CO_1", nil, "")
	assert.ErrorIs(t, err, ErrExists)
}

func TestStore_GetUnknown(t *testing.T) {
	_, err := NewStore().Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ApplyCallback(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		expected Status
	}{
		{name: "Success", code: 0, expected: StatusSuccess},
		{name: "Cancelled", code: ResultCodeCancelled, expected: StatusCancelled},
		{name: "CancelledAfterTimeout", code: 1032, expected: StatusFailed},
		{name: "Timeout", code: 1037, expected: StatusFailed},
		{name: "OtherFailure", code: 2001, expected: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			_, err := s.Create("ws_CO_1", nil, "")
			require.NoError(t, err)

			rec, changed, err := s.ApplyCallback("ws_CO_1", tt.code, "desc", json.RawMessage(`{"Body":{}}`))
			require.NoError(t, err)
			assert.True(t, changed)
			assert.Equal(t, tt.expected, rec.Status)
			require.NotNil(t, rec.ResultCode)
			assert.Equal(t, tt.code, *rec.ResultCode)
			assert.Equal(t, "desc", rec.ResultDesc)

			stored, err := s.Get("ws_CO_1")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, stored.Status)
		})
	}
}

func TestStore_ApplyCallback_TerminalIsFinal(t *testing.T) {
	s := NewStore()
	_, err := s.Create("ws_CO_1", nil, "")
	require.NoError(t, err)

	_, changed, err := s.ApplyCallback("ws_CO_1", 0, "ok", nil)
	require.NoError(t, err)
	require.True(t, changed)

	rec, changed, err := s.ApplyCallback("ws_CO_1", 2001, "late failure", nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "ok", rec.ResultDesc)
}

func TestStore_ApplyCallback_UnknownCreatesNothing(t *testing.T) {
	s := NewStore()

	_, changed, err := s.ApplyCallback("forged", 0, "ok", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, changed)
	assert.Equal(t, 0, s.Len())
}

func TestStore_ApplyCallback_ConcurrentRedeliveryChangesOnce(t *testing.T) {
	s := NewStore()
	_, err := s.Create("ws_CO_1", nil, "")
	require.NoError(t, err)

	var changes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, changed, err := s.ApplyCallback("ws_CO_1", 0, "ok", nil); err == nil && changed {
				changes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), changes.Load())
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := NewStore()
	_, err := s.Create("ws_CO_1", json.RawMessage(`{"a":1}`), "")
	require.NoError(t, err)

	rec, err := s.Get("ws_CO_1")
	require.NoError(t, err)
	rec.Status = StatusSuccess
	rec.Details[2] = 'b'

	again, err := s.Get("ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
	assert.JSONEq(t, `{"a":1}`, string(again.Details))
}

func TestStore_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore()
	s.now = func() time.Time { return now }

	_, _ = s.Create("old-terminal", nil, "")
	_, _, _ = s.ApplyCallback("old-terminal", 0, "ok", nil)
	_, _ = s.Create("old-pending", nil, "")

	now = now.Add(25 * time.Hour)
	_, _ = s.Create("new-terminal", nil, "")
	_, _, _ = s.ApplyCallback("new-terminal", 1, "cancelled", nil)

	expired := s.Expired(now.Add(-24 * time.Hour))
	require.Len(t, expired, 1)
	assert.Equal(t, "old-terminal", expired[0].CheckoutID)

	s.Delete("old-terminal")
	assert.Equal(t, 2, s.Len())
}
