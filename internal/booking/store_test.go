package booking

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBooking() Booking {
	return Booking{
		CustomerName: "Arya Stark",
		Phone:        "254712345678",
		EventTitle:   "Hell's Gate Hike",
		EventDate:    "2026-11-14",
		Adults:       2,
		AdultsNames:  []string{"Arya Stark", "Sansa Stark"},
		Amount:       decimal.NewFromInt(3500),
		PaymentType:  "mpesa",
	}
}

func TestNewID(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^SA-[0-9A-F]{8}$`), NewID())
}

func TestFileStore_SaveAndGet(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "data", "bookings.json"))

	saved, err := store.Save(newBooking())
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, StatusPending, saved.Status)
	assert.False(t, saved.Timestamp.IsZero())

	got, err := store.Get(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, got.ID)
	assert.True(t, saved.Amount.Equal(got.Amount))
	assert.Equal(t, []string{"Arya Stark", "Sansa Stark"}, got.AdultsNames)

	_, err = store.Get("SA-MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_Updates(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "bookings.json"))
	first, err := store.Save(newBooking())
	require.NoError(t, err)
	second, err := store.Save(newBooking())
	require.NoError(t, err)

	_, err = store.AttachCheckout(first.ID, "ws_CO_1")
	require.NoError(t, err)
	_, err = store.SetReceipt(first.ID, "NLJ7RT61SV")
	require.NoError(t, err)
	updated, err := store.SetStatus(first.ID, StatusConfirmed)
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_1", updated.CheckoutID)
	assert.Equal(t, "NLJ7RT61SV", updated.MpesaReceipt)
	assert.Equal(t, StatusConfirmed, updated.Status)

	other, err := store.Get(second.ID)
	require.NoError(t, err)
	assert.Empty(t, other.CheckoutID, "correlation is per booking")
	assert.Equal(t, StatusPending, other.Status)

	_, err = store.SetStatus("SA-MISSING", StatusFailed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_ListEmptyAndCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookings.json")
	store := NewFileStore(path)

	list, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err = store.List()
	assert.Error(t, err)
}

func TestFileStore_ConcurrentSaves(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "bookings.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Save(newBooking())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := store.List()
	require.NoError(t, err)
	assert.Len(t, list, 10)
}
