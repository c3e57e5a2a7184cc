package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpesa-service/internal/transaction"
)

type memoryRepo struct {
	mu      sync.Mutex
	records map[string]transaction.Record
	failFor string
}

func (r *memoryRepo) Insert(_ context.Context, rec transaction.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.CheckoutID == r.failFor {
		return errors.New("connection reset")
	}
	if r.records == nil {
		r.records = make(map[string]transaction.Record)
	}
	r.records[rec.CheckoutID] = rec
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func settledStore(t *testing.T, ids ...string) *transaction.Store {
	store := transaction.NewStore()
	for _, id := range ids {
		_, err := store.Create(id, nil, "")
		require.NoError(t, err)
		_, _, err = store.ApplyCallback(id, 0, "ok", nil)
		require.NoError(t, err)
	}
	return store
}

func TestArchiver_Sweep(t *testing.T) {
	store := settledStore(t, "ws_CO_1", "ws_CO_2")
	_, err := store.Create("ws_CO_pending", nil, "")
	require.NoError(t, err)

	repo := &memoryRepo{}
	archiver := NewArchiver(store, repo, time.Hour, time.Minute, testLogger())

	assert.Zero(t, archiver.Sweep(context.Background()), "fresh records stay")

	archiver.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 2, archiver.Sweep(context.Background()))

	assert.Equal(t, 1, store.Len())
	_, err = store.Get("ws_CO_pending")
	assert.NoError(t, err, "pending records are never evicted")
	assert.Len(t, repo.records, 2)
	assert.Equal(t, transaction.StatusSuccess, repo.records["ws_CO_1"].Status)
}

func TestArchiver_FailedInsertKeepsRecord(t *testing.T) {
	store := settledStore(t, "ws_CO_1", "ws_CO_2")
	repo := &memoryRepo{failFor: "ws_CO_2"}
	archiver := NewArchiver(store, repo, time.Hour, time.Minute, testLogger())
	archiver.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	assert.Equal(t, 1, archiver.Sweep(context.Background()))

	_, err := store.Get("ws_CO_2")
	assert.NoError(t, err)
	_, err = store.Get("ws_CO_1")
	assert.ErrorIs(t, err, transaction.ErrNotFound)
}

func TestArchiver_WithoutRepositoryEvicts(t *testing.T) {
	store := settledStore(t, "ws_CO_1")
	archiver := NewArchiver(store, nil, time.Hour, time.Minute, testLogger())
	archiver.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	assert.Equal(t, 1, archiver.Sweep(context.Background()))
	assert.Zero(t, store.Len())
}

func TestArchiver_RunStopsOnCancel(t *testing.T) {
	store := settledStore(t)
	archiver := NewArchiver(store, nil, time.Hour, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- archiver.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("archiver did not stop")
	}
}

func TestNewArchiver_NonPositiveIntervalFallsBack(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		archiver := NewArchiver(settledStore(t), nil, time.Hour, interval, testLogger())
		assert.Equal(t, DefaultInterval, archiver.interval)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NotPanics(t, func() { _ = archiver.Run(ctx) })
	}
}
