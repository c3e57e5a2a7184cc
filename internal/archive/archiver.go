// Package archive evicts settled transactions from the in-memory store.
package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"

	"mpesa-service/internal/logcontext"
	"mpesa-service/internal/transaction"
)

var (
	archivedCounter = metrics.GetOrCreateCounter(`archiver_total{result="archived"}`)
	evictedCounter  = metrics.GetOrCreateCounter(`archiver_total{result="evicted"}`)
	errorCounter    = metrics.GetOrCreateCounter(`archiver_total{result="error"}`)

	runDurationHistogram = metrics.GetOrCreateHistogram(`archiver_run_duration_milliseconds`)
)

// DefaultInterval is used when the configured sweep interval is not positive.
const DefaultInterval = time.Minute

type Store interface {
	Expired(cutoff time.Time) []transaction.Record
	Delete(checkoutID string)
}

type Repository interface {
	Insert(ctx context.Context, rec transaction.Record) error
}

type Archiver struct {
	store     Store
	repo      Repository
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiver builds an archiver. With a nil repo expired records are dropped without being copied.
func NewArchiver(store Store, repo Repository, retention, interval time.Duration, logger *slog.Logger) *Archiver {
	if interval <= 0 {
		logger.Warn("Invalid archive interval, using default", "interval", interval, "default", DefaultInterval)
		interval = DefaultInterval
	}
	return &Archiver{
		store:     store,
		repo:      repo,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		logger:    logger,
	}
}

// Run sweeps the store every interval until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Sweep(ctx)
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "Context done, stopping archiver")
			return nil
		}
	}
}

// Sweep moves every terminal record older than the retention bound out of the store and returns how many left.
// A record whose archive write fails stays in the store for the next sweep.
func (a *Archiver) Sweep(ctx context.Context) int {
	startTime := time.Now()
	defer func() {
		runDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	expired := a.store.Expired(a.now().Add(-a.retention))
	if len(expired) == 0 {
		return 0
	}

	removed := 0
	for _, rec := range expired {
		recCtx := logcontext.AppendCtx(ctx, slog.String("checkoutId", rec.CheckoutID))

		if a.repo != nil {
			if err := a.repo.Insert(recCtx, rec); err != nil {
				a.logger.ErrorContext(recCtx, "Error archiving transaction", "error", err)
				errorCounter.Inc()
				continue
			}
			archivedCounter.Inc()
		}

		a.store.Delete(rec.CheckoutID)
		evictedCounter.Inc()
		removed++
	}

	a.logger.InfoContext(ctx, "Archived settled transactions", "count", removed, "expired", len(expired))
	return removed
}
