package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"mpesa-service/internal/transaction"
)

type ArchiveRepository struct {
	pool *pgxpool.Pool
}

func NewArchiveRepository(pool *pgxpool.Pool) *ArchiveRepository {
	return &ArchiveRepository{pool: pool}
}

// Insert stores rec. Archiving the same checkout twice keeps the first copy.
func (r *ArchiveRepository) Insert(ctx context.Context, rec transaction.Record) error {
	e := entityFromRecord(rec)
	query := `INSERT INTO transaction_archive (checkout_id, status, result_code, result_desc, callback, details, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          ON CONFLICT (checkout_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, e.CheckoutID, e.Status, e.ResultCode, e.ResultDesc, e.Callback, e.Details, e.CreatedAt, e.UpdatedAt)
	return errors.Wrapf(err, "archive %s", rec.CheckoutID)
}

// FindByCheckoutID returns transaction.ErrNotFound when nothing was archived under checkoutID.
func (r *ArchiveRepository) FindByCheckoutID(ctx context.Context, checkoutID string) (transaction.Record, error) {
	query := `SELECT checkout_id, status, result_code, result_desc, callback, details, created_at, updated_at, archived_at
	          FROM transaction_archive WHERE checkout_id = $1`

	var e ArchiveEntity
	err := r.pool.QueryRow(ctx, query, checkoutID).Scan(&e.CheckoutID, &e.Status, &e.ResultCode, &e.ResultDesc,
		&e.Callback, &e.Details, &e.CreatedAt, &e.UpdatedAt, &e.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return transaction.Record{}, transaction.ErrNotFound
	}
	if err != nil {
		return transaction.Record{}, errors.Wrapf(err, "find archived %s", checkoutID)
	}
	return e.Record(), nil
}

func (r *ArchiveRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM transaction_archive`).Scan(&n)
	return n, err
}
