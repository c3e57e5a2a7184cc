package db

import (
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"mpesa-service/internal/testhelpers"
	"mpesa-service/internal/transaction"
)

type ArchiveRepositoryTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	sut         *ArchiveRepository
	ctx         context.Context
}

func (s *ArchiveRepositoryTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := RunMigrations(pgContainer.ConnectionString, ""); err != nil {
		log.Fatal(err)
	}

	pool, err := GetPool(s.ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.sut = NewArchiveRepository(pool)
}

func (s *ArchiveRepositoryTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *ArchiveRepositoryTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, "DELETE FROM transaction_archive")
	if err != nil {
		log.Fatalf("error truncating transaction_archive table: %s", err)
	}
}

func terminalRecord(checkoutID string) transaction.Record {
	code := 0
	now := time.Now().UTC().Truncate(time.Millisecond)
	return transaction.Record{
		CheckoutID: checkoutID,
		Status:     transaction.StatusSuccess,
		ResultCode: &code,
		ResultDesc: "The service request is processed successfully.",
		Callback:   json.RawMessage(`{"Body":{"stkCallback":{"CheckoutRequestID":"` + checkoutID + `","ResultCode":0}}}`),
		Details:    json.RawMessage(`{"ResponseCode":"0"}`),
		CreatedAt:  now.Add(-time.Minute),
		UpdatedAt:  now,
	}
}

func (s *ArchiveRepositoryTestSuite) TestInsertAndFind() {
	t := s.T()

	rec := terminalRecord("ws_CO_1")
	require.NoError(t, s.sut.Insert(s.ctx, rec))

	found, err := s.sut.FindByCheckoutID(s.ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusSuccess, found.Status)
	assert.Equal(t, 0, *found.ResultCode)
	assert.JSONEq(t, string(rec.Callback), string(found.Callback))
	assert.JSONEq(t, string(rec.Details), string(found.Details))
	assert.True(t, rec.UpdatedAt.Equal(found.UpdatedAt))
}

func (s *ArchiveRepositoryTestSuite) TestInsertTwiceKeepsFirst() {
	t := s.T()

	rec := terminalRecord("ws_CO_1")
	require.NoError(t, s.sut.Insert(s.ctx, rec))

	rec.ResultDesc = "changed"
	require.NoError(t, s.sut.Insert(s.ctx, rec))

	found, err := s.sut.FindByCheckoutID(s.ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, "The service request is processed successfully.", found.ResultDesc)

	n, err := s.sut.Count(s.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func (s *ArchiveRepositoryTestSuite) TestInsertWithoutCallback() {
	t := s.T()

	rec := terminalRecord("ws_CO_2")
	rec.Callback = nil
	rec.Status = transaction.StatusFailed
	require.NoError(t, s.sut.Insert(s.ctx, rec))

	found, err := s.sut.FindByCheckoutID(s.ctx, "ws_CO_2")
	require.NoError(t, err)
	assert.Empty(t, found.Callback)
}

func (s *ArchiveRepositoryTestSuite) TestFindMissing() {
	_, err := s.sut.FindByCheckoutID(s.ctx, "ws_CO_missing")
	assert.ErrorIs(s.T(), err, transaction.ErrNotFound)
}

func TestArchiveRepositoryTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	suite.Run(t, new(ArchiveRepositoryTestSuite))
}
