package db

import (
	"encoding/json"
	"time"

	"mpesa-service/internal/transaction"
)

type ArchiveEntity struct {
	CheckoutID string
	Status     string
	ResultCode *int
	ResultDesc string
	Callback   []byte
	Details    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt time.Time
}

func entityFromRecord(rec transaction.Record) ArchiveEntity {
	return ArchiveEntity{
		CheckoutID: rec.CheckoutID,
		Status:     string(rec.Status),
		ResultCode: rec.ResultCode,
		ResultDesc: rec.ResultDesc,
		Callback:   nullableJSON(rec.Callback),
		Details:    nullableJSON(rec.Details),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

func (e ArchiveEntity) Record() transaction.Record {
	return transaction.Record{
		CheckoutID: e.CheckoutID,
		Status:     transaction.Status(e.Status),
		ResultCode: e.ResultCode,
		ResultDesc: e.ResultDesc,
		Callback:   json.RawMessage(e.Callback),
		Details:    json.RawMessage(e.Details),
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

// nullableJSON maps an empty document to SQL NULL.
func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
