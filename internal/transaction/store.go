// Package transaction keeps the checkout id → status registry owned by the server process.
package transaction

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("transaction not found")
	ErrExists   = errors.New("transaction already exists")
)

// Store is an in-memory registry. Every read returns a copy; the map is never shared.
// A record leaves pending exactly once.
type Store struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (s *Store) Create(checkoutID string, details json.RawMessage, nonce string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[checkoutID]; ok {
		return Record{}, ErrExists
	}

	now := s.now()
	rec := &Record{
		CheckoutID: checkoutID,
		Status:     StatusPending,
		Details:    append(json.RawMessage(nil), details...),
		CreatedAt:  now,
		UpdatedAt:  now,
		nonce:      nonce,
	}
	s.records[checkoutID] = rec
	return rec.clone(), nil
}

func (s *Store) Get(checkoutID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[checkoutID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

// ApplyCallback moves a pending record to the terminal status derived from resultCode.
// changed is false when the record was already terminal; the stored record is returned untouched.
func (s *Store) ApplyCallback(checkoutID string, resultCode int, resultDesc string, raw json.RawMessage) (rec Record, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[checkoutID]
	if !ok {
		return Record{}, false, ErrNotFound
	}
	if stored.Status.Terminal() {
		return stored.clone(), false, nil
	}

	code := resultCode
	stored.Status = StatusFromResultCode(resultCode)
	stored.ResultCode = &code
	stored.ResultDesc = resultDesc
	stored.Callback = append(json.RawMessage(nil), raw...)
	stored.UpdatedAt = s.now()

	return stored.clone(), true, nil
}

// Expired returns terminal records last updated before cutoff.
func (s *Store) Expired(cutoff time.Time) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.records {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec.clone())
		}
	}
	return out
}

func (s *Store) Delete(checkoutID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, checkoutID)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
