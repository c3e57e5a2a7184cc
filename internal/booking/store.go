package booking

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var ErrNotFound = errors.New("booking not found")

// FileStore keeps every booking in a single JSON array file.
// Writes go through a temp file and a rename so a crash never leaves a torn file.
type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Save stores b as a new booking, filling in id, timestamp and status when unset.
func (s *FileStore) Save(b Booking) (Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bookings, err := s.load()
	if err != nil {
		return Booking{}, err
	}

	if b.ID == "" {
		b.ID = NewID()
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = s.now().UTC()
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	for _, existing := range bookings {
		if existing.ID == b.ID {
			return Booking{}, fmt.Errorf("booking %s already exists", b.ID)
		}
	}

	bookings = append(bookings, b)
	if err := s.write(bookings); err != nil {
		return Booking{}, err
	}
	return b, nil
}

func (s *FileStore) Get(id string) (Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bookings, err := s.load()
	if err != nil {
		return Booking{}, err
	}
	for _, b := range bookings {
		if b.ID == id {
			return b, nil
		}
	}
	return Booking{}, ErrNotFound
}

func (s *FileStore) List() ([]Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) SetStatus(id string, status Status) (Booking, error) {
	return s.update(id, func(b *Booking) { b.Status = status })
}

// AttachCheckout records the checkout id returned for this booking's payment.
func (s *FileStore) AttachCheckout(id, checkoutID string) (Booking, error) {
	return s.update(id, func(b *Booking) { b.CheckoutID = checkoutID })
}

func (s *FileStore) SetReceipt(id, receipt string) (Booking, error) {
	return s.update(id, func(b *Booking) { b.MpesaReceipt = receipt })
}

func (s *FileStore) update(id string, mutate func(*Booking)) (Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bookings, err := s.load()
	if err != nil {
		return Booking{}, err
	}
	for i := range bookings {
		if bookings[i].ID != id {
			continue
		}
		mutate(&bookings[i])
		if err := s.write(bookings); err != nil {
			return Booking{}, err
		}
		return bookings[i], nil
	}
	return Booking{}, ErrNotFound
}

func (s *FileStore) load() ([]Booking, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bookings: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var bookings []Booking
	if err := json.Unmarshal(data, &bookings); err != nil {
		return nil, fmt.Errorf("decode bookings: %w", err)
	}
	return bookings, nil
}

func (s *FileStore) write(bookings []Booking) error {
	data, err := json.MarshalIndent(bookings, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir bookings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".bookings-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write bookings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
