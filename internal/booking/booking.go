// Package booking persists the customer's bookings on the client side.
package booking

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

type Booking struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	CustomerName  string          `json:"customerName"`
	Email         string          `json:"email,omitempty"`
	Phone         string          `json:"phone"`
	EventTitle    string          `json:"eventTitle"`
	EventDate     string          `json:"eventDate"`
	Adults        int             `json:"adults"`
	Children      int             `json:"children"`
	AdultsNames   []string        `json:"adultsNames,omitempty"`
	ChildrenNames []string        `json:"childrenNames,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentType   string          `json:"paymentType"`
	Status        Status          `json:"status"`
	CheckoutID    string          `json:"checkoutId,omitempty"`
	MpesaReceipt  string          `json:"mpesaReceipt,omitempty"`
}

// NewID returns a booking reference such as SA-1F3A9C0B.
func NewID() string {
	return "SA-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
