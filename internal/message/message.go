package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TransactionEvent is the broker representation of one transaction state change.
type TransactionEvent struct {
	ID         uuid.UUID          `json:"id"`
	Event      string             `json:"event"`
	Payload    TransactionPayload `json:"payload"`
	OccurredAt time.Time          `json:"occurredAt"`
}

type TransactionPayload struct {
	CheckoutID    string          `json:"checkoutId"`
	Status        string          `json:"status"`
	ResultCode    *int            `json:"resultCode,omitempty"`
	ResultDesc    string          `json:"resultDesc,omitempty"`
	ReceiptNumber string          `json:"receiptNumber,omitempty"`
	Callback      json.RawMessage `json:"callback,omitempty"`
}

// EventName is the routing name for a status, e.g. "transaction.success".
func EventName(status string) string {
	return "transaction." + status
}
