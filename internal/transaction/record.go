package transaction

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusUnknown is reported for ids the store has never seen. It is never stored.
	StatusUnknown Status = "unknown"
)

// ResultCodeCancelled is the code Daraja reports when the payer dismisses the prompt.
const ResultCodeCancelled = 1

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// StatusFromResultCode maps a gateway result code onto a terminal status.
func StatusFromResultCode(code int) Status {
	switch code {
	case 0:
		return StatusSuccess
	case ResultCodeCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

type Record struct {
	CheckoutID string          `json:"checkoutId"`
	Status     Status          `json:"status"`
	ResultCode *int            `json:"resultCode,omitempty"`
	ResultDesc string          `json:"resultDesc,omitempty"`
	Callback   json.RawMessage `json:"callback,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`

	nonce string
}

// Nonce is the callback token id issued with the push request, empty when callbacks are unsigned.
func (r Record) Nonce() string {
	return r.nonce
}

func (r Record) clone() Record {
	c := r
	if r.ResultCode != nil {
		code := *r.ResultCode
		c.ResultCode = &code
	}
	c.Callback = append(json.RawMessage(nil), r.Callback...)
	c.Details = append(json.RawMessage(nil), r.Details...)
	return c
}
