// Package payload holds the wire shapes of the M-PESA STK push callback.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Callback is the envelope Daraja posts to the CallBackURL.
type Callback struct {
	Body *CallbackBody `json:"Body"`
}

type CallbackBody struct {
	STKCallback *STKCallback `json:"stkCallback"`
}

type STKCallback struct {
	MerchantRequestID string    `json:"MerchantRequestID"`
	CheckoutRequestID string    `json:"CheckoutRequestID"`
	ResultCode        *int      `json:"ResultCode"`
	ResultDesc        string    `json:"ResultDesc"`
	CallbackMetadata  *Metadata `json:"CallbackMetadata,omitempty"`
}

// Metadata is only present on successful payments.
type Metadata struct {
	Item []MetadataItem `json:"Item"`
}

// UnmarshalJSON accepts Item as an array or as a single object. Any other shape leaves the
// metadata empty; the callback's id, code and description do not depend on it.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	m.Item = nil

	var raw struct {
		Item json.RawMessage `json:"Item"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	item := bytes.TrimSpace(raw.Item)
	switch {
	case len(item) == 0:
	case item[0] == '[':
		var items []MetadataItem
		if err := json.Unmarshal(item, &items); err == nil {
			m.Item = items
		}
	case item[0] == '{':
		var single MetadataItem
		if err := json.Unmarshal(item, &single); err == nil {
			m.Item = []MetadataItem{single}
		}
	}
	return nil
}

type MetadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

const ReceiptNumberItem = "MpesaReceiptNumber"

// Decode parses raw into a Callback and checks the nested structure the receiver depends on.
func Decode(raw []byte) (*STKCallback, error) {
	var cb Callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}
	if cb.Body == nil || cb.Body.STKCallback == nil {
		return nil, fmt.Errorf("callback has no Body.stkCallback")
	}
	stk := cb.Body.STKCallback
	if stk.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback has no CheckoutRequestID")
	}
	if stk.ResultCode == nil {
		return nil, fmt.Errorf("callback has no ResultCode")
	}
	return stk, nil
}

// Value returns the metadata item named name, compared case-insensitively.
func (m *Metadata) Value(name string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, it := range m.Item {
		if strings.EqualFold(it.Name, name) && it.Value != nil {
			return it.Value, true
		}
	}
	return nil, false
}

// ReceiptNumber extracts the gateway receipt number from a raw callback envelope.
// Items whose name mentions "receipt" are accepted when the canonical name is absent.
func ReceiptNumber(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var cb Callback
	if err := json.Unmarshal(raw, &cb); err != nil || cb.Body == nil || cb.Body.STKCallback == nil {
		return ""
	}
	md := cb.Body.STKCallback.CallbackMetadata
	if v, ok := md.Value(ReceiptNumberItem); ok {
		return stringify(v)
	}
	if md == nil {
		return ""
	}
	for _, it := range md.Item {
		if strings.Contains(strings.ToLower(it.Name), "receipt") && it.Value != nil {
			return stringify(it.Value)
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
