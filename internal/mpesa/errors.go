package mpesa

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidPhone  = errors.New("phone must be 12 digits, e.g. 2547XXXXXXXX")
	ErrInvalidAmount = errors.New("amount must be a number from 1 up to the transaction limit")
)

// GatewayError is a rejection reported by Daraja, either as an HTTP error or a non-zero ResponseCode.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway rejected request (http %d, code %s): %s", e.StatusCode, e.Code, e.Message)
}

// IsValidation reports whether err is an input problem the caller can fix.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPhone) || errors.Is(err, ErrInvalidAmount)
}
