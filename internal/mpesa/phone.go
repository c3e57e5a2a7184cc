package mpesa

import (
	"strings"
)

const subscriberDigits = 9

// NormalizePhone rewrites raw into the <country code><subscriber number> form the gateway expects.
// Non-digits are dropped, a leading trunk 0 is replaced by countryCode, a bare subscriber number is
// prefixed with it, and an already well-formed number is returned as is.
func NormalizePhone(raw, countryCode string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	switch {
	case len(digits) == subscriberDigits+1 && digits[0] == '0':
		digits = countryCode + digits[1:]
	case len(digits) == subscriberDigits:
		digits = countryCode + digits
	}

	if !ValidPhone(digits, countryCode) {
		return "", ErrInvalidPhone
	}
	return digits, nil
}

// ValidPhone reports whether phone is exactly countryCode followed by a subscriber number.
func ValidPhone(phone, countryCode string) bool {
	if len(phone) != len(countryCode)+subscriberDigits || !strings.HasPrefix(phone, countryCode) {
		return false
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MaskPhone hides all but the country code and the last three digits, for logging.
func MaskPhone(phone string) string {
	if len(phone) < 6 {
		return phone
	}
	masked := []byte(phone)
	for i := 3; i < len(masked)-3; i++ {
		masked[i] = '*'
	}
	return string(masked)
}
