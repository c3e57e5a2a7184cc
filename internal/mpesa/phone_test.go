package mpesa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "TrunkPrefix", input: "0712345678", expected: "254712345678"},
		{name: "SubscriberOnly", input: "712345678", expected: "254712345678"},
		{name: "AlreadyNormalized", input: "254712345678", expected: "254712345678"},
		{name: "PlusAndSpaces", input: "+254 712 345 678", expected: "254712345678"},
		{name: "Dashes", input: "0712-345-678", expected: "254712345678"},
		{name: "Airtel", input: "0110123456", expected: "254110123456"},
		{name: "TooShort", input: "07123456", wantErr: true},
		{name: "TenDigitsWithoutTrunk", input: "7123456789", wantErr: true},
		{name: "ForeignCountryCode", input: "255712345678", wantErr: true},
		{name: "TooLong", input: "2547123456789", wantErr: true},
		{name: "Empty", input: "", wantErr: true},
		{name: "Letters", input: "phone", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.input, "254")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPhone)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, got)
			assert.Len(t, got, 12)
		})
	}
}

func TestValidPhone(t *testing.T) {
	assert.True(t, ValidPhone("254712345678", "254"))
	assert.False(t, ValidPhone("0712345678", "254"))
	assert.False(t, ValidPhone("25471234567a", "254"))
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "254******412", MaskPhone("254705809412"))
	assert.Equal(t, "123", MaskPhone("123"))
}
