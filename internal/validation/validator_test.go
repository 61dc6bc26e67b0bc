package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type window struct {
	Start    string `json:"start" validate:"required,datetime=15:04"`
	Timezone string `json:"timezone" validate:"required,timezone"`
}

func TestFormatValidationErrorsUsesJSONNames(t *testing.T) {
	err := New().Struct(window{Start: "25:99", Timezone: "Mars/Olympus"})
	require.Error(t, err)
	out := FormatValidationErrors(err)
	require.Len(t, out, 2)
	assert.Equal(t, "start", out[0].Field)
	assert.Equal(t, "datetime", out[0].Tag)
	assert.Equal(t, "timezone", out[1].Field)
	assert.Nil(t, FormatValidationErrors(nil))
}

func TestFormatPhoneNumberToE164(t *testing.T) {
	cases := map[string]string{
		"+1 (415) 555-0100": "+14155550100",
		"98765 43210":       "+919876543210",
		"":                  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatPhoneNumberToE164(in, "+91"), in)
	}
}
