package postprocess

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumeric(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"21919,97", "21919.97", true},
		{"21919.97", "21919.97", true},
		{"21 919,97", "21919.97", true},
		{"21 919,97", "21919.97", true}, // non-breaking space
		{"1,234,567", "1234567", true},
		{"1.234.567", "1234567", true},
		{"1.234.567,89", "1234567.89", true},
		{"1,234,567.89", "1234567.89", true},
		{"-42,5", "-42.5", true},
		{"0", "0", true},
		{"1,23", "1.23", true},
		{",5", "0.5", true},
		{"755", "755", true},

		{"", "", false},
		{"  ", "", false},
		{"abc", "", false},
		{"12a4", "", false},
		{"1,23,45", "", false}, // malformed grouping
		{"№ 755", "", false},
	}
	for _, c := range cases {
		got, ok := ParseNumeric(c.in)
		require.Equal(t, c.ok, ok, "input %q", c.in)
		if c.ok {
			assert.Equal(t, c.want, got.String(), "input %q", c.in)
		}
	}
}

// Any decimal rendered with either marker convention parses back to itself.
func TestParseNumericRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("comma-decimal form round-trips", prop.ForAll(
		func(units int64, cents int64) bool {
			d := decimal.NewFromInt(units).Add(decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)))
			rendered := decimal.NewFromInt(units).String() + "," + twoDigits(cents)
			got, ok := ParseNumeric(rendered)
			return ok && got.Equal(d)
		},
		gen.Int64Range(0, 1_000_000_000),
		gen.Int64Range(0, 99),
	))

	properties.Property("plain decimal form round-trips", prop.ForAll(
		func(units int64, cents int64) bool {
			d := decimal.NewFromInt(units).Add(decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)))
			got, ok := ParseNumeric(decimal.NewFromInt(units).String() + "." + twoDigits(cents))
			return ok && got.Equal(d)
		},
		gen.Int64Range(0, 1_000_000_000),
		gen.Int64Range(0, 99),
	))

	properties.TestingRun(t)
}

func twoDigits(n int64) string {
	return string([]byte{byte('0' + n/10), byte('0' + n%10)})
}
