package services

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(t *testing.T, raw string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	require.NoError(t, dec.Decode(&out))
	return out
}

func TestCheckConsistentTotals(t *testing.T) {
	result := NewConsistencyChecker().Check(payload(t, `{
		"totals": { "subtotal": 100.00, "vat_amount": 20.00, "vat_rate": 20, "total": 120.00 }
	}`))

	assert.True(t, result.Valid)
	assert.False(t, result.NeedsReview)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "120", result.Computed.ExpectedTotal)
}

func TestCheckTotalMismatch(t *testing.T) {
	result := NewConsistencyChecker().Check(payload(t, `{
		"totals": { "subtotal": 100.00, "vat_amount": 20.00, "total": 500.00 }
	}`))

	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "total_mismatch", result.Errors[0].Code)
	assert.Equal(t, "120", result.Errors[0].Expected)
}

func TestCheckVATRateMismatchIsWarning(t *testing.T) {
	result := NewConsistencyChecker().Check(payload(t, `{
		"totals": { "subtotal": 100.00, "vat_amount": 7.00, "vat_rate": 20, "total": 107.00 }
	}`))

	assert.True(t, result.Valid, "rate mismatch alone does not invalidate")
	assert.True(t, result.NeedsReview)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "vat_mismatch", result.Warnings[0].Code)
}

func TestCheckToleratesRoundingDrift(t *testing.T) {
	result := NewConsistencyChecker().Check(payload(t, `{
		"totals": { "subtotal": 18266.64, "vat_amount": 3653.33, "total": 21919.97 }
	}`))

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestCheckUnwrapsNormalizedAmounts(t *testing.T) {
	result := NewConsistencyChecker().Check(payload(t, `{
		"totals": {
			"subtotal": { "value": 100.00, "raw": "100,00" },
			"vat_amount": { "value": 20.00, "raw": "20,00" },
			"total": { "value": 120.00, "raw": "120,00" }
		}
	}`))

	assert.True(t, result.Valid)
	assert.Equal(t, "120", result.Computed.ExpectedTotal)
}

func TestCheckLineItemSum(t *testing.T) {
	result := NewConsistencyChecker().Check(payload(t, `{
		"totals": { "subtotal": 30.00, "vat_amount": 6.00, "total": 36.00 },
		"table_data": { "line_items": [
			{ "no": 1, "amount": 10.00 },
			{ "no": 2, "amount": 20.00 }
		]}
	}`))

	assert.True(t, result.Valid)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, "30", result.Computed.LineItemSum)
}

func TestCheckLineItemSumMismatchIsWarning(t *testing.T) {
	result := NewConsistencyChecker().Check(payload(t, `{
		"totals": { "subtotal": 100.00, "vat_amount": 20.00, "total": 120.00 },
		"table_data": { "line_items": [ { "amount": 10.00 } ] }
	}`))

	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "line_item_sum_mismatch", result.Warnings[0].Code)
}

func TestCheckDiscount(t *testing.T) {
	result := NewConsistencyChecker().Check(payload(t, `{
		"totals": { "subtotal": 100.00, "vat_amount": 19.00, "discount": 5.00, "total": 114.00 }
	}`))
	assert.True(t, result.Valid)

	result = NewConsistencyChecker().Check(payload(t, `{
		"totals": { "subtotal": 100.00, "discount": 150.00 }
	}`))
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "discount_exceeds_subtotal", result.Warnings[0].Code)
}

func TestCheckEmptyPayload(t *testing.T) {
	result := NewConsistencyChecker().Check(map[string]any{})
	assert.True(t, result.Valid)
	assert.False(t, result.NeedsReview)
}
