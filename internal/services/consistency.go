package services

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ValidationError is a cross-check failure serious enough to need review.
type ValidationError struct {
	Field    string `json:"field"`
	Code     string `json:"code"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ValidationWarning is a non-critical inconsistency.
type ValidationWarning struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ComputedValues holds the expected amounts derived from the payload.
type ComputedValues struct {
	ExpectedTotal string `json:"expected_total,omitempty"`
	ExpectedVAT   string `json:"expected_vat,omitempty"`
	LineItemSum   string `json:"line_item_sum,omitempty"`
}

// ValidationResult is attached to the parse metadata. The extraction itself
// never fails on it; it flags documents for closer review.
type ValidationResult struct {
	Valid       bool                `json:"valid"`
	NeedsReview bool                `json:"needs_review"`
	Errors      []ValidationError   `json:"errors"`
	Warnings    []ValidationWarning `json:"warnings"`
	Computed    ComputedValues      `json:"computed"`
}

// ConsistencyChecker cross-checks extracted totals against each other and
// against the line items. Amounts on scanned documents rarely add up to the
// cent, so comparisons carry a relative tolerance.
type ConsistencyChecker struct {
	tolerance decimal.Decimal
}

// NewConsistencyChecker uses the default 5% tolerance.
func NewConsistencyChecker() *ConsistencyChecker {
	return &ConsistencyChecker{tolerance: decimal.NewFromFloat(0.05)}
}

// Check runs every cross-validation the payload has data for.
func (c *ConsistencyChecker) Check(payload map[string]any) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []ValidationWarning{},
	}

	totals, _ := payload["totals"].(map[string]any)
	total, hasTotal := amountAt(totals, "total")
	subtotal, hasSubtotal := amountAt(totals, "subtotal")
	vatAmount, hasVAT := amountAt(totals, "vat_amount")
	vatRate, hasRate := amountAt(totals, "vat_rate")
	discount, _ := amountAt(totals, "discount")

	if hasSubtotal && hasVAT && hasTotal {
		expected := subtotal.Add(vatAmount).Sub(discount)
		result.Computed.ExpectedTotal = expected.String()
		if !c.within(total, expected, total) {
			result.Errors = append(result.Errors, ValidationError{
				Field:    "total",
				Code:     "total_mismatch",
				Expected: expected.String(),
				Actual:   total.String(),
				Message:  "total does not match subtotal plus VAT minus discount",
			})
		}
	}

	if hasSubtotal && hasVAT && hasRate && !vatRate.IsZero() {
		expected := subtotal.Mul(vatRate).Div(decimal.NewFromInt(100))
		result.Computed.ExpectedVAT = expected.String()
		if !c.within(vatAmount, expected, subtotal) {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "vat_amount",
				Code:    "vat_mismatch",
				Message: "VAT amount does not match subtotal times VAT rate",
			})
		}
	}

	if hasSubtotal && discount.GreaterThan(subtotal) {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "discount",
			Code:    "discount_exceeds_subtotal",
			Message: "discount is greater than the subtotal",
		})
	}

	if sum, ok := c.lineItemSum(payload); ok {
		result.Computed.LineItemSum = sum.String()
		reference, hasRef := subtotal, hasSubtotal
		if !hasRef {
			reference, hasRef = total, hasTotal
		}
		if hasRef && !c.within(sum, reference, reference) {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "line_items",
				Code:    "line_item_sum_mismatch",
				Message: "line item amounts do not add up to the document total",
			})
		}
	}

	result.Valid = len(result.Errors) == 0
	result.NeedsReview = len(result.Warnings) > 0 || !result.Valid
	return result
}

// within compares a and b against a tolerance relative to base.
func (c *ConsistencyChecker) within(a, b, base decimal.Decimal) bool {
	margin := base.Abs().Mul(c.tolerance)
	if margin.LessThan(decimal.NewFromFloat(0.01)) {
		margin = decimal.NewFromFloat(0.01)
	}
	return a.Sub(b).Abs().LessThanOrEqual(margin)
}

// lineItemAmountKeys are the machine keys the model typically assigns to a
// row's total column, in preference order.
var lineItemAmountKeys = []string{"amount", "total", "line_total", "sum", "subtotal"}

func (c *ConsistencyChecker) lineItemSum(payload map[string]any) (decimal.Decimal, bool) {
	td, ok := payload["table_data"].(map[string]any)
	if !ok {
		return decimal.Zero, false
	}
	rows, ok := td["line_items"].([]any)
	if !ok || len(rows) == 0 {
		return decimal.Zero, false
	}

	sum := decimal.Zero
	found := false
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range lineItemAmountKeys {
			if amount, ok := amountAt(row, key); ok {
				sum = sum.Add(amount)
				found = true
				break
			}
		}
	}
	return sum, found
}

// amountAt reads a numeric value, unwrapping the post-processor's
// {value, raw} envelope when present.
func amountAt(m map[string]any, key string) (decimal.Decimal, bool) {
	if m == nil {
		return decimal.Zero, false
	}
	v, ok := m[key]
	if !ok {
		return decimal.Zero, false
	}
	if wrapper, ok := v.(map[string]any); ok {
		v = wrapper["value"]
	}
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	default:
		return decimal.Zero, false
	}
}
