package postprocess

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseNumeric parses a numeric-looking string tolerating thousands
// separators and either comma or period as the decimal marker.
// Returns false for anything that is not unambiguously a number.
func ParseNumeric(s string) (decimal.Decimal, bool) {
	t := strings.TrimSpace(s)
	if t == "" {
		return decimal.Zero, false
	}

	neg := false
	if strings.HasPrefix(t, "-") {
		neg = true
		t = t[1:]
	}

	// Spaces (including non-breaking) only ever group thousands.
	t = strings.ReplaceAll(t, " ", "")
	t = strings.ReplaceAll(t, " ", "")
	if t == "" {
		return decimal.Zero, false
	}

	for _, r := range t {
		if (r < '0' || r > '9') && r != ',' && r != '.' {
			return decimal.Zero, false
		}
	}

	hasComma := strings.Contains(t, ",")
	hasDot := strings.Contains(t, ".")

	switch {
	case hasComma && hasDot:
		// The rightmost marker is the decimal separator.
		if strings.LastIndex(t, ",") > strings.LastIndex(t, ".") {
			t = strings.ReplaceAll(t, ".", "")
			t = strings.Replace(t, ",", ".", 1)
		} else {
			t = strings.ReplaceAll(t, ",", "")
		}
	case hasComma:
		t = resolveSingleMarker(t, ',')
	case hasDot:
		t = resolveSingleMarker(t, '.')
	}
	if t == "" {
		return decimal.Zero, false
	}

	d, err := decimal.NewFromString(t)
	if err != nil {
		return decimal.Zero, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}

// resolveSingleMarker decides whether a lone marker kind separates thousands
// or decimals. "1,234,567" groups thousands; "21919,97" marks decimals.
func resolveSingleMarker(t string, marker byte) string {
	parts := strings.Split(t, string(marker))
	if len(parts) == 2 && len(parts[1]) != 3 {
		// A non-3-digit tail can only be a decimal part.
		return parts[0] + "." + parts[1]
	}
	// Every group after the first must be exactly 3 digits to be a
	// thousands grouping.
	for i, part := range parts {
		if i == 0 {
			if part == "" {
				return ""
			}
			continue
		}
		if len(part) != 3 {
			return ""
		}
	}
	return strings.Join(parts, "")
}
