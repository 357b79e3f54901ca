package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ValueKind tags the dominant slot of a field value.
type ValueKind int

const (
	KindText ValueKind = iota
	KindNumber
	KindDate
	KindBool
)

// Value is the tagged union a field carries at the domain layer. When
// persisted the tag expands into the corresponding typed column; exactly one
// slot is dominant. RawText keeps the original string for normalized
// numbers.
type Value struct {
	Kind    ValueKind
	Text    string
	Number  decimal.Decimal
	Date    time.Time
	Bool    bool
	RawText string
}

var dateFormats = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"2006/01/02",
	time.RFC3339,
}

// ValueFromAny classifies a payload scalar. Strings stay text unless they
// parse as a date; numeric detection happens upstream in the post-processor
// (which wraps numbers as {value, raw}), so bare strings are never coerced.
func ValueFromAny(v any) Value {
	switch val := v.(type) {
	case nil:
		return Value{Kind: KindText}
	case bool:
		return Value{Kind: KindBool, Bool: val}
	case json.Number:
		if d, err := decimal.NewFromString(val.String()); err == nil {
			return Value{Kind: KindNumber, Number: d, RawText: val.String()}
		}
		return Value{Kind: KindText, Text: val.String()}
	case float64:
		return Value{Kind: KindNumber, Number: decimal.NewFromFloat(val)}
	case int:
		return Value{Kind: KindNumber, Number: decimal.NewFromInt(int64(val))}
	case string:
		for _, format := range dateFormats {
			if t, err := time.Parse(format, val); err == nil {
				return Value{Kind: KindDate, Date: t, RawText: val}
			}
		}
		return Value{Kind: KindText, Text: val}
	case map[string]any:
		// Post-processor number wrapper {value, raw}.
		inner, ok := val["value"]
		if !ok {
			return Value{Kind: KindText, Text: stringify(val)}
		}
		out := ValueFromAny(inner)
		if raw, ok := val["raw"].(string); ok {
			out.RawText = raw
		}
		return out
	default:
		return Value{Kind: KindText, Text: stringify(val)}
	}
}

// Equal compares two values slot by slot.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Number.Equal(o.Number)
	case KindDate:
		return v.Date.Equal(o.Date)
	case KindBool:
		return v.Bool == o.Bool
	default:
		return v.Text == o.Text
	}
}

// Slots expands the union into the four nullable column values
// (text, number, date, bool) in persistence order.
func (v Value) Slots() (*string, *decimal.Decimal, *time.Time, *bool) {
	switch v.Kind {
	case KindNumber:
		n := v.Number
		var text *string
		if v.RawText != "" {
			text = &v.RawText
		}
		return text, &n, nil, nil
	case KindDate:
		d := v.Date
		var text *string
		if v.RawText != "" {
			text = &v.RawText
		}
		return text, nil, &d, nil
	case KindBool:
		b := v.Bool
		return nil, nil, nil, &b
	default:
		if v.Text == "" {
			return nil, nil, nil, nil
		}
		t := v.Text
		return &t, nil, nil, nil
	}
}

func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
