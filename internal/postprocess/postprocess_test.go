package postprocess

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/vision"
)

// decode mirrors the vision client: json.Number for numbers, raw bytes kept.
func decode(t *testing.T, raw string) (map[string]any, []byte) {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	require.NoError(t, dec.Decode(&payload))
	return payload, []byte(raw)
}

func fastResult(t *testing.T, raw string) *vision.Result {
	payload, bytes := decode(t, raw)
	return &vision.Result{Mode: vision.ModeFast, Combined: payload, RawCombined: bytes}
}

func columnOrder(t *testing.T, payload map[string]any) []string {
	t.Helper()
	td, ok := payload["table_data"].(map[string]any)
	require.True(t, ok)
	arr, ok := td["column_order"].([]any)
	require.True(t, ok)
	out := make([]string, len(arr))
	for i, v := range arr {
		out[i] = v.(string)
	}
	return out
}

func TestColumnOrderFromMapping(t *testing.T) {
	res := fastResult(t, `{
		"document_info": {"document_number": "755"},
		"table_data": {
			"column_mapping": {"no": "№", "tovar": "Товар", "kilkist": "Кількість"},
			"line_items": [{"no": "1", "tovar": "Motor"}, {"no": "2", "tovar": "Motor"}]
		}
	}`)

	payload, err := New(zap.NewNop()).Process(res)
	require.NoError(t, err)

	assert.Equal(t, []string{"no", "tovar", "kilkist"}, columnOrder(t, payload))
	td := payload["table_data"].(map[string]any)
	assert.Equal(t, OrderFromMapping, td["column_order_source"])
}

func TestColumnOrderExplicitWins(t *testing.T) {
	res := fastResult(t, `{
		"document_info": {},
		"table_data": {
			"column_order": ["tovar", "no"],
			"column_mapping": {"no": "№", "tovar": "Товар"},
			"line_items": [{"no": "1", "tovar": "Motor"}]
		}
	}`)

	payload, err := New(zap.NewNop()).Process(res)
	require.NoError(t, err)

	assert.Equal(t, []string{"tovar", "no"}, columnOrder(t, payload))
	td := payload["table_data"].(map[string]any)
	assert.Equal(t, OrderFromPayload, td["column_order_source"])
}

func TestColumnOrderFallsBackToFirstRow(t *testing.T) {
	res := fastResult(t, `{
		"document_info": {},
		"table_data": {
			"line_items": [{"b": "2", "a": "1"}, {"c": "3"}]
		}
	}`)

	payload, err := New(zap.NewNop()).Process(res)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a", "c"}, columnOrder(t, payload))
	td := payload["table_data"].(map[string]any)
	assert.Equal(t, OrderFromFirstRow, td["column_order_source"])
}

func TestUnmappedRowKeysAppendedNeverDropped(t *testing.T) {
	res := fastResult(t, `{
		"document_info": {},
		"table_data": {
			"column_mapping": {"no": "№"},
			"line_items": [{"no": "1", "surprise": "extra"}]
		}
	}`)

	payload, err := New(zap.NewNop()).Process(res)
	require.NoError(t, err)

	assert.Equal(t, []string{"no", "surprise"}, columnOrder(t, payload))
}

// Column order must be a permutation of keys(column_mapping) unioned with
// every row's keys, regardless of which keys overlap.
func TestColumnOrderPermutationProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	keyGen := gen.RegexMatch(`[a-z][a-z_]{0,6}`)

	properties.Property("permutation of mapping and row keys", prop.ForAll(
		func(mappingKeys []string, rowKeySets [][]string) bool {
			mapping := map[string]any{}
			for _, k := range mappingKeys {
				mapping[k] = "header " + k
			}
			rows := []any{}
			expected := map[string]bool{}
			for k := range mapping {
				expected[k] = true
			}
			for _, keys := range rowKeySets {
				row := map[string]any{}
				for _, k := range keys {
					row[k] = "v"
					expected[k] = true
				}
				rows = append(rows, row)
			}

			rawBytes, err := json.Marshal(map[string]any{
				"table_data": map[string]any{"column_mapping": mapping, "line_items": rows},
			})
			if err != nil {
				return false
			}
			payload, raw := map[string]any{}, rawBytes
			if err := json.Unmarshal(raw, &payload); err != nil {
				return false
			}

			out, err := New(zap.NewNop()).Process(&vision.Result{
				Mode: vision.ModeFast, Combined: payload, RawCombined: raw,
			})
			if err != nil {
				return false
			}
			td := out["table_data"].(map[string]any)
			order, _ := td["column_order"].([]any)

			seen := map[string]bool{}
			for _, v := range order {
				k, ok := v.(string)
				if !ok || seen[k] {
					return false
				}
				seen[k] = true
			}
			if len(seen) != len(expected) {
				return false
			}
			for k := range expected {
				if !seen[k] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(keyGen),
		gen.SliceOf(gen.SliceOf(keyGen)),
	))

	properties.TestingRun(t)
}

func TestDetailedMergeHeaderWins(t *testing.T) {
	header, _ := decode(t, `{"document_info": {"document_number": "755"}, "totals": {"total": "21919,97"}}`)
	items, rawItems := decode(t, `{"document_info": {"document_number": "WRONG"}, "table_data": {"column_mapping": {"no": "№"}, "line_items": [{"no": "1"}]}}`)

	payload, err := New(zap.NewNop()).Process(&vision.Result{
		Mode: vision.ModeDetailed, Header: header, Items: items, RawItems: rawItems,
	})
	require.NoError(t, err)

	info := payload["document_info"].(map[string]any)
	assert.Equal(t, "755", info["document_number"])
	assert.Contains(t, payload, "table_data")
}

func TestTotalsNumericStringsNormalized(t *testing.T) {
	res := fastResult(t, `{"document_info": {}, "totals": {"total": "21 919,97", "currency_note": "EUR only"}}`)

	payload, err := New(zap.NewNop()).Process(res)
	require.NoError(t, err)

	totals := payload["totals"].(map[string]any)
	wrapped, ok := totals["total"].(map[string]any)
	require.True(t, ok, "numeric string becomes {value, raw}")
	assert.Equal(t, json.Number("21919.97"), wrapped["value"])
	assert.Equal(t, "21 919,97", wrapped["raw"])
	assert.Equal(t, "EUR only", totals["currency_note"], "non-numeric strings untouched")
}

func TestLineItemNumericCellsNormalized(t *testing.T) {
	res := fastResult(t, `{
		"document_info": {},
		"table_data": {
			"column_mapping": {"no": "№", "price": "Ціна"},
			"line_items": [{"no": "1", "price": "1.234,50"}]
		}
	}`)

	payload, err := New(zap.NewNop()).Process(res)
	require.NoError(t, err)

	rows := payload["table_data"].(map[string]any)["line_items"].([]any)
	row := rows[0].(map[string]any)
	price := row["price"].(map[string]any)
	assert.Equal(t, json.Number("1234.5"), price["value"])
	assert.Equal(t, "1.234,50", price["raw"])
}

func TestSignaturesGetExplicitIndexes(t *testing.T) {
	res := fastResult(t, `{
		"document_info": {},
		"signatures": [
			{"role": "Бухгалтер", "name": "Галина", "is_signed": true},
			"Павло"
		]
	}`)

	payload, err := New(zap.NewNop()).Process(res)
	require.NoError(t, err)

	sigs := payload["signatures"].([]any)
	first := sigs[0].(map[string]any)
	assert.Equal(t, 0, first["signature_index"])
	second := sigs[1].(map[string]any)
	assert.Equal(t, "Павло", second["name"])
	assert.Equal(t, 1, second["signature_index"])
}

func TestOtherFieldsReshaped(t *testing.T) {
	res := fastResult(t, `{
		"document_info": {},
		"other_fields": [
			{"value": "v1", "optional_key": "custom"},
			"bare string"
		]
	}`)

	payload, err := New(zap.NewNop()).Process(res)
	require.NoError(t, err)

	fields := payload["other_fields"].([]any)
	first := fields[0].(map[string]any)
	assert.Equal(t, "", first["label"])
	assert.Equal(t, "custom", first["key"])
	assert.NotContains(t, first, "optional_key")
	second := fields[1].(map[string]any)
	assert.Equal(t, "bare string", second["value"])
}

func ExampleParseNumeric() {
	d, _ := ParseNumeric("21 919,97")
	fmt.Println(d.String())
	// Output: 21919.97
}
