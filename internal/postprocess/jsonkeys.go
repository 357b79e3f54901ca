package postprocess

import (
	"bytes"
	"encoding/json"
)

// rawAt walks nested JSON objects and returns the raw value at path.
func rawAt(raw []byte, path ...string) (json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	cur := json.RawMessage(raw)
	for _, p := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, false
		}
		next, ok := obj[p]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// objectKeys returns the keys of a JSON object in document order. The
// decoded map[string]any cannot provide this; only the raw text can.
func objectKeys(obj json.RawMessage) []string {
	dec := json.NewDecoder(bytes.NewReader(obj))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil
	}

	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := keyTok.(string)
		if !ok {
			return keys
		}
		keys = append(keys, key)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return keys
		}
	}
	return keys
}

// orderedMappingKeys returns the document-order keys of
// table_data.column_mapping from the raw payload text.
func orderedMappingKeys(raw []byte) []string {
	obj, ok := rawAt(raw, "table_data", "column_mapping")
	if !ok {
		return nil
	}
	return objectKeys(obj)
}

// orderedRowKeys returns, per line item, its keys in document order.
func orderedRowKeys(raw []byte) [][]string {
	arrRaw, ok := rawAt(raw, "table_data", "line_items")
	if !ok {
		return nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(arrRaw, &rows); err != nil {
		return nil
	}
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = objectKeys(row)
	}
	return out
}
