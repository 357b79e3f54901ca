package postprocess

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/vision"
)

// Column-order rules, recorded on the table section so reviewers can tell
// how the ordering was derived.
const (
	OrderFromPayload  = "payload"
	OrderFromMapping  = "mapping"
	OrderFromFirstRow = "first_row"
)

// Processor turns a vision result into the canonical payload shape that the
// persistence layer walks.
type Processor struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Processor {
	return &Processor{log: log}
}

// Process merges mode outputs and normalizes the payload in place:
// canonical column order, numeric strings, indexed signatures, reshaped
// other_fields.
func (p *Processor) Process(res *vision.Result) (map[string]any, error) {
	var payload map[string]any
	var tableRaw []byte

	switch res.Mode {
	case vision.ModeDetailed:
		payload = merge(res.Header, res.Items)
		tableRaw = res.RawItems
	default:
		payload = res.Combined
		tableRaw = res.RawCombined
	}

	p.normalizeTable(payload, tableRaw)
	p.normalizeSignatures(payload)
	p.normalizeOtherFields(payload)
	p.normalizeTotals(payload)

	return payload, nil
}

// merge overlays header keys onto the items payload. Header wins conflicts.
func merge(header, items map[string]any) map[string]any {
	out := make(map[string]any, len(header)+len(items))
	for k, v := range items {
		out[k] = v
	}
	for k, v := range header {
		out[k] = v
	}
	return out
}

// normalizeTable computes the canonical column_order for the table section.
// Precedence: explicit column_order array in the payload, then the
// column_mapping key order, then the key order of the first row. Row keys
// missing from the mapping are appended at the end, never dropped.
func (p *Processor) normalizeTable(payload map[string]any, raw []byte) {
	td, ok := payload["table_data"].(map[string]any)
	if !ok {
		return
	}

	var order []string
	var rule string

	if arr, ok := td["column_order"].([]any); ok && len(arr) > 0 {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				order = append(order, s)
			}
		}
		rule = OrderFromPayload
	}
	if len(order) == 0 {
		if keys := orderedMappingKeys(raw); len(keys) > 0 {
			order = keys
			rule = OrderFromMapping
		}
	}

	rowKeys := orderedRowKeys(raw)
	if len(order) == 0 && len(rowKeys) > 0 {
		order = rowKeys[0]
		rule = OrderFromFirstRow
	}

	// Union in every row key the ordering missed.
	seen := make(map[string]bool, len(order))
	for _, k := range order {
		seen[k] = true
	}
	for _, keys := range rowKeys {
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				order = append(order, k)
				p.log.Warn("row key missing from column mapping, appended to column order",
					zap.String("key", k))
			}
		}
	}

	cols := make([]any, len(order))
	for i, k := range order {
		cols[i] = k
	}
	td["column_order"] = cols
	if rule != "" {
		td["column_order_source"] = rule
	}

	p.normalizeRows(td)
}

// normalizeRows rewrites numeric-looking string cells as
// {value, raw} pairs so downstream formatters can choose either form.
func (p *Processor) normalizeRows(td map[string]any) {
	rows, ok := td["line_items"].([]any)
	if !ok {
		return
	}
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range row {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if d, ok := ParseNumeric(s); ok {
				row[k] = map[string]any{"value": json.Number(d.String()), "raw": s}
			}
		}
	}
}

// normalizeTotals applies the same numeric normalization to the totals
// section, including nested {value, label} entries.
func (p *Processor) normalizeTotals(payload map[string]any) {
	totals, ok := payload["totals"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range totals {
		switch val := v.(type) {
		case string:
			if d, ok := ParseNumeric(val); ok {
				totals[k] = map[string]any{"value": json.Number(d.String()), "raw": val}
			}
		case map[string]any:
			if s, ok := val["value"].(string); ok {
				if d, ok := ParseNumeric(s); ok {
					val["value"] = json.Number(d.String())
					val["raw"] = s
				}
			}
		}
	}
}

// normalizeSignatures gives every signature record an explicit index.
// Bare strings become records with only a name.
func (p *Processor) normalizeSignatures(payload map[string]any) {
	sigs, ok := payload["signatures"].([]any)
	if !ok {
		return
	}
	for i, s := range sigs {
		switch sig := s.(type) {
		case map[string]any:
			sig["signature_index"] = i
		case string:
			sigs[i] = map[string]any{"name": sig, "signature_index": i}
		}
	}
}

// normalizeOtherFields guarantees each entry is {label, value, key?}.
func (p *Processor) normalizeOtherFields(payload map[string]any) {
	fields, ok := payload["other_fields"].([]any)
	if !ok {
		return
	}
	for i, f := range fields {
		switch entry := f.(type) {
		case map[string]any:
			if _, ok := entry["label"]; !ok {
				entry["label"] = ""
			}
			if k, ok := entry["optional_key"]; ok {
				entry["key"] = k
				delete(entry, "optional_key")
			}
		case string:
			fields[i] = map[string]any{"label": "", "value": entry}
		}
	}
}
