package store

import (
	"sort"
	"strings"
)

// FieldRow is one leaf scalar addressed by the payload walk. Known is false
// for labels that have no catalogued definition; those rows persist with a
// NULL definition ref and the label exactly as seen.
type FieldRow struct {
	Code         string
	Known        bool
	Section      string
	SectionLabel string
	RawLabel     string
	Language     string
	Value        Value
	Confidence   *float64
	PageNumber   *int
}

// SignatureRow is one entry of the variable-length signatures array.
type SignatureRow struct {
	Index           int
	Role            string
	Name            string
	Signed          bool
	Stamped         bool
	StampContent    string
	HandwrittenDate string
	Raw             map[string]any
}

// TableSectionRow is one logical dynamic table of the document.
type TableSectionRow struct {
	Name        string
	Order       int
	MappingRaw  map[string]string
	RowsRaw     []map[string]any
	ColumnOrder []string
}

// PageRow carries per-page OCR text when the model returned one.
type PageRow struct {
	Number  int
	OCRText string
}

// PartyInfo is what the company resolver needs for one document party.
type PartyInfo struct {
	Role    string
	Name    string
	TaxID   string
	VatID   string
	RegCode string
	Address string
	Bank    string
	Country string
}

// WalkResult is the flattened form of one payload, ready for insertion.
type WalkResult struct {
	Fields     []FieldRow
	Signatures []SignatureRow
	Tables     []TableSectionRow
	Pages      []PageRow
	Parties    []PartyInfo
	Language   string
	Country    string
}

// WalkPayload flattens a post-processed payload into entity rows. It is
// pure: no IO, no ids. Scalars under known codes become typed fields;
// everything else is preserved verbatim as unknown fields.
func WalkPayload(payload map[string]any, defs Definitions) *WalkResult {
	res := &WalkResult{}

	if info, ok := payload["document_info"].(map[string]any); ok {
		res.Language = stringAt(info, "language")
		res.Country = stringAt(info, "country")
		walkSection(res, info, "document_info", defs, res.Language)
	}
	if parties, ok := payload["parties"].(map[string]any); ok {
		walkParties(res, parties, defs)
	}
	if totals, ok := payload["totals"].(map[string]any); ok {
		walkSection(res, totals, "totals", defs, res.Language)
	}
	if words, ok := payload["amounts_in_words"].(map[string]any); ok {
		walkSection(res, words, "amounts_in_words", defs, res.Language)
	}
	if other, ok := payload["other_fields"].([]any); ok {
		walkOtherFields(res, other, defs)
	}
	if sigs, ok := payload["signatures"].([]any); ok {
		walkSignatures(res, sigs)
	}
	if td, ok := payload["table_data"].(map[string]any); ok {
		walkTable(res, td)
	}
	if pages, ok := payload["pages"].([]any); ok {
		walkPages(res, pages)
	}

	return res
}

// walkSection emits one field per scalar key. A sibling "<key>_label" entry
// is the label as printed and never becomes a field of its own.
func walkSection(res *WalkResult, section map[string]any, name string, defs Definitions, lang string) {
	for _, key := range sortedKeys(section) {
		if strings.HasSuffix(key, "_label") {
			continue
		}
		val := section[key]
		if val == nil {
			continue
		}

		row := FieldRow{
			Section:  name,
			RawLabel: key,
			Language: lang,
			Value:    ValueFromAny(val),
		}
		if label, ok := section[key+"_label"].(string); ok {
			row.RawLabel = label
		}
		if inner, ok := val.(map[string]any); ok {
			if label, ok := inner["label"].(string); ok {
				row.SectionLabel = label
			} else if label, ok := inner["_label"].(string); ok {
				row.SectionLabel = label
			}
		}
		if _, known := defs.Lookup(key); known {
			row.Code = key
			row.Known = true
		}
		res.Fields = append(res.Fields, row)
	}
}

// walkParties emits party attributes as fields coded "<role>_<attr>" and
// collects supplier/buyer info for the company resolver.
func walkParties(res *WalkResult, parties map[string]any, defs Definitions) {
	for _, role := range sortedKeys(parties) {
		party, ok := parties[role].(map[string]any)
		if !ok {
			continue
		}
		sectionLabel := stringAt(party, "_label")

		info := PartyInfo{
			Role:    role,
			Name:    stringAt(party, "name"),
			TaxID:   stringAt(party, "tax_id"),
			VatID:   stringAt(party, "vat_id"),
			RegCode: stringAt(party, "registration_code"),
			Address: stringAt(party, "address"),
			Bank:    stringAt(party, "bank"),
			Country: stringAt(party, "country"),
		}
		if info.Name != "" || info.TaxID != "" {
			res.Parties = append(res.Parties, info)
		}

		for _, attr := range sortedKeys(party) {
			if attr == "_label" || strings.HasSuffix(attr, "_label") {
				continue
			}
			val := party[attr]
			if val == nil {
				continue
			}
			code := role + "_" + attr
			row := FieldRow{
				Section:      "parties",
				SectionLabel: sectionLabel,
				RawLabel:     code,
				Language:     res.Language,
				Value:        ValueFromAny(val),
			}
			if label, ok := party[attr+"_label"].(string); ok {
				row.RawLabel = label
			}
			if _, known := defs.Lookup(code); known {
				row.Code = code
				row.Known = true
			}
			res.Fields = append(res.Fields, row)
		}
	}
}

// walkOtherFields preserves uncatalogued fields verbatim. An entry may carry
// an optional machine key; with no matching definition the field stays
// unknown.
func walkOtherFields(res *WalkResult, entries []any, defs Definitions) {
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		row := FieldRow{
			Section:  "other_fields",
			RawLabel: stringAt(entry, "label"),
			Language: res.Language,
			Value:    ValueFromAny(entry["value"]),
		}
		if key := stringAt(entry, "key"); key != "" {
			if _, known := defs.Lookup(key); known {
				row.Code = key
				row.Known = true
			} else {
				row.Code = key
			}
		}
		res.Fields = append(res.Fields, row)
	}
}

func walkSignatures(res *WalkResult, sigs []any) {
	for i, s := range sigs {
		sig, ok := s.(map[string]any)
		if !ok {
			continue
		}
		idx := i
		if n, ok := intAt(sig, "signature_index"); ok {
			idx = n
		}
		res.Signatures = append(res.Signatures, SignatureRow{
			Index:           idx,
			Role:            stringAt(sig, "role"),
			Name:            stringAt(sig, "name"),
			Signed:          boolAt(sig, "is_signed"),
			Stamped:         boolAt(sig, "is_stamped"),
			StampContent:    stringAt(sig, "stamp_content"),
			HandwrittenDate: stringAt(sig, "handwritten_date"),
			Raw:             sig,
		})
	}
	sort.Slice(res.Signatures, func(a, b int) bool {
		return res.Signatures[a].Index < res.Signatures[b].Index
	})
}

func walkTable(res *WalkResult, td map[string]any) {
	section := TableSectionRow{Name: "line_items", Order: len(res.Tables)}

	if mapping, ok := td["column_mapping"].(map[string]any); ok {
		section.MappingRaw = make(map[string]string, len(mapping))
		for k, v := range mapping {
			if s, ok := v.(string); ok {
				section.MappingRaw[k] = s
			} else {
				section.MappingRaw[k] = stringify(v)
			}
		}
	}
	if order, ok := td["column_order"].([]any); ok {
		for _, v := range order {
			if s, ok := v.(string); ok {
				section.ColumnOrder = append(section.ColumnOrder, s)
			}
		}
	}
	if rows, ok := td["line_items"].([]any); ok {
		for _, r := range rows {
			if row, ok := r.(map[string]any); ok {
				section.RowsRaw = append(section.RowsRaw, row)
			}
		}
	}

	res.Tables = append(res.Tables, section)
}

func walkPages(res *WalkResult, pages []any) {
	for i, p := range pages {
		page, ok := p.(map[string]any)
		if !ok {
			continue
		}
		num := i + 1
		if n, ok := intAt(page, "page_number"); ok {
			num = n
		}
		if text := stringAt(page, "ocr_text"); text != "" {
			res.Pages = append(res.Pages, PageRow{Number: num, OCRText: text})
		}
	}
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolAt(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func intAt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		if s, ok := v.(interface{ Int64() (int64, error) }); ok {
			if n, err := s.Int64(); err == nil {
				return int(n), true
			}
		}
		return 0, false
	}
}

// sortedKeys keeps the walk deterministic; persisted order within a section
// is not semantic (column order for tables is carried explicitly).
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// jsonEqual compares two payload fragments structurally; encoding/json
// canonicalizes map key order, so byte equality is structural equality.
func jsonEqual(a, b any) bool {
	return stringify(a) == stringify(b)
}
