// Package report flattens the provider's nested report/object/array payloads
// into a uniform tabular form for display and downstream tax calculations.
//
// Provider payloads are inconsistent in casing and nesting. The entry point
// resolves each value to one of a small set of known shapes and normalizes
// from there; anything else is tagged unrecognized rather than silently
// coerced.
package report

import (
	"encoding/json"
	"fmt"
)

// Kind tags the resolved shape of a payload.
type Kind int

const (
	// KindReport is the hierarchical Section/Rows/Cells report structure.
	KindReport Kind = iota
	// KindFlatArray is a plain sequence of records.
	KindFlatArray
	// KindKeyValue is a single object rendered as a key-value table.
	KindKeyValue
	// KindScalar is a single primitive value.
	KindScalar
	// KindUnrecognized is anything the normalizer cannot interpret.
	KindUnrecognized
)

func (k Kind) String() string {
	switch k {
	case KindReport:
		return "report"
	case KindFlatArray:
		return "array"
	case KindKeyValue:
		return "keyvalue"
	case KindScalar:
		return "scalar"
	default:
		return "unrecognized"
	}
}

// NestedMarker stands in for nested or complex content inside a row. Rows
// carry primitives for display; anything deeper is summarized.
const NestedMarker = "[nested]"

// MaxColumns bounds the rendered table width. Columns beyond the cap are
// silently dropped; a documented limitation, not an error.
const MaxColumns = 10

// Positional column names for report data rows. Downstream tax-field
// extraction scans these labels, so the convention is load-bearing.
const (
	ColDescription    = "Description"
	ColValue          = "Value"
	ColCurrentPeriod  = "Current Period"
	ColPreviousPeriod = "Previous Period"
)

// Row is one normalized table row: column label to primitive display value.
// Produced fresh from the raw payload on each render, never persisted.
type Row map[string]any

// KeyValue is one entry of a key-value table, order-preserving.
type KeyValue struct {
	Key   string
	Value any
}

// Result is the outcome of normalizing one payload.
type Result struct {
	Kind      Kind
	Rows      []Row
	KeyValues []KeyValue
	Scalar    any
}

// NormalizeRaw decodes a JSON payload and normalizes it.
func NormalizeRaw(raw json.RawMessage) Result {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return Result{Kind: KindUnrecognized}
	}
	return Normalize(value)
}

// Normalize resolves the payload's shape and flattens it.
func Normalize(value any) Result {
	switch v := value.(type) {
	case nil:
		return Result{Kind: KindScalar, Scalar: nil}
	case []any:
		return Result{Kind: KindFlatArray, Rows: rowsFromSequence(flattenSequence(v))}
	case map[string]any:
		return normalizeObject(v)
	default:
		return Result{Kind: KindScalar, Scalar: v}
	}
}

func normalizeObject(obj map[string]any) Result {
	// A "report" shape: object with a Rows sequence, possibly wrapped in a
	// Reports sequence.
	if rows, ok := lookupSequence(obj, "Rows"); ok {
		return Result{Kind: KindReport, Rows: flattenReportRows(rows)}
	}
	if reports, ok := lookupSequence(obj, "Reports"); ok {
		var out []Row
		for _, rep := range reports {
			if m, ok := rep.(map[string]any); ok {
				if rows, ok := lookupSequence(m, "Rows"); ok {
					out = append(out, flattenReportRows(rows)...)
				}
			}
		}
		return Result{Kind: KindReport, Rows: out}
	}

	// Wrapped row sets: {Items: [...]}, {Values: [...]}, or the provider's
	// single-collection envelopes like {Invoices: [...]}.
	for _, key := range []string{"Items", "Values"} {
		if seq, ok := lookupSequence(obj, key); ok {
			return Result{Kind: KindFlatArray, Rows: rowsFromSequence(flattenSequence(seq))}
		}
	}
	if seq, ok := soleSequenceField(obj); ok {
		return Result{Kind: KindFlatArray, Rows: rowsFromSequence(flattenSequence(seq))}
	}

	// Plain object: key-value table.
	kvs := make([]KeyValue, 0, len(obj))
	for _, key := range sortedKeys(obj) {
		kvs = append(kvs, KeyValue{Key: key, Value: displayValue(obj[key])})
	}
	if len(kvs) == 0 {
		return Result{Kind: KindUnrecognized}
	}
	return Result{Kind: KindKeyValue, KeyValues: kvs}
}

// flattenSequence splices nested arrays depth-first into one flat sequence,
// modeling the recursive Section/Rows/Cells structure.
func flattenSequence(seq []any) []any {
	out := make([]any, 0, len(seq))
	for _, el := range seq {
		if nested, ok := el.([]any); ok {
			out = append(out, flattenSequence(nested)...)
			continue
		}
		out = append(out, el)
	}
	return out
}

// flattenReportRows walks report rows recursively, emitting a header
// pseudo-row for titled sections and positional-column rows for data rows.
func flattenReportRows(rows []any) []Row {
	var out []Row
	for _, el := range rows {
		row, ok := el.(map[string]any)
		if !ok {
			continue
		}

		if nested, ok := lookupSequence(row, "Rows"); ok {
			// Section row: optional header, then children in place so the
			// hierarchy collapses into one displayable sequence.
			if title, ok := lookupString(row, "Title"); ok && title != "" {
				out = append(out, Row{ColDescription: title})
			}
			out = append(out, flattenReportRows(nested)...)
			continue
		}

		if cells, ok := lookupSequence(row, "Cells"); ok {
			if r := rowFromCells(cells); len(r) > 0 {
				out = append(out, r)
			}
		}
	}
	return out
}

// rowFromCells maps cell index to column name by positional convention:
// index 0 is Description; with exactly two cells the last is Value;
// otherwise index 1 and 2 are the current and previous periods and anything
// further is "Column N". Duplicate names are disambiguated with an index
// suffix.
func rowFromCells(cells []any) Row {
	row := make(Row, len(cells))
	for i, cell := range cells {
		name := columnName(i, len(cells))
		if _, exists := row[name]; exists {
			name = fmt.Sprintf("%s (%d)", name, i)
		}
		row[name] = displayValue(cellValue(cell))
	}
	return row
}

func columnName(index, total int) string {
	switch {
	case index == 0:
		return ColDescription
	case total == 2:
		return ColValue
	case index == 1:
		return ColCurrentPeriod
	case index == 2:
		return ColPreviousPeriod
	default:
		return fmt.Sprintf("Column %d", index+1)
	}
}

// cellValue extracts the displayable value from a report cell, which may be
// a bare scalar or an object carrying a Value field.
func cellValue(cell any) any {
	if m, ok := cell.(map[string]any); ok {
		if v, ok := lookupKey(m, "Value"); ok {
			return v
		}
		return nil
	}
	return cell
}

// rowsFromSequence turns a flat sequence of records into rows. Objects keep
// their primitive fields; scalars become single-column rows.
func rowsFromSequence(seq []any) []Row {
	rows := make([]Row, 0, len(seq))
	for _, el := range seq {
		switch v := el.(type) {
		case map[string]any:
			row := make(Row, len(v))
			for _, key := range sortedKeys(v) {
				row[key] = displayValue(v[key])
			}
			rows = append(rows, row)
		default:
			rows = append(rows, Row{ColValue: displayValue(v)})
		}
	}
	return rows
}

// displayValue passes primitives through and replaces nested content with a
// marker.
func displayValue(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, int, int64, json.Number:
		return v
	default:
		return NestedMarker
	}
}

// Columns returns the union of column labels across rows, in first-seen
// order with Description always leading, capped at MaxColumns.
func Columns(rows []Row) []string {
	seen := make(map[string]bool)
	var cols []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			cols = append(cols, name)
		}
	}

	for _, row := range rows {
		if _, ok := row[ColDescription]; ok {
			add(ColDescription)
			break
		}
	}
	for _, row := range rows {
		// Stable within a row: known positional columns first.
		for _, name := range []string{ColDescription, ColValue, ColCurrentPeriod, ColPreviousPeriod} {
			if _, ok := row[name]; ok {
				add(name)
			}
		}
		for _, name := range sortedRowKeys(row) {
			add(name)
		}
	}

	if len(cols) > MaxColumns {
		cols = cols[:MaxColumns]
	}
	return cols
}
