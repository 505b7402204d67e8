package report

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cell(v any) map[string]any {
	return map[string]any{"Value": v}
}

func dataRow(values ...any) map[string]any {
	cells := make([]any, 0, len(values))
	for _, v := range values {
		cells = append(cells, cell(v))
	}
	return map[string]any{"RowType": "Row", "Cells": cells}
}

func TestSectionWithTwoCellRowsFlattensToTwoRows(t *testing.T) {
	payload := map[string]any{
		"ReportName": "Activity Statement",
		"Rows": []any{
			map[string]any{
				"RowType": "Section",
				"Rows": []any{
					dataRow("Total Sales (G1)", "4,950.00"),
					dataRow("GST on Sales", "450.00"),
				},
			},
		},
	}

	res := Normalize(payload)
	require.Equal(t, KindReport, res.Kind)
	require.Len(t, res.Rows, 2, "untitled section must not emit a header row")

	assert.Equal(t, Row{ColDescription: "Total Sales (G1)", ColValue: "4,950.00"}, res.Rows[0])
	assert.Equal(t, []string{ColDescription, ColValue}, Columns(res.Rows))
}

func TestTitledSectionEmitsHeaderRow(t *testing.T) {
	payload := map[string]any{
		"Rows": []any{
			map[string]any{
				"RowType": "Section",
				"Title":   "GST Collected",
				"Rows": []any{
					dataRow("GST on Sales", "450.00"),
				},
			},
		},
	}

	res := Normalize(payload)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, Row{ColDescription: "GST Collected"}, res.Rows[0])
}

func TestThreeCellRowUsesPeriodColumns(t *testing.T) {
	res := Normalize(map[string]any{
		"Rows": []any{dataRow("Sales", 100.0, 80.0)},
	})
	require.Len(t, res.Rows, 1)
	assert.Equal(t, Row{
		ColDescription:    "Sales",
		ColCurrentPeriod:  100.0,
		ColPreviousPeriod: 80.0,
	}, res.Rows[0])
}

func TestManyCellRowNumbersExtraColumns(t *testing.T) {
	res := Normalize(map[string]any{
		"Rows": []any{dataRow("Sales", 1.0, 2.0, 3.0, 4.0)},
	})
	require.Len(t, res.Rows, 1)
	assert.Equal(t, 3.0, res.Rows[0]["Column 4"])
	assert.Equal(t, 4.0, res.Rows[0]["Column 5"])
}

func TestNestedSectionsCollapseDepthFirst(t *testing.T) {
	payload := map[string]any{
		"Rows": []any{
			map[string]any{
				"RowType": "Section",
				"Title":   "Outer",
				"Rows": []any{
					map[string]any{
						"RowType": "Section",
						"Rows":    []any{dataRow("Inner A", "1.00")},
					},
					dataRow("Outer B", "2.00"),
				},
			},
		},
	}

	res := Normalize(payload)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "Outer", res.Rows[0][ColDescription])
	assert.Equal(t, "Inner A", res.Rows[1][ColDescription])
	assert.Equal(t, "Outer B", res.Rows[2][ColDescription])
}

func TestReportsSequenceConcatenates(t *testing.T) {
	payload := map[string]any{
		"Reports": []any{
			map[string]any{"Rows": []any{dataRow("A", "1.00")}},
			map[string]any{"Rows": []any{dataRow("B", "2.00")}},
		},
	}

	res := Normalize(payload)
	require.Equal(t, KindReport, res.Kind)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "B", res.Rows[1][ColDescription])
}

func TestLowercaseKeysAreRecognized(t *testing.T) {
	payload := map[string]any{
		"rows": []any{
			map[string]any{"cells": []any{map[string]any{"value": "Sales"}, map[string]any{"value": "9.00"}}},
		},
	}
	res := Normalize(payload)
	require.Equal(t, KindReport, res.Kind)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, Row{ColDescription: "Sales", ColValue: "9.00"}, res.Rows[0])
}

func TestItemsSequenceIsRowSet(t *testing.T) {
	payload := map[string]any{
		"Items": []any{
			map[string]any{"Code": "CONSULT", "UnitPrice": 180.0},
			map[string]any{"Code": "SUPPORT", "UnitPrice": 950.0},
		},
	}
	res := Normalize(payload)
	require.Equal(t, KindFlatArray, res.Kind)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "CONSULT", res.Rows[0]["Code"])
}

func TestCollectionEnvelope(t *testing.T) {
	raw := json.RawMessage(`{"Id":"req-1","Invoices":[{"InvoiceNumber":"INV-1","Total":4950.0,"Contact":{"Name":"Acme"}}]}`)
	res := NormalizeRaw(raw)
	require.Equal(t, KindFlatArray, res.Kind)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "INV-1", res.Rows[0]["InvoiceNumber"])
	assert.Equal(t, NestedMarker, res.Rows[0]["Contact"], "nested objects are marked, not expanded")
}

func TestArraysOfArraysCollapse(t *testing.T) {
	res := Normalize([]any{
		[]any{"a", "b"},
		"c",
		[]any{[]any{"d"}},
	})
	require.Equal(t, KindFlatArray, res.Kind)
	require.Len(t, res.Rows, 4)
	assert.Equal(t, Row{ColValue: "d"}, res.Rows[3])
}

func TestPlainObjectBecomesKeyValueTable(t *testing.T) {
	res := Normalize(map[string]any{
		"Name":     "Demo Organisation",
		"PaysTax":  true,
		"Address":  map[string]any{"City": "Sydney"},
		"TaxScale": nil,
	})
	require.Equal(t, KindKeyValue, res.Kind)
	require.Len(t, res.KeyValues, 4)
	// Keys are sorted for deterministic rendering.
	assert.Equal(t, "Address", res.KeyValues[0].Key)
	assert.Equal(t, NestedMarker, res.KeyValues[0].Value)
}

func TestScalarPassthrough(t *testing.T) {
	assert.Equal(t, Result{Kind: KindScalar, Scalar: 42.0}, Normalize(42.0))
	assert.Equal(t, Result{Kind: KindScalar, Scalar: "ok"}, Normalize("ok"))
	assert.Equal(t, KindScalar, Normalize(nil).Kind)
}

func TestUnrecognizedShapes(t *testing.T) {
	assert.Equal(t, KindUnrecognized, NormalizeRaw(json.RawMessage(`{invalid`)).Kind)
	assert.Equal(t, KindUnrecognized, Normalize(map[string]any{}).Kind)
}

func TestColumnsCappedAtMax(t *testing.T) {
	row := Row{}
	for i := 0; i < MaxColumns+5; i++ {
		row[fmt.Sprintf("Field%02d", i)] = i
	}
	cols := Columns([]Row{row})
	assert.Len(t, cols, MaxColumns)
}

func TestColumnsUnionAcrossRows(t *testing.T) {
	rows := []Row{
		{ColDescription: "a", ColValue: "1"},
		{ColDescription: "b", "Extra": "x"},
	}
	assert.Equal(t, []string{ColDescription, ColValue, "Extra"}, Columns(rows))
}
