package tax

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"xerolink/internal/report"
	dErrors "xerolink/pkg/domain-errors"
)

// BAS field names.
const (
	FieldGSTOnSales     = "gst_on_sales"
	FieldGSTOnPurchases = "gst_on_purchases"
	FieldTotalSales     = "total_sales"
	FieldTotalPurchases = "total_purchases"
)

// FBT field names.
const (
	FieldFringeBenefits = "fringe_benefits"
	FieldFBTPayable     = "fbt_payable"
)

// BASMatcher returns the default matcher for Business Activity Statement
// figures. GST fields come first: a row mentioning both "GST" and "sales"
// is a GST figure, not a sales total.
func BASMatcher() *KeywordMatcher {
	return NewKeywordMatcher(
		Field{Name: FieldGSTOnSales, Keywords: []string{"gst", "sales"}},
		Field{Name: FieldGSTOnPurchases, Keywords: []string{"gst", "purchases"}},
		Field{Name: FieldTotalSales, Keywords: []string{"total", "sales"}},
		Field{Name: FieldTotalPurchases, Keywords: []string{"total", "purchases"}},
	)
}

// FBTMatcher returns the default matcher for Fringe Benefits Tax figures.
func FBTMatcher() *KeywordMatcher {
	return NewKeywordMatcher(
		Field{Name: FieldFBTPayable, Keywords: []string{"fbt", "payable"}},
		Field{Name: FieldFringeBenefits, Keywords: []string{"fringe", "benefit"}},
	)
}

// Totals maps field names to accumulated amounts.
type Totals map[string]decimal.Decimal

// Extract scans each row's description and accumulates matched numeric
// values into named totals. Rows without a description or without a numeric
// amount are skipped.
func Extract(rows []report.Row, matcher Matcher) Totals {
	totals := make(Totals)
	for _, row := range rows {
		description, ok := row[report.ColDescription].(string)
		if !ok || description == "" {
			continue
		}
		field, ok := matcher.Match(description)
		if !ok {
			continue
		}
		amount, ok := rowAmount(row)
		if !ok {
			continue
		}
		totals[field.Name] = totals[field.Name].Add(amount)
	}
	return totals
}

// ExtractRequired is Extract plus a completeness check: every field the
// matcher knows must have matched at least one row. A missing field is an
// error naming the expected keywords, never a silent zero.
func ExtractRequired(rows []report.Row, matcher *KeywordMatcher) (Totals, error) {
	totals := Extract(rows, matcher)
	var missing []string
	for _, f := range matcher.Fields() {
		if _, ok := totals[f.Name]; !ok {
			missing = append(missing, fmt.Sprintf("%s (description containing: %s)", f.Name, strings.Join(f.Keywords, ", ")))
		}
	}
	if len(missing) > 0 {
		return totals, dErrors.New(dErrors.CodeFieldNotFound,
			"no report row matched: "+strings.Join(missing, "; "))
	}
	return totals, nil
}

// rowAmount picks the numeric value for a row: the Value column first, then
// the current period, then any remaining amount-like column.
func rowAmount(row report.Row) (decimal.Decimal, bool) {
	for _, col := range []string{report.ColValue, report.ColCurrentPeriod} {
		if v, ok := row[col]; ok {
			if d, ok := parseAmount(v); ok {
				return d, true
			}
		}
	}
	for col, v := range row {
		if col == report.ColDescription {
			continue
		}
		lower := strings.ToLower(col)
		if strings.Contains(lower, "value") || strings.Contains(lower, "amount") || strings.Contains(lower, "total") {
			if d, ok := parseAmount(v); ok {
				return d, true
			}
		}
	}
	return decimal.Decimal{}, false
}

func parseAmount(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case string:
		cleaned := strings.TrimSpace(val)
		cleaned = strings.TrimPrefix(cleaned, "$")
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		if cleaned == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	default:
		return decimal.Decimal{}, false
	}
}
