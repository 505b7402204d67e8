package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// currencyColumns are column-name fragments that trigger currency
// formatting.
var currencyColumns = []string{"value", "amount", "total", "payable"}

// FormatValue renders a normalized value for display as a pure function of
// column name and value. It never mutates the underlying row; calculations
// always read the raw normalized data.
func FormatValue(column string, value any) string {
	if value == nil {
		return ""
	}
	lower := strings.ToLower(column)

	if d, ok := toDecimal(value); ok {
		if strings.Contains(lower, "rate") {
			return d.String() + "%"
		}
		for _, frag := range currencyColumns {
			if strings.Contains(lower, frag) {
				return "$" + groupThousands(d.StringFixed(2))
			}
		}
	}

	if s, ok := value.(string); ok {
		if t, ok := parseISODate(s); ok {
			return t.Format("02 Jan 2006")
		}
		return s
	}

	return fmt.Sprintf("%v", value)
}

// toDecimal converts numeric values and numeric-looking strings.
func toDecimal(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
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

// groupThousands inserts comma grouping into a fixed-point decimal string.
func groupThousands(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i:]
	}

	var b strings.Builder
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(digit)
	}

	out := b.String() + fracPart
	if neg {
		out = "-" + out
	}
	return out
}

// parseISODate recognizes ISO-like date strings (date-only or RFC 3339).
func parseISODate(s string) (time.Time, bool) {
	if len(s) < 10 {
		return time.Time{}, false
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
