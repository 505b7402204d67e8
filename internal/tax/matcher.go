// Package tax derives BAS and FBT figures from normalized report rows.
//
// Field mapping is heuristic: rows are matched by description-text keywords,
// not a versioned schema. Reworded upstream report labels will stop
// matching, which surfaces as a field-not-found error rather than a silently
// wrong figure. The matcher is a swappable strategy so an exact ATO-label
// mapping can replace it without touching extraction.
package tax

import (
	"strings"
)

// Field is one named tax figure and the description keywords that identify
// its source row. All keywords must appear (case-insensitively) in the row
// description.
type Field struct {
	Name     string
	Keywords []string
}

// Matcher maps a report row description to a tax field name.
type Matcher interface {
	// Match returns the field a description belongs to, if any.
	Match(description string) (Field, bool)
}

// KeywordMatcher matches descriptions against an ordered field list; the
// first field whose keywords all appear wins, so more specific fields must
// be declared before broader ones.
type KeywordMatcher struct {
	fields []Field
}

// NewKeywordMatcher creates a matcher over the given fields, in declaration
// order.
func NewKeywordMatcher(fields ...Field) *KeywordMatcher {
	return &KeywordMatcher{fields: fields}
}

// Fields returns the matcher's field list in declaration order.
func (m *KeywordMatcher) Fields() []Field {
	return m.fields
}

// Match implements Matcher.
func (m *KeywordMatcher) Match(description string) (Field, bool) {
	lower := strings.ToLower(description)
	for _, f := range m.fields {
		if matchesAll(lower, f.Keywords) {
			return f, true
		}
	}
	return Field{}, false
}

func matchesAll(lowerDescription string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	for _, kw := range keywords {
		if !strings.Contains(lowerDescription, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}
