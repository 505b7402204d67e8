package report

import (
	"sort"
	"strings"
)

// lookupKey finds a field by name, tolerating the provider's inconsistent
// casing ("Rows", "rows", "ROWS" are all seen in the wild).
func lookupKey(obj map[string]any, name string) (any, bool) {
	if v, ok := obj[name]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func lookupSequence(obj map[string]any, name string) ([]any, bool) {
	v, ok := lookupKey(obj, name)
	if !ok {
		return nil, false
	}
	seq, ok := v.([]any)
	return seq, ok
}

func lookupString(obj map[string]any, name string) (string, bool) {
	v, ok := lookupKey(obj, name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// soleSequenceField detects single-collection envelopes such as
// {"Invoices": [...], "Id": "..."}: exactly one sequence-valued field among
// the object's fields, which is then treated as the row set.
func soleSequenceField(obj map[string]any) ([]any, bool) {
	var found []any
	count := 0
	for _, v := range obj {
		if seq, ok := v.([]any); ok {
			found = seq
			count++
		}
	}
	if count != 1 {
		return nil, false
	}
	return found, true
}

func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedRowKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
