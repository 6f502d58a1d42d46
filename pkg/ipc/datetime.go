package ipc

import (
	"regexp"
	"time"
)

// isoDateRE matches the ISO 8601 shape spec.md §6 requires:
// ^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{3})?Z?$
var isoDateRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{3})?Z?$`)

// candidateLayouts are tried in order against strings that match isoDateRE;
// the regex alone doesn't disambiguate the optional trailing "Z".
var candidateLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
}

// EncodeDates returns a deep copy of v with every time.Time replaced by its
// ISO 8601 string form, ready to cross the wire as part of a QUERY/RESULT
// payload. It never mutates v.
func EncodeDates(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(DateLayout)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = EncodeDates(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = EncodeDates(val)
		}
		return out
	default:
		return v
	}
}

// Rematerialize returns a deep copy of v with every string matching
// isoDateRE converted to a time.Time; strings that don't match the pattern
// are left unchanged. It never mutates v, per the spec's design note that
// cross-process traversal must be a purely functional operation.
func Rematerialize(v any) any {
	switch x := v.(type) {
	case string:
		if !isoDateRE.MatchString(x) {
			return x
		}
		for _, layout := range candidateLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC()
			}
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Rematerialize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Rematerialize(val)
		}
		return out
	default:
		return v
	}
}
