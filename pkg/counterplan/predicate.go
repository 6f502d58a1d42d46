// Package counterplan implements the Counter-Plan Builder (spec.md §4.4):
// selecting the counter definitions applicable to an incoming fact,
// substituting per-fact parameters into their pipelines, and grouping the
// result by index type.
package counterplan

import (
	"fmt"
	"regexp"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/logging"
)

// Matches evaluates a CounterDefinition's ComputationConditions against a
// fact's data payload per spec.md §4.4's selection semantics. log receives
// warnings for unknown operators; it may be nil.
func Matches(conditions map[string]any, data map[string]any, log *logging.Logger) bool {
	for field, expected := range conditions {
		if !matchField(data[field], expected, log) {
			return false
		}
	}
	return true
}

func matchField(actual, expected any, log *logging.Logger) bool {
	switch exp := expected.(type) {
	case map[string]any:
		return matchPredicate(actual, exp, log)
	case []any:
		return contains(exp, actual)
	default:
		return actual == expected
	}
}

// matchPredicate evaluates one sub-predicate object; each key is a
// recognized operator. An unrecognized operator fails the match and logs a
// warning (spec.md §4.4: "Unknown operators: predicate fails").
func matchPredicate(actual any, predicate map[string]any, log *logging.Logger) bool {
	for op, arg := range predicate {
		switch op {
		case "$in":
			arr, _ := arg.([]any)
			if !contains(arr, actual) {
				return false
			}
		case "$nin":
			arr, _ := arg.([]any)
			if contains(arr, actual) {
				return false
			}
		case "$ne":
			if actual == arg {
				return false
			}
		case "$not":
			sub, ok := arg.(map[string]any)
			if !ok {
				return false
			}
			if matchPredicate(actual, sub, log) {
				return false
			}
		case "$regex":
			pattern, ok := arg.(string)
			if !ok {
				return false
			}
			s, ok := actual.(string)
			if !ok {
				return false
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false
			}
			if !re.MatchString(s) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			present := actual != nil
			if present != want {
				return false
			}
		case "$or":
			arr, _ := arg.([]any)
			if !matchAny(actual, arr, log) {
				return false
			}
		default:
			if log != nil {
				log.Warnf("counterplan: unknown predicate operator %q", op)
			}
			return false
		}
	}
	return true
}

func matchAny(actual any, candidates []any, log *logging.Logger) bool {
	for _, c := range candidates {
		if sub, ok := c.(map[string]any); ok {
			if matchPredicate(actual, sub, log) {
				return true
			}
			continue
		}
		if actual == c {
			return true
		}
	}
	return false
}

func contains(arr []any, v any) bool {
	for _, e := range arr {
		if e == v {
			return true
		}
	}
	return false
}

// Validate reports a descriptive error for a structurally invalid
// definition (spec.md §7 Configuration errors): missing (nil) attributes
// or a missing index-type name.
func Validate(name, indexTypeName string, attributes map[string]any) error {
	if indexTypeName == "" {
		return fmt.Errorf("counter %q: indexTypeName is required", name)
	}
	if attributes == nil {
		return fmt.Errorf("counter %q: attributes is required", name)
	}
	return nil
}
