package counterplan

import (
	"strings"
	"time"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/logging"
)

// substitute walks v replacing every string beginning with "$$" per
// spec.md §4.4: "$$NOW" becomes now (observed once per plan, not once per
// occurrence, so every $$NOW in one pipeline shares an identical
// timestamp); "$$name" becomes fact data's "name" field if present.
// Unresolved tokens are left untouched and logged. Recurses into nested
// maps and slices; no other string is transformed.
func substitute(v any, data map[string]any, now time.Time, log *logging.Logger) any {
	switch x := v.(type) {
	case string:
		if !strings.HasPrefix(x, "$$") {
			return x
		}
		name := strings.TrimPrefix(x, "$$")
		if name == "NOW" {
			return now
		}
		if val, ok := data[name]; ok {
			return val
		}
		if log != nil {
			log.Warnf("counterplan: unresolved parameter %q", x)
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = substitute(e, data, now, log)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = substitute(e, data, now, log)
		}
		return out
	default:
		return v
	}
}
