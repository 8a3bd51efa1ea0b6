package preparedcache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// formatValues renders every value as an inline SQL literal and joins them
// with commas, for use inside EXECUTE name(...). This backend family has no
// parameterized EXECUTE for an ad-hoc prepared name, so every argument has
// to be spelled out in the statement text itself (§4.4 step 6).
//
// arrayMode controls how a top-level slice value is rendered: wrapped in
// PostgreSQL's ARRAY[...] constructor when true, or as a bare
// comma-separated literal list (for a caller-supplied IN (...) or
// VALUES (...) clause already written into text) when false. A slice
// nested inside another slice is always rendered as ARRAY[...] regardless
// of the top-level flag, since there is no bare-list equivalent for an
// array element.
func formatValues(values []any, arrayMode bool) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatLiteral(v, arrayMode)
	}
	return strings.Join(parts, ", ")
}

func formatLiteral(v any, arrayMode bool) string {
	if v == nil {
		return "NULL"
	}

	switch t := v.(type) {
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return quoteString(t)
	case time.Time:
		return quoteString(t.Format(time.RFC3339Nano))
	}

	// Reflect-free array handling for the common slice shapes produced by
	// callers; anything else falls through to textual/JSON rendering.
	switch t := v.(type) {
	case []any:
		return formatSlice(t, arrayMode)
	case []string:
		arr := make([]any, len(t))
		for i, s := range t {
			arr[i] = s
		}
		return formatSlice(arr, arrayMode)
	case []int:
		arr := make([]any, len(t))
		for i, n := range t {
			arr[i] = n
		}
		return formatSlice(arr, arrayMode)
	}

	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprintf("%v", v)
	}

	// "Other object": serialize as jsonb, doubling embedded quotes.
	data, err := json.Marshal(v)
	if err != nil {
		return quoteString(fmt.Sprintf("%v", v))
	}
	return quoteString(string(data)) + "::jsonb"
}

// formatSlice renders items as a comma-separated literal list, wrapped in
// ARRAY[...] when arrayMode is true. Items are always recursively rendered
// with arrayMode forced true, so an array nested inside another is always
// ARRAY[...] regardless of the outer flag.
func formatSlice(items []any, arrayMode bool) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = formatLiteral(item, true)
	}
	joined := strings.Join(parts, ", ")
	if arrayMode {
		return "ARRAY[" + joined + "]"
	}
	return joined
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
