package expressions

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Interpolate renders {{path}} tokens in every string leaf of input against
// vars. Maps and slices are walked recursively and returned as new values;
// other non-string leaves pass through unchanged.
//
// A token whose path is missing is left verbatim, so a partially populated
// context never blanks a template. A string made of exactly one token that
// resolves to a non-string value yields that value with its type intact.
func Interpolate(input any, vars Vars) any {
	switch v := input.(type) {
	case string:
		return InterpolateString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Interpolate(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Interpolate(item, vars)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = InterpolateString(item, vars)
		}
		return out
	default:
		return input
	}
}

// InterpolateMap is Interpolate specialised to object templates.
func InterpolateMap(input map[string]any, vars Vars) map[string]any {
	if input == nil {
		return nil
	}
	out, _ := Interpolate(input, vars).(map[string]any)
	return out
}

// InterpolateString renders a single template string.
func InterpolateString(s string, vars Vars) any {
	if !strings.Contains(s, openDelim) {
		return s
	}
	if path, ok := wholeToken(s); ok {
		if val, found := vars.Lookup(path); found {
			if str, isStr := val.(string); isStr {
				return str
			}
			return val
		}
		return s
	}
	return RenderString(s, vars)
}

// RenderString renders every token in s and always returns a string.
func RenderString(s string, vars Vars) string {
	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openDelim)
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + len(openDelim)

		end := strings.Index(s[start:], closeDelim)
		if end == -1 {
			// Unclosed token: the rest is literal text.
			b.WriteString(s[i+idx:])
			break
		}
		end += start
		token := s[i+idx : end+len(closeDelim)]
		path := strings.TrimSpace(s[start:end])

		if val, found := vars.Lookup(path); found && path != "" {
			b.WriteString(inline(val))
		} else {
			b.WriteString(token)
		}
		i = end + len(closeDelim)
	}
	return b.String()
}

// wholeToken reports whether s is exactly one {{path}} token.
func wholeToken(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if t != s || !strings.HasPrefix(t, openDelim) || !strings.HasSuffix(t, closeDelim) {
		return "", false
	}
	inner := t[len(openDelim) : len(t)-len(closeDelim)]
	if strings.Contains(inner, openDelim) || strings.Contains(inner, closeDelim) {
		return "", false
	}
	path := strings.TrimSpace(inner)
	if path == "" {
		return "", false
	}
	return path, true
}

// inline converts a resolved value into text for embedding in a string.
func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, float32, int, int64, int32, uint, uint64:
		return fmt.Sprintf("%v", v)
	case json.Number:
		return v.String()
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasTokens reports whether any string leaf of v contains a {{ token.
func HasTokens(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(val, openDelim)
	case map[string]any:
		for _, item := range val {
			if HasTokens(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if HasTokens(item) {
				return true
			}
		}
	}
	return false
}
