package procedures

import (
	"fmt"
	"regexp"
	"strings"
)

// templateRef matches a single {{ dotted.path }} reference.
var templateRef = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*)\s*\}\}`)

// lookupPath resolves a dotted path against env ({input, ...bindings}).
func lookupPath(env map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = env
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// renderTemplate evaluates {{ expr }} occurrences in raw against env. A
// string consisting of exactly one template reference (optionally padded
// with whitespace) resolves to the referenced value's native type — "a
// numeric target accepts a numeric template" (spec §4.9). Any other string
// has each reference substituted with its stringified value.
func renderTemplate(raw string, env map[string]any) any {
	trimmed := strings.TrimSpace(raw)
	if m := templateRef.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		v, _ := lookupPath(env, m[1])
		return v
	}
	return templateRef.ReplaceAllStringFunc(raw, func(match string) string {
		sub := templateRef.FindStringSubmatch(match)
		v, ok := lookupPath(env, sub[1])
		if !ok {
			return ""
		}
		return fmt.Sprintf("%v", v)
	})
}

// resolveValue recursively applies renderTemplate to every string found in
// v, leaving other types (numbers, bools, nested maps/slices) untouched
// except for their own nested strings.
func resolveValue(v any, env map[string]any) any {
	switch t := v.(type) {
	case string:
		return renderTemplate(t, env)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = resolveValue(vv, env)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = resolveValue(vv, env)
		}
		return out
	default:
		return v
	}
}

func resolveFilters(filters []Condition, env map[string]any) []Condition {
	out := make([]Condition, len(filters))
	for i, f := range filters {
		out[i] = Condition{Ref: f.Ref, Operator: f.Operator, Value: resolveValue(f.Value, env)}
	}
	return out
}
