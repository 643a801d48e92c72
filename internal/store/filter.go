package store

import "fmt"

// matches reports whether a document satisfies every filter (store.where
// ANDs its clauses together, spec §6.2).
func matches(doc Doc, filters []Filter) bool {
	for _, f := range filters {
		if !matchOne(doc[f.Field], f.Op, f.Value) {
			return false
		}
	}
	return true
}

func matchOne(v any, op Op, target any) bool {
	switch op {
	case OpEq:
		return compareEq(v, target)
	case OpNeq:
		return !compareEq(v, target)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(v)
		b, bok := toFloat(target)
		if !aok || !bok {
			return false
		}
		switch op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		case OpLte:
			return a <= b
		}
	}
	return false
}

func compareEq(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// aggregate computes sum/avg/min/max over one numeric field across the
// documents matching filters. kind is one of "sum", "avg", "min", "max".
func aggregate(docs []Doc, field string, filters []Filter, kind string) (float64, error) {
	var (
		sum   float64
		count int
		min   float64
		max   float64
		first = true
	)
	for _, d := range docs {
		if !matches(d, filters) {
			continue
		}
		v, ok := toFloat(d[field])
		if !ok {
			continue
		}
		sum += v
		count++
		if first || v < min {
			min = v
		}
		if first || v > max {
			max = v
		}
		first = false
	}
	switch kind {
	case "sum":
		return sum, nil
	case "avg":
		if count == 0 {
			return 0, nil
		}
		return sum / float64(count), nil
	case "min":
		if count == 0 {
			return 0, nil
		}
		return min, nil
	case "max":
		if count == 0 {
			return 0, nil
		}
		return max, nil
	}
	return 0, fmt.Errorf("unknown aggregate kind %q", kind)
}
