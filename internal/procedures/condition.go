package procedures

import (
	"reflect"

	"github.com/fabricgate/corehub/internal/gatewayerr"
)

// evalCondition resolves cond.Ref against env and compares it to cond.Value
// (itself template-resolved) using cond.Operator (spec §4.9: "condition is
// {ref, operator∈{eq,neq,gt,gte,lt,lte}, value}").
func evalCondition(cond Condition, env map[string]any) (bool, error) {
	left, _ := lookupPath(env, cond.Ref)
	right := resolveValue(cond.Value, env)
	return compareValues(left, cond.Operator, right)
}

func compareValues(left any, op string, right any) (bool, error) {
	switch op {
	case "eq":
		return reflect.DeepEqual(left, right), nil
	case "neq":
		return !reflect.DeepEqual(left, right), nil
	case "gt", "gte", "lt", "lte":
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false, nil
		}
		switch op {
		case "gt":
			return lf > rf, nil
		case "gte":
			return lf >= rf, nil
		case "lt":
			return lf < rf, nil
		default:
			return lf <= rf, nil
		}
	default:
		return false, gatewayerr.Validation("unknown condition operator " + op)
	}
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
