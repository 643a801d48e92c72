package procedures

import (
	"fmt"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/store"
)

// validateInput checks input against a procedure's declared input schema
// (spec §4.9: "call(name, input) validates input against the input
// schema"). A nil schema accepts any input.
func validateInput(schema map[string]store.FieldSpec, input map[string]any) error {
	for field, spec := range schema {
		v, present := input[field]
		if !present {
			if spec.Required {
				return gatewayerr.Validation(fmt.Sprintf("missing required field %q", field))
			}
			continue
		}
		if !fieldTypeMatches(spec.Type, v) {
			return gatewayerr.Validation(fmt.Sprintf("field %q has the wrong type", field))
		}
	}
	return nil
}

func fieldTypeMatches(t store.FieldType, v any) bool {
	switch t {
	case store.FieldString:
		_, ok := v.(string)
		return ok
	case store.FieldNumber:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		default:
			return false
		}
	case store.FieldBool:
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}
