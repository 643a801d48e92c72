package dispatcher

import (
	"context"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/procedures"
	"github.com/fabricgate/corehub/internal/protocol"
	"github.com/fabricgate/corehub/internal/store"
)

func (d *Dispatcher) handleProcedures(ctx context.Context, req *protocol.Request) (any, error) {
	if d.cfg.Procedures == nil {
		return nil, gatewayerr.UnknownOp(req.Type)
	}
	reg := d.cfg.Procedures

	switch req.Type {
	case "procedures.register":
		proc := new(procedures.Procedure)
		if _, err := req.Field("name", &proc.Name); err != nil {
			return nil, gatewayerr.Validation("invalid name")
		}
		proc.Description = req.StringField("description")
		_, _ = req.Field("input", &proc.Input)
		if _, err := req.Field("steps", &proc.Steps); err != nil {
			return nil, gatewayerr.Validation("invalid steps")
		}
		_, _ = req.Field("transaction", &proc.Transaction)
		if err := reg.Register(proc); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"registered": proc.Name}, nil

	case "procedures.unregister":
		if err := reg.Unregister(req.StringField("name")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"unregistered": true}, nil

	case "procedures.update":
		var description *string
		if s := req.StringField("description"); s != "" {
			description = &s
		}
		var steps []procedures.Step
		hasSteps, _ := req.Field("steps", &steps)
		var transaction *bool
		var txVal bool
		if hasTx, _ := req.Field("transaction", &txVal); hasTx {
			transaction = &txVal
		}
		var input map[string]store.FieldSpec
		hasInput, _ := req.Field("input", &input)
		proc, err := reg.Update(req.StringField("name"), description, stepsOrNil(hasSteps, steps), transaction, inputOrNil(hasInput, input))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return proc, nil

	case "procedures.get":
		proc, err := reg.Get(req.StringField("name"))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return proc, nil

	case "procedures.list":
		return reg.List(), nil

	case "procedures.call":
		var input map[string]any
		_, _ = req.Field("input", &input)
		result, err := reg.Call(ctx, req.StringField("name"), input)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return result, nil

	default:
		return nil, gatewayerr.UnknownOp(req.Type)
	}
}

func stepsOrNil(has bool, steps []procedures.Step) []procedures.Step {
	if !has {
		return nil
	}
	return steps
}

func inputOrNil(has bool, input map[string]store.FieldSpec) map[string]store.FieldSpec {
	if !has {
		return nil
	}
	return input
}
