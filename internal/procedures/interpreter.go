package procedures

import (
	"context"
	"fmt"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/logger"
	"github.com/fabricgate/corehub/internal/rules"
	"github.com/fabricgate/corehub/internal/store"
)

// bucketSource is the minimal store seam a step program needs: both
// store.Store and store.Tx implement Bucket(name), so the interpreter runs
// identically whether or not the procedure asked for a transaction.
type bucketSource interface {
	Bucket(name string) (store.Bucket, error)
}

// Interpreter executes procedure step programs against a Store and an
// optional RuleEngine.
type Interpreter struct {
	store store.Store
	rules rules.Engine
}

// NewInterpreter builds an Interpreter. engine may be nil.
func NewInterpreter(st store.Store, engine rules.Engine) *Interpreter {
	return &Interpreter{store: st, rules: engine}
}

// Call validates input, runs proc's steps (inside a Store transaction if
// proc.Transaction is set), and reports the resulting bindings and
// optional return value (spec §4.9).
func (in *Interpreter) Call(ctx context.Context, proc *Procedure, input map[string]any) (*CallResult, error) {
	if err := validateInput(proc.Input, input); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	bindings := map[string]any{}
	env := map[string]any{"input": input}

	var retVal any
	var hasReturn bool

	runAll := func(src bucketSource) error {
		rv, has, err := in.runSteps(ctx, proc.Steps, env, bindings, src)
		retVal, hasReturn = rv, has
		return err
	}

	var err error
	if proc.Transaction {
		err = in.store.Transaction(ctx, func(tx store.Tx) error { return runAll(tx) })
	} else {
		err = runAll(in.store)
	}
	if err != nil {
		return nil, gatewayerr.As(err)
	}

	result := &CallResult{Success: true, Results: bindings}
	if hasReturn {
		result.Result = retVal
	}
	return result, nil
}

// runSteps executes steps in order, binding outputs into both bindings
// (returned to the caller) and env (so later steps/templates can reference
// them by name). A return step short-circuits the remaining steps,
// including those in an enclosing if-branch's sibling list.
func (in *Interpreter) runSteps(ctx context.Context, steps []Step, env, bindings map[string]any, src bucketSource) (any, bool, error) {
	for _, step := range steps {
		val, hasReturn, err := in.runStep(ctx, step, env, bindings, src)
		if err != nil {
			return nil, false, err
		}
		if hasReturn {
			return val, true, nil
		}
	}
	return nil, false, nil
}

func bind(name string, value any, env, bindings map[string]any) {
	if name == "" {
		return
	}
	// Documents are bound as plain maps so dotted template paths such as
	// {{ created.id }} can walk into them.
	if d, ok := value.(store.Doc); ok {
		value = map[string]any(d)
	}
	bindings[name] = value
	env[name] = value
}

func (in *Interpreter) runStep(ctx context.Context, step Step, env, bindings map[string]any, src bucketSource) (any, bool, error) {
	switch step.Action {
	case "store.get":
		b, err := src.Bucket(step.Bucket)
		if err != nil {
			return nil, false, err
		}
		id := fmt.Sprintf("%v", resolveValue(step.ID, env))
		doc, err := b.Get(ctx, id)
		if err != nil {
			return nil, false, gatewayerr.NotFoundErr("document")
		}
		bind(step.As, doc, env, bindings)

	case "store.where":
		b, err := src.Bucket(step.Bucket)
		if err != nil {
			return nil, false, err
		}
		docs, err := b.Where(ctx, toStoreFilters(resolveFilters(step.Filters, env)))
		if err != nil {
			return nil, false, err
		}
		bind(step.As, docs, env, bindings)

	case "store.findOne":
		b, err := src.Bucket(step.Bucket)
		if err != nil {
			return nil, false, err
		}
		doc, found, err := b.FindOne(ctx, toStoreFilters(resolveFilters(step.Filters, env)))
		if err != nil {
			return nil, false, err
		}
		if !found {
			bind(step.As, nil, env, bindings)
		} else {
			bind(step.As, doc, env, bindings)
		}

	case "store.all":
		b, err := src.Bucket(step.Bucket)
		if err != nil {
			return nil, false, err
		}
		docs, err := b.All(ctx)
		if err != nil {
			return nil, false, err
		}
		bind(step.As, docs, env, bindings)

	case "store.count":
		b, err := src.Bucket(step.Bucket)
		if err != nil {
			return nil, false, err
		}
		n, err := b.Count(ctx, toStoreFilters(resolveFilters(step.Filters, env)))
		if err != nil {
			return nil, false, err
		}
		bind(step.As, n, env, bindings)

	case "store.insert":
		b, err := src.Bucket(step.Bucket)
		if err != nil {
			return nil, false, err
		}
		data, _ := resolveValue(step.Data, env).(map[string]any)
		doc, err := b.Insert(ctx, store.Doc(data))
		if err != nil {
			return nil, false, err
		}
		bind(step.As, doc, env, bindings)

	case "store.update":
		b, err := src.Bucket(step.Bucket)
		if err != nil {
			return nil, false, err
		}
		id := fmt.Sprintf("%v", resolveValue(step.ID, env))
		patch, _ := resolveValue(step.Data, env).(map[string]any)
		doc, err := b.Update(ctx, id, store.Doc(patch))
		if err != nil {
			return nil, false, gatewayerr.NotFoundErr("document")
		}
		bind(step.As, doc, env, bindings)

	case "store.delete":
		b, err := src.Bucket(step.Bucket)
		if err != nil {
			return nil, false, err
		}
		id := fmt.Sprintf("%v", resolveValue(step.ID, env))
		ok, err := b.Delete(ctx, id)
		if err != nil {
			return nil, false, err
		}
		bind(step.As, ok, env, bindings)

	case "rules.emit":
		if in.rules == nil {
			return nil, false, gatewayerr.NoRules()
		}
		topic, _ := resolveValue(step.Topic, env).(string)
		data := resolveValue(step.Event, env)
		correlationID, _ := resolveValue(step.CorrelationID, env).(string)
		if err := in.rules.Emit(ctx, topic, data, correlationID); err != nil {
			return nil, false, err
		}

	case "aggregate":
		val, err := in.runAggregate(ctx, step.Aggregate, env, src)
		if err != nil {
			return nil, false, err
		}
		bind(step.Aggregate.As, val, env, bindings)

	case "if":
		ok, err := evalCondition(step.If.Condition, env)
		if err != nil {
			return nil, false, err
		}
		branch := step.If.Else
		if ok {
			branch = step.If.Then
		}
		return in.runSteps(ctx, branch, env, bindings, src)

	case "return":
		return resolveValue(step.Return, env), true, nil

	default:
		logger.Procedures().Warn().Str("action", step.Action).Msg("unknown procedure step action")
		return nil, false, gatewayerr.Validation("unknown step action " + step.Action)
	}
	return nil, false, nil
}

func (in *Interpreter) runAggregate(ctx context.Context, agg *AggregateStep, env map[string]any, src bucketSource) (float64, error) {
	b, err := src.Bucket(agg.Source)
	if err != nil {
		return 0, err
	}
	filters := toStoreFilters(resolveFilters(agg.Filters, env))
	switch agg.Op {
	case "sum":
		return b.Sum(ctx, agg.Field, filters)
	case "avg":
		return b.Avg(ctx, agg.Field, filters)
	case "min":
		return b.Min(ctx, agg.Field, filters)
	case "max":
		return b.Max(ctx, agg.Field, filters)
	case "count":
		n, err := b.Count(ctx, filters)
		return float64(n), err
	default:
		return 0, gatewayerr.Validation("unknown aggregate op " + agg.Op)
	}
}

func toStoreFilters(conds []Condition) []store.Filter {
	out := make([]store.Filter, len(conds))
	for i, c := range conds {
		out[i] = store.Filter{Field: c.Ref, Op: store.Op(c.Operator), Value: c.Value}
	}
	return out
}
