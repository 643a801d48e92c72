package dispatcher

import (
	"context"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/protocol"
	"github.com/fabricgate/corehub/internal/registry"
)

func (d *Dispatcher) handleRules(ctx context.Context, conn *registry.Connection, req *protocol.Request) (any, error) {
	if d.cfg.Rules == nil {
		return nil, gatewayerr.NoRules()
	}

	switch req.Type {
	case "rules.emit":
		topic := req.StringField("topic")
		var data any
		_, _ = req.Field("data", &data)
		correlationID := req.StringField("correlationId")
		if err := d.cfg.Rules.Emit(ctx, topic, data, correlationID); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"emitted": true}, nil

	case "rules.setFact":
		key := req.StringField("key")
		var value any
		_, _ = req.Field("value", &value)
		if err := d.cfg.Rules.SetFact(ctx, key, value); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"set": true}, nil

	case "rules.getFact":
		value, found, err := d.cfg.Rules.GetFact(ctx, req.StringField("key"))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		if !found {
			return nil, nil
		}
		return value, nil

	case "rules.deleteFact":
		if err := d.cfg.Rules.DeleteFact(ctx, req.StringField("key")); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"deleted": true}, nil

	case "rules.queryFacts":
		facts, err := d.cfg.Rules.QueryFacts(ctx, req.StringField("pattern"))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return facts, nil

	case "rules.getAllFacts":
		facts, err := d.cfg.Rules.GetAllFacts(ctx)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return facts, nil

	case "rules.subscribe":
		subID, err := d.cfg.RulesSubs.Subscribe(conn.ID, conn.Sender, req.StringField("pattern"))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		conn.AddRulesSub(subID)
		return map[string]any{"subscriptionId": subID}, nil

	case "rules.unsubscribe":
		subID := req.StringField("subscriptionId")
		if err := d.cfg.RulesSubs.Unsubscribe(subID); err != nil {
			return nil, gatewayerr.As(err)
		}
		conn.RemoveRulesSub(subID)
		return map[string]any{"unsubscribed": true}, nil

	case "rules.stats":
		return d.cfg.Rules.Stats(), nil

	default:
		return nil, gatewayerr.UnknownOp(req.Type)
	}
}
