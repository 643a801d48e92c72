package dispatcher

import (
	"context"
	"time"

	"github.com/fabricgate/corehub/internal/audit"
	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/protocol"
)

// connectionsStats summarizes the registry for server.getStats (spec §4.12).
type connectionsStats struct {
	Active                   int `json:"active"`
	Authenticated             int `json:"authenticated"`
	TotalStoreSubscriptions  int `json:"totalStoreSubscriptions"`
	TotalRulesSubscriptions  int `json:"totalRulesSubscriptions"`
}

func (d *Dispatcher) handleServer(ctx context.Context, req *protocol.Request) (any, error) {
	switch req.Type {
	case "server.stats":
		return d.stats(), nil

	case "server.connections":
		if d.cfg.Registry == nil {
			return []any{}, nil
		}
		snapshot := d.cfg.Registry.Snapshot()
		out := make([]map[string]any, 0, len(snapshot))
		for _, c := range snapshot {
			session := c.Session()
			entry := map[string]any{
				"id":          c.ID,
				"remoteAddr":  c.RemoteAddr,
				"connectedAt": c.ConnectedAt.UnixMilli(),
			}
			if session != nil {
				entry["userId"] = session.UserID
				entry["roles"] = session.Roles
			}
			storeSubs, rulesSubs := c.SubCounts()
			entry["storeSubscriptions"] = storeSubs
			entry["rulesSubscriptions"] = rulesSubs
			out = append(out, entry)
		}
		return out, nil

	default:
		return nil, gatewayerr.UnknownOp(req.Type)
	}
}

// StatsSnapshot returns the same aggregate server.stats computes, for
// in-process callers (the server façade's GetStats) that don't want to
// round-trip through a WebSocket request.
func (d *Dispatcher) StatsSnapshot() map[string]any { return d.stats() }

func (d *Dispatcher) stats() map[string]any {
	conns := connectionsStats{}
	if d.cfg.Registry != nil {
		snapshot := d.cfg.Registry.Snapshot()
		conns.Active = len(snapshot)
		for _, c := range snapshot {
			if c.Session() != nil {
				conns.Authenticated++
			}
			storeSubs, rulesSubs := c.SubCounts()
			conns.TotalStoreSubscriptions += storeSubs
			conns.TotalRulesSubscriptions += rulesSubs
		}
	}

	var storeStats any
	if d.cfg.Store != nil {
		storeStats = d.cfg.Store.Stats()
	}
	var rulesStats any
	if d.cfg.Rules != nil {
		rulesStats = d.cfg.Rules.Stats()
	}

	return map[string]any{
		"name":             d.cfg.ServerName,
		"port":             d.port,
		"isRunning":        d.running(),
		"uptimeMs":         time.Since(d.startedAt).Milliseconds(),
		"connections":      conns,
		"store":            storeStats,
		"rules":            rulesStats,
		"rulesEnabled":     d.cfg.RulesEnabled,
		"authEnabled":      d.cfg.Authz != nil && d.cfg.Authz.RequiresAuth(),
		"rateLimitEnabled": d.cfg.Limiter != nil,
	}
}

func (d *Dispatcher) handleAudit(ctx context.Context, req *protocol.Request) (any, error) {
	if d.cfg.Audit == nil {
		return nil, gatewayerr.UnknownOp(req.Type)
	}
	switch req.Type {
	case "audit.query":
		filter := audit.Filter{
			UserID:    req.StringField("userId"),
			Operation: req.StringField("operation"),
		}
		var sinceMs int64
		if has, _ := req.Field("sinceMs", &sinceMs); has {
			filter.Since = time.UnixMilli(sinceMs)
		}
		var limit int
		_, _ = req.Field("limit", &limit)
		filter.Limit = limit
		return d.cfg.Audit.Query(filter), nil

	default:
		return nil, gatewayerr.UnknownOp(req.Type)
	}
}
