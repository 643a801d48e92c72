// Package dispatcher implements the gateway's per-request operation
// pipeline (spec §4.10): decode, rate-limit, authorize, route by
// operation-type prefix to a handler, encode the reply, and record an
// audit entry when a sink is configured.
//
// Grounded on the teacher's internal/handlers + internal/middleware
// chain (gin's middleware-then-handler pipeline, reshaped from HTTP
// request/response into the gateway's frame-in/frame-out model) and
// internal/middleware/auditlog.go for the audit-entry shape.
package dispatcher

import (
	"context"
	"time"

	"github.com/fabricgate/corehub/internal/audit"
	"github.com/fabricgate/corehub/internal/authz"
	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/identity/builtin"
	"github.com/fabricgate/corehub/internal/identity/external"
	"github.com/fabricgate/corehub/internal/logger"
	"github.com/fabricgate/corehub/internal/procedures"
	"github.com/fabricgate/corehub/internal/protocol"
	"github.com/fabricgate/corehub/internal/ratelimit"
	"github.com/fabricgate/corehub/internal/registry"
	"github.com/fabricgate/corehub/internal/rules"
	"github.com/fabricgate/corehub/internal/rulesub"
	"github.com/fabricgate/corehub/internal/store"
	"github.com/fabricgate/corehub/internal/storesub"
)

// IdentityMode selects which identity.*/auth.* operations the dispatcher
// accepts, fixed at construction alongside the authz.Authorizer's Mode
// (spec §9: never branch per request on which mode is active).
type IdentityMode int

const (
	IdentityNone IdentityMode = iota
	IdentityExternal
	IdentityBuiltIn
)

// Config wires every collaborator the dispatcher routes operations to.
// Fields left nil/zero disable the corresponding operation family:
// Rules == nil -> every rules.* op returns RULES_NOT_AVAILABLE; Audit ==
// nil -> no audit entries are recorded and audit.query is unavailable.
type Config struct {
	Store      store.Store
	Rules      rules.Engine
	StoreSubs  *storesub.Manager
	RulesSubs  *rulesub.Manager
	Procedures *procedures.Registry
	Authz      *authz.Authorizer
	Limiter    *ratelimit.RequestLimiter
	Registry   *registry.Registry
	Audit      audit.Sink

	IdentityMode IdentityMode
	Validator    external.Validator // IdentityExternal
	Builtin      *builtin.Manager   // IdentityBuiltIn

	ExposeErrorDetails bool

	ServerName string
	RulesEnabled bool // advertised in getStats even if Rules is a stub
}

// Dispatcher executes the spec §4.10 pipeline for one connection's inbound
// frames. A single Dispatcher is shared by every connection; all state it
// touches beyond the immutable Config is owned by its collaborators.
type Dispatcher struct {
	cfg       Config
	startedAt time.Time
	port      int
	running   func() bool
}

// New builds a Dispatcher from cfg. running reports whether the server
// façade's listener is currently accepting connections, for
// server.getStats's isRunning field; it may be nil (treated as always
// running) for tests.
func New(cfg Config, running func() bool) *Dispatcher {
	if running == nil {
		running = func() bool { return true }
	}
	return &Dispatcher{cfg: cfg, startedAt: time.Now(), running: running}
}

// SetPort records the bound listener port, for server.getStats. Called by
// the server façade once the listener is actually bound.
func (d *Dispatcher) SetPort(port int) { d.port = port }

// Dispatch runs the full pipeline for one inbound frame and sends the
// resulting response (or nothing, for a bare pong) via conn.Sender. It is
// safe to call concurrently for multiple frames from the same connection
// (spec §5: "multiple handlers from the same connection may be in
// flight simultaneously").
func (d *Dispatcher) Dispatch(ctx context.Context, conn *registry.Connection, frame []byte) {
	decoded := protocol.Decode(frame)
	if decoded.Err != nil {
		d.reply(conn, protocol.ErrorResult(decoded.ErrID, string(decoded.Err.Code), decoded.Err.Message, decoded.Err.Details, d.cfg.ExposeErrorDetails))
		return
	}

	req := decoded.Request
	if req.IsPong() {
		conn.Touch()
		return
	}

	start := time.Now()

	session := conn.Session()
	userID := ""
	if session != nil {
		userID = session.UserID
	}
	if d.cfg.Limiter != nil {
		decision := d.cfg.Limiter.Check(ctx, req.Type, conn.RemoteAddr, userID)
		if !decision.Allowed {
			d.finish(conn, req, start, userID, gatewayerr.Limited(decision.RetryAfterMs))
			return
		}
	}

	authzReq := authz.Request{Type: req.Type, Bucket: bucketField(req)}
	if d.cfg.Authz != nil {
		if err := d.cfg.Authz.Check(ctx, conn, authzReq); err != nil {
			d.finish(conn, req, start, userID, gatewayerr.As(err))
			return
		}
	}

	data, err := d.route(ctx, conn, req)
	d.finish(conn, req, start, userID, err)
	if err != nil {
		return
	}
	d.reply(conn, protocol.Result(req.ID, data))
}

// finish sends the error response (if any) and records the audit entry.
// It is always called exactly once per routed request, whether it
// succeeded or failed.
func (d *Dispatcher) finish(conn *registry.Connection, req *protocol.Request, start time.Time, userID string, err error) {
	durationMs := time.Since(start).Milliseconds()
	gwErr := gatewayerr.As(err)

	if d.cfg.Audit != nil {
		d.cfg.Audit.Record(audit.Entry{
			Timestamp:  start,
			UserID:     userID,
			ConnID:     conn.ID,
			RemoteAddr: conn.RemoteAddr,
			Operation:  req.Type,
			Resource:   bucketField(req),
			DurationMs: durationMs,
			Success:    gwErr == nil,
			ErrorCode:  errCode(gwErr),
		})
	}

	if gwErr != nil {
		d.reply(conn, protocol.ErrorResult(req.ID, string(gwErr.Code), gwErr.Message, gwErr.Details, d.cfg.ExposeErrorDetails))
	}
}

func errCode(e *gatewayerr.Error) string {
	if e == nil {
		return ""
	}
	return string(e.Code)
}

func (d *Dispatcher) reply(conn *registry.Connection, resp protocol.Response) {
	frame, err := protocol.Marshal(resp)
	if err != nil {
		logger.Gateway().Error().Err(err).Msg("failed to encode response")
		return
	}
	if err := conn.Sender.Send(frame); err != nil {
		logger.Gateway().Debug().Str("connId", conn.ID).Err(err).Msg("failed to deliver response")
	}
}

// route dispatches req to the handler family selected by its type prefix
// (spec §4.10), then the handler's own switch on the full operation name.
func (d *Dispatcher) route(ctx context.Context, conn *registry.Connection, req *protocol.Request) (any, error) {
	switch prefix(req.Type) {
	case "store":
		return d.handleStore(ctx, conn, req)
	case "rules":
		return d.handleRules(ctx, conn, req)
	case "identity":
		return d.handleIdentity(ctx, conn, req)
	case "auth":
		return d.handleAuth(ctx, conn, req)
	case "procedures":
		return d.handleProcedures(ctx, req)
	case "server":
		return d.handleServer(ctx, req)
	case "audit":
		return d.handleAudit(ctx, req)
	default:
		return nil, gatewayerr.UnknownOp(req.Type)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func prefix(opType string) string {
	for i := 0; i < len(opType); i++ {
		if opType[i] == '.' {
			return opType[:i]
		}
	}
	return opType
}

// bucketField extracts the "bucket" string field store.* operations carry,
// driving both the authz system-bucket guard and the built-in ACL check.
// Non-store operations have no bucket field and return "".
func bucketField(req *protocol.Request) string {
	if prefix(req.Type) != "store" {
		return ""
	}
	return req.StringField("bucket")
}
