package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabricgate/corehub/internal/authz"
	"github.com/fabricgate/corehub/internal/identity/builtin"
	"github.com/fabricgate/corehub/internal/protocol"
	"github.com/fabricgate/corehub/internal/ratelimit"
	"github.com/fabricgate/corehub/internal/registry"
	"github.com/fabricgate/corehub/internal/rules"
	"github.com/fabricgate/corehub/internal/store"
)

// fakeSender records every frame sent to it instead of touching a socket.
type fakeSender struct {
	frames [][]byte
}

func (f *fakeSender) Send(frame []byte) error {
	f.frames = append(f.frames, frame)
	return nil
}
func (f *fakeSender) Close(int, string) error { return nil }

func (f *fakeSender) last() protocol.Response {
	var resp protocol.Response
	_ = json.Unmarshal(f.frames[len(f.frames)-1], &resp)
	return resp
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Connection, *fakeSender) {
	t.Helper()
	st := store.NewMemStore()
	d := New(Config{
		Store:              st,
		Rules:              rules.NewMemEngine(),
		Authz:              authz.NewNone(),
		ExposeErrorDetails: true,
		ServerName:         "test-gateway",
	}, nil)

	sender := &fakeSender{}
	conn := registry.NewConnection("c1", "127.0.0.1", sender)
	return d, conn, sender
}

func request(id int64, reqType string, fields map[string]any) []byte {
	m := map[string]any{"id": id, "type": reqType}
	for k, v := range fields {
		m[k] = v
	}
	raw, _ := json.Marshal(m)
	return raw
}

func TestDispatchUnknownOperationReturnsUnknownOperation(t *testing.T) {
	d, conn, sender := newTestDispatcher(t)
	d.Dispatch(context.Background(), conn, request(1, "nonsense.op", nil))

	resp := sender.last()
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "UNKNOWN_OPERATION", resp.Code)
}

func TestDispatchMalformedFrameYieldsParseErrorWithZeroID(t *testing.T) {
	d, conn, sender := newTestDispatcher(t)
	d.Dispatch(context.Background(), conn, []byte("not json"))

	resp := sender.last()
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "PARSE_ERROR", resp.Code)
	assert.Equal(t, int64(0), resp.ID)
}

func TestDispatchPongIsConsumedSilentlyAndTouchesConnection(t *testing.T) {
	d, conn, sender := newTestDispatcher(t)
	before := conn.LastPong()
	time.Sleep(time.Millisecond)

	raw, _ := json.Marshal(map[string]any{"type": "pong", "timestamp": 123})
	d.Dispatch(context.Background(), conn, raw)

	assert.Empty(t, sender.frames, "pong must not produce any reply frame")
	assert.True(t, conn.LastPong().After(before))
}

func TestDispatchExposeErrorDetailsFalseStripsDetailsButKeepsCodeAndMessage(t *testing.T) {
	st := store.NewMemStore()
	limiter := ratelimit.NewRequestLimiter(ratelimit.Config{Enabled: true, MaxRequests: 1, Window: time.Minute}, nil)
	d := New(Config{
		Store:              st,
		Authz:              authz.NewNone(),
		Limiter:            limiter,
		ExposeErrorDetails: false,
	}, nil)
	sender := &fakeSender{}
	conn := registry.NewConnection("c1", "127.0.0.1", sender)

	// rate-limit errors normally carry a retryAfterMs Details payload.
	d.Dispatch(context.Background(), conn, request(1, "server.stats", nil))
	require.Equal(t, "result", sender.last().Type)
	d.Dispatch(context.Background(), conn, request(2, "server.stats", nil))

	resp := sender.last()
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "RATE_LIMITED", resp.Code)
	assert.NotEmpty(t, resp.Message)
	assert.Nil(t, resp.Details, "exposeErrorDetails:false must strip Details")
}

func TestDispatchStoreDefineInsertAndGetRoundTrip(t *testing.T) {
	d, conn, sender := newTestDispatcher(t)

	d.Dispatch(context.Background(), conn, request(1, "store.defineBucket", map[string]any{
		"bucket": "widgets",
		"schema": map[string]any{
			"name": map[string]any{"type": "string", "required": true},
		},
	}))
	require.Equal(t, "result", sender.last().Type)

	d.Dispatch(context.Background(), conn, request(2, "store.insert", map[string]any{
		"bucket": "widgets",
		"data":   map[string]any{"name": "sprocket"},
	}))
	insertResp := sender.last()
	require.Equal(t, "result", insertResp.Type)
	doc, ok := insertResp.Data.(map[string]any)
	require.True(t, ok)
	id, _ := doc["id"].(string)
	require.NotEmpty(t, id)

	d.Dispatch(context.Background(), conn, request(3, "store.get", map[string]any{
		"bucket": "widgets",
		"id":     id,
	}))
	getResp := sender.last()
	require.Equal(t, "result", getResp.Type)
	got, _ := getResp.Data.(map[string]any)
	assert.Equal(t, "sprocket", got["name"])
}

func TestDispatchStoreOperationOnSystemBucketIsForbidden(t *testing.T) {
	d, conn, sender := newTestDispatcher(t)
	d.Dispatch(context.Background(), conn, request(1, "store.all", map[string]any{"bucket": "_users"}))

	resp := sender.last()
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "FORBIDDEN", resp.Code)
}

func TestDispatchRulesUnavailableWhenEngineNotConfigured(t *testing.T) {
	st := store.NewMemStore()
	d := New(Config{Store: st, Authz: authz.NewNone()}, nil)
	sender := &fakeSender{}
	conn := registry.NewConnection("c1", "127.0.0.1", sender)

	d.Dispatch(context.Background(), conn, request(1, "rules.emit", map[string]any{"topic": "x", "data": map[string]any{}}))

	resp := sender.last()
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "RULES_NOT_AVAILABLE", resp.Code)
}

func TestDispatchRateLimitedReturnsRateLimitedWithRetryAfter(t *testing.T) {
	st := store.NewMemStore()
	limiter := ratelimit.NewRequestLimiter(ratelimit.Config{Enabled: true, MaxRequests: 1, Window: time.Minute}, nil)
	d := New(Config{Store: st, Authz: authz.NewNone(), Limiter: limiter, ExposeErrorDetails: true}, nil)
	sender := &fakeSender{}
	conn := registry.NewConnection("c1", "127.0.0.1", sender)

	d.Dispatch(context.Background(), conn, request(1, "server.stats", nil))
	require.Equal(t, "result", sender.last().Type)

	d.Dispatch(context.Background(), conn, request(2, "server.stats", nil))
	resp := sender.last()
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "RATE_LIMITED", resp.Code)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, details, "retryAfterMs")
}

func TestDispatchUnauthenticatedOperationRejectedWhenAuthRequired(t *testing.T) {
	st := store.NewMemStore()
	require.NoError(t, builtin.EnsureBuckets(context.Background(), st))
	mgr := builtin.New(st, builtin.Config{AdminSecret: "s3cr3t"}, nil, nil)
	az := authz.NewBuiltIn(mgr)

	d := New(Config{
		Store:        st,
		Authz:        az,
		IdentityMode: IdentityBuiltIn,
		Builtin:      mgr,
	}, nil)
	sender := &fakeSender{}
	conn := registry.NewConnection("c1", "127.0.0.1", sender)

	d.Dispatch(context.Background(), conn, request(1, "store.all", map[string]any{"bucket": "widgets"}))
	resp := sender.last()
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "UNAUTHORIZED", resp.Code)
}

func TestDispatchLoginWithSecretThenAuthenticatedOperationSucceeds(t *testing.T) {
	st := store.NewMemStore()
	require.NoError(t, builtin.EnsureBuckets(context.Background(), st))
	mgr := builtin.New(st, builtin.Config{AdminSecret: "s3cr3t"}, nil, nil)
	az := authz.NewBuiltIn(mgr)

	d := New(Config{
		Store:        st,
		Authz:        az,
		IdentityMode: IdentityBuiltIn,
		Builtin:      mgr,
	}, nil)
	sender := &fakeSender{}
	conn := registry.NewConnection("c1", "127.0.0.1", sender)

	d.Dispatch(context.Background(), conn, request(1, "identity.loginWithSecret", map[string]any{"secret": "s3cr3t"}))
	loginResp := sender.last()
	require.Equal(t, "result", loginResp.Type, "login payload: %+v", loginResp)
	assert.NotNil(t, conn.Session())

	d.Dispatch(context.Background(), conn, request(2, "identity.whoami", nil))
	whoamiResp := sender.last()
	require.Equal(t, "result", whoamiResp.Type)
	data, _ := whoamiResp.Data.(map[string]any)
	assert.Equal(t, true, data["authenticated"])
}

func TestDispatchServerStatsReportsConnectionsAndRunningState(t *testing.T) {
	st := store.NewMemStore()
	reg := registry.New()
	d := New(Config{
		Store:      st,
		Authz:      authz.NewNone(),
		Registry:   reg,
		ServerName: "gw-1",
	}, func() bool { return true })
	d.SetPort(8181)

	sender := &fakeSender{}
	conn := registry.NewConnection("c1", "127.0.0.1", sender)
	reg.Add(conn, "127.0.0.1")

	d.Dispatch(context.Background(), conn, request(1, "server.stats", nil))
	resp := sender.last()
	require.Equal(t, "result", resp.Type)
	data, _ := resp.Data.(map[string]any)
	assert.Equal(t, "gw-1", data["name"])
	assert.Equal(t, true, data["isRunning"])
	assert.EqualValues(t, 8181, data["port"])
	conns, _ := data["connections"].(map[string]any)
	require.NotNil(t, conns)
}
