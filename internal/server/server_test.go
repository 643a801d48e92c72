package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabricgate/corehub/internal/authz"
	"github.com/fabricgate/corehub/internal/dispatcher"
	"github.com/fabricgate/corehub/internal/registry"
	"github.com/fabricgate/corehub/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st := store.NewMemStore()
	s := New(Config{
		Name: "test-gateway",
		Addr: "127.0.0.1:0",
		Dispatcher: dispatcher.Config{
			Store:              st,
			Authz:              authz.NewNone(),
			ExposeErrorDetails: true,
		},
		ShutdownGracePeriod: 200 * time.Millisecond,
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestStartBindsPortAndReportsRunning(t *testing.T) {
	s := newTestServer(t)
	assert.True(t, s.IsRunning())
	assert.NotZero(t, s.Port())
}

func TestStartTwiceReturnsError(t *testing.T) {
	s := newTestServer(t)
	assert.Error(t, s.Start(context.Background()))
}

func TestHealthzRespondsOkWhileRunning(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", s.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWsRouteUpgradesAndAcceptsRequests(t *testing.T) {
	s := newTestServer(t)
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", s.Port())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage() // welcome
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	conns := s.GetConnections()
	require.Len(t, conns, 1)
	assert.Equal(t, 0, conns[0].StoreSubscriptions)
}

func TestGetStatsReportsPortAndRunningState(t *testing.T) {
	s := newTestServer(t)
	stats := s.GetStats()
	assert.Equal(t, s.Port(), stats["port"])
	assert.Equal(t, true, stats["isRunning"])
	assert.Equal(t, "test-gateway", stats["name"])
}

func TestMetricsRendersPortAsGauge(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", s.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), fmt.Sprintf("gateway_port %d", s.Port()))
	assert.Contains(t, strings.Join(strings.Split(string(body), "\n"), " "), "gateway_isRunning 1")
}

func TestRevokeSessionClosesMatchingConnection(t *testing.T) {
	s := newTestServer(t)
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", s.Port())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
	var rc *registry.Connection
	for _, c := range s.registry.Snapshot() {
		rc = c
	}
	require.NotNil(t, rc)
	rc.SetSession(&registry.Session{UserID: "u1"})

	count := s.RevokeSession(context.Background(), "u1")
	assert.Equal(t, 1, count)
}

func TestStopClosesListenerAndDrainsConnections(t *testing.T) {
	st := store.NewMemStore()
	s := New(Config{
		Name: "stoppable",
		Addr: "127.0.0.1:0",
		Dispatcher: dispatcher.Config{
			Store: st,
			Authz: authz.NewNone(),
		},
	})
	require.NoError(t, s.Start(context.Background()))

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", s.Port())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())

	_, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", s.Port()))
	assert.Error(t, err)
}
