package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemEngineEmitMatchesPattern(t *testing.T) {
	ctx := context.Background()
	e := NewMemEngine()

	var received []Event
	unsub := e.Subscribe("orders.*.created", func(evt Event) {
		received = append(received, evt)
	})
	defer unsub()

	require.NoError(t, e.Emit(ctx, "orders.123.created", map[string]any{"id": "123"}, ""))
	require.NoError(t, e.Emit(ctx, "orders.123.updated", map[string]any{"id": "123"}, ""))

	require.Len(t, received, 1)
	assert.Equal(t, "orders.123.created", received[0].Topic)
}

func TestMemEngineDoubleWildcardMatchesMultipleSegments(t *testing.T) {
	ctx := context.Background()
	e := NewMemEngine()

	var topics []string
	e.Subscribe("orders.**", func(evt Event) { topics = append(topics, evt.Topic) })

	require.NoError(t, e.Emit(ctx, "orders.123.created", nil, ""))
	require.NoError(t, e.Emit(ctx, "orders.123.items.added", nil, ""))
	require.NoError(t, e.Emit(ctx, "shipments.123.created", nil, ""))

	assert.Equal(t, []string{"orders.123.created", "orders.123.items.added"}, topics)
}

func TestMemEngineUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	e := NewMemEngine()

	count := 0
	unsub := e.Subscribe("ping", func(evt Event) { count++ })
	require.NoError(t, e.Emit(ctx, "ping", nil, ""))
	unsub()
	require.NoError(t, e.Emit(ctx, "ping", nil, ""))

	assert.Equal(t, 1, count)
}

func TestMemEngineFacts(t *testing.T) {
	ctx := context.Background()
	e := NewMemEngine()

	require.NoError(t, e.SetFact(ctx, "config.maxUsers", 100))
	require.NoError(t, e.SetFact(ctx, "config.maxOrders", 50))

	v, ok, err := e.GetFact(ctx, "config.maxUsers")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 100, v)

	matched, err := e.QueryFacts(ctx, "config.*")
	require.NoError(t, err)
	assert.Len(t, matched, 2)

	require.NoError(t, e.DeleteFact(ctx, "config.maxUsers"))
	_, ok, err = e.GetFact(ctx, "config.maxUsers")
	require.NoError(t, err)
	assert.False(t, ok)

	stats := e.Stats()
	assert.Equal(t, 1, stats.FactCount)
}
