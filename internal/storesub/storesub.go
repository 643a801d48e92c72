// Package storesub implements store subscriptions (spec §4.7):
// store.subscribe resolves a named query to an initial snapshot, then on
// every Store commit re-executes every live subscription's query, deep-
// equals the result against the subscription's last snapshot, and pushes
// only when it changed.
//
// Grounded on the teacher's internal/events/subscriber.go (subscriber
// registry keyed by id, fan-out on change), generalized from the teacher's
// fixed event-type subscriptions to the spec's named-query resubscription
// model.
package storesub

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/logger"
	"github.com/fabricgate/corehub/internal/protocol"
	"github.com/fabricgate/corehub/internal/store"
)

// Sender is the minimal push surface a subscription needs; the dispatcher
// passes a connection's registry.Connection.Sender field.
type Sender interface {
	Send(frame []byte) error
}

type subscription struct {
	id       string
	connID   string
	sender   Sender
	query    string
	params   map[string]any
	mu       sync.Mutex
	snapshot any
}

// Manager tracks every live store subscription across all connections for
// one Store instance.
type Manager struct {
	store store.Store

	mu   sync.Mutex
	subs map[string]*subscription

	unsubscribeStore func()
}

// New creates a subscription manager bound to st and registers its
// change-notification listener.
func New(st store.Store) *Manager {
	m := &Manager{store: st, subs: make(map[string]*subscription)}
	m.unsubscribeStore = st.OnChange(m.handleCommit)
	return m
}

// Close detaches the manager from the store's change notifications.
func (m *Manager) Close() {
	if m.unsubscribeStore != nil {
		m.unsubscribeStore()
	}
}

// Subscribe resolves query through the store's named-query registry,
// executes it once for the initial snapshot, and registers the
// subscription against connID/sender for future pushes.
func (m *Manager) Subscribe(ctx context.Context, connID string, sender Sender, query string, params map[string]any) (string, any, error) {
	if !m.store.HasQuery(query) {
		return "", nil, gatewayerr.NoQuery(query)
	}
	snapshot, err := m.store.RunQuery(ctx, query, params)
	if err != nil {
		return "", nil, gatewayerr.As(err)
	}
	sub := &subscription{
		id:       uuid.NewString(),
		connID:   connID,
		sender:   sender,
		query:    query,
		params:   params,
		snapshot: snapshot,
	}
	m.mu.Lock()
	m.subs[sub.id] = sub
	m.mu.Unlock()
	return sub.id, snapshot, nil
}

// Unsubscribe removes a subscription. Unknown or already-removed ids return
// NOT_FOUND (spec §4.7: "Double-unsubscribe → NOT_FOUND").
func (m *Manager) Unsubscribe(subID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[subID]; !ok {
		return gatewayerr.NotFoundErr("subscription")
	}
	delete(m.subs, subID)
	return nil
}

// RemoveByConnection drops every subscription owned by a closed connection
// (spec §4.11: "On any close cause ... remove all subscriptions").
func (m *Manager) RemoveByConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.subs {
		if sub.connID == connID {
			delete(m.subs, id)
		}
	}
}

// Count reports the number of live subscriptions, for server.getStats.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// handleCommit re-runs every live subscription's query exactly once for
// this commit (the store does not tell us which queries the commit's
// buckets affect, so per spec §4.7 step 1 we conservatively re-run all of
// them) and pushes only the ones whose result changed.
func (m *Manager) handleCommit(events []store.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, sub := range subs {
		m.reevaluate(ctx, sub)
	}
}

func (m *Manager) reevaluate(ctx context.Context, sub *subscription) {
	result, err := m.store.RunQuery(ctx, sub.query, sub.params)
	if err != nil {
		// Errors during subscription evaluation are logged and do not
		// close the connection or remove the subscription (spec §7).
		logger.Store().Warn().Str("subscriptionId", sub.id).Str("query", sub.query).Err(err).
			Msg("store subscription re-evaluation failed, skipping this tick")
		return
	}

	sub.mu.Lock()
	changed := !store.DeepEqual(sub.snapshot, result)
	if changed {
		sub.snapshot = result
	}
	sender := sub.sender
	sub.mu.Unlock()

	if !changed {
		return
	}
	push := protocol.NewSubscriptionPush(sub.id, result)
	frame, err := protocol.Marshal(push)
	if err != nil {
		logger.Store().Error().Err(err).Msg("failed to encode subscription push")
		return
	}
	if err := sender.Send(frame); err != nil {
		logger.Store().Debug().Str("subscriptionId", sub.id).Err(err).Msg("failed to deliver subscription push")
	}
}
