// Package rulesub implements rules subscriptions (spec §4.8): a client
// registers a glob pattern against the RuleEngine, and every matching
// emitted event is pushed as-is — no initial snapshot, no dedup, unlike
// store subscriptions (internal/storesub).
package rulesub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/logger"
	"github.com/fabricgate/corehub/internal/protocol"
	"github.com/fabricgate/corehub/internal/rules"
)

// Sender is the minimal push surface a subscription needs.
type Sender interface {
	Send(frame []byte) error
}

type subscription struct {
	id         string
	connID     string
	unsubEngine func()
}

// Manager tracks every live rules subscription. A nil Engine means no
// RuleEngine was configured; every method then returns RULES_NOT_AVAILABLE
// (spec §4.8).
type Manager struct {
	engine rules.Engine

	mu   sync.Mutex
	subs map[string]*subscription
}

// New creates a rules-subscription manager. engine may be nil.
func New(engine rules.Engine) *Manager {
	return &Manager{engine: engine, subs: make(map[string]*subscription)}
}

// Available reports whether a RuleEngine is configured at all.
func (m *Manager) Available() bool { return m.engine != nil }

// Subscribe registers pattern against the engine and begins pushing every
// matching event to sender.
func (m *Manager) Subscribe(connID string, sender Sender, pattern string) (string, error) {
	if m.engine == nil {
		return "", gatewayerr.NoRules()
	}
	id := uuid.NewString()
	unsub := m.engine.Subscribe(pattern, func(evt rules.Event) {
		push := protocol.NewEventPush(id, evt.Topic, evt.Data)
		frame, err := protocol.Marshal(push)
		if err != nil {
			logger.Rules().Error().Err(err).Msg("failed to encode event push")
			return
		}
		if err := sender.Send(frame); err != nil {
			logger.Rules().Debug().Str("subscriptionId", id).Err(err).Msg("failed to deliver event push")
		}
	})
	m.mu.Lock()
	m.subs[id] = &subscription{id: id, connID: connID, unsubEngine: unsub}
	m.mu.Unlock()
	return id, nil
}

// Unsubscribe removes a subscription (spec §4.8: "symmetric to §4.7" —
// unknown or double-unsubscribe both return NOT_FOUND).
func (m *Manager) Unsubscribe(subID string) error {
	if m.engine == nil {
		return gatewayerr.NoRules()
	}
	m.mu.Lock()
	sub, ok := m.subs[subID]
	if ok {
		delete(m.subs, subID)
	}
	m.mu.Unlock()
	if !ok {
		return gatewayerr.NotFoundErr("subscription")
	}
	sub.unsubEngine()
	return nil
}

// RemoveByConnection drops every subscription owned by a closed connection.
func (m *Manager) RemoveByConnection(connID string) {
	m.mu.Lock()
	toRemove := make([]*subscription, 0)
	for id, sub := range m.subs {
		if sub.connID == connID {
			toRemove = append(toRemove, sub)
			delete(m.subs, id)
		}
	}
	m.mu.Unlock()
	for _, sub := range toRemove {
		sub.unsubEngine()
	}
}

// Count reports the number of live subscriptions, for server.getStats.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
