package rules

import (
	"context"
	"sync"
)

type subscriber struct {
	id      int64
	pattern string
	handler func(Event)
}

// MemEngine is the default in-process RuleEngine: an in-memory fact map
// plus a subscriber list matched against every emitted event synchronously.
// Grounded on the teacher's internal/events package (subscriber registry +
// synchronous fan-out), generalized from the teacher's fixed event types to
// arbitrary dotted topics with the RuleEngine's pattern matching.
type MemEngine struct {
	mu          sync.RWMutex
	facts       map[string]any
	subscribers []*subscriber
	nextID      int64
}

// NewMemEngine creates an empty in-process rule engine.
func NewMemEngine() *MemEngine {
	return &MemEngine{facts: make(map[string]any)}
}

func (e *MemEngine) Emit(ctx context.Context, topic string, data any, correlationID string) error {
	e.mu.RLock()
	matched := make([]*subscriber, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		if matchTopic(s.pattern, topic) {
			matched = append(matched, s)
		}
	}
	e.mu.RUnlock()

	evt := Event{Topic: topic, Data: data, CorrelationID: correlationID}
	for _, s := range matched {
		s.handler(evt)
	}
	return nil
}

func (e *MemEngine) SetFact(ctx context.Context, key string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.facts[key] = value
	return nil
}

func (e *MemEngine) GetFact(ctx context.Context, key string) (any, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.facts[key]
	return v, ok, nil
}

func (e *MemEngine) DeleteFact(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.facts, key)
	return nil
}

func (e *MemEngine) QueryFacts(ctx context.Context, pattern string) (map[string]any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any)
	for k, v := range e.facts {
		if matchTopic(pattern, k) {
			out[k] = v
		}
	}
	return out, nil
}

func (e *MemEngine) GetAllFacts(ctx context.Context) (map[string]any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.facts))
	for k, v := range e.facts {
		out[k] = v
	}
	return out, nil
}

func (e *MemEngine) Subscribe(pattern string, handler func(Event)) func() {
	e.mu.Lock()
	e.nextID++
	sub := &subscriber{id: e.nextID, pattern: pattern, handler: handler}
	e.subscribers = append(e.subscribers, sub)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subscribers {
			if s.id == sub.id {
				e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (e *MemEngine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{FactCount: len(e.facts), SubscriberCount: len(e.subscribers)}
}
