// Package rules implements the gateway's RuleEngine collaborator (spec
// §6.3): a pub/sub topic bus plus a flat key/value fact store. RuleEngine
// is optional — when the gateway is started without one, every rules.*
// operation returns RULES_NOT_AVAILABLE (spec §4.8).
package rules

import "context"

// Event is one emitted rule-engine event (spec: "emit(topic, data,
// correlationId?)").
type Event struct {
	Topic         string
	Data          any
	CorrelationID string
}

// Stats summarizes engine-wide counters for server.getStats.
type Stats struct {
	FactCount        int `json:"factCount"`
	SubscriberCount  int `json:"subscriberCount"`
}

// Engine is the full RuleEngine collaborator interface the gateway
// depends on (spec §6.3).
type Engine interface {
	Emit(ctx context.Context, topic string, data any, correlationID string) error

	SetFact(ctx context.Context, key string, value any) error
	GetFact(ctx context.Context, key string) (any, bool, error)
	DeleteFact(ctx context.Context, key string) error
	QueryFacts(ctx context.Context, pattern string) (map[string]any, error)
	GetAllFacts(ctx context.Context) (map[string]any, error)

	// Subscribe registers handler for every emitted event whose topic
	// matches pattern (glob-style, spec §4.8). Returns an unsubscribe func.
	Subscribe(pattern string, handler func(Event)) func()

	Stats() Stats
}
