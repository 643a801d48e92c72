package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// natsEnvelope is the wire shape of one emitted event on a NATS subject.
type natsEnvelope struct {
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// NatsEngine is a multi-instance RuleEngine backed by NATS: topics map
// directly onto NATS subjects (both are dot-delimited), so emit is a
// Publish and subscribe patterns translate one-to-one onto NATS subject
// wildcards ("*" per segment, "**" becoming NATS's ">" catch-all). Facts
// are held in a JetStream KeyValue bucket so setFact/getFact are visible
// to every gateway instance sharing the same NATS deployment, not just the
// process that called setFact.
//
// There is no teacher analogue for a message-bus-backed pub/sub layer
// (the teacher talks to Postgres and Redis only); this is grounded on the
// other example repos in the pack that wire nats-io/nats.go for exactly
// this publish/subscribe-with-wildcard-subjects pattern.
type NatsEngine struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	kv            nats.KeyValue
	subjectPrefix string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNatsEngine connects to NATS at url and provisions (or attaches to) a
// JetStream KV bucket named kvBucket for facts.
func NewNatsEngine(url, kvBucket string) (*NatsEngine, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}
	kv, err := js.KeyValue(kvBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: kvBucket})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create kv bucket %q: %w", kvBucket, err)
		}
	}
	return &NatsEngine{
		nc:            nc,
		js:            js,
		kv:            kv,
		subjectPrefix: "rules.",
		subs:          make(map[string]*nats.Subscription),
	}, nil
}

// Close drains subscriptions and closes the NATS connection.
func (e *NatsEngine) Close() {
	e.mu.Lock()
	for _, sub := range e.subs {
		_ = sub.Unsubscribe()
	}
	e.mu.Unlock()
	e.nc.Close()
}

func (e *NatsEngine) subject(topic string) string { return e.subjectPrefix + topic }

func (e *NatsEngine) Emit(ctx context.Context, topic string, data any, correlationID string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	env, err := json.Marshal(natsEnvelope{Data: payload, CorrelationID: correlationID})
	if err != nil {
		return err
	}
	return e.nc.Publish(e.subject(topic), env)
}

func (e *NatsEngine) SetFact(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = e.kv.Put(key, payload)
	return err
}

func (e *NatsEngine) GetFact(ctx context.Context, key string) (any, bool, error) {
	entry, err := e.kv.Get(key)
	if err == nats.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v any
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (e *NatsEngine) DeleteFact(ctx context.Context, key string) error {
	err := e.kv.Delete(key)
	if err == nats.ErrKeyNotFound {
		return nil
	}
	return err
}

func (e *NatsEngine) allFactKeys() ([]string, error) {
	keys, err := e.kv.Keys()
	if err == nats.ErrNoKeysFound {
		return nil, nil
	}
	return keys, err
}

func (e *NatsEngine) QueryFacts(ctx context.Context, pattern string) (map[string]any, error) {
	keys, err := e.allFactKeys()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, k := range keys {
		if !matchTopic(pattern, k) {
			continue
		}
		v, ok, err := e.GetFact(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (e *NatsEngine) GetAllFacts(ctx context.Context) (map[string]any, error) {
	return e.QueryFacts(ctx, "**")
}

// natsSubject translates the engine's "*"/"**" glob into a NATS subject:
// "*" matches one token either way, and a trailing "**" becomes NATS's
// multi-token ">" wildcard.
func natsSubject(prefix, pattern string) string {
	segs := strings.Split(pattern, ".")
	if len(segs) > 0 && segs[len(segs)-1] == "**" {
		segs[len(segs)-1] = ">"
	}
	return prefix + strings.Join(segs, ".")
}

func (e *NatsEngine) Subscribe(pattern string, handler func(Event)) func() {
	subject := natsSubject(e.subjectPrefix, pattern)
	sub, err := e.nc.Subscribe(subject, func(msg *nats.Msg) {
		var env natsEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		var data any
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return
			}
		}
		topic := strings.TrimPrefix(msg.Subject, e.subjectPrefix)
		handler(Event{Topic: topic, Data: data, CorrelationID: env.CorrelationID})
	})
	if err != nil {
		return func() {}
	}
	key := subject + "#" + fmt.Sprintf("%p", sub)
	e.mu.Lock()
	e.subs[key] = sub
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, key)
		e.mu.Unlock()
		_ = sub.Unsubscribe()
	}
}

func (e *NatsEngine) Stats() Stats {
	e.mu.Lock()
	n := len(e.subs)
	e.mu.Unlock()
	keys, _ := e.allFactKeys()
	return Stats{FactCount: len(keys), SubscriberCount: n}
}
