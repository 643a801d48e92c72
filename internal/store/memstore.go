package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemStore is the in-process reference Store implementation: every bucket
// is a plain Go map guarded by the store's single mutex, which also gives
// us "execution is serialized per Store instance" (spec §4.7) for free.
type MemStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucketData
	queries map[string]QueryFunc
	listeners []func([]ChangeEvent)

	nextCommit uint64
	inTx       bool
	txEvents   []ChangeEvent
}

type memBucketData struct {
	cfg  BucketConfig
	docs map[string]Doc
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		buckets: make(map[string]*memBucketData),
		queries: make(map[string]QueryFunc),
	}
}

func (s *MemStore) DefineBucket(name string, cfg BucketConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; ok {
		return fmt.Errorf("bucket %q already defined", name)
	}
	s.buckets[name] = &memBucketData{cfg: cfg, docs: make(map[string]Doc)}
	return nil
}

func (s *MemStore) DropBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		return fmt.Errorf("bucket %q not defined", name)
	}
	delete(s.buckets, name)
	return nil
}

func (s *MemStore) Buckets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.buckets))
	for n := range s.buckets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *MemStore) Bucket(name string) (Bucket, error) {
	return s.bucket(name)
}

func (s *MemStore) bucket(name string) (Bucket, error) {
	s.mu.Lock()
	_, ok := s.buckets[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotDefined, name)
	}
	return &memBucket{store: s, name: name}, nil
}

// ErrBucketNotDefined is wrapped by bucket lookups against an undefined bucket.
var ErrBucketNotDefined = fmt.Errorf("bucket not defined")

func (s *MemStore) DefineQuery(name string, fn QueryFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[name] = fn
	return nil
}

func (s *MemStore) HasQuery(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queries[name]
	return ok
}

func (s *MemStore) RunQuery(ctx context.Context, name string, params map[string]any) (any, error) {
	s.mu.Lock()
	fn, ok := s.queries[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotDefined, name)
	}
	qc := &QueryContext{Params: params, store: s}
	return fn(qc)
}

// ErrQueryNotDefined is returned by RunQuery for an unregistered query name.
var ErrQueryNotDefined = fmt.Errorf("query not defined")

func (s *MemStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	snapshot := s.snapshotLocked()
	s.inTx = true
	s.txEvents = nil
	defer func() {
		s.inTx = false
		s.txEvents = nil
		s.mu.Unlock()
	}()

	if err := fn(&memTx{store: s}); err != nil {
		s.restoreLocked(snapshot)
		return err
	}
	if len(s.txEvents) > 0 {
		s.commitLocked(s.txEvents)
	}
	return nil
}

// snapshotLocked copies every bucket's document set so a failed transaction
// can be rolled back. Must be called with s.mu held.
func (s *MemStore) snapshotLocked() map[string]map[string]Doc {
	snap := make(map[string]map[string]Doc, len(s.buckets))
	for name, bd := range s.buckets {
		docs := make(map[string]Doc, len(bd.docs))
		for id, d := range bd.docs {
			docs[id] = cloneDoc(d)
		}
		snap[name] = docs
	}
	return snap
}

// restoreLocked replaces every bucket's document set with the given
// snapshot. Must be called with s.mu held.
func (s *MemStore) restoreLocked(snapshot map[string]map[string]Doc) {
	for name, docs := range snapshot {
		if bd, ok := s.buckets[name]; ok {
			bd.docs = docs
		}
	}
}

// commitLocked assigns one commit id to a batch of events and notifies
// listeners. Must be called with s.mu held.
func (s *MemStore) commitLocked(events []ChangeEvent) {
	s.nextCommit++
	cid := s.nextCommit
	batch := make([]ChangeEvent, len(events))
	for i, e := range events {
		e.CommitID = cid
		batch[i] = e
	}
	listeners := append([]func([]ChangeEvent){}, s.listeners...)
	// Release the lock while calling out to listeners so subscription
	// re-evaluation (which itself calls back into the store) can't deadlock.
	s.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(batch)
		}
	}
	s.mu.Lock()
}

func (s *MemStore) notify(e ChangeEvent) {
	if s.inTx {
		s.txEvents = append(s.txEvents, e)
		return
	}
	s.commitLocked([]ChangeEvent{e})
}

func (s *MemStore) OnChange(fn func([]ChangeEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners) {
			s.listeners[idx] = nil
		}
	}
}

func (s *MemStore) Settle(ctx context.Context) error { return nil }

func (s *MemStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(s.buckets))
	for name, b := range s.buckets {
		counts[name] = len(b.docs)
	}
	return Stats{BucketCount: len(s.buckets), DocCounts: counts}
}

// memTx is the Tx view handed to Transaction callbacks; it is identical to
// the store except notify() buffers into s.txEvents instead of committing
// immediately, and bucket() reads the same maps directly, giving
// read-your-own-writes within the transaction for free (spec §9 Open
// Question: "tests assert yes").
type memTx struct {
	store *MemStore
}

func (t *memTx) Bucket(name string) (Bucket, error) {
	if _, ok := t.store.buckets[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotDefined, name)
	}
	return &memBucket{store: t.store, name: name}, nil
}

func (t *memTx) bucket(name string) (Bucket, error) { return t.Bucket(name) }

func validate(cfg BucketConfig, data Doc) error {
	for field, spec := range cfg.Schema {
		v, present := data[field]
		if !present {
			if spec.Required {
				return fmt.Errorf("field %q is required", field)
			}
			continue
		}
		if !typeMatches(spec.Type, v) {
			return fmt.Errorf("field %q must be %s", field, spec.Type)
		}
	}
	return nil
}

func typeMatches(t FieldType, v any) bool {
	switch t {
	case FieldAny, "":
		return true
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case FieldBool:
		_, ok := v.(bool)
		return ok
	}
	return true
}

func newID() string { return uuid.NewString() }
