// Package store defines the gateway's view of its Store collaborator
// (spec §6.2): schema-validated key/value buckets with queries and
// transactions. The storage engine, schema validation and query
// evaluation themselves are the external collaborator's concern — this
// package defines the narrow interface the gateway consumes plus two
// concrete implementations (MemStore for tests and small deployments,
// PGStore for a JSONB-backed Postgres-persisted instance) so the gateway
// is runnable standalone.
package store

import (
	"context"
	"time"
)

// Doc is one stored record. "id" and "_version" are always present and
// managed by the store; callers never set them directly.
type Doc map[string]any

// FieldType is the closed set of scalar types a bucket schema can require.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldAny    FieldType = "any"
)

// FieldSpec describes one schema-validated field on a bucket.
type FieldSpec struct {
	Type     FieldType
	Required bool
}

// BucketConfig is supplied to DefineBucket.
type BucketConfig struct {
	Schema map[string]FieldSpec
}

// ChangeOp identifies what kind of mutation produced a ChangeEvent.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
	ChangeClear  ChangeOp = "clear"
)

// ChangeEvent is published after every committed mutation (spec §4.7: "On
// every Store change notification the dispatcher re-executes the affected
// query"). CommitID groups every ChangeEvent produced by one transaction so
// subscribers can be evaluated exactly once per commit, not once per op.
type ChangeEvent struct {
	Bucket   string
	Op       ChangeOp
	DocID    string
	CommitID uint64
}

// QueryFunc is a named, registered query (spec §4.7): arbitrary read-only
// logic against the store, parameterized and re-run on every relevant
// change for live subscriptions.
type QueryFunc func(ctx *QueryContext) (any, error)

// QueryContext is passed to a QueryFunc: the input params and bucket access
// scoped to the store (or the enclosing transaction, for reads-your-writes
// inside store.transaction).
type QueryContext struct {
	Params map[string]any
	store  txView
}

// Bucket returns a handle to a named bucket, scoped to whatever
// transactional view this context was built from.
func (qc *QueryContext) Bucket(name string) (Bucket, error) {
	return qc.store.bucket(name)
}

// Bucket is the per-bucket operation surface (spec §6.2).
type Bucket interface {
	Insert(ctx context.Context, data Doc) (Doc, error)
	Get(ctx context.Context, id string) (Doc, error)
	Update(ctx context.Context, id string, patch Doc) (Doc, error)
	Delete(ctx context.Context, id string) (bool, error)
	All(ctx context.Context) ([]Doc, error)
	Where(ctx context.Context, filters []Filter) ([]Doc, error)
	FindOne(ctx context.Context, filters []Filter) (Doc, bool, error)
	Count(ctx context.Context, filters []Filter) (int, error)
	Clear(ctx context.Context) (int, error)
	First(ctx context.Context) (Doc, bool, error)
	Last(ctx context.Context) (Doc, bool, error)
	Paginate(ctx context.Context, offset, limit int) ([]Doc, int, error)
	Sum(ctx context.Context, field string, filters []Filter) (float64, error)
	Avg(ctx context.Context, field string, filters []Filter) (float64, error)
	Min(ctx context.Context, field string, filters []Filter) (float64, error)
	Max(ctx context.Context, field string, filters []Filter) (float64, error)
}

// Op is a filter comparison operator (spec §4.9's condition operators reused
// here for store.where).
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Filter is one field/operator/value clause; Where ANDs all filters together.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Tx is the view of the store available inside Transaction's callback.
type Tx interface {
	Bucket(name string) (Bucket, error)
}

// Stats summarizes store-wide counters for server.stats (spec §4.12).
type Stats struct {
	BucketCount int            `json:"bucketCount"`
	DocCounts   map[string]int `json:"docCounts"`
}

// txView is the internal seam shared by Store and the per-transaction view,
// so QueryContext.Bucket works identically in both.
type txView interface {
	bucket(name string) (Bucket, error)
}

// Store is the full collaborator interface the gateway depends on.
type Store interface {
	txView

	DefineBucket(name string, cfg BucketConfig) error
	DropBucket(name string) error
	Bucket(name string) (Bucket, error)
	Buckets() []string

	DefineQuery(name string, fn QueryFunc) error
	RunQuery(ctx context.Context, name string, params map[string]any) (any, error)
	HasQuery(name string) bool

	Transaction(ctx context.Context, fn func(tx Tx) error) error

	// OnChange registers a listener invoked once per commit with every
	// ChangeEvent produced by that commit. It returns an unsubscribe func.
	OnChange(fn func([]ChangeEvent)) (unsubscribe func())

	// Settle blocks until any queued asynchronous work (change-notification
	// delivery in PGStore's case) has drained — used by tests.
	Settle(ctx context.Context) error

	Stats() Stats
}

// Now is overridable in tests; production code should always go through
// this rather than time.Now() directly so deterministic timestamps can be
// injected where needed.
var Now = time.Now
