package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/lib/pq"

	"github.com/fabricgate/corehub/internal/logger"
)

// PGStore persists buckets as JSONB documents in Postgres, one table per
// bucket (`corehub_bucket_<name>`), grounded on the teacher's
// internal/db/database.go connection-pool setup and lib/pq usage. Unlike
// MemStore, change notification happens after the SQL commit rather than
// inline, so PGStore queues notifications and Settle() drains them — useful
// for tests that need a commit's subscribers to have run before asserting.
type PGStore struct {
	db *sql.DB

	mu      sync.Mutex
	schemas map[string]BucketConfig
	queries map[string]QueryFunc

	nextCommit uint64
	listeners  []func([]ChangeEvent)
	pending    chan pgNotification
	drainWG    sync.WaitGroup
}

// pgNotification is either a committed batch (events != nil) or a Settle
// marker (done != nil), which the drain loop closes once every batch queued
// ahead of it has been delivered.
type pgNotification struct {
	events []ChangeEvent
	done   chan struct{}
}

// NewPGStore opens a connection pool against dsn and starts the background
// notification drain loop.
func NewPGStore(dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newPGStoreFromDB(db), nil
}

// newPGStoreFromDB wraps an already-open *sql.DB, letting tests substitute
// a go-sqlmock handle in place of a real Postgres connection (mirrors the
// teacher's internal/db.NewApplicationDB(db) constructor shape).
func newPGStoreFromDB(db *sql.DB) *PGStore {
	s := &PGStore{
		db:      db,
		schemas: make(map[string]BucketConfig),
		queries: make(map[string]QueryFunc),
		pending: make(chan pgNotification, 256),
	}
	s.drainWG.Add(1)
	go s.drainLoop()
	return s
}

func (s *PGStore) drainLoop() {
	defer s.drainWG.Done()
	for n := range s.pending {
		if n.done != nil {
			close(n.done)
			continue
		}
		s.mu.Lock()
		listeners := append([]func([]ChangeEvent){}, s.listeners...)
		s.mu.Unlock()
		for _, l := range listeners {
			if l != nil {
				l(n.events)
			}
		}
	}
}

func tableName(bucket string) string {
	return fmt.Sprintf("corehub_bucket_%s", bucket)
}

func (s *PGStore) DefineBucket(name string, cfg BucketConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schemas[name]; ok {
		return fmt.Errorf("bucket %q already defined", name)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 1,
		data JSONB NOT NULL
	)`, tableName(name))
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("create bucket table %q: %w", name, err)
	}
	s.schemas[name] = cfg
	return nil
}

func (s *PGStore) DropBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schemas[name]; !ok {
		return fmt.Errorf("bucket %q not defined", name)
	}
	if _, err := s.db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", tableName(name))); err != nil {
		return fmt.Errorf("drop bucket table %q: %w", name, err)
	}
	delete(s.schemas, name)
	return nil
}

func (s *PGStore) Buckets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		out = append(out, name)
	}
	return out
}

func (s *PGStore) Bucket(name string) (Bucket, error) { return s.bucket(name) }

func (s *PGStore) bucket(name string) (Bucket, error) {
	s.mu.Lock()
	_, ok := s.schemas[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotDefined, name)
	}
	return &pgBucket{store: s, name: name, exec: s.db}, nil
}

func (s *PGStore) DefineQuery(name string, fn QueryFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[name] = fn
	return nil
}

func (s *PGStore) HasQuery(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queries[name]
	return ok
}

func (s *PGStore) RunQuery(ctx context.Context, name string, params map[string]any) (any, error) {
	s.mu.Lock()
	fn, ok := s.queries[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotDefined, name)
	}
	return fn(&QueryContext{Params: params, store: s})
}

// Transaction runs fn inside a SQL transaction; all ChangeEvents produced
// during fn are committed with one CommitID and queued for notification
// only after the SQL transaction itself commits successfully.
func (s *PGStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	pgtx := &pgTx{store: s, sqlTx: sqlTx}
	if err := fn(pgtx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	if len(pgtx.events) > 0 {
		s.queueCommit(pgtx.events)
	}
	return nil
}

func (s *PGStore) queueCommit(events []ChangeEvent) {
	s.mu.Lock()
	s.nextCommit++
	cid := s.nextCommit
	s.mu.Unlock()
	batch := make([]ChangeEvent, len(events))
	for i, e := range events {
		e.CommitID = cid
		batch[i] = e
	}
	select {
	case s.pending <- pgNotification{events: batch}:
	default:
		logger.Store().Warn().Msg("change notification queue full, dropping batch")
	}
}

func (s *PGStore) OnChange(fn func([]ChangeEvent)) func() {
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

// Settle waits until every batch queued before this call has reached its
// listeners, by enqueuing a marker behind them and waiting for the drain
// loop to reach it.
func (s *PGStore) Settle(ctx context.Context) error {
	marker := pgNotification{done: make(chan struct{})}
	select {
	case s.pending <- marker:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-marker.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PGStore) Stats() Stats {
	s.mu.Lock()
	names := make([]string, 0, len(s.schemas))
	for n := range s.schemas {
		names = append(names, n)
	}
	s.mu.Unlock()
	counts := make(map[string]int, len(names))
	for _, n := range names {
		var c int
		if err := s.db.QueryRow(fmt.Sprintf("SELECT count(*) FROM %s", tableName(n))).Scan(&c); err == nil {
			counts[n] = c
		}
	}
	return Stats{BucketCount: len(names), DocCounts: counts}
}

// Close stops the notification drain loop and closes the connection pool.
func (s *PGStore) Close() error {
	close(s.pending)
	s.drainWG.Wait()
	return s.db.Close()
}

// sqlExec is satisfied by both *sql.DB and *sql.Tx.
type sqlExec interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

type pgBucket struct {
	store *PGStore
	name  string
	exec  sqlExec
	// notify routes change events either directly (non-transactional path)
	// or into the enclosing pgTx's buffer.
	notify func(ChangeEvent)
}

func (b *pgBucket) doNotify(e ChangeEvent) {
	if b.notify != nil {
		b.notify(e)
		return
	}
	b.store.queueCommit([]ChangeEvent{e})
}

func (b *pgBucket) Insert(ctx context.Context, data Doc) (Doc, error) {
	b.store.mu.Lock()
	cfg := b.store.schemas[b.name]
	b.store.mu.Unlock()
	if err := validate(cfg, data); err != nil {
		return nil, err
	}
	doc := cloneDoc(data)
	id := newID()
	doc["id"] = id
	doc["_version"] = 1
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	_, err = b.exec.Exec(fmt.Sprintf("INSERT INTO %s (id, version, data) VALUES ($1, $2, $3)", tableName(b.name)),
		id, 1, payload)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", b.name, err)
	}
	b.doNotify(ChangeEvent{Bucket: b.name, Op: ChangeInsert, DocID: id})
	return doc, nil
}

func (b *pgBucket) Get(ctx context.Context, id string) (Doc, error) {
	var payload []byte
	err := b.exec.QueryRow(fmt.Sprintf("SELECT data FROM %s WHERE id = $1", tableName(b.name)), id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get from %s: %w", b.name, err)
	}
	var doc Doc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (b *pgBucket) Update(ctx context.Context, id string, patch Doc) (Doc, error) {
	existing, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := cloneDoc(existing)
	for k, v := range patch {
		if k == "id" || k == "_version" {
			continue
		}
		merged[k] = v
	}
	b.store.mu.Lock()
	cfg := b.store.schemas[b.name]
	b.store.mu.Unlock()
	if err := validate(cfg, merged); err != nil {
		return nil, err
	}
	version := 1
	if v, ok := toFloat(existing["_version"]); ok {
		version = int(v) + 1
	}
	merged["_version"] = version
	payload, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	_, err = b.exec.Exec(fmt.Sprintf("UPDATE %s SET data = $1, version = $2 WHERE id = $3", tableName(b.name)),
		payload, version, id)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", b.name, err)
	}
	b.doNotify(ChangeEvent{Bucket: b.name, Op: ChangeUpdate, DocID: id})
	return merged, nil
}

func (b *pgBucket) Delete(ctx context.Context, id string) (bool, error) {
	res, err := b.exec.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = $1", tableName(b.name)), id)
	if err != nil {
		return false, fmt.Errorf("delete from %s: %w", b.name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	b.doNotify(ChangeEvent{Bucket: b.name, Op: ChangeDelete, DocID: id})
	return true, nil
}

func (b *pgBucket) All(ctx context.Context) ([]Doc, error) {
	rows, err := b.exec.Query(fmt.Sprintf("SELECT data FROM %s ORDER BY id", tableName(b.name)))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", b.name, err)
	}
	defer rows.Close()
	var out []Doc
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var doc Doc
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (b *pgBucket) Where(ctx context.Context, filters []Filter) ([]Doc, error) {
	all, err := b.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Doc, 0, len(all))
	for _, d := range all {
		if matches(d, filters) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (b *pgBucket) FindOne(ctx context.Context, filters []Filter) (Doc, bool, error) {
	docs, err := b.Where(ctx, filters)
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

func (b *pgBucket) Count(ctx context.Context, filters []Filter) (int, error) {
	docs, err := b.Where(ctx, filters)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (b *pgBucket) Clear(ctx context.Context) (int, error) {
	all, err := b.All(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := b.exec.Exec(fmt.Sprintf("DELETE FROM %s", tableName(b.name))); err != nil {
		return 0, fmt.Errorf("clear %s: %w", b.name, err)
	}
	b.doNotify(ChangeEvent{Bucket: b.name, Op: ChangeClear})
	return len(all), nil
}

func (b *pgBucket) First(ctx context.Context) (Doc, bool, error) {
	all, err := b.All(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(all) == 0 {
		return nil, false, nil
	}
	return all[0], true, nil
}

func (b *pgBucket) Last(ctx context.Context) (Doc, bool, error) {
	all, err := b.All(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(all) == 0 {
		return nil, false, nil
	}
	return all[len(all)-1], true, nil
}

func (b *pgBucket) Paginate(ctx context.Context, offset, limit int) ([]Doc, int, error) {
	all, err := b.All(ctx)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	if offset >= total {
		return []Doc{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (b *pgBucket) Sum(ctx context.Context, field string, filters []Filter) (float64, error) {
	all, err := b.All(ctx)
	if err != nil {
		return 0, err
	}
	return aggregate(all, field, filters, "sum")
}

func (b *pgBucket) Avg(ctx context.Context, field string, filters []Filter) (float64, error) {
	all, err := b.All(ctx)
	if err != nil {
		return 0, err
	}
	return aggregate(all, field, filters, "avg")
}

func (b *pgBucket) Min(ctx context.Context, field string, filters []Filter) (float64, error) {
	all, err := b.All(ctx)
	if err != nil {
		return 0, err
	}
	return aggregate(all, field, filters, "min")
}

func (b *pgBucket) Max(ctx context.Context, field string, filters []Filter) (float64, error) {
	all, err := b.All(ctx)
	if err != nil {
		return 0, err
	}
	return aggregate(all, field, filters, "max")
}

// pgTx is the Tx view for PGStore.Transaction: every bucket it hands out
// shares the SQL transaction and buffers change events locally so they are
// queued for notification only once, after the SQL transaction commits.
type pgTx struct {
	store  *PGStore
	sqlTx  *sql.Tx
	events []ChangeEvent
}

func (t *pgTx) Bucket(name string) (Bucket, error) {
	t.store.mu.Lock()
	_, ok := t.store.schemas[name]
	t.store.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotDefined, name)
	}
	b := &pgBucket{store: t.store, name: name, exec: t.sqlTx}
	b.notify = func(e ChangeEvent) { t.events = append(t.events, e) }
	return b, nil
}

func (t *pgTx) bucket(name string) (Bucket, error) { return t.Bucket(name) }
