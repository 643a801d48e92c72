package store

import (
	"context"
	"fmt"
	"sort"
)

// memBucket is the Bucket handle returned by MemStore. All locking happens
// at the store level (MemStore.mu); memBucket itself holds no state beyond
// which store/bucket it addresses.
type memBucket struct {
	store *MemStore
	name  string
}

func (b *memBucket) data() *memBucketData {
	return b.store.buckets[b.name]
}

func (b *memBucket) Insert(ctx context.Context, data Doc) (Doc, error) {
	b.store.mu.Lock()
	bd := b.data()
	if bd == nil {
		b.store.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBucketNotDefined, b.name)
	}
	if err := validate(bd.cfg, data); err != nil {
		b.store.mu.Unlock()
		return nil, err
	}
	doc := make(Doc, len(data)+2)
	for k, v := range data {
		doc[k] = v
	}
	id := newID()
	doc["id"] = id
	doc["_version"] = 1
	bd.docs[id] = doc
	out := cloneDoc(doc)
	b.store.notify(ChangeEvent{Bucket: b.name, Op: ChangeInsert, DocID: id})
	b.store.mu.Unlock()
	return out, nil
}

func (b *memBucket) Get(ctx context.Context, id string) (Doc, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	bd := b.data()
	if bd == nil {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotDefined, b.name)
	}
	doc, ok := bd.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q not found", id)
	}
	return cloneDoc(doc), nil
}

func (b *memBucket) Update(ctx context.Context, id string, patch Doc) (Doc, error) {
	b.store.mu.Lock()
	bd := b.data()
	if bd == nil {
		b.store.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBucketNotDefined, b.name)
	}
	existing, ok := bd.docs[id]
	if !ok {
		b.store.mu.Unlock()
		return nil, fmt.Errorf("document %q not found", id)
	}
	merged := cloneDoc(existing)
	for k, v := range patch {
		if k == "id" || k == "_version" {
			continue
		}
		merged[k] = v
	}
	if err := validate(bd.cfg, merged); err != nil {
		b.store.mu.Unlock()
		return nil, err
	}
	if v, ok := toFloat(existing["_version"]); ok {
		merged["_version"] = int(v) + 1
	} else {
		merged["_version"] = 1
	}
	bd.docs[id] = merged
	out := cloneDoc(merged)
	b.store.notify(ChangeEvent{Bucket: b.name, Op: ChangeUpdate, DocID: id})
	b.store.mu.Unlock()
	return out, nil
}

func (b *memBucket) Delete(ctx context.Context, id string) (bool, error) {
	b.store.mu.Lock()
	bd := b.data()
	if bd == nil {
		b.store.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrBucketNotDefined, b.name)
	}
	if _, ok := bd.docs[id]; !ok {
		b.store.mu.Unlock()
		return false, nil
	}
	delete(bd.docs, id)
	b.store.notify(ChangeEvent{Bucket: b.name, Op: ChangeDelete, DocID: id})
	b.store.mu.Unlock()
	return true, nil
}

func (b *memBucket) All(ctx context.Context) ([]Doc, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	bd := b.data()
	if bd == nil {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotDefined, b.name)
	}
	return sortedDocs(bd.docs), nil
}

func (b *memBucket) Where(ctx context.Context, filters []Filter) ([]Doc, error) {
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

func (b *memBucket) FindOne(ctx context.Context, filters []Filter) (Doc, bool, error) {
	docs, err := b.Where(ctx, filters)
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

func (b *memBucket) Count(ctx context.Context, filters []Filter) (int, error) {
	docs, err := b.Where(ctx, filters)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (b *memBucket) Clear(ctx context.Context) (int, error) {
	b.store.mu.Lock()
	bd := b.data()
	if bd == nil {
		b.store.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrBucketNotDefined, b.name)
	}
	n := len(bd.docs)
	bd.docs = make(map[string]Doc)
	b.store.notify(ChangeEvent{Bucket: b.name, Op: ChangeClear})
	b.store.mu.Unlock()
	return n, nil
}

func (b *memBucket) First(ctx context.Context) (Doc, bool, error) {
	all, err := b.All(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(all) == 0 {
		return nil, false, nil
	}
	return all[0], true, nil
}

func (b *memBucket) Last(ctx context.Context) (Doc, bool, error) {
	all, err := b.All(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(all) == 0 {
		return nil, false, nil
	}
	return all[len(all)-1], true, nil
}

func (b *memBucket) Paginate(ctx context.Context, offset, limit int) ([]Doc, int, error) {
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

func (b *memBucket) Sum(ctx context.Context, field string, filters []Filter) (float64, error) {
	all, err := b.All(ctx)
	if err != nil {
		return 0, err
	}
	return aggregate(all, field, filters, "sum")
}

func (b *memBucket) Avg(ctx context.Context, field string, filters []Filter) (float64, error) {
	all, err := b.All(ctx)
	if err != nil {
		return 0, err
	}
	return aggregate(all, field, filters, "avg")
}

func (b *memBucket) Min(ctx context.Context, field string, filters []Filter) (float64, error) {
	all, err := b.All(ctx)
	if err != nil {
		return 0, err
	}
	return aggregate(all, field, filters, "min")
}

func (b *memBucket) Max(ctx context.Context, field string, filters []Filter) (float64, error) {
	all, err := b.All(ctx)
	if err != nil {
		return 0, err
	}
	return aggregate(all, field, filters, "max")
}

func cloneDoc(d Doc) Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func sortedDocs(m map[string]Doc) []Doc {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Doc, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneDoc(m[id]))
	}
	return out
}
