package storesub

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/store"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func setupStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemStore()
	require.NoError(t, s.DefineBucket("items", store.BucketConfig{}))
	require.NoError(t, s.DefineQuery("itemCount", func(ctx *store.QueryContext) (any, error) {
		b, err := ctx.Bucket("items")
		if err != nil {
			return nil, err
		}
		return b.Count(context.Background(), nil)
	}))
	return s
}

func TestSubscribeReturnsInitialSnapshot(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	m := New(s)
	defer m.Close()

	sender := &fakeSender{}
	subID, snapshot, err := m.Subscribe(ctx, "conn-1", sender, "itemCount", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, subID)
	assert.Equal(t, 0, snapshot)
}

func TestSubscribeUnknownQueryReturnsQueryNotDefined(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	m := New(s)
	defer m.Close()

	_, _, err := m.Subscribe(ctx, "conn-1", &fakeSender{}, "missing", nil)
	var gerr *gatewayerr.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, gatewayerr.QueryNotDefined, gerr.Code)
}

func TestCommitPushesOnlyWhenSnapshotChanges(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	m := New(s)
	defer m.Close()

	sender := &fakeSender{}
	_, _, err := m.Subscribe(ctx, "conn-1", sender, "itemCount", nil)
	require.NoError(t, err)

	bucket, err := s.Bucket("items")
	require.NoError(t, err)
	_, err = bucket.Insert(ctx, store.Doc{"name": "a"})
	require.NoError(t, err)

	// MemStore notifies listeners synchronously before Insert returns, so
	// the push has already landed by this point.
	assert.Equal(t, 1, sender.count())
}

func TestUnsubscribeUnknownReturnsNotFound(t *testing.T) {
	s := setupStore(t)
	m := New(s)
	defer m.Close()

	err := m.Unsubscribe("does-not-exist")
	var gerr *gatewayerr.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, gatewayerr.NotFound, gerr.Code)

	ctx := context.Background()
	sender := &fakeSender{}
	subID, _, err := m.Subscribe(ctx, "conn-1", sender, "itemCount", nil)
	require.NoError(t, err)
	require.NoError(t, m.Unsubscribe(subID))

	err = m.Unsubscribe(subID)
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, gatewayerr.NotFound, gerr.Code)
}

func TestRemoveByConnectionDropsOwnedSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	m := New(s)
	defer m.Close()

	subID, _, err := m.Subscribe(ctx, "conn-1", &fakeSender{}, "itemCount", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())

	m.RemoveByConnection("conn-1")
	assert.Equal(t, 0, m.Count())

	err = m.Unsubscribe(subID)
	assert.Error(t, err)
}
