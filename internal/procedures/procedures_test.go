package procedures

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabricgate/corehub/internal/store"
)

func setupStoreForProcs(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemStore()
	require.NoError(t, st.DefineBucket("products", store.BucketConfig{Schema: map[string]store.FieldSpec{
		"name":  {Type: store.FieldString, Required: true},
		"stock": {Type: store.FieldNumber, Required: true},
	}}))
	return st
}

func TestRegisterRejectsDuplicateAndEmptySteps(t *testing.T) {
	r := New(setupStoreForProcs(t), nil)
	p := &Procedure{Name: "noop", Steps: []Step{{Action: "return", Return: 1.0}}}
	require.NoError(t, r.Register(p))
	assert.Error(t, r.Register(p))

	err := r.Register(&Procedure{Name: "empty", Steps: nil})
	assert.Error(t, err)
}

func TestCallReturnsBindingsAndReturnValue(t *testing.T) {
	st := setupStoreForProcs(t)
	r := New(st, nil)
	proc := &Procedure{
		Name: "create-product",
		Steps: []Step{
			{Action: "store.insert", Bucket: "products", As: "created", Data: map[string]any{
				"name":  "{{ input.name }}",
				"stock": "{{ input.stock }}",
			}},
			{Action: "return", Return: "{{ created.id }}"},
		},
	}
	require.NoError(t, r.Register(proc))

	result, err := r.Call(context.Background(), "create-product", map[string]any{"name": "Widget", "stock": 10.0})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Contains(t, result.Results, "created")
	assert.NotEmpty(t, result.Result)
}

func TestCallValidatesInputSchema(t *testing.T) {
	st := setupStoreForProcs(t)
	r := New(st, nil)
	proc := &Procedure{
		Name:  "needs-name",
		Input: map[string]store.FieldSpec{"name": {Type: store.FieldString, Required: true}},
		Steps: []Step{{Action: "return", Return: "ok"}},
	}
	require.NoError(t, r.Register(proc))
	_, err := r.Call(context.Background(), "needs-name", map[string]any{})
	assert.Error(t, err)
}

func TestIfStepBranchesOnCondition(t *testing.T) {
	st := setupStoreForProcs(t)
	r := New(st, nil)
	proc := &Procedure{
		Name: "classify",
		Steps: []Step{
			{Action: "if", If: &IfStep{
				Condition: Condition{Ref: "input.score", Operator: "gte", Value: 50.0},
				Then:      []Step{{Action: "return", Return: "pass"}},
				Else:      []Step{{Action: "return", Return: "fail"}},
			}},
		},
	}
	require.NoError(t, r.Register(proc))

	result, err := r.Call(context.Background(), "classify", map[string]any{"score": 80.0})
	require.NoError(t, err)
	assert.Equal(t, "pass", result.Result)

	result, err = r.Call(context.Background(), "classify", map[string]any{"score": 10.0})
	require.NoError(t, err)
	assert.Equal(t, "fail", result.Result)
}

func TestTransactionRollsBackOnStepError(t *testing.T) {
	st := setupStoreForProcs(t)
	require.NoError(t, st.DefineBucket("users", store.BucketConfig{Schema: map[string]store.FieldSpec{
		"name": {Type: store.FieldString, Required: true},
	}}))
	products, err := st.Bucket("products")
	require.NoError(t, err)
	_, err = products.Insert(context.Background(), store.Doc{"name": "Widget", "stock": 5.0})
	require.NoError(t, err)

	r := New(st, nil)
	proc := &Procedure{
		Name:        "transfer",
		Transaction: true,
		Steps: []Step{
			{Action: "store.where", Bucket: "products", As: "found", Filters: []Condition{{Ref: "name", Operator: "eq", Value: "Widget"}}},
			{Action: "store.insert", Bucket: "users", Data: map[string]any{"credits": 100.0}},
		},
	}
	require.NoError(t, r.Register(proc))

	_, err = r.Call(context.Background(), "transfer", nil)
	assert.Error(t, err, "users.name is required, so the insert step fails and the transaction rolls back")

	all, err := products.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 5.0, all[0]["stock"])
}

func TestAggregateStep(t *testing.T) {
	st := setupStoreForProcs(t)
	products, err := st.Bucket("products")
	require.NoError(t, err)
	_, err = products.Insert(context.Background(), store.Doc{"name": "A", "stock": 3.0})
	require.NoError(t, err)
	_, err = products.Insert(context.Background(), store.Doc{"name": "B", "stock": 7.0})
	require.NoError(t, err)

	r := New(st, nil)
	proc := &Procedure{
		Name: "total-stock",
		Steps: []Step{
			{Action: "aggregate", Aggregate: &AggregateStep{Source: "products", Field: "stock", Op: "sum", As: "total"}},
			{Action: "return", Return: "{{ total }}"},
		},
	}
	require.NoError(t, r.Register(proc))

	result, err := r.Call(context.Background(), "total-stock", nil)
	require.NoError(t, err)
	assert.Equal(t, 10.0, result.Result)
}

func TestListSummary(t *testing.T) {
	r := New(setupStoreForProcs(t), nil)
	require.NoError(t, r.Register(&Procedure{Name: "p1", Description: "first", Steps: []Step{{Action: "return", Return: 1.0}}}))
	require.NoError(t, r.Register(&Procedure{Name: "p2", Steps: []Step{{Action: "return", Return: 1.0}, {Action: "return", Return: 2.0}}}))

	summaries := r.List()
	require.Len(t, summaries, 2)
	byName := map[string]Summary{}
	for _, s := range summaries {
		byName[s.Name] = s
	}
	assert.Equal(t, "first", byName["p1"].Description)
	assert.Equal(t, 2, byName["p2"].StepsCount)
}

func TestUnregisterAndGetUnknown(t *testing.T) {
	r := New(setupStoreForProcs(t), nil)
	require.NoError(t, r.Register(&Procedure{Name: "p1", Steps: []Step{{Action: "return", Return: 1.0}}}))
	require.NoError(t, r.Unregister("p1"))
	_, err := r.Get("p1")
	assert.Error(t, err)
	assert.Error(t, r.Unregister("p1"))
}
