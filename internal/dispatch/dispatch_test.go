package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engine "github.com/soketto/graphserve/internal/engine"
	graphql "github.com/soketto/graphserve/internal/graphql"
)

type stubEngine struct {
	mu      sync.Mutex
	execute func(ctx context.Context, req *graphql.Request, root any) *graphql.Result
	calls   []string
}

func (s *stubEngine) Execute(ctx context.Context, req *graphql.Request, root any) *graphql.Result {
	s.mu.Lock()
	s.calls = append(s.calls, req.Query)
	s.mu.Unlock()
	return s.execute(ctx, req, root)
}

func (s *stubEngine) Subscribe(ctx context.Context, req *graphql.Request, root any) (engine.Stream, error) {
	return nil, fmt.Errorf("not a subscription engine")
}

func batchOf(n int) []*graphql.Request {
	ops := make([]*graphql.Request, n)
	for i := range ops {
		ops[i] = &graphql.Request{Query: fmt.Sprintf("{ field%d }", i)}
	}
	return ops
}

func TestDispatchSyncPreservesOrder(t *testing.T) {
	eng := &stubEngine{execute: func(_ context.Context, req *graphql.Request, _ any) *graphql.Result {
		return &graphql.Result{Data: map[string]any{"echo": req.Query}}
	}}
	d := &Dispatcher{Engine: eng}

	ops := batchOf(3)
	results := d.Dispatch(context.Background(), ops)
	require.Len(t, results, 3)
	for i, res := range results {
		if diff := cmp.Diff(map[string]any{"echo": ops[i].Query}, res.Data); diff != "" {
			t.Errorf("result %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	assert.Equal(t, []string{"{ field0 }", "{ field1 }", "{ field2 }"}, eng.calls)
}

func TestDispatchAsyncPreservesOrder(t *testing.T) {
	// Earlier elements finish last; outcomes must still line up by index.
	eng := &stubEngine{execute: func(_ context.Context, req *graphql.Request, _ any) *graphql.Result {
		if req.Query == "{ field0 }" {
			time.Sleep(30 * time.Millisecond)
		}
		return &graphql.Result{Data: map[string]any{"echo": req.Query}}
	}}
	d := &Dispatcher{Engine: eng, Mode: Async, Concurrency: 4}

	ops := batchOf(4)
	results := d.Dispatch(context.Background(), ops)
	require.Len(t, results, 4)
	for i, res := range results {
		assert.Equal(t, map[string]any{"echo": ops[i].Query}, res.Data)
	}
}

func TestDispatchFailureIsolation(t *testing.T) {
	eng := &stubEngine{execute: func(_ context.Context, req *graphql.Request, _ any) *graphql.Result {
		if req.Query == "{ field1 }" {
			return graphql.ErrorResult("boom")
		}
		return &graphql.Result{Data: map[string]any{"ok": true}}
	}}
	d := &Dispatcher{Engine: eng, Mode: Async}

	results := d.Dispatch(context.Background(), batchOf(3))
	require.Len(t, results, 3)
	assert.True(t, results[0].HasData())
	assert.False(t, results[1].HasData())
	assert.Equal(t, "boom", results[1].Errors[0].Message)
	assert.True(t, results[2].HasData())
}

func TestDispatchNilEngineResult(t *testing.T) {
	eng := &stubEngine{execute: func(context.Context, *graphql.Request, any) *graphql.Result {
		return nil
	}}
	d := &Dispatcher{Engine: eng}

	results := d.Dispatch(context.Background(), batchOf(1))
	require.Len(t, results, 1)
	require.NotNil(t, results[0])
	require.Len(t, results[0].Errors, 1)
}

type ctxKey struct{}

func TestDispatchHooksPerOperation(t *testing.T) {
	var mu sync.Mutex
	var roots []any
	eng := &stubEngine{execute: func(ctx context.Context, _ *graphql.Request, root any) *graphql.Result {
		mu.Lock()
		roots = append(roots, root)
		mu.Unlock()
		assert.Equal(t, "derived", ctx.Value(ctxKey{}))
		return &graphql.Result{Data: map[string]any{}}
	}}
	d := &Dispatcher{
		Engine: eng,
		Hooks: engine.Hooks{
			RootValue: func(_ context.Context, req *graphql.Request) any {
				return "root:" + req.Query
			},
			Context: func(ctx context.Context, _ *graphql.Request) context.Context {
				return context.WithValue(ctx, ctxKey{}, "derived")
			},
		},
	}

	d.Dispatch(context.Background(), batchOf(2))
	assert.ElementsMatch(t, []any{"root:{ field0 }", "root:{ field1 }"}, roots)
}
