// Package dispatch fans operation batches out to the execution engine and
// reassembles outcomes in input order.
package dispatch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	engine "github.com/soketto/graphserve/internal/engine"
	eventbus "github.com/soketto/graphserve/internal/eventbus"
	events "github.com/soketto/graphserve/internal/events"
	graphql "github.com/soketto/graphserve/internal/graphql"
)

// Mode selects how batch elements are scheduled. The dispatcher itself is
// mode-agnostic; the embedding adapter decides.
type Mode int

const (
	// Sync runs batch elements one after another.
	Sync Mode = iota
	// Async may run batch elements concurrently, bounded by Concurrency.
	Async
)

// Dispatcher invokes the engine per operation. Each element is independent:
// an outcome carrying errors never aborts its siblings.
type Dispatcher struct {
	Engine engine.Engine
	Hooks  engine.Hooks
	Mode   Mode

	// Concurrency bounds parallel elements in Async mode. Zero or negative
	// means unbounded.
	Concurrency int
}

// Dispatch executes every operation and returns outcomes positionally:
// result i belongs to operation i regardless of completion order.
func (d *Dispatcher) Dispatch(ctx context.Context, ops []*graphql.Request) []*graphql.Result {
	results := make([]*graphql.Result, len(ops))
	if d.Mode == Async && len(ops) >= 2 {
		g := new(errgroup.Group)
		if d.Concurrency > 0 {
			g.SetLimit(d.Concurrency)
		}
		for i, op := range ops {
			g.Go(func() error {
				results[i] = d.one(ctx, op, i)
				return nil
			})
		}
		_ = g.Wait()
		return results
	}
	for i, op := range ops {
		results[i] = d.one(ctx, op, i)
	}
	return results
}

func (d *Dispatcher) one(ctx context.Context, op *graphql.Request, index int) *graphql.Result {
	opCtx := d.Hooks.Derive(ctx, op)
	root := d.Hooks.Root(opCtx, op)

	start := time.Now()
	eventbus.Publish(opCtx, events.OperationStart{
		Query:         op.Query,
		OperationName: op.OperationName,
		BatchIndex:    index,
	})
	res := d.Engine.Execute(opCtx, op, root)
	if res == nil {
		res = graphql.ErrorResult("engine returned no result")
	}
	eventbus.Publish(opCtx, events.OperationFinish{
		Query:         op.Query,
		OperationName: op.OperationName,
		BatchIndex:    index,
		ErrorCount:    len(res.Errors),
		Duration:      time.Since(start),
	})
	return res
}

// Subscribe starts a subscription through the engine with the per-operation
// hooks applied. The returned stream is lazy and cannot be restarted.
func (d *Dispatcher) Subscribe(ctx context.Context, op *graphql.Request) (engine.Stream, error) {
	opCtx := d.Hooks.Derive(ctx, op)
	root := d.Hooks.Root(opCtx, op)
	return d.Engine.Subscribe(opCtx, op, root)
}
