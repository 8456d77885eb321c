// Package engine defines the narrow capability surface the transport layer
// expects from a GraphQL execution engine. The engine itself (parsing,
// validation, resolution) lives in the embedding application.
package engine

import (
	"context"
	"errors"

	graphql "github.com/soketto/graphserve/internal/graphql"
)

// ErrStreamDone is returned by Stream.Next when the source is exhausted.
var ErrStreamDone = errors.New("engine: subscription stream done")

// Engine executes operations. Execute never returns a Go error: engine-level
// failures (syntax, validation, resolution) are reported inside the Result.
type Engine interface {
	// Execute runs a query or mutation to completion.
	Execute(ctx context.Context, req *graphql.Request, rootValue any) *graphql.Result

	// Subscribe starts a subscription and returns its outcome stream. A
	// non-nil error means the operation could not be started at all; the
	// caller reports it on the operation, not the connection.
	Subscribe(ctx context.Context, req *graphql.Request, rootValue any) (Stream, error)
}

// Stream is a lazy, non-restartable sequence of execution outcomes. Next
// blocks until the next outcome, the stream ends (ErrStreamDone), or ctx is
// done. Close releases engine resources for the operation and is safe to
// call after exhaustion.
type Stream interface {
	Next(ctx context.Context) (*graphql.Result, error)
	Close() error
}

// Hooks are caller-supplied construction points invoked once per operation,
// never cached across batch elements.
type Hooks struct {
	// RootValue builds the root value handed to the engine. Nil means a nil
	// root value.
	RootValue func(ctx context.Context, req *graphql.Request) any

	// Context derives the execution context for one operation. Nil means
	// the transport context is used unchanged.
	Context func(ctx context.Context, req *graphql.Request) context.Context
}

// Root applies the RootValue hook.
func (h Hooks) Root(ctx context.Context, req *graphql.Request) any {
	if h.RootValue == nil {
		return nil
	}
	return h.RootValue(ctx, req)
}

// Derive applies the Context hook.
func (h Hooks) Derive(ctx context.Context, req *graphql.Request) context.Context {
	if h.Context == nil {
		return ctx
	}
	return h.Context(ctx, req)
}
