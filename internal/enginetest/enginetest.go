// Package enginetest provides a small scripted engine for exercising the
// transport layer without a real resolver stack. It parses queries with
// gqlparser and resolves top-level fields through registered functions.
package enginetest

import (
	"context"
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"

	engine "github.com/soketto/graphserve/internal/engine"
	graphql "github.com/soketto/graphserve/internal/graphql"
)

// Resolver produces the value for one top-level field.
type Resolver func(ctx context.Context, args map[string]any) (any, error)

// Source produces the outcome channel for one subscription field. The
// producer must stop and close the channel when ctx is done.
type Source func(ctx context.Context) (<-chan *graphql.Result, error)

// Engine is a scripted engine.Engine implementation.
type Engine struct {
	Resolvers map[string]Resolver
	Sources   map[string]Source
}

// New creates an engine with empty registries.
func New() *Engine {
	return &Engine{
		Resolvers: make(map[string]Resolver),
		Sources:   make(map[string]Source),
	}
}

// Resolve registers a resolver for a top-level field.
func (e *Engine) Resolve(field string, fn Resolver) *Engine {
	e.Resolvers[field] = fn
	return e
}

// ResolveValue registers a fixed value for a top-level field.
func (e *Engine) ResolveValue(field string, v any) *Engine {
	return e.Resolve(field, func(context.Context, map[string]any) (any, error) { return v, nil })
}

// Subscribe registers a subscription source for a top-level field.
func (e *Engine) SubscribeSource(field string, fn Source) *Engine {
	e.Sources[field] = fn
	return e
}

func (e *Engine) Execute(ctx context.Context, req *graphql.Request, rootValue any) *graphql.Result {
	op, errRes := e.operation(req)
	if errRes != nil {
		return errRes
	}
	if op.Operation == ast.Subscription {
		return graphql.ErrorResult("subscriptions must use the subscription transport")
	}

	data := make(map[string]any)
	var errs []graphql.Error
	for _, sel := range op.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		fn, ok := e.Resolvers[field.Name]
		if !ok {
			// Unknown field: validation failure, nothing executed.
			return &graphql.Result{Errors: []graphql.Error{{
				Message: fmt.Sprintf("Cannot query field %q", field.Name),
			}}}
		}
		args, err := argumentValues(field, req.Variables)
		if err != nil {
			return graphql.ErrorResult(err.Error())
		}
		v, err := fn(ctx, args)
		alias := field.Alias
		if alias == "" {
			alias = field.Name
		}
		if err != nil {
			data[alias] = nil
			errs = append(errs, graphql.Error{Message: err.Error(), Path: []any{alias}})
			continue
		}
		data[alias] = v
	}
	return &graphql.Result{Data: data, Errors: errs}
}

func (e *Engine) Subscribe(ctx context.Context, req *graphql.Request, rootValue any) (engine.Stream, error) {
	op, errRes := e.operation(req)
	if errRes != nil {
		return nil, fmt.Errorf("%s", errRes.Errors[0].Message)
	}
	if op.Operation != ast.Subscription {
		return nil, fmt.Errorf("operation is not a subscription")
	}
	if len(op.SelectionSet) == 0 {
		return nil, fmt.Errorf("subscription selects no field")
	}
	field, ok := op.SelectionSet[0].(*ast.Field)
	if !ok {
		return nil, fmt.Errorf("subscription selects no field")
	}
	src, ok := e.Sources[field.Name]
	if !ok {
		return nil, fmt.Errorf("no subscription source for field %q", field.Name)
	}
	ch, err := src(ctx)
	if err != nil {
		return nil, err
	}
	return &chanStream{ch: ch}, nil
}

func (e *Engine) operation(req *graphql.Request) (*ast.OperationDefinition, *graphql.Result) {
	doc, err := parser.ParseQuery(&ast.Source{Input: req.Query})
	if err != nil {
		var gqlErr *gqlerror.Error
		if errors.As(err, &gqlErr) {
			res := &graphql.Result{Errors: []graphql.Error{{Message: gqlErr.Message}}}
			for _, loc := range gqlErr.Locations {
				res.Errors[0].Locations = append(res.Errors[0].Locations, graphql.Location{Line: loc.Line, Column: loc.Column})
			}
			return nil, res
		}
		return nil, graphql.ErrorResult(err.Error())
	}
	op := doc.Operations.ForName(req.OperationName)
	if op == nil && req.OperationName == "" && len(doc.Operations) == 1 {
		op = doc.Operations[0]
	}
	if op == nil {
		return nil, graphql.ErrorResult(fmt.Sprintf("operation %q not found", req.OperationName))
	}
	return op, nil
}

func argumentValues(field *ast.Field, vars map[string]any) (map[string]any, error) {
	if len(field.Arguments) == 0 {
		return nil, nil
	}
	args := make(map[string]any, len(field.Arguments))
	for _, arg := range field.Arguments {
		v, err := arg.Value.Value(vars)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg.Name, err)
		}
		args[arg.Name] = v
	}
	return args, nil
}

// chanStream adapts a channel to engine.Stream.
type chanStream struct {
	ch <-chan *graphql.Result
}

func (s *chanStream) Next(ctx context.Context) (*graphql.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-s.ch:
		if !ok {
			return nil, engine.ErrStreamDone
		}
		return res, nil
	}
}

func (s *chanStream) Close() error { return nil }

// Ticker is a convenience source emitting n scripted results then closing.
func Ticker(results ...*graphql.Result) Source {
	return func(ctx context.Context) (<-chan *graphql.Result, error) {
		ch := make(chan *graphql.Result)
		go func() {
			defer close(ch)
			for _, res := range results {
				select {
				case <-ctx.Done():
					return
				case ch <- res:
				}
			}
		}()
		return ch, nil
	}
}

var _ engine.Engine = (*Engine)(nil)
