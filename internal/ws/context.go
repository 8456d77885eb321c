package ws

import "context"

// InitPayload is the connection_init payload (connection params). The
// embedding application's hooks read it from the operation context.
type InitPayload map[string]any

type initPayloadKey struct{}

func withInitPayload(ctx context.Context, p InitPayload) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, initPayloadKey{}, p)
}

// InitPayloadFromContext returns the connection params for the operation,
// or nil when the client sent none.
func InitPayloadFromContext(ctx context.Context) InitPayload {
	p, _ := ctx.Value(initPayloadKey{}).(InitPayload)
	return p
}
