package task

import "context"

type ctxIDKey struct{}

// ContextWithID attaches the task id for handlers that log or audit.
func ContextWithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxIDKey{}, id)
}

// IDFromContext returns the task id attached to ctx, or "".
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxIDKey{}).(string)
	return id
}
