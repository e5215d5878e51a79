package services

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// Detach returns a context that keeps ctx's values but is cancelled only when
// lifetime ends or the returned cancel func is called. A nil lifetime never
// ends.
func Detach(ctx, lifetime context.Context) (context.Context, context.CancelFunc) {
	detached, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if lifetime == nil {
		return detached, cancel
	}
	stop := context.AfterFunc(lifetime, cancel)
	return detached, func() {
		stop()
		cancel()
	}
}
