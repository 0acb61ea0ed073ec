package telemetry

import "context"

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying the inbound request id so that
// work started by the request can log and audit under the same id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
