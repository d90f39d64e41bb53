package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

// sessionIDKey is the context key for the LSP session ID.
var sessionIDKey = contextKey{}

// WithSessionID returns a new context with the given session ID stored.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID extracts the session ID from the context.
// Returns an empty string if no session ID is set.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}
