// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and
// mcp: server wires up the MCP surface, and mcp tools need the principal
// and request ID that server's middleware populates. Both packages import
// ctxutil instead of each other.
package ctxutil

import "context"

type contextKey string

const (
	keyPrincipal contextKey = "principal"
	keyRequestID contextKey = "request_id"
)

// WithPrincipal returns a new context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, keyPrincipal, principal)
}

// Principal extracts the authenticated principal, or "" when anonymous.
func Principal(ctx context.Context) string {
	if v, ok := ctx.Value(keyPrincipal).(string); ok {
		return v
	}
	return ""
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID extracts the request ID, or "" when unset.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
