package requestctx

import (
	"context"
)

type contextKey string

const fiberLocalsKey = "requestctx"

// Key is the typed context key used for storing the request Context.
var Key contextKey = "qingyun-gateway/requestctx"

// Context captures the authenticated caller resolved from the bearer token.
type Context struct {
	UserID string
	Role   string
	// IdempotencyKey is the caller supplied Idempotency-Key header, if any.
	IdempotencyKey string
}

// IsAdmin reports whether the caller holds adminRole.
func (c *Context) IsAdmin(adminRole string) bool {
	return c != nil && adminRole != "" && c.Role == adminRole
}

// WithContext embeds the request context into the parent context.
func WithContext(parent context.Context, rc *Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, Key, rc)
}

// FromContext retrieves the request context if present.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(Key).(*Context)
	return rc, ok
}

// FiberLocalsKey returns the key used in fiber.Locals for request context storage.
func FiberLocalsKey() string {
	return fiberLocalsKey
}
