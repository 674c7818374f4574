package httputil

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/zhijun2003/QingyunAI/internal/requestctx"
)

const bearerPrefix = "bearer "

// ContextBuilder turns a bearer token into the caller's request context.
type ContextBuilder func(token string) (*requestctx.Context, error)

// BearerAuth rejects requests without a valid bearer token and stores the caller in both the user context and
// fiber locals.
func BearerAuth(build ContextBuilder) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := ExtractBearer(c)
		if token == "" {
			return WriteError(c, fiber.StatusUnauthorized, "authorization required")
		}
		rc, err := build(token)
		if err != nil || rc == nil {
			return WriteError(c, fiber.StatusUnauthorized, "invalid or expired token")
		}
		rc.IdempotencyKey = strings.TrimSpace(c.Get("Idempotency-Key"))
		c.SetUserContext(requestctx.WithContext(c.UserContext(), rc))
		c.Locals(requestctx.FiberLocalsKey(), rc)
		return c.Next()
	}
}

// RequireRole must run after BearerAuth.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rc := Caller(c)
		if !rc.IsAdmin(role) {
			return WriteError(c, fiber.StatusForbidden, "insufficient role")
		}
		return c.Next()
	}
}

// Caller returns the authenticated request context, or nil outside BearerAuth.
func Caller(c *fiber.Ctx) *requestctx.Context {
	rc, _ := c.Locals(requestctx.FiberLocalsKey()).(*requestctx.Context)
	return rc
}

func ExtractBearer(c *fiber.Ctx) string {
	raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if raw == "" {
		return ""
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(raw[len(bearerPrefix):])
}
