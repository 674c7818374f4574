package admin

import (
	"github.com/gofiber/fiber/v2"

	"github.com/zhijun2003/QingyunAI/internal/app"
	"github.com/zhijun2003/QingyunAI/internal/httpserver/httputil"
	"github.com/zhijun2003/QingyunAI/internal/requestctx"
)

// Register wires up all /api/admin routes. Every route requires the configured admin role.
func Register(app *fiber.App, container *app.Container) {
	protected := app.Group("/api/admin",
		httputil.BearerAuth(func(token string) (*requestctx.Context, error) {
			return appContext(container, token)
		}),
		httputil.RequireRole(container.Config.Auth.AdminRole),
	)
	registerAdminProviderRoutes(protected, container)
	registerAdminKeyRoutes(protected, container)
	registerAdminUserRoutes(protected, container)
	registerAdminMaintenanceRoutes(protected, container)
}

func appContext(container *app.Container, token string) (*requestctx.Context, error) {
	return app.BuildRequestContext(container, token)
}
