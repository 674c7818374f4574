package admin

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/zhijun2003/QingyunAI/internal/app"
	"github.com/zhijun2003/QingyunAI/internal/httpserver/httputil"
	"github.com/zhijun2003/QingyunAI/internal/maintenance"
)

func registerAdminMaintenanceRoutes(router fiber.Router, container *app.Container) {
	router.Post("/maintenance/:job/run", func(c *fiber.Ctx) error {
		if container.Maintenance == nil {
			return httputil.WriteError(c, fiber.StatusServiceUnavailable, "maintenance unavailable")
		}
		err := container.Maintenance.RunJob(c.UserContext(), c.Params("job"))
		switch {
		case errors.Is(err, maintenance.ErrUnknownJob):
			return httputil.WriteError(c, fiber.StatusNotFound, err.Error())
		case errors.Is(err, maintenance.ErrSkipped):
			return httputil.WriteError(c, fiber.StatusConflict, err.Error())
		case err != nil:
			return httputil.WriteServiceError(c, container.Logger, err)
		}
		return c.JSON(fiber.Map{"job": c.Params("job"), "status": "ok"})
	})
}
