package admin

import (
	"github.com/gofiber/fiber/v2"

	"github.com/zhijun2003/QingyunAI/internal/app"
	"github.com/zhijun2003/QingyunAI/internal/httpserver/httputil"
)

type providerHandler struct {
	container *app.Container
}

type providerDefinition struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Implemented  bool     `json:"implemented"`
}

func registerAdminProviderRoutes(router fiber.Router, container *app.Container) {
	handler := &providerHandler{container: container}
	router.Get("/providers/types", handler.types)
	router.Post("/providers/sync-all", handler.syncAll)
	router.Post("/providers/:id/test", handler.test)
	router.Post("/providers/:id/sync", handler.sync)
}

func (h *providerHandler) types(c *fiber.Ctx) error {
	defs := h.container.Registry.Definitions()
	out := make([]providerDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, providerDefinition{
			Name:         d.Name,
			Description:  d.Description,
			Capabilities: d.Capabilities,
			Implemented:  d.Implemented,
		})
	}
	return c.JSON(fiber.Map{"providers": out})
}

func (h *providerHandler) test(c *fiber.Ctx) error {
	ok, err := h.container.Syncer.TestConnection(c.UserContext(), c.Params("id"))
	if err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}
	return c.JSON(fiber.Map{"success": ok})
}

func (h *providerHandler) sync(c *fiber.Ctx) error {
	res, err := h.container.Syncer.SyncProvider(c.UserContext(), c.Params("id"))
	if err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}
	return c.JSON(res)
}

func (h *providerHandler) syncAll(c *fiber.Ctx) error {
	outcomes, err := h.container.Syncer.SyncAll(c.UserContext())
	if err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}
	return c.JSON(fiber.Map{"results": outcomes})
}
