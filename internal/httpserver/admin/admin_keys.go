package admin

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/zhijun2003/QingyunAI/internal/app"
	"github.com/zhijun2003/QingyunAI/internal/httpserver/httputil"
	"github.com/zhijun2003/QingyunAI/internal/keypool"
)

type keyHandler struct {
	container *app.Container
}

type addKeyRequest struct {
	Name         string `json:"name"`
	APIKey       string `json:"apiKey"`
	Weight       *int   `json:"weight,omitempty"`
	Priority     *int   `json:"priority,omitempty"`
	DailyLimit   *int64 `json:"dailyLimit,omitempty"`
	MonthlyLimit *int64 `json:"monthlyLimit,omitempty"`
	IsActive     *bool  `json:"isActive,omitempty"`
}

type resetKeyRequest struct {
	ResetType string `json:"resetType"`
}

func registerAdminKeyRoutes(router fiber.Router, container *app.Container) {
	handler := &keyHandler{container: container}
	router.Post("/providers/:id/keys", handler.add)
	router.Get("/providers/:id/keys/status", handler.status)
	router.Post("/providers/:id/keys/:keyId/reset", handler.reset)
	router.Get("/keys/:keyId/stats", handler.stats)
}

func (h *keyHandler) add(c *fiber.Ctx) error {
	var req addKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid JSON payload")
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "apiKey is required")
	}
	if req.Weight != nil && *req.Weight < 1 {
		return httputil.WriteError(c, fiber.StatusBadRequest, "weight must be >= 1")
	}

	ctx := c.UserContext()
	providerID := c.Params("id")
	if _, err := h.container.Catalog.Provider(ctx, providerID); err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}

	cred, err := h.container.KeyPool.AddCredential(ctx, keypool.NewCredential{
		ProviderID:   providerID,
		Name:         req.Name,
		Secret:       req.APIKey,
		Weight:       req.Weight,
		Priority:     req.Priority,
		DailyLimit:   req.DailyLimit,
		MonthlyLimit: req.MonthlyLimit,
		IsActive:     req.IsActive,
	})
	if err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}
	stats, err := h.container.KeyPool.KeyStats(ctx, cred.ID)
	if err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(stats)
}

func (h *keyHandler) status(c *fiber.Ctx) error {
	ctx := c.UserContext()
	providerID := c.Params("id")
	if _, err := h.container.Catalog.Provider(ctx, providerID); err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}
	status, err := h.container.KeyPool.ProviderStatus(ctx, providerID)
	if err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}
	return c.JSON(status)
}

func (h *keyHandler) reset(c *fiber.Ctx) error {
	var req resetKeyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid JSON payload")
		}
	}
	resetType, err := keypool.ParseResetType(req.ResetType)
	if err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}

	ctx := c.UserContext()
	cred, err := h.container.KeyPool.ResetCredential(ctx, c.Params("id"), c.Params("keyId"), resetType)
	if err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}
	stats, err := h.container.KeyPool.KeyStats(ctx, cred.ID)
	if err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}
	return c.JSON(fiber.Map{"resetType": resetType, "key": stats})
}

func (h *keyHandler) stats(c *fiber.Ctx) error {
	stats, err := h.container.KeyPool.KeyStats(c.UserContext(), c.Params("keyId"))
	if err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}
	return c.JSON(stats)
}
