package admin

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/app"
	"github.com/zhijun2003/QingyunAI/internal/httpserver/httputil"
)

type userHandler struct {
	container *app.Container
}

type adjustBalanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func registerAdminUserRoutes(router fiber.Router, container *app.Container) {
	handler := &userHandler{container: container}
	router.Post("/users/:id/balance/adjust", handler.adjustBalance)
}

func (h *userHandler) adjustBalance(c *fiber.Ctx) error {
	var req adjustBalanceRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid JSON payload")
	}
	if req.Amount.IsZero() {
		return httputil.WriteError(c, fiber.StatusBadRequest, "amount must not be zero")
	}

	userID := c.Params("id")
	adj, err := h.container.Ledger.Adjust(c.UserContext(), userID, req.Amount, req.Reason)
	if err != nil {
		return httputil.WriteServiceError(c, h.container.Logger, err)
	}
	if h.container.Logger != nil {
		h.container.Logger.Info("balance adjusted",
			zap.String("user_id", userID),
			zap.String("operator_id", httputil.Caller(c).UserID),
			zap.String("amount", req.Amount.String()))
	}
	return c.JSON(fiber.Map{
		"transactionId": adj.TransactionID,
		"balanceBefore": adj.BalanceBefore,
		"balanceAfter":  adj.BalanceAfter,
		"balance":       adj.Balance,
	})
}
