package httputil

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/cache"
	"github.com/zhijun2003/QingyunAI/internal/catalog"
	"github.com/zhijun2003/QingyunAI/internal/chat"
	"github.com/zhijun2003/QingyunAI/internal/conversation"
	"github.com/zhijun2003/QingyunAI/internal/keypool"
	"github.com/zhijun2003/QingyunAI/internal/ledger"
	"github.com/zhijun2003/QingyunAI/internal/limits"
	"github.com/zhijun2003/QingyunAI/internal/providers"
	"github.com/zhijun2003/QingyunAI/internal/tokens"
	"github.com/zhijun2003/QingyunAI/internal/vault"
)

// WriteError standardizes JSON error responses for both admin and public APIs.
func WriteError(c *fiber.Ctx, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}

// StatusFor maps a service error to an HTTP status and a message safe to show the caller. Upstream response
// bodies and stored secrets never reach the message.
func StatusFor(err error) (int, string) {
	var (
		httpErr     *providers.ProviderHTTPError
		windowErr   *tokens.ContextWindowExceededError
		balanceErr  *ledger.InsufficientBalanceError
		noKeyErr    *keypool.NoAvailableKeyError
		unsupported *providers.UnsupportedProviderError
	)
	switch {
	case err == nil:
		return fiber.StatusOK, ""
	case errors.Is(err, chat.ErrInvalidRequest),
		errors.Is(err, keypool.ErrInvalidResetType),
		errors.Is(err, ledger.ErrNegativeResult):
		return fiber.StatusBadRequest, err.Error()
	case errors.As(err, &windowErr):
		return fiber.StatusBadRequest, windowErr.Error()
	case errors.Is(err, catalog.ErrModelDisabled):
		return fiber.StatusBadRequest, "model is disabled"
	case errors.Is(err, cache.ErrInFlight):
		return fiber.StatusConflict, err.Error()
	case errors.As(err, &unsupported):
		return fiber.StatusNotImplemented, unsupported.Error()
	case errors.Is(err, catalog.ErrModelNotFound):
		return fiber.StatusNotFound, "model not found"
	case errors.Is(err, conversation.ErrNotFound):
		return fiber.StatusNotFound, "conversation not found"
	case errors.Is(err, catalog.ErrProviderNotFound):
		return fiber.StatusNotFound, "provider not found"
	case errors.Is(err, keypool.ErrCredentialNotFound):
		return fiber.StatusNotFound, "credential not found"
	case errors.Is(err, ledger.ErrUserNotFound):
		return fiber.StatusNotFound, "user not found"
	case errors.As(err, &balanceErr):
		return fiber.StatusPaymentRequired, "insufficient balance"
	case errors.Is(err, limits.ErrLimitExceeded):
		return fiber.StatusTooManyRequests, "rate limit exceeded"
	case errors.As(err, &noKeyErr):
		return fiber.StatusServiceUnavailable, noKeyErr.Error()
	case errors.As(err, &httpErr):
		return fiber.StatusBadGateway, fmt.Sprintf("upstream provider returned status %d", httpErr.Status)
	case errors.Is(err, providers.ErrStreamTruncated):
		return fiber.StatusBadGateway, "upstream stream ended early"
	case errors.Is(err, vault.ErrCredential):
		return fiber.StatusBadGateway, "provider credential could not be used"
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "upstream timed out"
	default:
		return fiber.StatusInternalServerError, "internal error"
	}
}

// WriteServiceError writes err with the status StatusFor picks. Server side failures are logged.
func WriteServiceError(c *fiber.Ctx, logger *zap.Logger, err error) error {
	status, msg := StatusFor(err)
	if status >= fiber.StatusInternalServerError && logger != nil {
		logger.Warn("request failed",
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Error(err))
	}
	return WriteError(c, status, msg)
}
