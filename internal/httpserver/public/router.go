package public

import (
	"github.com/gofiber/fiber/v2"

	"github.com/zhijun2003/QingyunAI/internal/app"
	"github.com/zhijun2003/QingyunAI/internal/httpserver/httputil"
	"github.com/zhijun2003/QingyunAI/internal/requestctx"
)

// Register wires up the authenticated chat API.
func Register(app *fiber.App, container *app.Container) {
	group := app.Group("/api/chat", httputil.BearerAuth(contextBuilder(container)))
	handler := &chatHandler{container: container}
	group.Post("/send", handler.send)
	group.Post("/stream", handler.stream)
}

func contextBuilder(container *app.Container) httputil.ContextBuilder {
	return func(token string) (*requestctx.Context, error) {
		return app.BuildRequestContext(container, token)
	}
}
