package providers

import (
	"context"

	"github.com/zhijun2003/QingyunAI/internal/models"
)

// ModelFetcher lists the upstream model catalog.
type ModelFetcher interface {
	FetchModels(ctx context.Context) ([]models.ModelInfo, error)
}

// ChatCompletions exposes single-shot chat.
type ChatCompletions interface {
	Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error)
}

// ChatStreaming exposes streamed chat. The returned channel is closed when the upstream sequence ends; the
// close func releases the upstream read early and is safe to call more than once.
type ChatStreaming interface {
	ChatStream(ctx context.Context, req models.ChatRequest) (<-chan models.ChatDelta, func() error, error)
}

// ConnectionTester reports whether the upstream accepts the configured credential.
type ConnectionTester interface {
	TestConnection(ctx context.Context) bool
}

// Adapter is the capability set every provider family implements.
type Adapter interface {
	ModelFetcher
	ChatCompletions
	ChatStreaming
	ConnectionTester
}
