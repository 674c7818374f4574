package providers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/store"
)

// Factory builds adapters for stored providers with shared transport settings.
type Factory struct {
	Registry     *Registry
	HTTPClient   *http.Client
	Logger       *zap.Logger
	StreamBuffer int
}

// For builds an adapter for p authenticated with secret.
func (f Factory) For(ctx context.Context, p store.Provider, secret string) (Adapter, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return f.Registry.Build(ctx, Config{
		ProviderID:   p.ID,
		Type:         string(p.Type),
		BaseURL:      p.BaseURL,
		APIKey:       secret,
		HTTPClient:   f.HTTPClient,
		Logger:       logger.With(zap.String("provider_id", p.ID), zap.String("provider_type", string(p.Type))),
		StreamBuffer: f.StreamBuffer,
	})
}

// Supports reports whether p's family has an implemented adapter.
func (f Factory) Supports(providerType string) bool {
	return f.Registry != nil && f.Registry.Supported(providerType)
}
