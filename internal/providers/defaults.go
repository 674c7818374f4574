package providers

import (
	"context"

	"github.com/zhijun2003/QingyunAI/internal/adapters/openaicompat"
	"github.com/zhijun2003/QingyunAI/internal/providers/apierr"
)

// Aliases so callers can match provider failures without importing apierr.
type (
	ProviderHTTPError        = apierr.HTTPError
	ProviderProtocolError    = apierr.ProtocolError
	UnsupportedProviderError = apierr.UnsupportedProviderError
)

var (
	ErrStreamTruncated     = apierr.ErrStreamTruncated
	ErrUnsupportedProvider = apierr.ErrUnsupportedProvider
)

var openAICompatibleFamilies = []struct {
	name        string
	description string
}{
	{"OPENAI", "OpenAI"},
	{"ANTHROPIC", "Anthropic through an OpenAI-compatible endpoint"},
	{"DEEPSEEK", "DeepSeek"},
	{"CUSTOM", "Any OpenAI-compatible endpoint"},
}

var stubFamilies = []struct {
	name        string
	description string
}{
	{"GEMINI", "Google Gemini"},
	{"MIDJOURNEY", "Midjourney"},
	{"STABLE_DIFFUSION", "Stable Diffusion"},
	{"KELING", "Kling video"},
	{"JIMENG", "Jimeng"},
	{"RUNWAY", "Runway"},
	{"SUNO", "Suno"},
}

// NewRegistry returns a registry holding every known family. Only the OpenAI-compatible ones build adapters.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	for _, fam := range openAICompatibleFamilies {
		_ = r.Register(Definition{
			Name:         fam.name,
			Description:  fam.description,
			Capabilities: []string{CapabilityChat, CapabilityChatStream, CapabilityModels},
			Implemented:  true,
			Builder:      buildOpenAICompatible,
		})
	}
	for _, fam := range stubFamilies {
		_ = r.RegisterStub(fam.name, fam.description)
	}
	return r
}

func buildOpenAICompatible(_ context.Context, cfg Config) (Adapter, error) {
	adapter, err := openaicompat.New(openaicompat.Options{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		HTTPClient:   cfg.HTTPClient,
		Logger:       cfg.Logger,
		StreamBuffer: cfg.StreamBuffer,
	})
	if err != nil {
		return nil, err
	}
	return adapter, nil
}
