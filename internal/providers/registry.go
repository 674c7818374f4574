package providers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/providers/apierr"
)

const (
	CapabilityChat       = "chat"
	CapabilityChatStream = "chat_stream"
	CapabilityModels     = "models"
)

// Config is everything a builder needs to produce an adapter for one credential.
type Config struct {
	ProviderID   string
	Type         string
	BaseURL      string
	APIKey       string
	HTTPClient   *http.Client
	Logger       *zap.Logger
	StreamBuffer int
}

// Builder constructs an adapter for a provider family.
type Builder func(ctx context.Context, cfg Config) (Adapter, error)

// Definition captures the metadata required to register a provider builder.
type Definition struct {
	Name         string
	Description  string
	Capabilities []string
	Implemented  bool
	Builder      Builder
}

// Registry maps provider type tags to builders. The zero value is not usable; call NewRegistry or
// NewEmptyRegistry.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewEmptyRegistry returns a registry with no families.
func NewEmptyRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register stores a definition under its upper-cased name, replacing any previous entry.
func (r *Registry) Register(def Definition) error {
	if def.Builder == nil {
		return fmt.Errorf("providers: definition %q builder required", def.Name)
	}
	name := normalizeType(def.Name)
	if name == "" {
		return fmt.Errorf("providers: definition name required")
	}
	def.Name = name
	if def.Description == "" {
		def.Description = name
	}
	if len(def.Capabilities) > 0 {
		caps := make([]string, len(def.Capabilities))
		copy(caps, def.Capabilities)
		sort.Strings(caps)
		def.Capabilities = caps
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[name] = def
	return nil
}

// RegisterStub registers a family that is known but has no adapter at this layer.
func (r *Registry) RegisterStub(name, description string) error {
	family := normalizeType(name)
	return r.Register(Definition{
		Name:        family,
		Description: description,
		Builder: func(context.Context, Config) (Adapter, error) {
			return nil, &apierr.UnsupportedProviderError{Type: family}
		},
	})
}

// Build resolves cfg.Type and invokes its builder.
func (r *Registry) Build(ctx context.Context, cfg Config) (Adapter, error) {
	name := normalizeType(cfg.Type)
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &apierr.UnsupportedProviderError{Type: name}
	}
	adapter, err := def.Builder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", name, err)
	}
	return adapter, nil
}

// Supported reports whether the tag maps to an implemented adapter.
func (r *Registry) Supported(providerType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[normalizeType(providerType)]
	return ok && def.Implemented
}

// SupportedTypes lists implemented family tags in order.
func (r *Registry) SupportedTypes() []string {
	var out []string
	for _, def := range r.Definitions() {
		if def.Implemented {
			out = append(out, def.Name)
		}
	}
	return out
}

// Definitions returns every registered definition sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})
	return defs
}

func normalizeType(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
