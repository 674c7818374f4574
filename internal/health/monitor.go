// Package health probes provider upstreams in the background so /healthz can report them without making an
// upstream call per request.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/config"
	"github.com/zhijun2003/QingyunAI/internal/store"
)

// ProviderSource lists the providers to probe.
type ProviderSource interface {
	ActiveProviders(ctx context.Context) ([]store.Provider, error)
}

// Prober checks one provider's upstream with a pooled credential.
type Prober interface {
	TestConnection(ctx context.Context, providerID string) (bool, error)
}

// ProviderHealth is the last probe result for a provider.
type ProviderHealth struct {
	ProviderID string    `json:"providerId"`
	Name       string    `json:"name"`
	Healthy    bool      `json:"healthy"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Monitor periodically probes every active provider and keeps the latest results.
type Monitor struct {
	source    ProviderSource
	prober    Prober
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
	startOnce sync.Once

	mu     sync.RWMutex
	status map[string]ProviderHealth
}

// NewMonitor constructs a monitor using the health configuration.
func NewMonitor(source ProviderSource, prober Prober, cfg config.HealthConfig, logger *zap.Logger) *Monitor {
	timeout := cfg.Timeout
	if timeout <= 0 || (cfg.CheckInterval > 0 && timeout > cfg.CheckInterval) {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		source:   source,
		prober:   prober,
		interval: cfg.CheckInterval,
		timeout:  timeout,
		logger:   logger.Named("health"),
		now:      time.Now,
		status:   make(map[string]ProviderHealth),
	}
}

// Start begins the monitoring loop until ctx is canceled. A zero interval leaves the monitor idle.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil || m.interval <= 0 || m.source == nil || m.prober == nil {
		return
	}
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Initial sweep
	m.CheckNow(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow probes every active provider concurrently and replaces the stored results.
func (m *Monitor) CheckNow(ctx context.Context) {
	list, err := m.source.ActiveProviders(ctx)
	if err != nil {
		m.logger.Warn("list providers for health check", zap.Error(err))
		return
	}

	results := make(map[string]ProviderHealth, len(list))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, p := range list {
		wg.Add(1)
		go func(p store.Provider) {
			defer wg.Done()
			timeoutCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			res := ProviderHealth{ProviderID: p.ID, Name: p.Name}
			ok, err := m.prober.TestConnection(timeoutCtx, p.ID)
			switch {
			case err != nil:
				res.Error = err.Error()
			case !ok:
				res.Error = "connection test failed"
			default:
				res.Healthy = true
			}
			res.CheckedAt = m.now()
			if !res.Healthy {
				m.logger.Warn("provider unhealthy", zap.String("provider_id", p.ID), zap.String("error", res.Error))
			}

			rmu.Lock()
			results[p.ID] = res
			rmu.Unlock()
		}(p)
	}
	wg.Wait()

	m.mu.Lock()
	m.status = results
	m.mu.Unlock()
}

// Snapshot returns the latest results ordered by provider name.
func (m *Monitor) Snapshot() []ProviderHealth {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	out := make([]ProviderHealth, 0, len(m.status))
	for _, h := range m.status {
		out = append(out, h)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
