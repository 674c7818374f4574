package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zhijun2003/QingyunAI/internal/alerts"
	"github.com/zhijun2003/QingyunAI/internal/auth"
	"github.com/zhijun2003/QingyunAI/internal/cache"
	"github.com/zhijun2003/QingyunAI/internal/catalog"
	"github.com/zhijun2003/QingyunAI/internal/chat"
	"github.com/zhijun2003/QingyunAI/internal/config"
	"github.com/zhijun2003/QingyunAI/internal/conversation"
	"github.com/zhijun2003/QingyunAI/internal/health"
	"github.com/zhijun2003/QingyunAI/internal/keypool"
	"github.com/zhijun2003/QingyunAI/internal/ledger"
	"github.com/zhijun2003/QingyunAI/internal/limits"
	"github.com/zhijun2003/QingyunAI/internal/locks"
	"github.com/zhijun2003/QingyunAI/internal/maintenance"
	"github.com/zhijun2003/QingyunAI/internal/observability"
	"github.com/zhijun2003/QingyunAI/internal/providers"
	"github.com/zhijun2003/QingyunAI/internal/redisclient"
	"github.com/zhijun2003/QingyunAI/internal/requestctx"
	"github.com/zhijun2003/QingyunAI/internal/tokens"
	"github.com/zhijun2003/QingyunAI/internal/vault"
)

// Container aggregates runtime dependencies for handlers and services.
type Container struct {
	Config        *config.Config
	Logger        *zap.Logger
	DBPool        *pgxpool.Pool
	DB            *gorm.DB
	Redis         redis.UniversalClient
	Observability *observability.Provider
	Vault         *vault.Vault
	Alerts        alerts.Sink
	Registry      *providers.Registry
	Factory       providers.Factory
	KeyPool       *keypool.Pool
	Tokens        *tokens.Accountant
	Ledger        *ledger.Ledger
	Catalog       *catalog.Resolver
	Syncer        *catalog.Syncer
	Conversations *conversation.Store
	Chat          *chat.Service
	Auth          *auth.TokenManager
	RateLimiter   *limits.RateLimiter
	SyncLimit     limits.LimitConfig
	StreamLimit   limits.LimitConfig
	Idempotency   *cache.IdempotencyCache
	HealthMon     *health.Monitor
	Maintenance   *maintenance.Scheduler
}

// Resources are the connections a container is built on. DBPool may be nil when DB was opened some other way.
type Resources struct {
	DBPool *pgxpool.Pool
	DB     *gorm.DB
	Redis  redis.UniversalClient
	Logger *zap.Logger
	// Registry overrides the default provider registry.
	Registry *providers.Registry
	// HTTPClient overrides the upstream client built from server.provider_timeout.
	HTTPClient    *http.Client
	Observability *observability.Provider
}

// NewContainer builds a dependency container from the provided primitives. Background work (health probes,
// maintenance) is constructed but not started; see Start.
func NewContainer(ctx context.Context, cfg *config.Config, res Resources) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if res.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if res.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	logger := res.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}
	if err := v.SelfTest(); err != nil {
		return nil, fmt.Errorf("vault self test: %w", err)
	}

	tm, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}

	sinks := []alerts.Sink{alerts.NewLogSink(logger)}
	if len(cfg.Alerts.Webhooks) > 0 {
		sinks = append(sinks, alerts.NewWebhookSink(cfg.Alerts.Webhooks, cfg.Alerts.Webhook, logger))
	}
	alertSink := alerts.NewCompositeSink(sinks...)

	obs := res.Observability
	registry := res.Registry
	if registry == nil {
		registry = providers.NewRegistry()
	}
	httpClient := res.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Server.ProviderTimeout}
	}
	factory := providers.Factory{
		Registry:     registry,
		HTTPClient:   httpClient,
		Logger:       logger,
		StreamBuffer: cfg.Chat.StreamBuffer,
	}

	pool := keypool.New(keypool.NewGormStore(res.DB), v, alertSink, logger, obs, keypool.Options{
		ErrorThreshold:   cfg.KeyPool.ErrorThreshold,
		StrictCaps:       cfg.KeyPool.StrictCaps,
		MaxRedraws:       cfg.KeyPool.MaxRedraws,
		NearLimitPercent: cfg.KeyPool.NearLimitPercent,
	})

	accountant := tokens.New(tokens.Options{
		DefaultContextWindow: cfg.Tokens.DefaultContextWindow,
		Reserve:              cfg.Tokens.Reserve,
		Logger:               logger,
	})

	keys := redisclient.KeyspaceFor(cfg.Redis)
	locker := locks.NewRedisLocker(res.Redis, keys)
	ledgerOpts := ledger.Options{UserLockTTL: cfg.Ledger.UserLockTTL}
	if cfg.Ledger.UserLock {
		ledgerOpts.Locker = locker
	}
	led := ledger.New(res.DB, logger, ledgerOpts)

	resolver := catalog.NewResolver(res.DB)
	syncer := catalog.NewSyncer(res.DB, pool, factory, alertSink, logger, obs)
	conversations := conversation.NewStore(res.DB)

	chatSvc, err := chat.NewService(chat.Deps{
		Models:        resolver,
		Keys:          pool,
		Adapters:      factory,
		Tokens:        accountant,
		Ledger:        led,
		Conversations: conversations,
		Logger:        logger,
		Metrics:       obs,
	}, chat.Options{
		DefaultTemperature: cfg.Chat.DefaultTemperature,
		DefaultMaxTokens:   cfg.Chat.DefaultMaxTokens,
		StreamBuffer:       cfg.Chat.StreamBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("init chat service: %w", err)
	}

	scheduler, err := maintenance.New(cfg.Maintenance, pool, syncer, locker, logger)
	if err != nil {
		return nil, fmt.Errorf("init maintenance: %w", err)
	}

	syncLimit, streamLimit := limits.ChatLimits(cfg.RateLimits)
	// An in-flight idempotency claim outlives the slowest upstream call it guards.
	var pendingTTL time.Duration
	if cfg.Server.ProviderTimeout > 0 {
		pendingTTL = cfg.Server.ProviderTimeout + time.Minute
	}

	return &Container{
		Config:        cfg,
		Logger:        logger,
		DBPool:        res.DBPool,
		DB:            res.DB,
		Redis:         res.Redis,
		Observability: obs,
		Vault:         v,
		Alerts:        alertSink,
		Registry:      registry,
		Factory:       factory,
		KeyPool:       pool,
		Tokens:        accountant,
		Ledger:        led,
		Catalog:       resolver,
		Syncer:        syncer,
		Conversations: conversations,
		Chat:          chatSvc,
		Auth:          tm,
		RateLimiter:   limits.NewRateLimiter(res.Redis, keys),
		SyncLimit:     syncLimit,
		StreamLimit:   streamLimit,
		Idempotency:   cache.NewIdempotencyCache(res.Redis, keys, 30*time.Minute, pendingTTL),
		HealthMon:     health.NewMonitor(resolver, syncer, cfg.Health, logger),
		Maintenance:   scheduler,
	}, nil
}

// Start launches the background health probes and maintenance schedule.
func (c *Container) Start(ctx context.Context) {
	c.HealthMon.Start(ctx)
	if c.Maintenance != nil {
		c.Maintenance.Start()
	}
}

// Close stops background work. Connections passed in Resources stay with the caller.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Maintenance != nil {
		if err := c.Maintenance.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop maintenance: %w", err))
		}
	}
	return errors.Join(errs...)
}

// AcquireChatLimits admits one chat request for the caller in ctx. Streams additionally take one of the
// caller's parallel stream slots; release must be called when the request ends.
func (c *Container) AcquireChatLimits(ctx context.Context, stream bool) (func(), error) {
	rc, ok := requestctx.FromContext(ctx)
	if !ok || rc == nil {
		return nil, fmt.Errorf("request context missing")
	}
	cfg := c.SyncLimit
	if stream {
		cfg = c.StreamLimit
	}
	if cfg.RequestsPerMinute <= 0 && cfg.ParallelRequests <= 0 {
		return func() {}, nil
	}

	key := "user:" + rc.UserID
	if err := c.RateLimiter.Allow(ctx, key, cfg); err != nil {
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.RateLimiter.Release(context.WithoutCancel(ctx), key, cfg)
		})
	}
	return release, nil
}
