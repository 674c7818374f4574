// Package apptest builds fully wired containers on SQLite and miniredis for handler tests.
package apptest

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/zhijun2003/QingyunAI/internal/app"
	"github.com/zhijun2003/QingyunAI/internal/config"
	"github.com/zhijun2003/QingyunAI/internal/providers"
	"github.com/zhijun2003/QingyunAI/internal/store/storetest"
)

const (
	JWTSecret = "apptest-jwt-secret"
	Issuer    = "qingyun-test"
)

// Config returns a valid configuration with maintenance and health probes off.
func Config() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{ListenAddr: ":0", BodyLimitMB: 1, ProviderTimeout: 10 * time.Second},
		Auth:     config.AuthConfig{JWTSecret: JWTSecret, Issuer: Issuer, AdminRole: "admin"},
		Vault:    config.VaultConfig{Secret: "apptest-vault-secret"},
		KeyPool:  config.KeyPoolConfig{ErrorThreshold: 5, MaxRedraws: 3, NearLimitPercent: 90},
		Tokens:   config.TokensConfig{DefaultContextWindow: 4096, Reserve: 1000},
		Chat:     config.ChatConfig{DefaultTemperature: 0.7, DefaultMaxTokens: 2048, StreamBuffer: 4, HistoryLimit: 20},
		Ledger:   config.LedgerConfig{UserLockTTL: 5 * time.Second},
		Alerts:   config.AlertsConfig{Webhook: config.WebhookConfig{Timeout: time.Second, MaxRetries: 1}},
		Database: config.DatabaseConfig{SlowQuery: time.Second},
	}
}

// Env is a container plus the stores behind it.
type Env struct {
	Container *app.Container
	DB        *gorm.DB
	Redis     *miniredis.Miniredis
}

// New wires a container. mutate may adjust the configuration first; registry may be nil.
func New(t *testing.T, registry *providers.Registry, mutate func(*config.Config)) *Env {
	t.Helper()
	cfg := Config()
	if mutate != nil {
		mutate(cfg)
	}

	db := storetest.Open(t)
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c, err := app.NewContainer(context.Background(), cfg, app.Resources{
		DB:       db,
		Redis:    client,
		Registry: registry,
	})
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return &Env{Container: c, DB: db, Redis: server}
}

// Token mints an access token for userID.
func (e *Env) Token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := e.Container.Auth.Issue(userID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
