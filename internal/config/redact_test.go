package config

import "testing"

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := Config{
		Database: DatabaseConfig{URL: "postgres://app:pw@db:5432/qingyun?sslmode=disable"},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0"},
		Auth:     AuthConfig{JWTSecret: "jwt", Issuer: "qingyun"},
		Vault:    VaultConfig{Secret: "vault"},
		Alerts:   AlertsConfig{Webhooks: []string{"https://hooks.example.com/x?token=abc"}},
	}

	out := cfg.Redacted()
	if out.Database.URL != "postgres://app:xxxxx@db:5432/qingyun?xxxxx" {
		t.Fatalf("database url not redacted: %q", out.Database.URL)
	}
	if out.Redis.URL != "redis://localhost:6379/0" {
		t.Fatalf("redis url without credentials should be unchanged, got %q", out.Redis.URL)
	}
	if out.Auth.JWTSecret != redactedValue || out.Vault.Secret != redactedValue {
		t.Fatalf("secrets leaked: %+v %+v", out.Auth, out.Vault)
	}
	if out.Auth.Issuer != "qingyun" {
		t.Fatalf("non-secret field changed: %q", out.Auth.Issuer)
	}
	if out.Alerts.Webhooks[0] != "https://hooks.example.com/x?xxxxx" {
		t.Fatalf("webhook not redacted: %q", out.Alerts.Webhooks[0])
	}
	if cfg.Vault.Secret != "vault" || cfg.Alerts.Webhooks[0] != "https://hooks.example.com/x?token=abc" {
		t.Fatalf("original config mutated")
	}
}
