// Package storetest opens throwaway SQLite databases with the gateway schema for package tests.
package storetest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zhijun2003/QingyunAI/internal/store"
)

var seq atomic.Int64

// Open returns an in-memory database with every table migrated. A single connection keeps SQLite transactions
// from contending with each other.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:gateway_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// SeedProvider inserts an active OpenAI-compatible provider pointing at baseURL.
func SeedProvider(t *testing.T, db *gorm.DB, baseURL string) store.Provider {
	t.Helper()
	p := store.Provider{
		ID:       uuid.NewString(),
		Name:     "test-provider",
		Type:     store.ProviderOpenAI,
		BaseURL:  baseURL,
		IsActive: true,
		AutoSync: true,
	}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	return p
}

// SeedModel inserts an active chat model with the given per 1K token prices.
func SeedModel(t *testing.T, db *gorm.DB, providerID, name string, inPerK, outPerK string, contextWindow int) store.Model {
	t.Helper()
	m := store.Model{
		ID:            uuid.NewString(),
		ProviderID:    providerID,
		ModelName:     name,
		DisplayName:   name,
		Category:      store.CategoryChat,
		BillingType:   store.BillingToken,
		MaxTokens:     2048,
		ContextWindow: contextWindow,
		InputPrice:    decimal.RequireFromString(inPerK),
		OutputPrice:   decimal.RequireFromString(outPerK),
		PriceSource:   store.PriceAuto,
		SupportStream: true,
		IsActive:      true,
	}
	if err := db.Create(&m).Error; err != nil {
		t.Fatalf("seed model: %v", err)
	}
	return m
}

// SeedUser inserts a user holding the given free quota and balance.
func SeedUser(t *testing.T, db *gorm.DB, freeQuota, balance string) store.User {
	t.Helper()
	u := store.User{
		ID:        uuid.NewString(),
		FreeQuota: decimal.RequireFromString(freeQuota),
		Balance:   decimal.RequireFromString(balance),
	}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

// SeedConversation inserts a conversation owned by userID.
func SeedConversation(t *testing.T, db *gorm.DB, userID, modelID string) store.Conversation {
	t.Helper()
	c := store.Conversation{ID: uuid.NewString(), UserID: userID, ModelID: modelID, Title: "test"}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return c
}
