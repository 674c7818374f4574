// Package store declares the persisted gateway entities. Production schemas are owned by the goose migrations;
// AutoMigrate exists for tests and local tooling.
package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ProviderType string

const (
	ProviderOpenAI          ProviderType = "OPENAI"
	ProviderAnthropic       ProviderType = "ANTHROPIC"
	ProviderDeepSeek        ProviderType = "DEEPSEEK"
	ProviderCustom          ProviderType = "CUSTOM"
	ProviderGemini          ProviderType = "GEMINI"
	ProviderMidjourney      ProviderType = "MIDJOURNEY"
	ProviderStableDiffusion ProviderType = "STABLE_DIFFUSION"
	ProviderKeling          ProviderType = "KELING"
	ProviderJimeng          ProviderType = "JIMENG"
	ProviderRunway          ProviderType = "RUNWAY"
	ProviderSuno            ProviderType = "SUNO"
)

type Provider struct {
	ID             string       `gorm:"primaryKey;size:36"`
	Name           string       `gorm:"size:128;not null"`
	Type           ProviderType `gorm:"size:32;not null"`
	BaseURL        string       `gorm:"column:base_url;size:512;not null"`
	IsActive       bool         `gorm:"not null"`
	AutoSync       bool         `gorm:"not null"`
	LastSyncAt     *time.Time
	LastSyncStatus string `gorm:"size:512"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Provider) TableName() string { return "providers" }

// ProviderCredential is one secret in a provider's pool. ErrorCount reaching the pool threshold forces
// IsActive to false.
type ProviderCredential struct {
	ID           string `gorm:"primaryKey;size:36"`
	ProviderID   string `gorm:"size:36;not null;index:idx_credentials_provider"`
	Name         string `gorm:"size:128;not null"`
	KeyEncrypted string `gorm:"not null"`
	KeyIV        string `gorm:"column:key_iv;size:64;not null"`
	KeyTag       string `gorm:"size:64;not null"`
	Weight       int    `gorm:"not null"`
	Priority     int    `gorm:"not null"`
	DailyLimit   *int64
	MonthlyLimit *int64
	DailyUsed    int64 `gorm:"not null"`
	MonthlyUsed  int64 `gorm:"not null"`
	IsActive     bool  `gorm:"not null"`
	ErrorCount   int   `gorm:"not null"`
	LastUsedAt   *time.Time
	LastResetAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (ProviderCredential) TableName() string { return "provider_credentials" }

type ModelCategory string

const (
	CategoryChat      ModelCategory = "CHAT"
	CategoryImage     ModelCategory = "IMAGE"
	CategoryVideo     ModelCategory = "VIDEO"
	CategoryAudio     ModelCategory = "AUDIO"
	CategoryMusic     ModelCategory = "MUSIC"
	CategoryEmbedding ModelCategory = "EMBEDDING"
)

type BillingType string

const (
	BillingToken  BillingType = "TOKEN"
	BillingCall   BillingType = "CALL"
	BillingSecond BillingType = "SECOND"
)

type PriceSource string

const (
	PriceAuto   PriceSource = "AUTO"
	PriceManual PriceSource = "MANUAL"
)

// Model prices are per 1,000 tokens.
type Model struct {
	ID              string          `gorm:"primaryKey;size:36"`
	ProviderID      string          `gorm:"size:36;not null;uniqueIndex:idx_models_provider_name"`
	ModelName       string          `gorm:"size:255;not null;uniqueIndex:idx_models_provider_name"`
	DisplayName     string          `gorm:"size:255;not null"`
	Category        ModelCategory   `gorm:"size:32;not null"`
	GroupName       string          `gorm:"size:64"`
	BillingType     BillingType     `gorm:"size:32;not null"`
	MaxTokens       int             `gorm:"not null"`
	ContextWindow   int             `gorm:"not null"`
	InputPrice      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	OutputPrice     decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	PerCallPrice    decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	UpstreamPrice   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	PriceSource     PriceSource     `gorm:"size:16;not null"`
	SupportStream   bool            `gorm:"not null"`
	SupportVision   bool            `gorm:"not null"`
	SupportFunction bool            `gorm:"not null"`
	IsActive        bool            `gorm:"not null"`
	LastSyncAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Model) TableName() string { return "models" }

// User carries the two funds settled against. Only the ledger writes them.
type User struct {
	ID          string          `gorm:"primaryKey;size:36"`
	FreeQuota   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Balance     decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	TotalSpent  decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	TotalTokens int64           `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (User) TableName() string { return "users" }

type Conversation struct {
	ID        string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"size:36;not null;index"`
	ModelID   string `gorm:"size:36"`
	Title     string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Conversation) TableName() string { return "conversations" }

type Message struct {
	ID             string          `gorm:"primaryKey;size:36"`
	ConversationID string          `gorm:"size:36;not null;index:idx_messages_conversation_created"`
	Role           string          `gorm:"size:16;not null"`
	Content        string          `gorm:"not null"`
	Tokens         int             `gorm:"not null"`
	Cost           decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	CreatedAt      time.Time       `gorm:"index:idx_messages_conversation_created"`
}

func (Message) TableName() string { return "messages" }

// UsageLog has one row per settled call. Rows are never updated.
type UsageLog struct {
	ID             string          `gorm:"primaryKey;size:36"`
	UserID         string          `gorm:"size:36;not null;index"`
	ModelID        string          `gorm:"size:36;not null"`
	ConversationID string          `gorm:"size:36"`
	MessageID      string          `gorm:"size:36"`
	InputTokens    int             `gorm:"not null"`
	OutputTokens   int             `gorm:"not null"`
	TotalTokens    int             `gorm:"not null"`
	InputCost      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	OutputCost     decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	TotalCost      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	CreatedAt      time.Time
}

func (UsageLog) TableName() string { return "usage_logs" }

type TransactionType string

const (
	TransactionConsumption TransactionType = "CONSUMPTION"
	TransactionAdjustment  TransactionType = "ADJUSTMENT"
)

// Transaction is an append-only ledger entry. Balances are free quota plus balance.
type Transaction struct {
	ID            string          `gorm:"primaryKey;size:36"`
	UserID        string          `gorm:"size:36;not null;index"`
	Type          TransactionType `gorm:"size:32;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceBefore decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Description   string          `gorm:"size:512"`
	RelatedID     string          `gorm:"size:36"`
	CreatedAt     time.Time
}

func (Transaction) TableName() string { return "transactions" }

// AutoMigrate creates every table. Production deployments use the goose migrations instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Provider{},
		&ProviderCredential{},
		&Model{},
		&User{},
		&Conversation{},
		&Message{},
		&UsageLog{},
		&Transaction{},
	)
}
