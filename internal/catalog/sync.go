package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zhijun2003/QingyunAI/internal/alerts"
	"github.com/zhijun2003/QingyunAI/internal/keypool"
	"github.com/zhijun2003/QingyunAI/internal/models"
	"github.com/zhijun2003/QingyunAI/internal/providers"
	"github.com/zhijun2003/QingyunAI/internal/store"
)

// KeySource hands out a credential for administrative upstream calls.
type KeySource interface {
	PeekKey(ctx context.Context, providerID string) (keypool.Selection, error)
}

// Metrics receives sync outcomes; nil disables recording.
type Metrics interface {
	RecordModelSync(ctx context.Context, providerID, outcome string)
}

type SyncResult struct {
	ProviderID   string `json:"providerId"`
	ProviderName string `json:"providerName"`
	Created      int    `json:"created"`
	Updated      int    `json:"updated"`
	Skipped      int    `json:"skipped"`
	Total        int    `json:"total"`
}

// SyncOutcome is one provider's entry in a SyncAll run.
type SyncOutcome struct {
	SyncResult
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

var groupNames = map[store.ModelCategory]string{
	store.CategoryChat:      "Chat",
	store.CategoryImage:     "Image",
	store.CategoryVideo:     "Video",
	store.CategoryAudio:     "Audio",
	store.CategoryMusic:     "Music",
	store.CategoryEmbedding: "Embedding",
}

func groupName(c store.ModelCategory) string {
	if name, ok := groupNames[c]; ok {
		return name
	}
	return "Ungrouped"
}

type Syncer struct {
	db       *gorm.DB
	resolver *Resolver
	keys     KeySource
	factory  providers.Factory
	alerts   alerts.Sink
	logger   *zap.Logger
	metrics  Metrics
	now      func() time.Time
}

func NewSyncer(db *gorm.DB, keys KeySource, factory providers.Factory, sink alerts.Sink, logger *zap.Logger, metrics Metrics) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = alerts.Nop{}
	}
	return &Syncer{
		db:       db,
		resolver: NewResolver(db),
		keys:     keys,
		factory:  factory,
		alerts:   sink,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

func (s *Syncer) adapterFor(ctx context.Context, providerID string) (store.Provider, providers.Adapter, error) {
	p, err := s.resolver.Provider(ctx, providerID)
	if err != nil {
		return store.Provider{}, nil, err
	}
	sel, err := s.keys.PeekKey(ctx, p.ID)
	if err != nil {
		return p, nil, err
	}
	adapter, err := s.factory.For(ctx, p, sel.Secret)
	if err != nil {
		return p, nil, err
	}
	return p, adapter, nil
}

// SyncProvider pulls the upstream model list and upserts it. Rows priced manually only get their upstream
// price refreshed. The provider's sync status is stamped either way.
func (s *Syncer) SyncProvider(ctx context.Context, providerID string) (SyncResult, error) {
	p, adapter, err := s.adapterFor(ctx, providerID)
	if err != nil {
		if p.ID != "" {
			s.markStatus(ctx, p, err)
		}
		s.record(ctx, providerID, "failed")
		return SyncResult{ProviderID: providerID, ProviderName: p.Name}, err
	}

	list, err := adapter.FetchModels(ctx)
	if err != nil {
		s.markStatus(ctx, p, err)
		s.record(ctx, providerID, "failed")
		return SyncResult{ProviderID: p.ID, ProviderName: p.Name}, fmt.Errorf("fetch models for %s: %w", p.Name, err)
	}

	res := SyncResult{ProviderID: p.ID, ProviderName: p.Name, Total: len(list)}
	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, info := range list {
			outcome, err := upsertModel(tx, p.ID, info, now)
			if err != nil {
				return fmt.Errorf("upsert model %s: %w", info.ModelName, err)
			}
			switch outcome {
			case outcomeCreated:
				res.Created++
			case outcomeUpdated:
				res.Updated++
			default:
				res.Skipped++
			}
		}
		status := fmt.Sprintf("ok: %d created, %d updated, %d skipped", res.Created, res.Updated, res.Skipped)
		return tx.Model(&store.Provider{}).Where("id = ?", p.ID).
			Updates(map[string]any{"last_sync_at": now, "last_sync_status": status}).Error
	})
	if err != nil {
		s.markStatus(ctx, p, err)
		s.record(ctx, providerID, "failed")
		return SyncResult{ProviderID: p.ID, ProviderName: p.Name}, err
	}
	s.record(ctx, providerID, "ok")
	s.logger.Info("provider models synced",
		zap.String("provider_id", p.ID),
		zap.String("provider", p.Name),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

type upsertOutcome int

const (
	outcomeCreated upsertOutcome = iota
	outcomeUpdated
	outcomeSkipped
)

func upsertModel(tx *gorm.DB, providerID string, info models.ModelInfo, now time.Time) (upsertOutcome, error) {
	input := priceOrZero(info.InputPrice)
	var existing store.Model
	err := tx.Where("provider_id = ? AND model_name = ?", providerID, info.ModelName).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		category := store.ModelCategory(info.Category)
		m := store.Model{
			ID:              uuid.NewString(),
			ProviderID:      providerID,
			ModelName:       info.ModelName,
			DisplayName:     info.DisplayName,
			Category:        category,
			GroupName:       groupName(category),
			BillingType:     store.BillingType(info.BillingType),
			MaxTokens:       info.MaxTokens,
			ContextWindow:   info.ContextWindow,
			InputPrice:      input,
			OutputPrice:     priceOrZero(info.OutputPrice),
			PerCallPrice:    priceOrZero(info.PerCallPrice),
			UpstreamPrice:   input,
			PriceSource:     store.PriceAuto,
			SupportStream:   info.SupportStream,
			SupportVision:   info.SupportVision,
			SupportFunction: info.SupportFunction,
			IsActive:        true,
			LastSyncAt:      &now,
		}
		return outcomeCreated, tx.Create(&m).Error
	}
	if err != nil {
		return 0, err
	}

	if existing.PriceSource != store.PriceAuto {
		return outcomeSkipped, tx.Model(&store.Model{}).Where("id = ?", existing.ID).
			Updates(map[string]any{"upstream_price": input, "last_sync_at": now}).Error
	}
	return outcomeUpdated, tx.Model(&store.Model{}).Where("id = ?", existing.ID).Updates(map[string]any{
		"display_name":     info.DisplayName,
		"category":         info.Category,
		"max_tokens":       info.MaxTokens,
		"context_window":   info.ContextWindow,
		"input_price":      input,
		"output_price":     priceOrZero(info.OutputPrice),
		"per_call_price":   priceOrZero(info.PerCallPrice),
		"upstream_price":   input,
		"support_stream":   info.SupportStream,
		"support_vision":   info.SupportVision,
		"support_function": info.SupportFunction,
		"last_sync_at":     now,
	}).Error
}

func priceOrZero(p *decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return *p
}

func (s *Syncer) markStatus(ctx context.Context, p store.Provider, cause error) {
	status := "failed: " + cause.Error()
	if len(status) > 500 {
		status = status[:500]
	}
	err := s.db.WithContext(ctx).Model(&store.Provider{}).Where("id = ?", p.ID).
		Updates(map[string]any{"last_sync_at": s.now(), "last_sync_status": status}).Error
	if err != nil {
		s.logger.Warn("record sync status failed", zap.String("provider_id", p.ID), zap.Error(err))
	}
	s.logger.Warn("provider model sync failed", zap.String("provider_id", p.ID), zap.Error(cause))
}

// SyncAll syncs every active provider with auto sync enabled. A failing provider does not stop the others.
func (s *Syncer) SyncAll(ctx context.Context) ([]SyncOutcome, error) {
	var list []store.Provider
	if err := s.db.WithContext(ctx).Where("auto_sync = ? AND is_active = ?", true, true).Order("name ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	out := make([]SyncOutcome, 0, len(list))
	for _, p := range list {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.SyncProvider(ctx, p.ID)
		outcome := SyncOutcome{SyncResult: res, Success: err == nil}
		outcome.ProviderID, outcome.ProviderName = p.ID, p.Name
		if err != nil {
			outcome.Error = err.Error()
			alertErr := s.alerts.Notify(ctx, alerts.Payload{
				Kind:       alerts.KindModelSyncFailed,
				ProviderID: p.ID,
				Message:    fmt.Sprintf("model sync for %s failed: %v", p.Name, err),
				Timestamp:  s.now(),
			})
			if alertErr != nil {
				s.logger.Warn("sync alert delivery failed", zap.String("provider_id", p.ID), zap.Error(alertErr))
			}
		}
		out = append(out, outcome)
	}
	return out, nil
}

// TestConnection probes the provider's upstream with its preferred credential.
func (s *Syncer) TestConnection(ctx context.Context, providerID string) (bool, error) {
	_, adapter, err := s.adapterFor(ctx, providerID)
	if err != nil {
		return false, err
	}
	return adapter.TestConnection(ctx), nil
}

func (s *Syncer) record(ctx context.Context, providerID, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordModelSync(ctx, providerID, outcome)
	}
}
