package keypool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhijun2003/QingyunAI/internal/store"
)

// Store persists credential pool state. Counter updates must be atomic at the row level.
type Store interface {
	ListEligible(ctx context.Context, providerID string, errorThreshold int) ([]store.ProviderCredential, error)
	ListByProvider(ctx context.Context, providerID string) ([]store.ProviderCredential, error)
	Get(ctx context.Context, id string) (store.ProviderCredential, error)
	Create(ctx context.Context, cred *store.ProviderCredential) error
	// RecordSelection bumps both usage counters. In strict mode the bump is conditional on the caps and
	// reports false when another request took the last slot.
	RecordSelection(ctx context.Context, id string, at time.Time, strict bool) (bool, error)
	// IncrementError bumps the error counter and deactivates the row once it reaches threshold. disabled is
	// true only for the call that performed the transition.
	IncrementError(ctx context.Context, id string, threshold int) (cred store.ProviderCredential, disabled bool, err error)
	ResetErrors(ctx context.Context, id string) error
	ResetUsage(ctx context.Context, providerID, id string, resetType ResetType, at time.Time) error
	ResetDaily(ctx context.Context, at time.Time) (int64, error)
	ResetMonthly(ctx context.Context, at time.Time) (int64, error)
}

// GormStore implements Store on the provider_credentials table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) ListEligible(ctx context.Context, providerID string, errorThreshold int) ([]store.ProviderCredential, error) {
	var creds []store.ProviderCredential
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND is_active = ? AND error_count < ?", providerID, true, errorThreshold).
		Order("priority ASC").
		Order("last_used_at ASC NULLS FIRST").
		Find(&creds).Error
	if err != nil {
		return nil, fmt.Errorf("list eligible credentials: %w", err)
	}
	return creds, nil
}

func (s *GormStore) ListByProvider(ctx context.Context, providerID string) ([]store.ProviderCredential, error) {
	var creds []store.ProviderCredential
	err := s.db.WithContext(ctx).
		Where("provider_id = ?", providerID).
		Order("priority ASC").
		Order("created_at ASC").
		Find(&creds).Error
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (store.ProviderCredential, error) {
	var cred store.ProviderCredential
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ProviderCredential{}, ErrCredentialNotFound
	}
	if err != nil {
		return store.ProviderCredential{}, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

func (s *GormStore) Create(ctx context.Context, cred *store.ProviderCredential) error {
	if err := s.db.WithContext(ctx).Create(cred).Error; err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

func (s *GormStore) RecordSelection(ctx context.Context, id string, at time.Time, strict bool) (bool, error) {
	q := s.db.WithContext(ctx).Model(&store.ProviderCredential{}).Where("id = ?", id)
	if strict {
		q = q.Where("(daily_limit IS NULL OR daily_used < daily_limit) AND (monthly_limit IS NULL OR monthly_used < monthly_limit)")
	}
	res := q.Updates(map[string]any{
		"daily_used":   gorm.Expr("daily_used + 1"),
		"monthly_used": gorm.Expr("monthly_used + 1"),
		"last_used_at": at,
	})
	if res.Error != nil {
		return false, fmt.Errorf("record selection: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) IncrementError(ctx context.Context, id string, threshold int) (store.ProviderCredential, bool, error) {
	var (
		cred     store.ProviderCredential
		disabled bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&store.ProviderCredential{}).Where("id = ?", id).
			Update("error_count", gorm.Expr("error_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrCredentialNotFound
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&cred).Error; err != nil {
			return err
		}
		if cred.ErrorCount < threshold || !cred.IsActive {
			return nil
		}
		if err := tx.Model(&store.ProviderCredential{}).Where("id = ?", id).Update("is_active", false).Error; err != nil {
			return err
		}
		cred.IsActive = false
		disabled = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return store.ProviderCredential{}, false, err
		}
		return store.ProviderCredential{}, false, fmt.Errorf("increment credential errors: %w", err)
	}
	return cred, disabled, nil
}

func (s *GormStore) ResetErrors(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&store.ProviderCredential{}).Where("id = ?", id).Update("error_count", 0)
	if res.Error != nil {
		return fmt.Errorf("reset credential errors: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *GormStore) ResetUsage(ctx context.Context, providerID, id string, resetType ResetType, at time.Time) error {
	updates := map[string]any{"last_reset_at": at}
	switch resetType {
	case ResetAll:
		updates["daily_used"] = 0
		updates["monthly_used"] = 0
		updates["error_count"] = 0
		updates["is_active"] = true
	case ResetDaily:
		updates["daily_used"] = 0
	case ResetMonthly:
		updates["monthly_used"] = 0
	case ResetError:
		updates["error_count"] = 0
		updates["is_active"] = true
	default:
		return fmt.Errorf("%w: %q", ErrInvalidResetType, resetType)
	}
	res := s.db.WithContext(ctx).Model(&store.ProviderCredential{}).
		Where("id = ? AND provider_id = ?", id, providerID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("reset credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *GormStore) ResetDaily(ctx context.Context, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&store.ProviderCredential{}).Where("1 = 1").
		Updates(map[string]any{"daily_used": 0, "last_reset_at": at})
	if res.Error != nil {
		return 0, fmt.Errorf("reset daily usage: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) ResetMonthly(ctx context.Context, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&store.ProviderCredential{}).Where("1 = 1").
		Updates(map[string]any{"monthly_used": 0, "last_reset_at": at})
	if res.Error != nil {
		return 0, fmt.Errorf("reset monthly usage: %w", res.Error)
	}
	return res.RowsAffected, nil
}
