// Package catalog resolves models for the chat path and keeps the model table in sync with upstreams.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/zhijun2003/QingyunAI/internal/store"
)

var (
	ErrModelNotFound    = errors.New("model not found")
	ErrModelDisabled    = errors.New("model disabled")
	ErrProviderNotFound = errors.New("provider not found")
)

// ResolvedModel is a model together with the provider that serves it.
type ResolvedModel struct {
	Model    store.Model
	Provider store.Provider
}

type Resolver struct {
	db *gorm.DB
}

func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve loads an active model and its provider. An inactive provider disables all of its models.
func (r *Resolver) Resolve(ctx context.Context, modelID string) (ResolvedModel, error) {
	var m store.Model
	err := r.db.WithContext(ctx).Where("id = ?", modelID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ResolvedModel{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	if err != nil {
		return ResolvedModel{}, fmt.Errorf("load model: %w", err)
	}
	if !m.IsActive {
		return ResolvedModel{}, fmt.Errorf("%w: %s", ErrModelDisabled, m.ModelName)
	}
	p, err := r.Provider(ctx, m.ProviderID)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return ResolvedModel{}, fmt.Errorf("%w: provider of %s missing", ErrModelNotFound, m.ModelName)
		}
		return ResolvedModel{}, err
	}
	if !p.IsActive {
		return ResolvedModel{}, fmt.Errorf("%w: provider %s inactive", ErrModelDisabled, p.Name)
	}
	return ResolvedModel{Model: m, Provider: p}, nil
}

func (r *Resolver) Provider(ctx context.Context, providerID string) (store.Provider, error) {
	var p store.Provider
	err := r.db.WithContext(ctx).Where("id = ?", providerID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Provider{}, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	if err != nil {
		return store.Provider{}, fmt.Errorf("load provider: %w", err)
	}
	return p, nil
}

// ActiveProviders lists the enabled providers ordered by name.
func (r *Resolver) ActiveProviders(ctx context.Context) ([]store.Provider, error) {
	var list []store.Provider
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("name ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return list, nil
}
