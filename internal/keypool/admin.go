package keypool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhijun2003/QingyunAI/internal/store"
)

type ResetType string

const (
	ResetAll     ResetType = "all"
	ResetDaily   ResetType = "daily"
	ResetMonthly ResetType = "monthly"
	// ResetError clears the failure counter and re-activates the credential.
	ResetError ResetType = "error"
)

// ParseResetType maps an operator supplied value; empty means all.
func ParseResetType(s string) (ResetType, error) {
	switch t := ResetType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return ResetAll, nil
	case ResetAll, ResetDaily, ResetMonthly, ResetError:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResetType, s)
	}
}

// ResetCredential applies an operator reset to a credential of providerID.
func (p *Pool) ResetCredential(ctx context.Context, providerID, credentialID string, resetType ResetType) (store.ProviderCredential, error) {
	if err := p.store.ResetUsage(ctx, providerID, credentialID, resetType, p.opts.Now()); err != nil {
		return store.ProviderCredential{}, err
	}
	return p.store.Get(ctx, credentialID)
}

// KeyStats is a credential's usage against its caps. Percentages are nil when no cap is set.
type KeyStats struct {
	CredentialID   string     `json:"credentialId"`
	ProviderID     string     `json:"providerId"`
	Name           string     `json:"name"`
	IsActive       bool       `json:"isActive"`
	ErrorCount     int        `json:"errorCount"`
	DailyUsed      int64      `json:"dailyUsed"`
	DailyLimit     *int64     `json:"dailyLimit,omitempty"`
	DailyPercent   *float64   `json:"dailyPercent,omitempty"`
	MonthlyUsed    int64      `json:"monthlyUsed"`
	MonthlyLimit   *int64     `json:"monthlyLimit,omitempty"`
	MonthlyPercent *float64   `json:"monthlyPercent,omitempty"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
	LastResetAt    *time.Time `json:"lastResetAt,omitempty"`
}

func (p *Pool) KeyStats(ctx context.Context, credentialID string) (KeyStats, error) {
	cred, err := p.store.Get(ctx, credentialID)
	if err != nil {
		return KeyStats{}, err
	}
	return statsFor(cred), nil
}

func statsFor(cred store.ProviderCredential) KeyStats {
	return KeyStats{
		CredentialID:   cred.ID,
		ProviderID:     cred.ProviderID,
		Name:           cred.Name,
		IsActive:       cred.IsActive,
		ErrorCount:     cred.ErrorCount,
		DailyUsed:      cred.DailyUsed,
		DailyLimit:     cred.DailyLimit,
		DailyPercent:   percent(cred.DailyUsed, cred.DailyLimit),
		MonthlyUsed:    cred.MonthlyUsed,
		MonthlyLimit:   cred.MonthlyLimit,
		MonthlyPercent: percent(cred.MonthlyUsed, cred.MonthlyLimit),
		LastUsedAt:     cred.LastUsedAt,
		LastResetAt:    cred.LastResetAt,
	}
}

func percent(used int64, limit *int64) *float64 {
	if limit == nil || *limit <= 0 {
		return nil
	}
	v := float64(used) / float64(*limit) * 100
	return &v
}

// ProviderStatus summarizes a provider's pool. Over-limit credentials are not also counted as near the limit.
type ProviderStatus struct {
	ProviderID string     `json:"providerId"`
	Total      int        `json:"total"`
	Active     int        `json:"active"`
	Disabled   int        `json:"disabled"`
	OverLimit  int        `json:"overLimit"`
	NearLimit  int        `json:"nearLimit"`
	Keys       []KeyStats `json:"keys"`
}

func (p *Pool) ProviderStatus(ctx context.Context, providerID string) (ProviderStatus, error) {
	creds, err := p.store.ListByProvider(ctx, providerID)
	if err != nil {
		return ProviderStatus{}, err
	}
	status := ProviderStatus{ProviderID: providerID, Total: len(creds), Keys: make([]KeyStats, 0, len(creds))}
	for _, c := range creds {
		stats := statsFor(c)
		status.Keys = append(status.Keys, stats)
		if c.IsActive && c.ErrorCount < p.opts.ErrorThreshold {
			status.Active++
		} else {
			status.Disabled++
		}
		if overLimit(c) {
			status.OverLimit++
			continue
		}
		if atLeast(stats.DailyPercent, p.opts.NearLimitPercent) || atLeast(stats.MonthlyPercent, p.opts.NearLimitPercent) {
			status.NearLimit++
		}
	}
	return status, nil
}

func atLeast(v *float64, threshold float64) bool {
	return v != nil && *v >= threshold
}

// NewCredential is an operator request to add a secret to a provider's pool.
type NewCredential struct {
	ProviderID   string
	Name         string
	Secret       string
	Weight       *int
	Priority     *int
	DailyLimit   *int64
	MonthlyLimit *int64
	IsActive     *bool
}

// AddCredential encrypts and stores a credential. Weight defaults to 1, priority to 0.
func (p *Pool) AddCredential(ctx context.Context, in NewCredential) (store.ProviderCredential, error) {
	if strings.TrimSpace(in.ProviderID) == "" {
		return store.ProviderCredential{}, errors.New("keypool: provider id required")
	}
	if strings.TrimSpace(in.Secret) == "" {
		return store.ProviderCredential{}, errors.New("keypool: secret required")
	}
	sealed, err := p.vault.Encrypt(strings.TrimSpace(in.Secret))
	if err != nil {
		return store.ProviderCredential{}, err
	}
	cred := store.ProviderCredential{
		ID:           uuid.NewString(),
		ProviderID:   in.ProviderID,
		Name:         strings.TrimSpace(in.Name),
		KeyEncrypted: sealed.Ciphertext,
		KeyIV:        sealed.IV,
		KeyTag:       sealed.Tag,
		Weight:       1,
		DailyLimit:   in.DailyLimit,
		MonthlyLimit: in.MonthlyLimit,
		IsActive:     true,
	}
	if cred.Name == "" {
		cred.Name = "default"
	}
	if in.Weight != nil {
		if *in.Weight < 1 {
			return store.ProviderCredential{}, errors.New("keypool: weight must be at least 1")
		}
		cred.Weight = *in.Weight
	}
	if in.Priority != nil {
		cred.Priority = *in.Priority
	}
	if in.IsActive != nil {
		cred.IsActive = *in.IsActive
	}
	if err := p.store.Create(ctx, &cred); err != nil {
		return store.ProviderCredential{}, err
	}
	return cred, nil
}
