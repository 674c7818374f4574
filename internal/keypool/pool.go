// Package keypool picks an outbound credential for a provider and tracks its usage and failures.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/alerts"
	"github.com/zhijun2003/QingyunAI/internal/store"
	"github.com/zhijun2003/QingyunAI/internal/vault"
)

const (
	DefaultErrorThreshold   = 5
	DefaultMaxRedraws       = 3
	DefaultNearLimitPercent = 90
)

// Metrics receives pool events. observability.Provider satisfies it; nil disables recording.
type Metrics interface {
	RecordKeySelection(ctx context.Context, providerID, outcome string)
	RecordKeyDisabled(ctx context.Context, providerID string)
}

type Options struct {
	ErrorThreshold   int
	StrictCaps       bool
	MaxRedraws       int
	NearLimitPercent float64
	// Rand returns a float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
	Now  func() time.Time
}

// Selection is a chosen credential with its decrypted secret. The secret must not be logged.
type Selection struct {
	CredentialID string
	ProviderID   string
	Name         string
	Secret       string
}

type Pool struct {
	store   Store
	vault   *vault.Vault
	alerts  alerts.Sink
	logger  *zap.Logger
	metrics Metrics
	opts    Options
}

func New(st Store, v *vault.Vault, sink alerts.Sink, logger *zap.Logger, metrics Metrics, opts Options) *Pool {
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = DefaultErrorThreshold
	}
	if opts.MaxRedraws <= 0 {
		opts.MaxRedraws = DefaultMaxRedraws
	}
	if opts.NearLimitPercent <= 0 {
		opts.NearLimitPercent = DefaultNearLimitPercent
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if sink == nil {
		sink = alerts.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{store: st, vault: v, alerts: sink, logger: logger, metrics: metrics, opts: opts}
}

// GetAvailableKey selects a credential for providerID by priority, recency, caps and weight, records its usage
// and returns the decrypted secret.
func (p *Pool) GetAvailableKey(ctx context.Context, providerID string) (Selection, error) {
	creds, err := p.store.ListEligible(ctx, providerID, p.opts.ErrorThreshold)
	if err != nil {
		return Selection{}, err
	}
	if len(creds) == 0 {
		p.recordSelection(ctx, providerID, "no_credentials")
		return Selection{}, &NoAvailableKeyError{ProviderID: providerID, Reason: ReasonNoCredentials}
	}
	candidates := withinCaps(creds)

	for attempt := 0; ; attempt++ {
		if len(candidates) == 0 {
			p.recordSelection(ctx, providerID, "over_limit")
			return Selection{}, &NoAvailableKeyError{ProviderID: providerID, Reason: ReasonOverLimit}
		}
		idx := weightedIndex(candidates, p.opts.Rand())
		chosen := candidates[idx]

		ok, err := p.store.RecordSelection(ctx, chosen.ID, p.opts.Now(), p.opts.StrictCaps)
		if err != nil {
			return Selection{}, err
		}
		if !ok {
			// Another request consumed the last slot under strict caps.
			if attempt+1 >= p.opts.MaxRedraws {
				p.recordSelection(ctx, providerID, "over_limit")
				return Selection{}, &NoAvailableKeyError{ProviderID: providerID, Reason: ReasonOverLimit}
			}
			candidates = append(candidates[:idx:idx], candidates[idx+1:]...)
			continue
		}

		secret, err := p.vault.Decrypt(chosen.KeyEncrypted, chosen.KeyIV, chosen.KeyTag)
		if err != nil {
			p.logger.Error("credential decrypt failed",
				zap.String("provider_id", providerID),
				zap.String("credential_id", chosen.ID),
				zap.Error(err))
			if recErr := p.RecordError(ctx, chosen.ID); recErr != nil {
				p.logger.Warn("record credential error failed", zap.String("credential_id", chosen.ID), zap.Error(recErr))
			}
			p.recordSelection(ctx, providerID, "decrypt_failed")
			return Selection{}, err
		}
		p.recordSelection(ctx, providerID, "selected")
		return Selection{
			CredentialID: chosen.ID,
			ProviderID:   providerID,
			Name:         chosen.Name,
			Secret:       secret,
		}, nil
	}
}

// PeekKey returns the most preferred eligible credential without recording usage. Administrative calls such as
// model sync use it so they do not consume caps.
func (p *Pool) PeekKey(ctx context.Context, providerID string) (Selection, error) {
	creds, err := p.store.ListEligible(ctx, providerID, p.opts.ErrorThreshold)
	if err != nil {
		return Selection{}, err
	}
	if len(creds) == 0 {
		return Selection{}, &NoAvailableKeyError{ProviderID: providerID, Reason: ReasonNoCredentials}
	}
	first := creds[0]
	secret, err := p.vault.Decrypt(first.KeyEncrypted, first.KeyIV, first.KeyTag)
	if err != nil {
		return Selection{}, err
	}
	return Selection{CredentialID: first.ID, ProviderID: providerID, Name: first.Name, Secret: secret}, nil
}

func withinCaps(creds []store.ProviderCredential) []store.ProviderCredential {
	out := make([]store.ProviderCredential, 0, len(creds))
	for _, c := range creds {
		if !overLimit(c) {
			out = append(out, c)
		}
	}
	return out
}

func overLimit(c store.ProviderCredential) bool {
	if c.DailyLimit != nil && c.DailyUsed >= *c.DailyLimit {
		return true
	}
	return c.MonthlyLimit != nil && c.MonthlyUsed >= *c.MonthlyLimit
}

func weight(c store.ProviderCredential) int {
	if c.Weight < 1 {
		return 1
	}
	return c.Weight
}

// weightedIndex walks the candidates subtracting weights from r*total and picks the first that drives it to zero
// or below; rounding leftovers fall back to the first candidate.
func weightedIndex(candidates []store.ProviderCredential, r float64) int {
	total := 0
	for _, c := range candidates {
		total += weight(c)
	}
	remaining := r * float64(total)
	for i, c := range candidates {
		remaining -= float64(weight(c))
		if remaining <= 0 {
			return i
		}
	}
	return 0
}

// RecordError counts one failure against the credential. At the threshold the credential is disabled and an
// alert is sent.
func (p *Pool) RecordError(ctx context.Context, credentialID string) error {
	cred, disabled, err := p.store.IncrementError(ctx, credentialID, p.opts.ErrorThreshold)
	if err != nil {
		return err
	}
	if !disabled {
		return nil
	}
	p.logger.Warn("credential disabled after repeated errors",
		zap.String("provider_id", cred.ProviderID),
		zap.String("credential_id", cred.ID),
		zap.String("credential_name", cred.Name),
		zap.Int("error_count", cred.ErrorCount))
	if p.metrics != nil {
		p.metrics.RecordKeyDisabled(ctx, cred.ProviderID)
	}
	alert := alerts.Payload{
		Kind:           alerts.KindCredentialDisabled,
		ProviderID:     cred.ProviderID,
		CredentialID:   cred.ID,
		CredentialName: cred.Name,
		ErrorCount:     cred.ErrorCount,
		Message:        fmt.Sprintf("credential %s disabled after %d consecutive errors", cred.Name, cred.ErrorCount),
		Timestamp:      p.opts.Now(),
	}
	if err := p.alerts.Notify(ctx, alert); err != nil {
		p.logger.Warn("credential alert delivery failed", zap.String("credential_id", cred.ID), zap.Error(err))
	}
	return nil
}

// ResetErrorCount clears the failure counter after a successful call. A disabled credential stays disabled.
func (p *Pool) ResetErrorCount(ctx context.Context, credentialID string) error {
	return p.store.ResetErrors(ctx, credentialID)
}

// ResetDailyUsage zeroes every credential's daily counter. Safe to repeat.
func (p *Pool) ResetDailyUsage(ctx context.Context) (int64, error) {
	n, err := p.store.ResetDaily(ctx, p.opts.Now())
	if err != nil {
		return 0, err
	}
	p.logger.Info("daily credential usage reset", zap.Int64("credentials", n))
	return n, nil
}

// ResetMonthlyUsage zeroes every credential's monthly counter. Safe to repeat.
func (p *Pool) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	n, err := p.store.ResetMonthly(ctx, p.opts.Now())
	if err != nil {
		return 0, err
	}
	p.logger.Info("monthly credential usage reset", zap.Int64("credentials", n))
	return n, nil
}

func (p *Pool) recordSelection(ctx context.Context, providerID, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordKeySelection(ctx, providerID, outcome)
	}
}

// IsNoAvailableKey reports whether err means the pool could not serve a credential.
func IsNoAvailableKey(err error) bool {
	return errors.Is(err, ErrNoAvailableKey)
}
