package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/config"
)

// WebhookSink posts alerts as JSON to a fixed list of endpoints.
type WebhookSink struct {
	client     *http.Client
	urls       []string
	maxRetries int
	logger     *zap.Logger
}

func NewWebhookSink(urls []string, cfg config.WebhookConfig, logger *zap.Logger) *WebhookSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	targets := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			targets = append(targets, u)
		}
	}
	return &WebhookSink{
		client:     &http.Client{Timeout: cfg.Timeout},
		urls:       targets,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}

func (s *WebhookSink) Notify(ctx context.Context, payload Payload) error {
	if s == nil || len(s.urls) == 0 {
		return nil
	}
	body, err := json.Marshal(webhookPayload{
		Kind:           string(payload.Kind),
		ProviderID:     payload.ProviderID,
		CredentialID:   payload.CredentialID,
		CredentialName: payload.CredentialName,
		ErrorCount:     payload.ErrorCount,
		Message:        payload.Message,
		Timestamp:      payload.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, target := range s.urls {
		if err := s.postWithRetries(ctx, target, body); err != nil {
			s.logger.Warn("alert webhook failed", zap.String("url", target), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func (s *WebhookSink) postWithRetries(ctx context.Context, url string, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := s.post(ctx, url, body); err != nil {
			lastErr = err
			if attempt == s.maxRetries {
				break
			}
			delay := time.Duration(attempt) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

type webhookPayload struct {
	Kind           string    `json:"kind"`
	ProviderID     string    `json:"provider_id,omitempty"`
	CredentialID   string    `json:"credential_id,omitempty"`
	CredentialName string    `json:"credential_name,omitempty"`
	ErrorCount     int       `json:"error_count,omitempty"`
	Message        string    `json:"message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
