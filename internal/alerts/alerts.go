// Package alerts delivers operator notifications such as a credential being disabled.
package alerts

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindCredentialDisabled Kind = "credential_disabled"
	KindModelSyncFailed    Kind = "model_sync_failed"
)

type Payload struct {
	Kind           Kind
	ProviderID     string
	CredentialID   string
	CredentialName string
	ErrorCount     int
	Message        string
	Timestamp      time.Time
}

// Sink receives alert payloads. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, payload Payload) error
}

type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, payload Payload) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.Warn("operator alert",
		zap.String("kind", string(payload.Kind)),
		zap.String("provider_id", payload.ProviderID),
		zap.String("credential_id", payload.CredentialID),
		zap.String("credential_name", payload.CredentialName),
		zap.Int("error_count", payload.ErrorCount),
		zap.String("message", payload.Message),
		zap.Time("timestamp", payload.Timestamp.UTC()),
	)
	return nil
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Notify(context.Context, Payload) error { return nil }
