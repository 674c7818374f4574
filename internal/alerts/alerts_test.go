package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhijun2003/QingyunAI/internal/config"
)

type stubSink struct {
	err   error
	calls int
}

func (s *stubSink) Notify(ctx context.Context, payload Payload) error {
	s.calls++
	return s.err
}

func TestCompositeSinkNotify(t *testing.T) {
	okSink := &stubSink{}
	errSink := &stubSink{err: errors.New("boom")}

	sink := NewCompositeSink(okSink, nil, errSink)
	if err := sink.Notify(context.Background(), Payload{}); err == nil {
		t.Fatalf("expected error from composite sink")
	}
	if okSink.calls != 1 || errSink.calls != 1 {
		t.Fatalf("expected sinks to be invoked once each")
	}
}

func TestCompositeSinkCollapses(t *testing.T) {
	if _, ok := NewCompositeSink(nil).(Nop); !ok {
		t.Fatalf("expected Nop when no sinks provided")
	}
	only := &stubSink{}
	if NewCompositeSink(only) != Sink(only) {
		t.Fatalf("expected single sink to be returned as is")
	}
}

func TestLogSinkWritesWarn(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := NewLogSink(zap.New(core))
	_ = sink.Notify(context.Background(), Payload{Kind: KindCredentialDisabled, CredentialID: "c1", ErrorCount: 5})
	if logs.Len() != 1 {
		t.Fatalf("expected one log entry, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["credential_id"] != "c1" || fields["kind"] != string(KindCredentialDisabled) {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestWebhookSinkNotify(t *testing.T) {
	var received webhookPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewWebhookSink([]string{ts.URL, " "}, config.WebhookConfig{Timeout: time.Second, MaxRetries: 1}, nil)
	payload := Payload{
		Kind:         KindCredentialDisabled,
		ProviderID:   "p1",
		CredentialID: "c1",
		ErrorCount:   5,
		Timestamp:    time.Now(),
	}
	if err := sink.Notify(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.CredentialID != "c1" || received.Kind != string(KindCredentialDisabled) || received.ErrorCount != 5 {
		t.Fatalf("payload mismatch: %+v", received)
	}
}

func TestWebhookSinkRetries(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	sink := NewWebhookSink([]string{ts.URL}, config.WebhookConfig{Timeout: time.Second, MaxRetries: 2}, nil)
	if err := sink.Notify(context.Background(), Payload{Kind: KindModelSyncFailed}); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}
}
