package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zhijun2003/QingyunAI/internal/catalog"
	"github.com/zhijun2003/QingyunAI/internal/conversation"
	"github.com/zhijun2003/QingyunAI/internal/keypool"
	"github.com/zhijun2003/QingyunAI/internal/ledger"
	"github.com/zhijun2003/QingyunAI/internal/models"
	"github.com/zhijun2003/QingyunAI/internal/providers"
	"github.com/zhijun2003/QingyunAI/internal/providers/streamutil"
	"github.com/zhijun2003/QingyunAI/internal/store"
	"github.com/zhijun2003/QingyunAI/internal/store/storetest"
	"github.com/zhijun2003/QingyunAI/internal/tokens"
	"github.com/zhijun2003/QingyunAI/internal/vault"
)

type fakeAdapter struct {
	chatResp models.ChatResponse
	chatErr  error
	deltas   []models.ChatDelta
	// streamErr becomes the final delta once the scripted deltas are sent.
	streamErr error
	// hold keeps the stream open after the scripted deltas until the consumer goes away.
	hold     bool
	released chan struct{}

	chatCalls   atomic.Int32
	streamCalls atomic.Int32
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{released: make(chan struct{})}
}

func (f *fakeAdapter) FetchModels(context.Context) ([]models.ModelInfo, error) { return nil, nil }

func (f *fakeAdapter) TestConnection(context.Context) bool { return true }

func (f *fakeAdapter) Chat(_ context.Context, _ models.ChatRequest) (models.ChatResponse, error) {
	f.chatCalls.Add(1)
	return f.chatResp, f.chatErr
}

func (f *fakeAdapter) ChatStream(ctx context.Context, _ models.ChatRequest) (<-chan models.ChatDelta, func() error, error) {
	f.streamCalls.Add(1)
	closer := func() error {
		close(f.released)
		return nil
	}
	deltas, closeFn := streamutil.Forward(ctx, 0, closer, func(ctx context.Context, yield streamutil.YieldFunc) error {
		for _, d := range f.deltas {
			if !yield(d) {
				return nil
			}
		}
		if f.hold {
			<-ctx.Done()
		}
		return f.streamErr
	})
	return deltas, closeFn, nil
}

type harness struct {
	db      *gorm.DB
	svc     *Service
	adapter *fakeAdapter
	builds  *atomic.Int32
	user    store.User
	model   store.Model
	conv    store.Conversation
	cred    store.ProviderCredential
}

func newHarness(t *testing.T, freeQuota, balance string, contextWindow int) *harness {
	t.Helper()
	db := storetest.Open(t)
	v, err := vault.New("chat-test-secret")
	require.NoError(t, err)

	provider := storetest.SeedProvider(t, db, "http://upstream.test")
	// 1 per 1K tokens for input and output keeps expected costs readable.
	model := storetest.SeedModel(t, db, provider.ID, "gpt-4o-mini", "1", "1", contextWindow)
	user := storetest.SeedUser(t, db, freeQuota, balance)
	conv := storetest.SeedConversation(t, db, user.ID, model.ID)

	pool := keypool.New(keypool.NewGormStore(db), v, nil, nil, nil, keypool.Options{})
	cred, err := pool.AddCredential(context.Background(), keypool.NewCredential{ProviderID: provider.ID, Secret: "sk-test"})
	require.NoError(t, err)

	h := &harness{db: db, adapter: newFakeAdapter(), builds: &atomic.Int32{}, user: user, model: model, conv: conv, cred: cred}
	registry := providers.NewEmptyRegistry()
	require.NoError(t, registry.Register(providers.Definition{
		Name:        string(store.ProviderOpenAI),
		Implemented: true,
		Builder: func(_ context.Context, cfg providers.Config) (providers.Adapter, error) {
			h.builds.Add(1)
			if cfg.APIKey != "sk-test" {
				return nil, fmt.Errorf("unexpected secret %q", cfg.APIKey)
			}
			return h.adapter, nil
		},
	}))

	svc, err := NewService(Deps{
		Models:        catalog.NewResolver(db),
		Keys:          pool,
		Adapters:      providers.Factory{Registry: registry},
		Tokens:        tokens.New(tokens.Options{}),
		Ledger:        ledger.New(db, nil, ledger.Options{}),
		Conversations: conversation.NewStore(db),
	}, Options{})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) request(content string) Request {
	return Request{
		UserID:         h.user.ID,
		ConversationID: h.conv.ID,
		ModelID:        h.model.ID,
		Messages:       []models.ChatMessage{{Role: models.RoleUser, Content: content}},
	}
}

func (h *harness) credential(t *testing.T) store.ProviderCredential {
	t.Helper()
	var c store.ProviderCredential
	require.NoError(t, h.db.Where("id = ?", h.cred.ID).Take(&c).Error)
	return c
}

func (h *harness) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(model).Count(&n).Error)
	return n
}

func (h *harness) reloadUser(t *testing.T) store.User {
	t.Helper()
	var u store.User
	require.NoError(t, h.db.Where("id = ?", h.user.ID).Take(&u).Error)
	return u
}

func drain(t *testing.T, items <-chan StreamItem) []StreamItem {
	t.Helper()
	var out []StreamItem
	timeout := time.After(5 * time.Second)
	for {
		select {
		case item, ok := <-items:
			if !ok {
				return out
			}
			out = append(out, item)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestChatSettlesAndResetsErrors(t *testing.T) {
	h := newHarness(t, "0", "100", 128000)
	h.adapter.chatResp = models.ChatResponse{Content: "Hello there", FinishReason: "stop"}
	require.NoError(t, h.db.Model(&store.ProviderCredential{}).Where("id = ?", h.cred.ID).Update("error_count", 3).Error)

	res, err := h.svc.Chat(context.Background(), h.request("hi"))
	require.NoError(t, err)
	require.Equal(t, "Hello there", res.Content)
	require.NotEmpty(t, res.MessageID)
	require.Positive(t, res.InputTokens)
	require.Positive(t, res.OutputTokens)

	expected := tokens.CalculateCost(res.InputTokens, res.OutputTokens, decimal.NewFromInt(1), decimal.NewFromInt(1))
	require.True(t, expected.Equal(res.Cost), "cost %s != %s", res.Cost, expected)

	require.EqualValues(t, 1, h.count(t, &store.UsageLog{}))
	require.EqualValues(t, 1, h.count(t, &store.Transaction{}))
	require.EqualValues(t, 2, h.count(t, &store.Message{}))

	cred := h.credential(t)
	require.Zero(t, cred.ErrorCount)
	require.EqualValues(t, 1, cred.DailyUsed)

	user := h.reloadUser(t)
	require.True(t, decimal.NewFromInt(100).Sub(res.Cost).Equal(user.Balance))
}

func TestChatDispatchFailureRecordsCredentialError(t *testing.T) {
	h := newHarness(t, "0", "100", 128000)
	h.adapter.chatErr = &providers.ProviderHTTPError{Status: http.StatusUnauthorized, Body: "bad key"}

	_, err := h.svc.Chat(context.Background(), h.request("hi"))
	var httpErr *providers.ProviderHTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusUnauthorized, httpErr.Status)

	require.Equal(t, 1, h.credential(t).ErrorCount)
	require.Zero(t, h.count(t, &store.UsageLog{}))
	require.Zero(t, h.count(t, &store.Transaction{}))
}

func TestChatRepeatedFailuresDisableCredential(t *testing.T) {
	h := newHarness(t, "0", "100", 128000)
	h.adapter.chatErr = errors.New("upstream down")

	for i := 0; i < keypool.DefaultErrorThreshold; i++ {
		_, err := h.svc.Chat(context.Background(), h.request("hi"))
		require.Error(t, err)
	}
	require.False(t, h.credential(t).IsActive)

	// No retry with another credential and no eligible one left.
	_, err := h.svc.Chat(context.Background(), h.request("hi"))
	require.ErrorIs(t, err, keypool.ErrNoAvailableKey)
	require.EqualValues(t, keypool.DefaultErrorThreshold, h.adapter.chatCalls.Load())
}

func TestChatRejectsOverlongPromptBeforeDispatch(t *testing.T) {
	h := newHarness(t, "0", "100", 1010)

	_, err := h.svc.Chat(context.Background(), h.request(strings.Repeat("token ", 50)))
	var windowErr *tokens.ContextWindowExceededError
	require.ErrorAs(t, err, &windowErr)
	require.Equal(t, 1010, windowErr.Window)

	require.Zero(t, h.builds.Load())
	require.Zero(t, h.adapter.chatCalls.Load())
	require.Zero(t, h.credential(t).DailyUsed)
}

func TestChatInsufficientBalanceWritesNothing(t *testing.T) {
	h := newHarness(t, "0", "0", 128000)
	h.adapter.chatResp = models.ChatResponse{Content: "expensive answer", FinishReason: "stop"}

	_, err := h.svc.Chat(context.Background(), h.request("hi"))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	require.Zero(t, h.count(t, &store.UsageLog{}))
	require.Zero(t, h.count(t, &store.Transaction{}))
	require.Zero(t, h.count(t, &store.Message{}))
	require.Zero(t, h.credential(t).ErrorCount)
}

func TestChatDisabledModel(t *testing.T) {
	h := newHarness(t, "0", "100", 128000)
	require.NoError(t, h.db.Model(&store.Model{}).Where("id = ?", h.model.ID).Update("is_active", false).Error)

	_, err := h.svc.Chat(context.Background(), h.request("hi"))
	require.ErrorIs(t, err, catalog.ErrModelDisabled)
	require.Zero(t, h.builds.Load())
}

func TestChatValidatesRequest(t *testing.T) {
	h := newHarness(t, "0", "100", 128000)
	req := h.request("hi")
	req.Messages = nil
	_, err := h.svc.Chat(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestChatStreamAssemblesAndSettlesOnce(t *testing.T) {
	h := newHarness(t, "50", "100", 128000)
	h.adapter.deltas = []models.ChatDelta{
		{Role: models.RoleAssistant, Content: "Hel"},
		{Content: "lo"},
		{FinishReason: "stop"},
	}

	items, err := h.svc.ChatStream(context.Background(), h.request("greet me"))
	require.NoError(t, err)
	got := drain(t, items)

	var content strings.Builder
	for _, item := range got[:len(got)-1] {
		require.False(t, item.Done)
		require.NoError(t, item.Err)
		content.WriteString(item.Content)
	}
	require.Equal(t, "Hello", content.String())

	last := got[len(got)-1]
	require.NoError(t, last.Err)
	require.True(t, last.Done)
	require.NotEmpty(t, last.MessageID)
	require.NotNil(t, last.Stats)
	require.Equal(t, 1, last.Stats.OutputTokens)

	require.EqualValues(t, 1, h.count(t, &store.UsageLog{}))
	require.EqualValues(t, 1, h.count(t, &store.Transaction{}))

	var assistant store.Message
	require.NoError(t, h.db.Where("id = ?", last.MessageID).Take(&assistant).Error)
	require.Equal(t, "Hello", assistant.Content)

	select {
	case <-h.adapter.released:
	case <-time.After(time.Second):
		t.Fatal("upstream not released")
	}
}

func TestChatStreamCancelReleasesUpstreamWithoutSettling(t *testing.T) {
	h := newHarness(t, "0", "100", 128000)
	h.adapter.deltas = []models.ChatDelta{{Content: "partial"}}
	h.adapter.hold = true

	ctx, cancel := context.WithCancel(context.Background())
	items, err := h.svc.ChatStream(ctx, h.request("hi"))
	require.NoError(t, err)

	first := <-items
	require.Equal(t, "partial", first.Content)
	cancel()

	select {
	case <-h.adapter.released:
	case <-time.After(time.Second):
		t.Fatal("upstream read not released after cancel")
	}
	drain(t, items)

	require.Zero(t, h.count(t, &store.UsageLog{}))
	require.Zero(t, h.count(t, &store.Transaction{}))
	require.Zero(t, h.credential(t).ErrorCount)
	require.True(t, decimal.NewFromInt(100).Equal(h.reloadUser(t).Balance))
}

func TestChatStreamTruncatedRecordsError(t *testing.T) {
	h := newHarness(t, "0", "100", 128000)
	h.adapter.deltas = []models.ChatDelta{{Content: "half an ans"}}
	h.adapter.streamErr = providers.ErrStreamTruncated

	items, err := h.svc.ChatStream(context.Background(), h.request("hi"))
	require.NoError(t, err)
	got := drain(t, items)

	last := got[len(got)-1]
	require.ErrorIs(t, last.Err, providers.ErrStreamTruncated)
	require.False(t, last.Done)
	require.Equal(t, 1, h.credential(t).ErrorCount)
	require.Zero(t, h.count(t, &store.UsageLog{}))
}

func TestChatStreamCleanCloseSettlesOnce(t *testing.T) {
	h := newHarness(t, "0", "100", 128000)
	h.adapter.deltas = []models.ChatDelta{{Content: "Hel"}, {Content: "lo"}}

	items, err := h.svc.ChatStream(context.Background(), h.request("hi"))
	require.NoError(t, err)
	got := drain(t, items)

	last := got[len(got)-1]
	require.NoError(t, last.Err)
	require.True(t, last.Done)
	require.NotEmpty(t, last.MessageID)
	require.EqualValues(t, 1, h.count(t, &store.UsageLog{}))
	require.EqualValues(t, 1, h.count(t, &store.Transaction{}))
	require.Zero(t, h.credential(t).ErrorCount)
}

func TestChatStreamDoneSentinelWithoutFinishReasonOverHTTP(t *testing.T) {
	db := storetest.Open(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			_, _ = fmt.Fprintf(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini",`+
				`"choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`+"\n\n", part)
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	t.Cleanup(upstream.Close)

	v, err := vault.New("chat-test-secret")
	require.NoError(t, err)
	provider := storetest.SeedProvider(t, db, upstream.URL)
	model := storetest.SeedModel(t, db, provider.ID, "gpt-4o-mini", "1", "1", 128000)
	user := storetest.SeedUser(t, db, "0", "100")
	conv := storetest.SeedConversation(t, db, user.ID, model.ID)

	pool := keypool.New(keypool.NewGormStore(db), v, nil, nil, nil, keypool.Options{})
	cred, err := pool.AddCredential(context.Background(), keypool.NewCredential{ProviderID: provider.ID, Secret: "sk-live"})
	require.NoError(t, err)

	svc, err := NewService(Deps{
		Models:   catalog.NewResolver(db),
		Keys:     pool,
		Adapters: providers.Factory{Registry: providers.NewRegistry()},
		Tokens:   tokens.New(tokens.Options{}),
		Ledger:   ledger.New(db, nil, ledger.Options{}),
	}, Options{})
	require.NoError(t, err)

	items, err := svc.ChatStream(context.Background(), Request{
		UserID:         user.ID,
		ConversationID: conv.ID,
		ModelID:        model.ID,
		Messages:       []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	got := drain(t, items)

	last := got[len(got)-1]
	require.NoError(t, last.Err)
	require.True(t, last.Done)

	var logs int64
	require.NoError(t, db.Model(&store.UsageLog{}).Count(&logs).Error)
	require.EqualValues(t, 1, logs)

	var stored store.ProviderCredential
	require.NoError(t, db.Where("id = ?", cred.ID).Take(&stored).Error)
	require.Zero(t, stored.ErrorCount)
}

func TestChatUnsupportedFamilyLeavesCredentialUntouched(t *testing.T) {
	h := newHarness(t, "0", "100", 128000)
	require.NoError(t, h.db.Model(&store.Provider{}).Where("id = ?", h.model.ProviderID).
		Update("type", store.ProviderSuno).Error)

	for i := 0; i < 6; i++ {
		_, err := h.svc.Chat(context.Background(), h.request("hi"))
		require.ErrorIs(t, err, providers.ErrUnsupportedProvider)
	}

	cred := h.credential(t)
	require.Zero(t, cred.ErrorCount)
	require.True(t, cred.IsActive)
	require.Zero(t, cred.DailyUsed)
	require.Zero(t, h.builds.Load())
	require.Zero(t, h.adapter.chatCalls.Load())
}

func TestChatAdapterBuildFailureIsNotACredentialError(t *testing.T) {
	h := newHarness(t, "0", "100", 128000)
	// The harness builder rejects any secret other than the seeded one.
	require.NoError(t, h.db.Model(&store.ProviderCredential{}).Where("id = ?", h.cred.ID).Update("is_active", false).Error)
	v, err := vault.New("chat-test-secret")
	require.NoError(t, err)
	pool := keypool.New(keypool.NewGormStore(h.db), v, nil, nil, nil, keypool.Options{})
	other, err := pool.AddCredential(context.Background(), keypool.NewCredential{ProviderID: h.model.ProviderID, Secret: "sk-wrong"})
	require.NoError(t, err)

	_, err = h.svc.Chat(context.Background(), h.request("hi"))
	require.Error(t, err)

	var stored store.ProviderCredential
	require.NoError(t, h.db.Where("id = ?", other.ID).Take(&stored).Error)
	require.Zero(t, stored.ErrorCount)
	require.Zero(t, h.adapter.chatCalls.Load())
}

func TestChatEndToEndOverHTTP(t *testing.T) {
	db := storetest.Open(t)
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-live", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}],
			"usage":{"prompt_tokens":8,"completion_tokens":1,"total_tokens":9}}`))
	}))
	t.Cleanup(upstream.Close)

	v, err := vault.New("chat-test-secret")
	require.NoError(t, err)
	provider := storetest.SeedProvider(t, db, upstream.URL)
	model := storetest.SeedModel(t, db, provider.ID, "gpt-4o-mini", "0.15", "0.6", 128000)
	user := storetest.SeedUser(t, db, "10", "0")
	conv := storetest.SeedConversation(t, db, user.ID, model.ID)

	pool := keypool.New(keypool.NewGormStore(db), v, nil, nil, nil, keypool.Options{})
	_, err = pool.AddCredential(context.Background(), keypool.NewCredential{ProviderID: provider.ID, Secret: "sk-live"})
	require.NoError(t, err)

	svc, err := NewService(Deps{
		Models:   catalog.NewResolver(db),
		Keys:     pool,
		Adapters: providers.Factory{Registry: providers.NewRegistry()},
		Tokens:   tokens.New(tokens.Options{}),
		Ledger:   ledger.New(db, nil, ledger.Options{}),
	}, Options{})
	require.NoError(t, err)

	res, err := svc.Chat(context.Background(), Request{
		UserID:         user.ID,
		ConversationID: conv.ID,
		ModelID:        model.ID,
		Messages:       []models.ChatMessage{{Role: models.RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)
	require.Equal(t, "pong", res.Content)
	require.EqualValues(t, 1, hits.Load())
}

func TestConcurrentChatsForOneUserNeverOverdraw(t *testing.T) {
	h := newHarness(t, "0", "0.05", 128000)
	h.adapter.chatResp = models.ChatResponse{Content: strings.Repeat("word ", 10), FinishReason: "stop"}

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Chat(context.Background(), h.request("hi")); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	user := h.reloadUser(t)
	require.False(t, user.Balance.IsNegative())
	require.EqualValues(t, ok.Load(), h.count(t, &store.UsageLog{}))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "resolve_model", StateResolveModel.String())
	require.Equal(t, "failed", StateFailed.String())
	require.Equal(t, "unknown", State(42).String())
}
