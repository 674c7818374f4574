package public_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/zhijun2003/QingyunAI/internal/app/apptest"
	"github.com/zhijun2003/QingyunAI/internal/httpserver"
	"github.com/zhijun2003/QingyunAI/internal/keypool"
	"github.com/zhijun2003/QingyunAI/internal/store"
	"github.com/zhijun2003/QingyunAI/internal/store/storetest"
)

const completionJSON = `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
	"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}],
	"usage":{"prompt_tokens":8,"completion_tokens":1,"total_tokens":9}}`

func chunk(content, finish string) string {
	finishJSON := "null"
	if finish != "" {
		finishJSON = `"` + finish + `"`
	}
	return `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":` +
		`"` + content + `"},"finish_reason":` + finishJSON + `}]}` + "\n\n"
}

type fixture struct {
	env    *apptest.Env
	app    *fiber.App
	user   store.User
	conv   store.Conversation
	model  store.Model
	hits   *atomic.Int32
	bodies chan []byte
}

func newFixture(t *testing.T, freeQuota string, upstream http.HandlerFunc) *fixture {
	t.Helper()
	var hits atomic.Int32
	bodies := make(chan []byte, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		select {
		case bodies <- body:
		default:
		}
		upstream(w, r)
	}))
	t.Cleanup(srv.Close)

	env := apptest.New(t, nil, nil)
	provider := storetest.SeedProvider(t, env.DB, srv.URL)
	model := storetest.SeedModel(t, env.DB, provider.ID, "gpt-4o-mini", "0.15", "0.6", 128000)
	user := storetest.SeedUser(t, env.DB, freeQuota, "0")
	conv := storetest.SeedConversation(t, env.DB, user.ID, model.ID)
	_, err := env.Container.KeyPool.AddCredential(context.Background(), keypool.NewCredential{
		ProviderID: provider.ID,
		Name:       "primary",
		Secret:     "sk-live",
	})
	require.NoError(t, err)

	server, err := httpserver.New(env.Container)
	require.NoError(t, err)
	return &fixture{env: env, app: server.App(), user: user, conv: conv, model: model, hits: &hits, bodies: bodies}
}

func (f *fixture) do(t *testing.T, path, token string, body any, headers map[string]string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.env.DB.Model(model).Count(&n).Error)
	return n
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func jsonUpstream(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(completionJSON))
}

func TestSendSettlesAndIncludesHistory(t *testing.T) {
	f := newFixture(t, "10", jsonUpstream)
	earlier := store.Message{
		ID:             uuid.NewString(),
		ConversationID: f.conv.ID,
		Role:           "user",
		Content:        "remember the number 42",
		Cost:           decimal.Zero,
		CreatedAt:      time.Now().Add(-time.Minute),
	}
	require.NoError(t, f.env.DB.Create(&earlier).Error)

	token := f.env.Token(t, f.user.ID, "")
	resp := f.do(t, "/api/chat/send", token, map[string]any{
		"conversationId": f.conv.ID,
		"content":        "ping",
	}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	require.Equal(t, "pong", out["content"])
	require.NotEmpty(t, out["messageId"])
	require.Equal(t, "stop", out["finishReason"])

	upstreamBody := string(<-f.bodies)
	require.Contains(t, upstreamBody, "remember the number 42")
	require.Contains(t, upstreamBody, "ping")

	require.EqualValues(t, 1, f.count(t, &store.UsageLog{}))
	require.EqualValues(t, 3, f.count(t, &store.Message{}))
}

func TestSendIdempotentReplay(t *testing.T) {
	f := newFixture(t, "10", jsonUpstream)
	token := f.env.Token(t, f.user.ID, "")
	body := map[string]any{"conversationId": f.conv.ID, "content": "ping"}
	headers := map[string]string{"Idempotency-Key": "req-1"}

	first := f.do(t, "/api/chat/send", token, body, headers)
	require.Equal(t, fiber.StatusOK, first.StatusCode)
	firstOut := decode(t, first)

	second := f.do(t, "/api/chat/send", token, body, headers)
	require.Equal(t, fiber.StatusOK, second.StatusCode)
	require.Equal(t, "true", second.Header.Get("Idempotent-Replay"))
	require.Equal(t, firstOut["messageId"], decode(t, second)["messageId"])

	require.EqualValues(t, 1, f.hits.Load())
	require.EqualValues(t, 1, f.count(t, &store.UsageLog{}))
}

func TestSendConcurrentSameKeyDispatchesOnce(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	f := newFixture(t, "10", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-gate
		jsonUpstream(w, r)
	})
	token := f.env.Token(t, f.user.ID, "")
	body := map[string]any{"conversationId": f.conv.ID, "content": "ping"}
	headers := map[string]string{"Idempotency-Key": "req-dup"}

	type result struct {
		resp *http.Response
		err  error
	}
	firstDone := make(chan result, 1)
	go func() {
		data, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/api/chat/send", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "req-dup")
		resp, err := f.app.Test(req, -1)
		firstDone <- result{resp, err}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the upstream")
	}
	second := f.do(t, "/api/chat/send", token, body, headers)
	require.Equal(t, fiber.StatusConflict, second.StatusCode)

	close(gate)
	first := <-firstDone
	require.NoError(t, first.err)
	require.Equal(t, fiber.StatusOK, first.resp.StatusCode)

	replay := f.do(t, "/api/chat/send", token, body, headers)
	require.Equal(t, fiber.StatusOK, replay.StatusCode)
	require.Equal(t, "true", replay.Header.Get("Idempotent-Replay"))

	require.EqualValues(t, 1, f.hits.Load())
	require.EqualValues(t, 1, f.count(t, &store.UsageLog{}))
}

func TestSendFailureReleasesIdempotencyKey(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	f := newFixture(t, "10", func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		jsonUpstream(w, r)
	})
	token := f.env.Token(t, f.user.ID, "")
	body := map[string]any{"conversationId": f.conv.ID, "content": "ping"}
	headers := map[string]string{"Idempotency-Key": "req-retry"}

	first := f.do(t, "/api/chat/send", token, body, headers)
	require.Equal(t, fiber.StatusBadGateway, first.StatusCode)

	fail.Store(false)
	retry := f.do(t, "/api/chat/send", token, body, headers)
	require.Equal(t, fiber.StatusOK, retry.StatusCode)
	require.Empty(t, retry.Header.Get("Idempotent-Replay"))
	require.EqualValues(t, 2, f.hits.Load())
	require.EqualValues(t, 1, f.count(t, &store.UsageLog{}))
}

func TestSendRequiresBearer(t *testing.T) {
	f := newFixture(t, "10", jsonUpstream)
	resp := f.do(t, "/api/chat/send", "", map[string]any{"conversationId": f.conv.ID, "content": "ping"}, nil)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, "/api/chat/send", "not-a-jwt", map[string]any{"conversationId": f.conv.ID, "content": "ping"}, nil)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, f.hits.Load())
}

func TestSendStatusMapping(t *testing.T) {
	t.Run("foreign conversation", func(t *testing.T) {
		f := newFixture(t, "10", jsonUpstream)
		stranger := storetest.SeedUser(t, f.env.DB, "10", "0")
		resp := f.do(t, "/api/chat/send", f.env.Token(t, stranger.ID, ""), map[string]any{
			"conversationId": f.conv.ID, "content": "ping",
		}, nil)
		require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
		require.Zero(t, f.hits.Load())
	})

	t.Run("empty content", func(t *testing.T) {
		f := newFixture(t, "10", jsonUpstream)
		resp := f.do(t, "/api/chat/send", f.env.Token(t, f.user.ID, ""), map[string]any{
			"conversationId": f.conv.ID, "content": "  ",
		}, nil)
		require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		f := newFixture(t, "0", jsonUpstream)
		resp := f.do(t, "/api/chat/send", f.env.Token(t, f.user.ID, ""), map[string]any{
			"conversationId": f.conv.ID, "content": "ping",
		}, nil)
		require.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
		require.Zero(t, f.count(t, &store.UsageLog{}))
	})

	t.Run("upstream failure", func(t *testing.T) {
		f := newFixture(t, "10", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"error":{"message":"secret upstream detail"}}`, http.StatusInternalServerError)
		})
		resp := f.do(t, "/api/chat/send", f.env.Token(t, f.user.ID, ""), map[string]any{
			"conversationId": f.conv.ID, "content": "ping",
		}, nil)
		require.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
		out := decode(t, resp)
		require.NotContains(t, out["error"], "secret upstream detail")
	})

	t.Run("no credential", func(t *testing.T) {
		f := newFixture(t, "10", jsonUpstream)
		require.NoError(t, f.env.DB.Model(&store.ProviderCredential{}).Where("1 = 1").Update("is_active", false).Error)
		resp := f.do(t, "/api/chat/send", f.env.Token(t, f.user.ID, ""), map[string]any{
			"conversationId": f.conv.ID, "content": "ping",
		}, nil)
		require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	})
}

type frame struct {
	Content   string `json:"content"`
	Done      bool   `json:"done"`
	MessageID string `json:"messageId"`
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	Usage     *struct {
		InputTokens  int    `json:"inputTokens"`
		OutputTokens int    `json:"outputTokens"`
		Cost         string `json:"cost"`
	} `json:"usage"`
}

func readFrames(t *testing.T, resp *http.Response) []frame {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out []frame
	for _, block := range strings.Split(string(raw), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		require.True(t, strings.HasPrefix(block, "data: "), "unexpected frame %q", block)
		var fr frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(block, "data: ")), &fr))
		out = append(out, fr)
	}
	return out
}

func TestStreamRelaysAndSettlesOnce(t *testing.T) {
	f := newFixture(t, "10", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, chunk("Hel", ""))
		_, _ = io.WriteString(w, chunk("lo", ""))
		_, _ = io.WriteString(w, chunk("", "stop"))
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	resp := f.do(t, "/api/chat/stream", f.env.Token(t, f.user.ID, ""), map[string]any{
		"conversationId": f.conv.ID, "content": "say hello",
	}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp)
	require.Len(t, frames, 3)
	require.Equal(t, "Hel", frames[0].Content)
	require.Equal(t, "lo", frames[1].Content)
	last := frames[2]
	require.True(t, last.Done)
	require.NotEmpty(t, last.MessageID)
	require.NotNil(t, last.Usage)
	require.Positive(t, last.Usage.InputTokens)

	var assistant store.Message
	require.NoError(t, f.env.DB.Where("id = ?", last.MessageID).Take(&assistant).Error)
	require.Equal(t, "Hello", assistant.Content)
	require.EqualValues(t, 1, f.count(t, &store.UsageLog{}))
}

func TestStreamEndedBySentinelOnlySettles(t *testing.T) {
	f := newFixture(t, "10", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, chunk("Hel", ""))
		_, _ = io.WriteString(w, chunk("lo", ""))
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})
	resp := f.do(t, "/api/chat/stream", f.env.Token(t, f.user.ID, ""), map[string]any{
		"conversationId": f.conv.ID, "content": "say hello",
	}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp)
	last := frames[len(frames)-1]
	require.False(t, last.Error)
	require.True(t, last.Done)
	require.EqualValues(t, 1, f.count(t, &store.UsageLog{}))

	var cred store.ProviderCredential
	require.NoError(t, f.env.DB.Where("provider_id = ?", f.model.ProviderID).Take(&cred).Error)
	require.Zero(t, cred.ErrorCount)
}

func TestStreamHandshakeFailureIsJSON(t *testing.T) {
	f := newFixture(t, "10", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	resp := f.do(t, "/api/chat/stream", f.env.Token(t, f.user.ID, ""), map[string]any{
		"conversationId": f.conv.ID, "content": "say hello",
	}, nil)
	require.Equal(t, fiber.StatusBadGateway, resp.StatusCode)
	require.NotEmpty(t, decode(t, resp)["error"])
	require.Zero(t, f.count(t, &store.UsageLog{}))
}

func TestStreamTruncatedEmitsErrorFrame(t *testing.T) {
	f := newFixture(t, "10", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, chunk("Hel", ""))
	})
	resp := f.do(t, "/api/chat/stream", f.env.Token(t, f.user.ID, ""), map[string]any{
		"conversationId": f.conv.ID, "content": "say hello",
	}, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.True(t, last.Error)
	require.NotEmpty(t, last.Message)
	require.Zero(t, f.count(t, &store.UsageLog{}))
}
