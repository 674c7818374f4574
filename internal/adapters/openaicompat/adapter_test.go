package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhijun2003/QingyunAI/internal/models"
	"github.com/zhijun2003/QingyunAI/internal/providers/apierr"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	adapter, err := New(Options{APIKey: "sk-test", BaseURL: srv.URL + "/v1", HTTPClient: srv.Client()})
	require.NoError(t, err)
	return adapter
}

func TestChatDecodesCompletion(t *testing.T) {
	var body map[string]any
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"finish_reason":"function_call","message":{"role":"assistant","content":"",
			"function_call":{"name":"lookup","arguments":"{\"q\":\"go\"}"}}}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	})

	temp := 0.2
	resp, err := adapter.Chat(context.Background(), models.ChatRequest{
		Model:        "gpt-4o",
		Messages:     []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		Temperature:  &temp,
		Functions:    []models.FunctionDef{{Name: "lookup"}},
		FunctionCall: "lookup",
	})
	require.NoError(t, err)
	require.Equal(t, "cmpl-1", resp.ID)
	require.Equal(t, "function_call", resp.FinishReason)
	require.Equal(t, models.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}, resp.Usage)
	require.NotNil(t, resp.FunctionCall)
	require.Equal(t, "lookup", resp.FunctionCall.Name)
	require.Equal(t, `{"q":"go"}`, resp.FunctionCall.Arguments)

	require.Equal(t, false, body["stream"])
	require.Equal(t, map[string]any{"name": "lookup"}, body["function_call"])
	require.InDelta(t, 0.2, body["temperature"], 1e-9)
}

func TestChatOmitsFunctionCallWithoutFunctions(t *testing.T) {
	body := buildChatBody(models.ChatRequest{Model: "m", FunctionCall: "auto"}, false)
	require.Nil(t, body.FunctionCall)

	body = buildChatBody(models.ChatRequest{Model: "m", FunctionCall: "none", Functions: []models.FunctionDef{{Name: "f"}}}, false)
	require.Equal(t, "none", body.FunctionCall)
}

func TestChatNonSuccessIsHTTPError(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	})
	_, err := adapter.Chat(context.Background(), models.ChatRequest{Model: "m"})
	var httpErr *apierr.HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusTooManyRequests, httpErr.Status)
	require.Contains(t, httpErr.Body, "slow down")
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{BaseURL: "http://x"})
	require.Error(t, err)
	_, err = New(Options{APIKey: "k"})
	require.Error(t, err)
}

func streamHandler(t *testing.T, writes ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.Contains(t, string(raw), `"stream":true`)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range writes {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}
}

func collect(t *testing.T, deltas <-chan models.ChatDelta) (string, []models.ChatDelta) {
	t.Helper()
	var sb strings.Builder
	var all []models.ChatDelta
	for d := range deltas {
		sb.WriteString(d.Content)
		all = append(all, d)
	}
	return sb.String(), all
}

func chunk(content, finish string) string {
	fr := "null"
	if finish != "" {
		fr = `"` + finish + `"`
	}
	c, _ := json.Marshal(content)
	return `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":` +
		string(c) + `},"finish_reason":` + fr + `}]}` + "\n\n"
}

func TestChatStreamAssemblesFramesSplitAcrossReads(t *testing.T) {
	first := chunk("Hel", "")
	adapter := newTestAdapter(t, streamHandler(t,
		": keep-alive\n\n",
		first[:20],
		first[20:],
		"data: {not json}\n\n",
		chunk("lo", ""),
		chunk("", "stop"),
		"data: [DONE]\n\n",
	))

	deltas, closeFn, err := adapter.ChatStream(context.Background(), models.ChatRequest{Model: "m"})
	require.NoError(t, err)
	defer closeFn()

	text, all := collect(t, deltas)
	require.Equal(t, "Hello", text)
	last := all[len(all)-1]
	require.NoError(t, last.Err)
	require.Equal(t, "stop", last.FinishReason)
	require.True(t, last.IsTerminal())
}

func TestChatStreamFinishWithoutDoneIsClean(t *testing.T) {
	adapter := newTestAdapter(t, streamHandler(t, chunk("hi", ""), chunk("", "length")))
	deltas, closeFn, err := adapter.ChatStream(context.Background(), models.ChatRequest{Model: "m"})
	require.NoError(t, err)
	defer closeFn()

	_, all := collect(t, deltas)
	for _, d := range all {
		require.NoError(t, d.Err)
	}
}

func TestChatStreamDoneWithoutFinishReasonEndsCleanly(t *testing.T) {
	adapter := newTestAdapter(t, streamHandler(t, chunk("Hel", ""), chunk("lo", ""), "data: [DONE]\n\n"))
	deltas, closeFn, err := adapter.ChatStream(context.Background(), models.ChatRequest{Model: "m"})
	require.NoError(t, err)
	defer closeFn()

	text, all := collect(t, deltas)
	require.Equal(t, "Hello", text)
	last := all[len(all)-1]
	require.NoError(t, last.Err)
	require.True(t, last.IsTerminal())
	require.Equal(t, "stop", last.FinishReason)
	for _, d := range all[:len(all)-1] {
		require.False(t, d.IsTerminal())
	}
}

func TestChatStreamTruncated(t *testing.T) {
	adapter := newTestAdapter(t, streamHandler(t, chunk("partial", "")))
	deltas, closeFn, err := adapter.ChatStream(context.Background(), models.ChatRequest{Model: "m"})
	require.NoError(t, err)
	defer closeFn()

	text, all := collect(t, deltas)
	require.Equal(t, "partial", text)
	require.ErrorIs(t, all[len(all)-1].Err, apierr.ErrStreamTruncated)
}

func TestChatStreamFunctionCallDelta(t *testing.T) {
	frame := `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,` +
		`"delta":{"function_call":{"name":"lookup","arguments":"{}"}},"finish_reason":null}]}` + "\n\n"
	adapter := newTestAdapter(t, streamHandler(t, frame, chunk("", "function_call"), "data: [DONE]\n\n"))
	deltas, closeFn, err := adapter.ChatStream(context.Background(), models.ChatRequest{Model: "m"})
	require.NoError(t, err)
	defer closeFn()

	_, all := collect(t, deltas)
	require.Len(t, all, 2)
	require.NotNil(t, all[0].FunctionCall)
	require.Equal(t, "lookup", all[0].FunctionCall.Name)
}

func TestChatStreamRejectsUpstreamStatus(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, _, err := adapter.ChatStream(context.Background(), models.ChatRequest{Model: "m"})
	var httpErr *apierr.HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusUnauthorized, httpErr.Status)
}

func TestFetchModelsNormalizesCatalog(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[
			{"id":"gpt-4o-20240513","object":"model","created":1,"owned_by":"openai"},
			{"id":"openai/gpt-3.5-turbo","object":"model","created":1,"owned_by":"x","context_length":16000,
			 "pricing":{"prompt":"0.0005","completion":0.0015}},
			{"id":"dall-e-3","object":"model","created":1,"owned_by":"openai"}]}`)
	})

	list, err := adapter.FetchModels(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)

	require.Equal(t, "gpt-4o", list[0].DisplayName)
	require.Equal(t, 128000, list[0].ContextWindow)
	require.True(t, list[0].SupportVision)
	require.Nil(t, list[0].InputPrice)

	require.Equal(t, "gpt-3.5-turbo", list[1].DisplayName)
	require.Equal(t, 16000, list[1].ContextWindow)
	require.Equal(t, "0.0005", list[1].InputPrice.String())
	require.Equal(t, "0.0015", list[1].OutputPrice.String())

	require.Equal(t, "IMAGE", list[2].Category)
	require.Equal(t, "CALL", list[2].BillingType)
}

func TestConnectionProbe(t *testing.T) {
	ok := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
	})
	require.True(t, ok.TestConnection(context.Background()))

	denied := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key"}}`)
	})
	require.False(t, denied.TestConnection(context.Background()))

	_, err := denied.FetchModels(context.Background())
	var httpErr *apierr.HTTPError
	require.True(t, errors.As(err, &httpErr))
	require.Equal(t, http.StatusUnauthorized, httpErr.Status)
}
