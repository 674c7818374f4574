// Package openaicompat talks to any upstream exposing the OpenAI chat-completions wire shape.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/models"
	"github.com/zhijun2003/QingyunAI/internal/providers/apierr"
)

const maxErrorBody = 64 << 10

// Options configure the adapter.
type Options struct {
	APIKey       string
	BaseURL      string
	HTTPClient   *http.Client
	Logger       *zap.Logger
	StreamBuffer int
}

// Adapter implements providers.Adapter for OpenAI-compatible upstreams. Chat requests go over plain HTTP so the
// deprecated function fields and the line-level stream recovery stay under our control; model listing uses the
// official SDK.
type Adapter struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	client       *openai.Client
	logger       *zap.Logger
	streamBuffer int
}

// New creates an adapter. BaseURL is the upstream root without the /v1 suffix.
func New(opts Options) (*Adapter, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openaicompat: api key required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("openaicompat: base url required")
	}
	base = strings.TrimSuffix(base, "/v1")

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := openai.NewClient(
		option.WithAPIKey(opts.APIKey),
		option.WithBaseURL(base+"/v1/"),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return &Adapter{
		apiKey:       opts.APIKey,
		baseURL:      base,
		httpClient:   httpClient,
		client:       &client,
		logger:       logger,
		streamBuffer: opts.StreamBuffer,
	}, nil
}

type chatBody struct {
	Model        string               `json:"model"`
	Messages     []models.ChatMessage `json:"messages"`
	Temperature  *float64             `json:"temperature,omitempty"`
	MaxTokens    *int                 `json:"max_tokens,omitempty"`
	TopP         *float64             `json:"top_p,omitempty"`
	Stream       bool                 `json:"stream"`
	Functions    []models.FunctionDef `json:"functions,omitempty"`
	FunctionCall any                  `json:"function_call,omitempty"`
}

func buildChatBody(req models.ChatRequest, stream bool) chatBody {
	body := chatBody{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stream:      stream,
		Functions:   req.Functions,
	}
	if len(req.Functions) > 0 {
		switch fc := strings.TrimSpace(req.FunctionCall); fc {
		case "":
		case "auto", "none":
			body.FunctionCall = fc
		default:
			body.FunctionCall = map[string]string{"name": fc}
		}
	}
	return body
}

func (a *Adapter) post(ctx context.Context, body chatBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openaicompat: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openaicompat: request failed: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &apierr.HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

// Chat performs a non-streaming chat completion request.
func (a *Adapter) Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	resp, err := a.post(ctx, buildChatBody(req, false))
	if err != nil {
		return models.ChatResponse{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ChatResponse{}, fmt.Errorf("openaicompat: read response: %w", err)
	}
	var completion openai.ChatCompletion
	if err := json.Unmarshal(raw, &completion); err != nil {
		return models.ChatResponse{}, fmt.Errorf("openaicompat: decode response: %w", err)
	}
	return convertChatResponse(completion, raw), nil
}

func convertChatResponse(resp openai.ChatCompletion, raw []byte) models.ChatResponse {
	out := models.ChatResponse{
		ID: resp.ID,
		Usage: models.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	out.FunctionCall = functionCallAt(raw, "choices.0.message.function_call")
	return out
}

// functionCallAt reads the deprecated function_call object, which the SDK types no longer model reliably.
func functionCallAt(raw []byte, path string) *models.FunctionCall {
	fc := gjson.GetBytes(raw, path)
	if !fc.IsObject() {
		return nil
	}
	name := fc.Get("name").String()
	args := fc.Get("arguments").String()
	if name == "" && args == "" {
		return nil
	}
	return &models.FunctionCall{Name: name, Arguments: args}
}

// TestConnection uses the models endpoint as a lightweight probe.
func (a *Adapter) TestConnection(ctx context.Context) bool {
	if _, err := a.client.Models.List(ctx); err != nil {
		a.logger.Warn("provider connection test failed", zap.String("base_url", a.baseURL), zap.Error(err))
		return false
	}
	return true
}

// FetchModels lists and normalizes the upstream catalog.
func (a *Adapter) FetchModels(ctx context.Context) ([]models.ModelInfo, error) {
	page, err := a.client.Models.List(ctx)
	if err != nil {
		return nil, wrapSDKError(err)
	}
	out := make([]models.ModelInfo, 0, len(page.Data))
	for _, item := range page.Data {
		out = append(out, ParseModel(item.ID, []byte(item.RawJSON())))
	}
	return out, nil
}

func wrapSDKError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &apierr.HTTPError{Status: apiErr.StatusCode, Body: apiErr.RawJSON()}
	}
	return fmt.Errorf("openaicompat: list models: %w", err)
}
