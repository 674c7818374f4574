// Package chat runs one chat request through model resolution, credential selection, upstream dispatch, token
// accounting and settlement.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/catalog"
	"github.com/zhijun2003/QingyunAI/internal/keypool"
	"github.com/zhijun2003/QingyunAI/internal/ledger"
	"github.com/zhijun2003/QingyunAI/internal/models"
	"github.com/zhijun2003/QingyunAI/internal/providers"
	"github.com/zhijun2003/QingyunAI/internal/store"
	"github.com/zhijun2003/QingyunAI/internal/tokens"
)

var ErrInvalidRequest = errors.New("invalid chat request")

// ModelResolver finds an enabled model and its provider.
type ModelResolver interface {
	Resolve(ctx context.Context, modelID string) (catalog.ResolvedModel, error)
}

// KeyPool hands out credentials and receives call outcomes.
type KeyPool interface {
	GetAvailableKey(ctx context.Context, providerID string) (keypool.Selection, error)
	RecordError(ctx context.Context, credentialID string) error
	ResetErrorCount(ctx context.Context, credentialID string) error
}

// AdapterFactory builds an adapter for a provider authenticated with one secret.
type AdapterFactory interface {
	Supports(providerType string) bool
	For(ctx context.Context, p store.Provider, secret string) (providers.Adapter, error)
}

// Settler charges a completed call.
type Settler interface {
	Settle(ctx context.Context, req ledger.SettleRequest) (ledger.Settlement, error)
}

// Conversations maintains the last-activity marker.
type Conversations interface {
	Touch(ctx context.Context, conversationID string) error
}

// Metrics receives per-request outcomes; nil disables recording.
type Metrics interface {
	RecordChat(ctx context.Context, providerType, model string, stream bool, outcome string, duration time.Duration)
	RecordTokens(ctx context.Context, providerType, model string, promptTokens, completionTokens int64)
}

type Options struct {
	DefaultTemperature float64
	DefaultMaxTokens   int
	StreamBuffer       int
	Now                func() time.Time
}

// Deps groups the collaborators a Service is built from.
type Deps struct {
	Models        ModelResolver
	Keys          KeyPool
	Adapters      AdapterFactory
	Tokens        *tokens.Accountant
	Ledger        Settler
	Conversations Conversations
	Logger        *zap.Logger
	Metrics       Metrics
}

type Service struct {
	models        ModelResolver
	keys          KeyPool
	adapters      AdapterFactory
	tokens        *tokens.Accountant
	ledger        Settler
	conversations Conversations
	logger        *zap.Logger
	metrics       Metrics
	opts          Options
}

func NewService(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Models == nil:
		return nil, errors.New("chat: model resolver required")
	case deps.Keys == nil:
		return nil, errors.New("chat: key pool required")
	case deps.Adapters == nil:
		return nil, errors.New("chat: adapter factory required")
	case deps.Tokens == nil:
		return nil, errors.New("chat: token accountant required")
	case deps.Ledger == nil:
		return nil, errors.New("chat: ledger required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.DefaultTemperature <= 0 {
		opts.DefaultTemperature = 0.7
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = 2048
	}
	if opts.StreamBuffer < 0 {
		opts.StreamBuffer = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		models:        deps.Models,
		keys:          deps.Keys,
		adapters:      deps.Adapters,
		tokens:        deps.Tokens,
		ledger:        deps.Ledger,
		conversations: deps.Conversations,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		opts:          opts,
	}, nil
}

// Request is one chat turn. Messages already include the new user message as the last entry.
type Request struct {
	UserID         string
	ConversationID string
	ModelID        string
	Messages       []models.ChatMessage
	Temperature    *float64
	MaxTokens      *int
	Functions      []models.FunctionDef
	FunctionCall   string
}

type Result struct {
	MessageID    string               `json:"messageId"`
	Content      string               `json:"content"`
	FunctionCall *models.FunctionCall `json:"functionCall,omitempty"`
	FinishReason string               `json:"finishReason"`
	InputTokens  int                  `json:"inputTokens"`
	OutputTokens int                  `json:"outputTokens"`
	Cost         decimal.Decimal      `json:"cost"`
}

// prepared is the request state once a credential has been chosen and an adapter built.
type prepared struct {
	resolved    catalog.ResolvedModel
	selection   keypool.Selection
	adapter     providers.Adapter
	upstream    models.ChatRequest
	inputTokens int
	started     time.Time
	log         *zap.Logger
}

func (p *prepared) modelName() string    { return p.resolved.Model.ModelName }
func (p *prepared) providerType() string { return string(p.resolved.Provider.Type) }

// Chat performs a synchronous completion and settles it.
func (s *Service) Chat(ctx context.Context, req Request) (Result, error) {
	p, err := s.prepare(ctx, req, false)
	if err != nil {
		return Result{}, err
	}

	p.log.Debug("chat state", zap.Stringer("state", StateDispatch))
	resp, err := p.adapter.Chat(ctx, p.upstream)
	if err != nil {
		return Result{}, s.fail(ctx, p, false, err)
	}

	settlement, out, err := s.account(ctx, p, req, resp.Content, false)
	if err != nil {
		return Result{}, err
	}
	return Result{
		MessageID:    settlement.AssistantMessageID,
		Content:      resp.Content,
		FunctionCall: resp.FunctionCall,
		FinishReason: resp.FinishReason,
		InputTokens:  p.inputTokens,
		OutputTokens: out,
		Cost:         settlement.Cost,
	}, nil
}

// prepare covers ResolveModel and SelectKey and builds the adapter. The context window is checked before any
// credential is consumed.
func (s *Service) prepare(ctx context.Context, req Request, stream bool) (*prepared, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	started := s.opts.Now()
	log := s.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("conversation_id", req.ConversationID),
		zap.String("model_id", req.ModelID),
		zap.Bool("stream", stream))

	log.Debug("chat state", zap.Stringer("state", StateResolveModel))
	resolved, err := s.models.Resolve(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	model := resolved.Model
	if !s.adapters.Supports(string(resolved.Provider.Type)) {
		log.Info("chat rejected for unsupported provider family", zap.String("provider_type", string(resolved.Provider.Type)))
		return nil, &providers.UnsupportedProviderError{Type: string(resolved.Provider.Type)}
	}

	inputTokens := s.tokens.CountMessageTokens(req.Messages, model.ModelName)
	if err := s.tokens.CheckContextWindow(model.ModelName, inputTokens, model.ContextWindow); err != nil {
		log.Info("chat rejected before dispatch", zap.Int("input_tokens", inputTokens), zap.Error(err))
		return nil, err
	}

	log.Debug("chat state", zap.Stringer("state", StateSelectKey))
	sel, err := s.keys.GetAvailableKey(ctx, resolved.Provider.ID)
	if err != nil {
		log.Warn("no credential for chat", zap.String("provider_id", resolved.Provider.ID), zap.Error(err))
		return nil, err
	}
	log = log.With(zap.String("credential_id", sel.CredentialID))

	p := &prepared{
		resolved:    resolved,
		selection:   sel,
		upstream:    s.upstreamRequest(req, model, stream),
		inputTokens: inputTokens,
		started:     started,
		log:         log,
	}
	// Nothing has reached the network yet, so a build failure is not counted against the credential.
	adapter, err := s.adapters.For(ctx, resolved.Provider, sel.Secret)
	if err != nil {
		log.Warn("build provider adapter failed", zap.Stringer("state", StateFailed), zap.Error(err))
		s.record(context.WithoutCancel(ctx), p, stream, outcomeOf(err))
		return nil, err
	}
	p.adapter = adapter
	return p, nil
}

func validate(req Request) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user id required", ErrInvalidRequest)
	case strings.TrimSpace(req.ModelID) == "":
		return fmt.Errorf("%w: model id required", ErrInvalidRequest)
	case len(req.Messages) == 0:
		return fmt.Errorf("%w: at least one message required", ErrInvalidRequest)
	}
	return nil
}

func (s *Service) upstreamRequest(req Request, model store.Model, stream bool) models.ChatRequest {
	temperature := s.opts.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := s.opts.DefaultMaxTokens
	switch {
	case req.MaxTokens != nil && *req.MaxTokens > 0:
		maxTokens = *req.MaxTokens
	case model.MaxTokens > 0:
		maxTokens = model.MaxTokens
	}
	return models.ChatRequest{
		Model:        model.ModelName,
		Messages:     req.Messages,
		Temperature:  &temperature,
		MaxTokens:    &maxTokens,
		Stream:       stream,
		Functions:    req.Functions,
		FunctionCall: req.FunctionCall,
	}
}

// account covers Account and Settle. Settlement runs detached from the caller's context: the upstream has
// already answered, so a late disconnect must not lose the charge.
func (s *Service) account(ctx context.Context, p *prepared, req Request, content string, stream bool) (ledger.Settlement, int, error) {
	p.log.Debug("chat state", zap.Stringer("state", StateAccount))
	model := p.resolved.Model
	outputTokens := s.tokens.CountTextTokens(content, model.ModelName)
	inputCost, outputCost := tokens.InputOutputCost(p.inputTokens, outputTokens, model.InputPrice, model.OutputPrice)

	p.log.Debug("chat state", zap.Stringer("state", StateSettle))
	settleCtx := context.WithoutCancel(ctx)
	settlement, err := s.ledger.Settle(settleCtx, ledger.SettleRequest{
		UserID:           req.UserID,
		ModelID:          model.ID,
		ConversationID:   req.ConversationID,
		InputTokens:      p.inputTokens,
		OutputTokens:     outputTokens,
		InputCost:        inputCost,
		OutputCost:       outputCost,
		Cost:             inputCost.Add(outputCost),
		UserMessage:      lastUserMessage(req.Messages),
		AssistantMessage: content,
		Description:      "AI chat - " + displayName(model),
	})
	if err != nil {
		p.log.Warn("chat settlement failed", zap.Error(err))
		s.record(settleCtx, p, stream, outcomeOf(err))
		return ledger.Settlement{}, 0, err
	}

	if err := s.keys.ResetErrorCount(settleCtx, p.selection.CredentialID); err != nil {
		p.log.Warn("reset credential errors failed", zap.Error(err))
	}
	if s.conversations != nil && req.ConversationID != "" {
		if err := s.conversations.Touch(settleCtx, req.ConversationID); err != nil {
			p.log.Warn("touch conversation failed", zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.RecordTokens(settleCtx, p.providerType(), p.modelName(), int64(p.inputTokens), int64(outputTokens))
	}
	s.record(settleCtx, p, stream, "ok")
	p.log.Info("chat settled",
		zap.Stringer("state", StateDone),
		zap.Int("input_tokens", p.inputTokens),
		zap.Int("output_tokens", outputTokens),
		zap.String("cost", settlement.Cost.String()),
		zap.Duration("elapsed", s.opts.Now().Sub(p.started)))
	return settlement, outputTokens, nil
}

// fail records a dispatch failure against the credential and returns the error to propagate. A caller that
// went away is not the credential's fault.
func (s *Service) fail(ctx context.Context, p *prepared, stream bool, err error) error {
	if ctx.Err() != nil {
		p.log.Info("chat cancelled by caller", zap.Stringer("state", StateFailed))
		s.record(context.WithoutCancel(ctx), p, stream, "cancelled")
		return err
	}
	p.log.Warn("chat dispatch failed", zap.Stringer("state", StateFailed), zap.Error(err))
	if recErr := s.keys.RecordError(context.WithoutCancel(ctx), p.selection.CredentialID); recErr != nil {
		p.log.Warn("record credential error failed", zap.Error(recErr))
	}
	s.record(context.WithoutCancel(ctx), p, stream, outcomeOf(err))
	return err
}

func (s *Service) record(ctx context.Context, p *prepared, stream bool, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordChat(ctx, p.providerType(), p.modelName(), stream, outcome, s.opts.Now().Sub(p.started))
}

func outcomeOf(err error) string {
	var httpErr *providers.ProviderHTTPError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.As(err, &httpErr):
		return "upstream_http"
	case errors.Is(err, providers.ErrStreamTruncated):
		return "stream_truncated"
	case errors.Is(err, providers.ErrUnsupportedProvider):
		return "unsupported_provider"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func lastUserMessage(messages []models.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content
		}
	}
	return messages[len(messages)-1].Content
}

func displayName(m store.Model) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.ModelName
}
