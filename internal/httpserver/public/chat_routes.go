package public

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/app"
	"github.com/zhijun2003/QingyunAI/internal/cache"
	"github.com/zhijun2003/QingyunAI/internal/chat"
	"github.com/zhijun2003/QingyunAI/internal/httpserver/httputil"
	"github.com/zhijun2003/QingyunAI/internal/models"
)

type chatHandler struct {
	container *app.Container
}

type chatRequest struct {
	ConversationID string               `json:"conversationId"`
	ModelID        string               `json:"modelId"`
	Content        string               `json:"content"`
	Temperature    *float64             `json:"temperature,omitempty"`
	MaxTokens      *int                 `json:"maxTokens,omitempty"`
	Functions      []models.FunctionDef `json:"functions,omitempty"`
	FunctionCall   string               `json:"functionCall,omitempty"`
}

type usagePayload struct {
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	Cost         string `json:"cost"`
}

type sendResponse struct {
	MessageID    string               `json:"messageId"`
	Content      string               `json:"content"`
	FunctionCall *models.FunctionCall `json:"functionCall,omitempty"`
	FinishReason string               `json:"finishReason"`
	Usage        usagePayload         `json:"usage"`
}

type streamFrame struct {
	Content   string        `json:"content"`
	Done      bool          `json:"done"`
	MessageID string        `json:"messageId,omitempty"`
	Usage     *usagePayload `json:"usage,omitempty"`
}

type streamErrorFrame struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

func (h *chatHandler) logger() *zap.Logger {
	if h.container.Logger == nil {
		return zap.NewNop()
	}
	return h.container.Logger
}

// buildRequest checks ownership and assembles the conversation history plus the new user message.
func (h *chatHandler) buildRequest(c *fiber.Ctx) (chat.Request, error) {
	var body chatRequest
	if err := c.BodyParser(&body); err != nil {
		return chat.Request{}, fmt.Errorf("%w: invalid JSON payload", chat.ErrInvalidRequest)
	}
	body.Content = strings.TrimSpace(body.Content)
	body.ConversationID = strings.TrimSpace(body.ConversationID)
	if body.ConversationID == "" {
		return chat.Request{}, fmt.Errorf("%w: conversationId is required", chat.ErrInvalidRequest)
	}
	if body.Content == "" {
		return chat.Request{}, fmt.Errorf("%w: content is required", chat.ErrInvalidRequest)
	}

	rc := httputil.Caller(c)
	ctx := c.UserContext()
	conv, err := h.container.Conversations.Owned(ctx, body.ConversationID, rc.UserID)
	if err != nil {
		return chat.Request{}, err
	}
	modelID := strings.TrimSpace(body.ModelID)
	if modelID == "" {
		modelID = conv.ModelID
	}

	history, err := h.container.Conversations.History(ctx, conv.ID, h.container.Config.Chat.HistoryLimit)
	if err != nil {
		return chat.Request{}, err
	}
	messages := append(history, models.ChatMessage{Role: models.RoleUser, Content: body.Content})

	return chat.Request{
		UserID:         rc.UserID,
		ConversationID: conv.ID,
		ModelID:        modelID,
		Messages:       messages,
		Temperature:    body.Temperature,
		MaxTokens:      body.MaxTokens,
		Functions:      body.Functions,
		FunctionCall:   body.FunctionCall,
	}, nil
}

func (h *chatHandler) send(c *fiber.Ctx) error {
	ctx := c.UserContext()
	rc := httputil.Caller(c)

	idemKey := cache.Key(rc.UserID, rc.IdempotencyKey)
	if idemKey != "" {
		cached, err := h.container.Idempotency.Begin(ctx, idemKey)
		if err != nil {
			return httputil.WriteServiceError(c, h.logger(), err)
		}
		if cached != nil {
			c.Set("Idempotent-Replay", "true")
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Status(fiber.StatusOK).Send(cached)
		}
	}
	completed := false
	defer func() {
		if idemKey != "" && !completed {
			h.container.Idempotency.Abandon(context.WithoutCancel(ctx), idemKey)
		}
	}()

	req, err := h.buildRequest(c)
	if err != nil {
		return httputil.WriteServiceError(c, h.logger(), err)
	}

	release, err := h.container.AcquireChatLimits(ctx, false)
	if err != nil {
		return httputil.WriteServiceError(c, h.logger(), err)
	}
	defer release()

	res, err := h.container.Chat.Chat(ctx, req)
	if err != nil {
		return httputil.WriteServiceError(c, h.logger(), err)
	}

	resp := sendResponse{
		MessageID:    res.MessageID,
		Content:      res.Content,
		FunctionCall: res.FunctionCall,
		FinishReason: res.FinishReason,
		Usage: usagePayload{
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			Cost:         res.Cost.String(),
		},
	}
	if idemKey != "" {
		if data, err := json.Marshal(resp); err == nil {
			h.container.Idempotency.Complete(context.WithoutCancel(ctx), idemKey, data)
			completed = true
		}
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// stream answers with server-sent events. Failures before the first byte is written get a normal JSON error
// response; later ones become an error frame.
func (h *chatHandler) stream(c *fiber.Ctx) error {
	req, err := h.buildRequest(c)
	if err != nil {
		return httputil.WriteServiceError(c, h.logger(), err)
	}

	release, err := h.container.AcquireChatLimits(c.UserContext(), true)
	if err != nil {
		return httputil.WriteServiceError(c, h.logger(), err)
	}

	ctx, cancel := context.WithCancel(c.UserContext())
	items, err := h.container.Chat.ChatStream(ctx, req)
	if err != nil {
		cancel()
		release()
		return httputil.WriteServiceError(c, h.logger(), err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	logger := h.logger()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		defer func() {
			cancel()
			// The relay closes items once it sees the cancellation.
			for range items {
			}
		}()

		for item := range items {
			var payload any
			switch {
			case item.Err != nil:
				_, msg := httputil.StatusFor(item.Err)
				logger.Warn("chat stream failed", zap.String("user_id", req.UserID), zap.Error(item.Err))
				payload = streamErrorFrame{Error: true, Message: msg}
			case item.Done:
				frame := streamFrame{Done: true, MessageID: item.MessageID}
				if item.Stats != nil {
					frame.Usage = &usagePayload{
						InputTokens:  item.Stats.InputTokens,
						OutputTokens: item.Stats.OutputTokens,
						Cost:         item.Stats.Cost.String(),
					}
				}
				payload = frame
			default:
				payload = streamFrame{Content: item.Content}
			}
			if err := writeFrame(w, payload); err != nil {
				logger.Debug("client went away during stream", zap.String("user_id", req.UserID), zap.Error(err))
				return
			}
		}
	})
	return nil
}

func writeFrame(w *bufio.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		return err
	}
	return w.Flush()
}
