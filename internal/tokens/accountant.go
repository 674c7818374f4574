// Package tokens counts prompt and completion tokens and prices them.
package tokens

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/tiktoken-go/tokenizer"
	"go.uber.org/zap"

	"github.com/zhijun2003/QingyunAI/internal/models"
)

const (
	// DefaultReserve is the completion headroom kept free when checking a context window.
	DefaultReserve = 1000

	perMessageOverhead = 4
	replyPrimer        = 2
	fallbackCharsPer   = 4
)

var perThousand = decimal.NewFromInt(1000)

// ContextWindowExceededError is returned before dispatch when the prompt leaves no room for a reply.
type ContextWindowExceededError struct {
	Model   string
	Tokens  int
	Window  int
	Reserve int
}

func (e *ContextWindowExceededError) Error() string {
	return fmt.Sprintf("prompt of %d tokens exceeds context window %d of model %s (reserve %d)", e.Tokens, e.Window, e.Model, e.Reserve)
}

// Options tune the accountant.
type Options struct {
	DefaultContextWindow int
	Reserve              int
	Logger               *zap.Logger
}

// Accountant counts tokens with the tokenizer matching the model, falling back to cl100k_base and finally to a
// character estimate. Codecs are cached per model name.
type Accountant struct {
	mu            sync.Mutex
	codecs        map[string]tokenizer.Codec
	defaultWindow int
	reserve       int
	logger        *zap.Logger
}

func New(opts Options) *Accountant {
	window := opts.DefaultContextWindow
	if window <= 0 {
		window = 4096
	}
	reserve := opts.Reserve
	if reserve <= 0 {
		reserve = DefaultReserve
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accountant{
		codecs:        make(map[string]tokenizer.Codec),
		defaultWindow: window,
		reserve:       reserve,
		logger:        logger,
	}
}

// Reserve reports the configured completion headroom.
func (a *Accountant) Reserve() int { return a.reserve }

func (a *Accountant) codec(model string) tokenizer.Codec {
	key := strings.ToLower(strings.TrimSpace(model))
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.codecs[key]; ok {
		return c
	}
	c, err := tokenizer.ForModel(tokenizer.Model(key))
	if err != nil {
		c, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			a.logger.Warn("tokenizer unavailable, estimating by characters", zap.String("model", model), zap.Error(err))
			c = nil
		}
	}
	a.codecs[key] = c
	return c
}

func (a *Accountant) count(c tokenizer.Codec, text string) int {
	if text == "" {
		return 0
	}
	if c != nil {
		ids, _, err := c.Encode(text)
		if err == nil {
			return len(ids)
		}
		a.logger.Debug("token encode failed, estimating", zap.Error(err))
	}
	return estimate(text)
}

func estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + fallbackCharsPer - 1) / fallbackCharsPer
}

// CountMessageTokens counts a chat prompt: role and content of every message plus the framing overhead.
func (a *Accountant) CountMessageTokens(messages []models.ChatMessage, model string) int {
	c := a.codec(model)
	if c == nil {
		chars := ""
		for _, m := range messages {
			chars += m.Content
		}
		return estimate(chars)
	}
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += a.count(c, string(m.Role))
		total += a.count(c, m.Content)
	}
	return total + replyPrimer
}

// CountTextTokens counts a bare string, such as an assembled completion.
func (a *Accountant) CountTextTokens(text, model string) int {
	return a.count(a.codec(model), text)
}

// CalculateCost prices a call from per-1K token rates. Negative inputs are clamped to zero.
func CalculateCost(inputTokens, outputTokens int, inputPerK, outputPerK decimal.Decimal) decimal.Decimal {
	in, out := InputOutputCost(inputTokens, outputTokens, inputPerK, outputPerK)
	return in.Add(out)
}

// InputOutputCost returns the two cost components separately.
func InputOutputCost(inputTokens, outputTokens int, inputPerK, outputPerK decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	in := decimal.NewFromInt(int64(max(inputTokens, 0))).Div(perThousand).Mul(inputPerK)
	out := decimal.NewFromInt(int64(max(outputTokens, 0))).Div(perThousand).Mul(outputPerK)
	return in, out
}

// IsWithinContextWindow reports whether count plus reserve fits. A non-positive window means unknown and uses the
// configured default.
func (a *Accountant) IsWithinContextWindow(count, window, reserve int) bool {
	if window <= 0 {
		window = a.defaultWindow
	}
	if reserve < 0 {
		reserve = 0
	}
	return count+reserve <= window
}

// CheckContextWindow returns *ContextWindowExceededError when the prompt does not fit.
func (a *Accountant) CheckContextWindow(model string, count, window int) error {
	if a.IsWithinContextWindow(count, window, a.reserve) {
		return nil
	}
	if window <= 0 {
		window = a.defaultWindow
	}
	return &ContextWindowExceededError{Model: model, Tokens: count, Window: window, Reserve: a.reserve}
}

// TruncateMessages keeps a leading system message and as many of the newest messages as fit in maxTokens, in
// their original order.
func (a *Accountant) TruncateMessages(messages []models.ChatMessage, model string, maxTokens int) []models.ChatMessage {
	if len(messages) == 0 {
		return nil
	}
	var system *models.ChatMessage
	rest := messages
	if messages[0].Role == models.RoleSystem {
		system = &messages[0]
		rest = messages[1:]
	}

	used := 0
	if system != nil {
		used = a.CountMessageTokens([]models.ChatMessage{*system}, model)
	}
	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		n := a.CountMessageTokens(rest[i:i+1], model)
		if used+n > maxTokens {
			break
		}
		used += n
		start = i
	}

	out := make([]models.ChatMessage, 0, len(rest)-start+1)
	if system != nil {
		out = append(out, *system)
	}
	return append(out, rest[start:]...)
}
