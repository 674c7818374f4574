package openaicompat

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/zhijun2003/QingyunAI/internal/models"
	"github.com/zhijun2003/QingyunAI/internal/store"
)

var (
	vendorPrefix = regexp.MustCompile(`^(openai/|anthropic/|google/)`)
	dateSuffix   = regexp.MustCompile(`-\d{8}$`)
)

type limitRule struct {
	match string
	value int
}

// First match wins, so more specific names come first.
var (
	defaultMaxTokens = []limitRule{
		{"gpt-4o", 4096},
		{"gpt-4", 8192},
		{"gpt-3.5", 4096},
		{"claude-3", 4096},
	}
	defaultContextWindows = []limitRule{
		{"gpt-4o", 128000},
		{"gpt-4-turbo", 128000},
		{"gpt-4", 8192},
		{"gpt-3.5-turbo-16k", 16384},
		{"gpt-3.5", 4096},
		{"claude-3", 200000},
	}
)

const (
	fallbackMaxTokens     = 2048
	fallbackContextWindow = 4096
)

// ParseModel normalizes one upstream model descriptor. raw may be nil; missing metadata falls back to name
// heuristics.
func ParseModel(id string, raw []byte) models.ModelInfo {
	name := strings.ToLower(id)
	info := models.ModelInfo{
		ModelName:       id,
		DisplayName:     DisplayName(id),
		Category:        string(InferCategory(id)),
		BillingType:     string(InferBillingType(id)),
		MaxTokens:       lookupLimit(defaultMaxTokens, name, fallbackMaxTokens),
		ContextWindow:   lookupLimit(defaultContextWindows, name, fallbackContextWindow),
		SupportStream:   true,
		SupportVision:   containsAny(name, "vision", "gpt-4o", "claude-3"),
		SupportFunction: containsAny(name, "gpt-4", "gpt-3.5"),
	}
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return info
	}
	doc := gjson.ParseBytes(raw)
	if v := doc.Get("max_tokens").Int(); v > 0 {
		info.MaxTokens = int(v)
	}
	if v := doc.Get("context_length").Int(); v > 0 {
		info.ContextWindow = int(v)
	}
	info.InputPrice = firstPrice(doc, "pricing.prompt", "pricing.input")
	info.OutputPrice = firstPrice(doc, "pricing.completion", "pricing.output")
	info.PerCallPrice = firstPrice(doc, "pricing.image")
	return info
}

// DisplayName strips vendor prefixes and date suffixes.
func DisplayName(id string) string {
	return dateSuffix.ReplaceAllString(vendorPrefix.ReplaceAllString(id, ""), "")
}

func InferCategory(id string) store.ModelCategory {
	name := strings.ToLower(id)
	switch {
	case containsAny(name, "dall-e", "sd", "stable-diffusion"):
		return store.CategoryImage
	case containsAny(name, "whisper", "tts"):
		return store.CategoryAudio
	case strings.Contains(name, "embedding"):
		return store.CategoryEmbedding
	default:
		return store.CategoryChat
	}
}

func InferBillingType(id string) store.BillingType {
	if containsAny(strings.ToLower(id), "dall-e", "image") {
		return store.BillingCall
	}
	return store.BillingToken
}

func lookupLimit(rules []limitRule, name string, fallback int) int {
	for _, rule := range rules {
		if strings.Contains(name, rule.match) {
			return rule.value
		}
	}
	return fallback
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// firstPrice returns the first positive price among paths. Upstreams publish prices as numbers or strings.
func firstPrice(doc gjson.Result, paths ...string) *decimal.Decimal {
	for _, path := range paths {
		v := doc.Get(path)
		if !v.Exists() {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v.String()))
		if err != nil || !d.IsPositive() {
			continue
		}
		return &d
	}
	return nil
}
