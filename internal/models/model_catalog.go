package models

import "github.com/shopspring/decimal"

// ModelInfo is an upstream model descriptor normalized by an adapter. Prices are per 1,000 tokens and are nil
// when the upstream does not publish them.
type ModelInfo struct {
	ModelName       string           `json:"model_name"`
	DisplayName     string           `json:"display_name"`
	Category        string           `json:"category"`
	BillingType     string           `json:"billing_type"`
	MaxTokens       int              `json:"max_tokens"`
	ContextWindow   int              `json:"context_window"`
	InputPrice      *decimal.Decimal `json:"input_price,omitempty"`
	OutputPrice     *decimal.Decimal `json:"output_price,omitempty"`
	PerCallPrice    *decimal.Decimal `json:"per_call_price,omitempty"`
	SupportStream   bool             `json:"support_stream"`
	SupportVision   bool             `json:"support_vision"`
	SupportFunction bool             `json:"support_function"`
}
