package providers

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string
	FinishReason string
	Usage        *UsageInfo
}

// ChatOptions are the sampling knobs the summarizer sets. Zero MaxTokens
// and nil Temperature leave the provider default in place.
type ChatOptions struct {
	MaxTokens   int
	Temperature *float64
}

// WithTemperature returns a copy of o with Temperature set to t.
func (o ChatOptions) WithTemperature(t float64) ChatOptions {
	o.Temperature = &t
	return o
}

// LLMProvider is a chat model endpoint. An empty model selects
// GetDefaultModel.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, model string, opts ChatOptions) (*LLMResponse, error)
	GetDefaultModel() string
}
