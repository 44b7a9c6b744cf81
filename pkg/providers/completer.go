package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/engram/pkg/config"
	"github.com/dotsetgreg/engram/pkg/memory"
)

// Completer adapts an LLMProvider to the single system+user call the
// memory summarizer makes.
type Completer struct {
	provider LLMProvider
	model    string
}

var _ memory.ChatCompleter = (*Completer)(nil)

func NewCompleter(provider LLMProvider, model string) *Completer {
	return &Completer{provider: provider, model: strings.TrimSpace(model)}
}

func (c *Completer) Complete(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error) {
	messages := make([]Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: user})

	opts := ChatOptions{MaxTokens: maxTokens}.WithTemperature(temperature)
	resp, err := c.provider.Chat(ctx, messages, c.model, opts)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// NewSummarizer builds the summarizer selected by cfg.Summarizer.Mode.
func NewSummarizer(cfg *config.Config) (memory.Summarizer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch cfg.Summarizer.Mode {
	case config.SummarizerLLM:
		provider, err := CreateProvider(cfg)
		if err != nil {
			return nil, err
		}
		return memory.NewLLMSummarizer(NewCompleter(provider, cfg.Summarizer.Model), cfg.Summarizer.MaxTokens), nil
	case config.SummarizerExtractive, "":
		return memory.NewExtractiveSummarizer(cfg.Summarizer.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unsupported summarizer mode %q", cfg.Summarizer.Mode)
	}
}
