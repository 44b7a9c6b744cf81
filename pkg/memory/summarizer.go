package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Summary is what a Summarizer returns for a run of turns.
type Summary struct {
	Content string
	Tokens  int
}

// Summarizer compresses buffered turns into engram content.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (Summary, error)
}

// ExtractiveSummarizer builds a recap from the leading sentence of each turn
// without calling out to a model. It is deterministic.
type ExtractiveSummarizer struct {
	MaxTokens int
	Counter   TokenCounter
}

func NewExtractiveSummarizer(maxTokens int) *ExtractiveSummarizer {
	return &ExtractiveSummarizer{MaxTokens: maxTokens, Counter: DefaultTokenCounter}
}

const snippetRunes = 220

func (s *ExtractiveSummarizer) Summarize(ctx context.Context, turns []Turn) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	counter := s.Counter
	if counter == nil {
		counter = DefaultTokenCounter
	}

	lines := make([]string, 0, len(turns)+1)
	if topics := extractTopics(turns, 5); len(topics) > 0 {
		lines = append(lines, "Topics: "+strings.Join(topics, ", "))
	}
	for _, t := range turns {
		snippet := leadSentence(t.Content)
		if snippet == "" {
			continue
		}
		role := strings.TrimSpace(t.Role)
		if role == "" {
			role = "unknown"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(role), snippet))
	}
	if len(lines) == 0 {
		return Summary{}, ErrEmptySummary
	}

	// Drop trailing lines until the recap fits; always keep the first one.
	content := strings.Join(lines, "\n")
	for s.MaxTokens > 0 && len(lines) > 1 && counter.Count(content) > s.MaxTokens {
		lines = lines[:len(lines)-1]
		content = strings.Join(lines, "\n")
	}
	if s.MaxTokens > 0 && counter.Count(content) > s.MaxTokens {
		content = truncateRunes(content, s.MaxTokens*5/2)
	}
	return Summary{Content: content, Tokens: counter.Count(content)}, nil
}

func leadSentence(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	if i := strings.IndexAny(text, ".?!\n"); i > 0 && i < len(text)-1 {
		text = text[:i+1]
	}
	return truncateRunes(text, snippetRunes)
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// ChatCompleter is the single model call the LLM summarizer needs.
type ChatCompleter interface {
	Complete(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error)
}

const consolidationSystemPrompt = `You are a memory consolidation system. Create a concise summary that captures:
1. The main topic(s) discussed
2. Key decisions made or conclusions reached
3. Important technical details (errors, solutions, code snippets)
4. Emotional tone or user preferences expressed
5. Any unresolved questions or next steps

Be specific and factual. This summary will be used to maintain context in future conversations.`

// LLMSummarizer asks a chat model for the recap. Only the last ten turns are
// sent, each cut to 500 characters.
type LLMSummarizer struct {
	client      ChatCompleter
	maxTokens   int
	temperature float64
	counter     TokenCounter
}

func NewLLMSummarizer(client ChatCompleter, maxTokens int) *LLMSummarizer {
	return &LLMSummarizer{client: client, maxTokens: maxTokens, temperature: 0.3, counter: DefaultTokenCounter}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, turns []Turn) (Summary, error) {
	if s.client == nil {
		return Summary{}, ErrSummarizerUnavailable
	}
	if len(turns) > 10 {
		turns = turns[len(turns)-10:]
	}
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		text := strings.TrimSpace(t.Content)
		if text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ToUpper(t.Role), truncateRunes(text, 500)))
	}
	if len(parts) == 0 {
		return Summary{}, ErrEmptySummary
	}
	user := fmt.Sprintf("Summarize this conversation segment into a memory engram (max 200 words):\n\n%s\n\nSUMMARY:", strings.Join(parts, "\n\n"))

	out, err := s.client.Complete(ctx, consolidationSystemPrompt, user, s.maxTokens, s.temperature)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrSummarizerUnavailable, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return Summary{}, ErrEmptySummary
	}
	return Summary{Content: out, Tokens: s.counter.Count(out)}, nil
}
