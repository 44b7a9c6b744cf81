package memory

import "unicode/utf8"

// TokenCounter counts tokens for a piece of text. Implementations must be
// deterministic and cheap enough to run on every turn.
type TokenCounter interface {
	Count(text string) int
}

// TokenCounterFunc adapts a plain function to TokenCounter.
type TokenCounterFunc func(string) int

func (f TokenCounterFunc) Count(text string) int { return f(text) }

// EstimateTokens approximates model tokens from rune length. Empty or
// malformed UTF-8 input counts as zero; any other text costs at least 8.
func EstimateTokens(text string) int {
	if text == "" || !utf8.ValidString(text) {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	tokens := runes * 2 / 5
	if tokens < 8 {
		return 8
	}
	return tokens
}

// DefaultTokenCounter is the rune based estimator.
var DefaultTokenCounter TokenCounter = TokenCounterFunc(EstimateTokens)

func countTurn(tc TokenCounter, t Turn) int {
	if t.Tokens > 0 {
		return t.Tokens
	}
	return tc.Count(t.Content)
}
