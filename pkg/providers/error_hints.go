package providers

import (
	"net/http"
	"strings"
)

func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusUnauthorized || strings.Contains(lower, "incorrect api key provided"):
		return msg + " Hint: check summarizer.api_key (or ENGRAM_SUMMARIZER_API_KEY) for provider " + providerName + "."
	case status == http.StatusTooManyRequests:
		return msg + " Hint: rate limited; consolidation is deferred and retried on the next turn."
	case providerName == ProviderOpenAI && strings.Contains(lower, "missing scopes: model.request"):
		return msg + " Hint: OpenAI API calls require model.request access for this project."
	case providerName == ProviderOpenRouter && strings.Contains(lower, "no endpoints found"):
		return msg + " Hint: the configured summarizer.model is not served by OpenRouter."
	}
	return msg
}
