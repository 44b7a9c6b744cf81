package providers

import (
	"net/http"
	"strings"
	"testing"
)

func TestAugmentProviderError_UnauthorizedHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenRouter, http.StatusUnauthorized, "No auth credentials found")
	if !strings.Contains(msg, "ENGRAM_SUMMARIZER_API_KEY") {
		t.Fatalf("expected api key guidance in hint, got %q", msg)
	}
}

func TestAugmentProviderError_OpenAIScopeHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenAI, http.StatusForbidden, "You have insufficient permissions for this operation. Missing scopes: model.request.")
	if !strings.Contains(msg, "model.request access") {
		t.Fatalf("expected scope hint, got %q", msg)
	}
}

func TestAugmentProviderError_OpenRouterModelHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenRouter, http.StatusNotFound, "No endpoints found for foo/bar.")
	if !strings.Contains(msg, "summarizer.model") {
		t.Fatalf("expected model hint, got %q", msg)
	}
}

func TestAugmentProviderError_PassThrough(t *testing.T) {
	if got := augmentProviderError(ProviderOpenAI, http.StatusBadRequest, " bad input "); got != "bad input" {
		t.Fatalf("expected trimmed message, got %q", got)
	}
}
