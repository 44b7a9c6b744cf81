package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetgreg/engram/pkg/config"
	"github.com/dotsetgreg/engram/pkg/memory"
)

func TestCreateProvider_OpenRouter_DefaultSelection(t *testing.T) {
	var seenAuth string
	var seenPath string
	var seenTitle string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		seenTitle = r.Header.Get("X-Title")
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := req["model"]; got != defaultOpenRouterModel {
			t.Errorf("expected default model %q, got %v", defaultOpenRouterModel, got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Summarizer.APIKey = "or-key"
	cfg.Summarizer.APIBase = server.URL
	cfg.Summarizer.Provider = ""

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, "", ChatOptions{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected response content ok, got %q", resp.Content)
	}
	if seenAuth != "Bearer or-key" {
		t.Fatalf("expected openrouter auth bearer, got %q", seenAuth)
	}
	if seenPath != "/chat/completions" {
		t.Fatalf("expected /chat/completions path, got %q", seenPath)
	}
	if seenTitle != "engram" {
		t.Fatalf("expected X-Title header, got %q", seenTitle)
	}
}

func TestCreateProvider_OpenAI_HeadersAndOptions(t *testing.T) {
	var seenOrg, seenProject string
	var req map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenOrg = r.Header.Get("OpenAI-Organization")
		seenProject = r.Header.Get("OpenAI-Project")
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": [{"type":"text","text":"part one, "},{"type":"text","text":"part two"}]}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Summarizer.Provider = ProviderOpenAI
	cfg.Summarizer.APIKey = "sk-openai"
	cfg.Summarizer.APIBase = server.URL
	cfg.Summarizer.Organization = "org_123"
	cfg.Summarizer.Project = "proj_456"

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	resp, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "summarize"}}, "gpt-5", ChatOptions{MaxTokens: 128}.WithTemperature(0.3))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "part one, part two" {
		t.Fatalf("expected flattened content, got %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("expected usage total 15, got %+v", resp.Usage)
	}
	if req["model"] != "gpt-5" {
		t.Fatalf("expected model override gpt-5, got %v", req["model"])
	}
	if req["max_tokens"] != float64(128) || req["temperature"] != 0.3 {
		t.Fatalf("expected max_tokens and temperature in request, got %v", req)
	}
	if seenOrg != "org_123" || seenProject != "proj_456" {
		t.Fatalf("expected org/project headers, got %q %q", seenOrg, seenProject)
	}
}

func TestCreateProvider_APIKeyFile(t *testing.T) {
	var seenAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	keyFile := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(keyFile, []byte("key-from-file\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Summarizer.Provider = ProviderOpenAI
	cfg.Summarizer.APIBase = server.URL
	cfg.Summarizer.APIKeyFile = keyFile

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if _, err := provider.Chat(context.Background(), []Message{{Role: "user", Content: "hello"}}, "", ChatOptions{}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if seenAuth != "Bearer key-from-file" {
		t.Fatalf("expected bearer from key file, got %q", seenAuth)
	}

	st, err := ProviderCredentialStatus(cfg)
	if err != nil {
		t.Fatalf("credential status: %v", err)
	}
	if !st.Configured || st.Mode != credentialAPIKeyFile {
		t.Fatalf("expected configured api_key_file status, got %+v", st)
	}
}

func TestChat_APIErrorCarriesStatusAndHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Summarizer.APIKey = "k"
	cfg.Summarizer.APIBase = server.URL

	provider, err := CreateProvider(cfg)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	_, err = provider.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, "", ChatOptions{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || !apiErr.Temporary() {
		t.Fatalf("expected temporary 429, got %+v", apiErr)
	}
	if !strings.Contains(apiErr.Message, "slow down") || !strings.Contains(apiErr.Message, "rate limited") {
		t.Fatalf("expected message with hint, got %q", apiErr.Message)
	}
}

func TestNewSummarizer_LLMModeEndToEnd(t *testing.T) {
	var messages []Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		messages = req.Messages
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"User set up the billing schema."},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Summarizer.Mode = config.SummarizerLLM
	cfg.Summarizer.APIKey = "k"
	cfg.Summarizer.APIBase = server.URL

	sum, err := NewSummarizer(cfg)
	if err != nil {
		t.Fatalf("new summarizer: %v", err)
	}
	out, err := sum.Summarize(context.Background(), []memory.Turn{{Ordinal: 1, Role: "user", Content: "create the billing schema"}})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if out.Content != "User set up the billing schema." {
		t.Fatalf("unexpected summary %q", out.Content)
	}
	if len(messages) != 2 || messages[0].Role != "system" || !strings.Contains(messages[1].Content, "USER: create the billing schema") {
		t.Fatalf("unexpected request messages %+v", messages)
	}
}

func TestNewSummarizer_LLMFailureIsSummarizerUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Summarizer.Mode = config.SummarizerLLM
	cfg.Summarizer.APIKey = "k"
	cfg.Summarizer.APIBase = server.URL

	sum, err := NewSummarizer(cfg)
	if err != nil {
		t.Fatalf("new summarizer: %v", err)
	}
	_, err = sum.Summarize(context.Background(), []memory.Turn{{Ordinal: 1, Role: "user", Content: "hi"}})
	if !errors.Is(err, memory.ErrSummarizerUnavailable) {
		t.Fatalf("expected ErrSummarizerUnavailable, got %v", err)
	}
}

func TestNewSummarizer_DefaultIsExtractive(t *testing.T) {
	sum, err := NewSummarizer(config.DefaultConfig())
	if err != nil {
		t.Fatalf("new summarizer: %v", err)
	}
	if _, ok := sum.(*memory.ExtractiveSummarizer); !ok {
		t.Fatalf("expected extractive summarizer, got %T", sum)
	}
}

func TestCreateProvider_UnsupportedProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Summarizer.Provider = "does-not-exist"

	if _, err := CreateProvider(cfg); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestValidateProviderConfig_MissingCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Summarizer.Provider = ProviderOpenAI

	if err := ValidateProviderConfig(cfg); err == nil {
		t.Fatalf("expected missing credentials error for openai")
	}
	st, err := ProviderCredentialStatus(cfg)
	if err != nil {
		t.Fatalf("credential status: %v", err)
	}
	if st.Configured {
		t.Fatalf("expected unconfigured status, got %+v", st)
	}
}

func TestRegister_InvalidBackendDoesNotPanic(t *testing.T) {
	saved := registry
	registry = &backendRegistry{backends: map[string]Backend{}}
	for name, b := range saved.backends {
		registry.backends[name] = b
	}
	defer func() { registry = saved }()

	didPanic := false
	func() {
		defer func() {
			if recover() != nil {
				didPanic = true
			}
		}()
		Register(Backend{})
	}()
	if didPanic {
		t.Fatalf("Register should not panic on invalid registration")
	}

	cfg := config.DefaultConfig()
	cfg.Summarizer.APIKey = "k"
	if _, err := CreateProvider(cfg); err == nil {
		t.Fatalf("expected provider creation to fail after invalid registration")
	}
}

func TestChat_EmptyChoicesAndNullContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":null},"finish_reason":"length"}]}`))
	}))
	defer server.Close()

	endpoint, err := newCompatEndpoint(endpointOptions{
		Name:    "Test",
		APIBase: server.URL + "/",
		Model:   "m",
		Auth:    NewAPIKeyAuth(NewStaticTokenSource("k", "")),
	})
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	if endpoint.name != "test" || endpoint.url != server.URL+"/chat/completions" {
		t.Fatalf("unexpected endpoint %q %q", endpoint.name, endpoint.url)
	}
	resp, err := endpoint.Chat(context.Background(), []Message{{Role: "user", Content: "x"}}, "", ChatOptions{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "" || resp.FinishReason != "length" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestErrorText(t *testing.T) {
	cases := map[string]string{
		``:                               "empty response body",
		`{"error":{"message":" nope "}}`: "nope",
		`{"message":"top level"}`:        "top level",
		`{"error":"plain string"}`:       `{"error":"plain string"}`,
		`<html>bad gateway</html>`:       "<html>bad gateway</html>",
	}
	for body, want := range cases {
		if got := errorText([]byte(body)); got != want {
			t.Fatalf("errorText(%q) = %q, want %q", body, got, want)
		}
	}
	long := strings.Repeat("x", maxErrorText+10)
	if got := errorText([]byte(long)); len(got) != maxErrorText+3 {
		t.Fatalf("expected truncated text, got %d bytes", len(got))
	}
}
