// DotAgent - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	requestTimeout   = 120 * time.Second
	maxResponseBytes = 8 << 20
	maxErrorText     = 2000
)

// endpointOptions describes one OpenAI-compatible /chat/completions backend.
type endpointOptions struct {
	Name    string
	APIBase string
	Model   string
	Proxy   string
	Auth    AuthStrategy
	Header  http.Header
}

// compatEndpoint speaks the chat completions wire format shared by
// OpenAI and OpenRouter.
type compatEndpoint struct {
	name   string
	url    string
	model  string
	auth   AuthStrategy
	header http.Header
	client *http.Client
}

var _ LLMProvider = (*compatEndpoint)(nil)

func newCompatEndpoint(opts endpointOptions) (*compatEndpoint, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Name))
	if name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.APIBase), "/")
	if base == "" {
		return nil, fmt.Errorf("%s: api base is empty", name)
	}
	if opts.Auth == nil {
		return nil, fmt.Errorf("%s: no credentials", name)
	}

	transport := http.DefaultTransport
	if raw := strings.TrimSpace(opts.Proxy); raw != "" {
		proxyURL, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: bad proxy %q: %w", name, raw, err)
		}
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	header := http.Header{}
	for key, values := range opts.Header {
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				header.Add(key, v)
			}
		}
	}

	return &compatEndpoint{
		name:   name,
		url:    base + "/chat/completions",
		model:  strings.TrimSpace(opts.Model),
		auth:   opts.Auth,
		header: header,
		client: &http.Client{Timeout: requestTimeout, Transport: transport},
	}, nil
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content messageContent `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *UsageInfo `json:"usage"`
}

// messageContent accepts either a plain string or an array of typed
// parts, keeping only the text.
type messageContent string

func (c *messageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = messageContent(s)
		return nil
	}
	var parts []struct {
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("message content: %w", err)
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Text != "" {
			sb.WriteString(p.Text)
		} else {
			sb.WriteString(p.Content)
		}
	}
	*c = messageContent(sb.String())
	return nil
}

func (e *compatEndpoint) Chat(ctx context.Context, messages []Message, model string, opts ChatOptions) (*LLMResponse, error) {
	if e == nil {
		return nil, fmt.Errorf("provider not initialized")
	}
	if model = strings.TrimSpace(model); model == "" {
		model = e.model
	}

	payload := completionRequest{Model: model, Messages: messages, Temperature: opts.Temperature}
	if opts.MaxTokens > 0 {
		payload.MaxTokens = opts.MaxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", e.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", e.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range e.header {
		req.Header[key] = values
	}
	if err := e.auth.Apply(ctx, req); err != nil {
		return nil, fmt.Errorf("%s: %w", e.name, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", e.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", e.name, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &APIError{
			Provider:   e.name,
			StatusCode: resp.StatusCode,
			Message:    augmentProviderError(e.name, resp.StatusCode, errorText(raw)),
		}
	}

	var decoded completionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", e.name, err)
	}
	out := &LLMResponse{FinishReason: "stop", Usage: decoded.Usage}
	if len(decoded.Choices) > 0 {
		first := decoded.Choices[0]
		out.Content = string(first.Message.Content)
		out.FinishReason = first.FinishReason
	}
	return out, nil
}

func (e *compatEndpoint) GetDefaultModel() string {
	if e == nil {
		return ""
	}
	return e.model
}

// APIError is a non-2xx reply from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Temporary reports whether retrying later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// errorText pulls the human-readable message out of an error body,
// falling back to the raw (truncated) text.
func errorText(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "empty response body"
	}
	var envelope struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		if envelope.Error != nil && strings.TrimSpace(envelope.Error.Message) != "" {
			return strings.TrimSpace(envelope.Error.Message)
		}
		if m := strings.TrimSpace(envelope.Message); m != "" {
			return m
		}
	}
	if len(text) > maxErrorText {
		text = text[:maxErrorText] + "..."
	}
	return text
}
