package providers

import (
	"net/http"
	"strings"

	"github.com/dotsetgreg/engram/pkg/config"
)

const (
	defaultOpenAIAPIBase     = "https://api.openai.com/v1"
	defaultOpenAIModel       = "gpt-4o-mini"
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "openai/gpt-4o-mini"
)

// compatBackend is a chat completions service reachable with a bearer key.
type compatBackend struct {
	name    string
	label   string
	apiBase string
	model   string
	headers func(sc config.SummarizerConfig) http.Header
}

var compatBackends = []compatBackend{
	{
		name:    ProviderOpenRouter,
		label:   "OpenRouter",
		apiBase: defaultOpenRouterAPIBase,
		model:   defaultOpenRouterModel,
		headers: func(config.SummarizerConfig) http.Header {
			return http.Header{"X-Title": {"engram"}}
		},
	},
	{
		name:    ProviderOpenAI,
		label:   "OpenAI",
		apiBase: defaultOpenAIAPIBase,
		model:   defaultOpenAIModel,
		headers: func(sc config.SummarizerConfig) http.Header {
			h := http.Header{}
			if org := strings.TrimSpace(sc.Organization); org != "" {
				h.Set("OpenAI-Organization", org)
			}
			if project := strings.TrimSpace(sc.Project); project != "" {
				h.Set("OpenAI-Project", project)
			}
			return h
		},
	},
}

func init() {
	for _, cb := range compatBackends {
		Register(cb.backend())
	}
}

func (cb compatBackend) backend() Backend {
	return Backend{
		Name:  cb.name,
		Build: cb.build,
		Validate: func(sc config.SummarizerConfig) error {
			_, err := resolveCredential(sc, cb.label)
			return err
		},
		AuthMode: func(sc config.SummarizerConfig) string {
			cred, _ := resolveCredential(sc, cb.label)
			return cred.mode
		},
	}
}

func (cb compatBackend) build(sc config.SummarizerConfig) (LLMProvider, error) {
	cred, err := resolveCredential(sc, cb.label)
	if err != nil {
		return nil, err
	}
	opts := endpointOptions{
		Name:    cb.name,
		APIBase: valueOr(sc.APIBase, cb.apiBase),
		Model:   valueOr(sc.Model, cb.model),
		Proxy:   sc.Proxy,
		Auth:    cred.auth(),
	}
	if cb.headers != nil {
		opts.Header = cb.headers(sc)
	}
	return newCompatEndpoint(opts)
}

func valueOr(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
