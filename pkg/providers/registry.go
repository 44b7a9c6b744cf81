package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/engram/pkg/config"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)

// Backend is one provider kind selectable through summarizer.provider.
// Validate and AuthMode may be nil for backends without credentials.
type Backend struct {
	Name     string
	Build    func(sc config.SummarizerConfig) (LLMProvider, error)
	Validate func(sc config.SummarizerConfig) error
	AuthMode func(sc config.SummarizerConfig) string
}

type backendRegistry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	err      error
}

var registry = &backendRegistry{backends: map[string]Backend{}}

// Register adds b to the registry. Invalid registrations are recorded and
// surface from CreateProvider rather than panicking during init.
func Register(b Backend) {
	registry.add(b)
}

func (r *backendRegistry) add(b Backend) {
	b.Name = strings.ToLower(strings.TrimSpace(b.Name))
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case b.Name == "":
		r.err = errors.Join(r.err, errors.New("providers: backend name is required"))
	case b.Build == nil:
		r.err = errors.Join(r.err, fmt.Errorf("providers: backend %s has no build func", b.Name))
	default:
		r.backends[b.Name] = b
	}
}

func (r *backendRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *backendRegistry) get(name string) (Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[name]
	regErr := r.err
	r.mu.RUnlock()
	if regErr != nil {
		return Backend{}, fmt.Errorf("provider registration failed: %w", regErr)
	}
	if !ok {
		return Backend{}, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(r.names(), ", "))
	}
	return b, nil
}

func SupportedProviders() []string {
	return registry.names()
}

// ActiveProviderName is the configured summarizer provider, defaulting to
// OpenRouter.
func ActiveProviderName(cfg *config.Config) string {
	if cfg != nil {
		if name := strings.ToLower(strings.TrimSpace(cfg.Summarizer.Provider)); name != "" {
			return name
		}
	}
	return ProviderOpenRouter
}

func activeBackend(cfg *config.Config) (Backend, string, error) {
	if cfg == nil {
		return Backend{}, "", errors.New("config is required")
	}
	name := ActiveProviderName(cfg)
	b, err := registry.get(name)
	return b, name, err
}

func ValidateProviderConfig(cfg *config.Config) error {
	b, _, err := activeBackend(cfg)
	if err != nil || b.Validate == nil {
		return err
	}
	return b.Validate(cfg.Summarizer)
}

// CredentialStatus describes the active provider for `engram status`
// without making a request.
type CredentialStatus struct {
	Provider   string
	Configured bool
	Mode       string
}

func ProviderCredentialStatus(cfg *config.Config) (CredentialStatus, error) {
	b, name, err := activeBackend(cfg)
	st := CredentialStatus{Provider: name}
	if err != nil {
		return st, err
	}
	st.Configured = b.Validate == nil || b.Validate(cfg.Summarizer) == nil
	if st.Configured && b.AuthMode != nil {
		st.Mode = b.AuthMode(cfg.Summarizer)
	}
	return st, nil
}

func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	if err := ValidateProviderConfig(cfg); err != nil {
		return nil, err
	}
	b, _, err := activeBackend(cfg)
	if err != nil {
		return nil, err
	}
	return b.Build(cfg.Summarizer)
}
