package providers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/dotsetgreg/engram/pkg/config"
)

const (
	credentialAPIKey     = "api_key"
	credentialAPIKeyFile = "api_key_file"
)

// TokenSource returns bearer material for request auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Source() string
}

// keySource is either an inline key or a key file. Files are re-read on
// every call so a rotated key takes effect without a restart.
type keySource struct {
	inline string
	path   string
	label  string
}

func NewStaticTokenSource(token, label string) TokenSource {
	return keySource{inline: strings.TrimSpace(token), label: strings.TrimSpace(label)}
}

func NewFileTokenSource(path string) TokenSource {
	return keySource{path: strings.TrimSpace(path)}
}

func (k keySource) Token(context.Context) (string, error) {
	tok := k.inline
	if k.path != "" {
		data, err := os.ReadFile(config.ExpandHome(k.path))
		if err != nil {
			return "", fmt.Errorf("read key file: %w", err)
		}
		tok = strings.TrimSpace(string(data))
	}
	if err := checkToken(tok, k.Source()); err != nil {
		return "", err
	}
	return tok, nil
}

func (k keySource) Source() string {
	switch {
	case k.path != "":
		return config.ExpandHome(k.path)
	case k.label != "":
		return k.label
	}
	return "static"
}

// checkToken rejects empty keys and unrendered template placeholders
// like "<API_KEY>" or "${API_KEY}".
func checkToken(tok, source string) error {
	if tok == "" {
		return fmt.Errorf("empty API key from %s", source)
	}
	if (strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">")) ||
		(strings.HasPrefix(tok, "${") && strings.HasSuffix(tok, "}")) {
		return fmt.Errorf("API key from %s is a template placeholder", source)
	}
	return nil
}

// AuthStrategy decorates an outgoing provider request with credentials.
type AuthStrategy interface {
	Apply(ctx context.Context, req *http.Request) error
}

// AuthFunc adapts a plain function to AuthStrategy.
type AuthFunc func(ctx context.Context, req *http.Request) error

func (f AuthFunc) Apply(ctx context.Context, req *http.Request) error { return f(ctx, req) }

// NewAPIKeyAuth sends the source's key as a bearer token.
func NewAPIKeyAuth(src TokenSource) AuthStrategy {
	return AuthFunc(func(ctx context.Context, req *http.Request) error {
		if src == nil {
			return fmt.Errorf("no API key source")
		}
		tok, err := src.Token(ctx)
		if err != nil {
			return fmt.Errorf("resolve API key: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		return nil
	})
}

// credential is the single key source a summarizer section names.
type credential struct {
	mode   string
	source string
}

func (c credential) auth() AuthStrategy {
	if c.mode == credentialAPIKeyFile {
		return NewAPIKeyAuth(NewFileTokenSource(c.source))
	}
	return NewAPIKeyAuth(NewStaticTokenSource(c.source, "summarizer.api_key"))
}

// resolveCredential requires exactly one of api_key and api_key_file. A
// key file must exist at resolve time.
func resolveCredential(sc config.SummarizerConfig, label string) (credential, error) {
	key := strings.TrimSpace(sc.APIKey)
	file := strings.TrimSpace(sc.APIKeyFile)
	switch {
	case key != "" && file != "":
		return credential{}, fmt.Errorf("multiple %s credential sources configured (summarizer.api_key, summarizer.api_key_file); set exactly one", label)
	case key != "":
		return credential{mode: credentialAPIKey, source: key}, nil
	case file != "":
		resolved := config.ExpandHome(file)
		if _, err := os.Stat(resolved); err != nil {
			return credential{}, fmt.Errorf("%s API key file not accessible at %s: %w", label, resolved, err)
		}
		return credential{mode: credentialAPIKeyFile, source: file}, nil
	}
	return credential{}, fmt.Errorf("%s API key is required (set summarizer.api_key, summarizer.api_key_file or ENGRAM_SUMMARIZER_API_KEY)", label)
}
