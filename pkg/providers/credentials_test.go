package providers

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetgreg/engram/pkg/config"
)

func TestStaticTokenSource_RejectsPlaceholderToken(t *testing.T) {
	src := NewStaticTokenSource("<OPENROUTER_API_KEY>", "summarizer.api_key")
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatalf("expected placeholder token to be rejected")
	}
}

func TestStaticTokenSource_RejectsEnvReferenceToken(t *testing.T) {
	src := NewStaticTokenSource("${OPENROUTER_API_KEY}", "summarizer.api_key")
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatalf("expected env reference token to be rejected")
	}
}

func TestFileTokenSource_PlainTokenFile(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.txt")
	if err := os.WriteFile(tokenFile, []byte("  sk-123\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	src := NewFileTokenSource(tokenFile)
	got, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got != "sk-123" {
		t.Fatalf("expected trimmed token, got %q", got)
	}
	if src.Source() != tokenFile {
		t.Fatalf("expected source %q, got %q", tokenFile, src.Source())
	}
}

func TestFileTokenSource_EmptyFile(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.txt")
	if err := os.WriteFile(tokenFile, []byte("\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	if _, err := NewFileTokenSource(tokenFile).Token(context.Background()); err == nil {
		t.Fatalf("expected empty token file to be rejected")
	}
}

func TestAPIKeyAuth_SetsBearerHeader(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://example.invalid", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := NewAPIKeyAuth(NewStaticTokenSource("abc", "")).Apply(context.Background(), req); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer abc" {
		t.Fatalf("expected bearer header, got %q", got)
	}
}

func TestResolveCredential_RejectsMultipleSources(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(keyFile, []byte("from-file"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	sc := config.DefaultConfig().Summarizer
	sc.APIKey = "inline"
	sc.APIKeyFile = keyFile

	cred, err := resolveCredential(sc, "OpenAI")
	if err == nil {
		t.Fatalf("expected multi-credential configuration error")
	}
	if cred != (credential{}) {
		t.Fatalf("expected zero credential on error, got %+v", cred)
	}
	if want := "multiple OpenAI credential sources configured"; !strings.Contains(err.Error(), want) {
		t.Fatalf("expected error containing %q, got %v", want, err)
	}
}

func TestResolveCredential_MissingKeyFile(t *testing.T) {
	sc := config.DefaultConfig().Summarizer
	sc.APIKeyFile = filepath.Join(t.TempDir(), "missing.txt")
	if _, err := resolveCredential(sc, "OpenRouter"); err == nil {
		t.Fatalf("expected missing key file error")
	}
}

func TestFileTokenSource_PicksUpRotatedKey(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key.txt")
	src := NewFileTokenSource(keyFile)
	for _, want := range []string{"first", "second"} {
		if err := os.WriteFile(keyFile, []byte(want), 0o600); err != nil {
			t.Fatalf("write key file: %v", err)
		}
		got, err := src.Token(context.Background())
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}
