package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetgreg/engram/pkg/config"
	"github.com/spf13/cobra"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// writeTestConfig writes a YAML config whose store lives in a temp dir.
// The fallback threshold of 1.0 keeps short scripted conversations from
// consolidating on surprise.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "engrams.db")
	cfg.Saliency.FallbackThreshold = 1.0
	cfg.Maintenance.Schedule = ""
	cfg.Logging.Level = "error"
	path := filepath.Join(dir, "config.yaml")
	if err := config.SaveConfig(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path
}

func TestCLIHelp(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "root_help",
			args: []string{"--help"},
			want: []string{"serve", "chat", "ingest", "recall", "prune", "stats", "status", "--config"},
		},
		{
			name: "serve_help",
			args: []string{"serve", "--help"},
			want: []string{"turn, retrieve, flush, stats, delete, prune", "--events"},
		},
		{
			name: "chat_help",
			args: []string{"chat", "--help"},
			want: []string{"/recall <query>", "/flush", "--conversation"},
		},
		{
			name: "recall_help",
			args: []string{"recall", "--help"},
			want: []string{"--budget", "--max-units", "--json"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			output, err := runRootCommandForTest(tc.args...)
			if err != nil {
				t.Fatalf("execute command %v: %v\nOutput:\n%s", tc.args, err, output)
			}
			for _, want := range tc.want {
				if !strings.Contains(output, want) {
					t.Fatalf("%s: expected %q in output:\n%s", tc.name, want, output)
				}
			}
		})
	}
}

func TestCLIRootRequiresSubcommand(t *testing.T) {
	if _, err := runRootCommandForTest(); err == nil {
		t.Fatalf("expected error without a subcommand")
	}
}

func TestCLIVersion(t *testing.T) {
	output, err := runRootCommandForTest("version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(output, "engram dev") {
		t.Fatalf("unexpected version output %q", output)
	}

	flagOutput, err := runRootCommandForTest("-v")
	if err != nil {
		t.Fatalf("-v: %v", err)
	}
	if flagOutput != output {
		t.Fatalf("-v and version differ:\n%s\n%s", flagOutput, output)
	}
}

func TestDocsGenerateAndCheck(t *testing.T) {
	out := t.TempDir()
	rootFactory := func() *cobra.Command { return buildRootCommand(false) }

	if err := generateDocumentation(rootFactory, out, true); err == nil {
		t.Fatalf("expected check to fail before generation")
	}
	if err := generateDocumentation(rootFactory, out, false); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := generateDocumentation(rootFactory, out, true); err != nil {
		t.Fatalf("check after generate: %v", err)
	}

	configRef, err := os.ReadFile(filepath.Join(out, "reference", "config.md"))
	if err != nil {
		t.Fatalf("read config reference: %v", err)
	}
	for _, want := range []string{"`engine.chunk_tokens`", "`ENGRAM_ENGINE_CHUNK_TOKENS`", "`5000`", "`retrieval.similarity`"} {
		if !strings.Contains(string(configRef), want) {
			t.Fatalf("config reference missing %s", want)
		}
	}
	providersRef, err := os.ReadFile(filepath.Join(out, "reference", "providers.md"))
	if err != nil {
		t.Fatalf("read providers reference: %v", err)
	}
	if !strings.Contains(string(providersRef), "| `openrouter` | yes |") {
		t.Fatalf("providers reference missing default row:\n%s", providersRef)
	}
	if _, err := os.Stat(filepath.Join(out, "reference", "cli", "engram_serve.md")); err != nil {
		t.Fatalf("expected serve command page: %v", err)
	}

	if err := os.WriteFile(filepath.Join(out, "reference", "config.md"), []byte("stale\n"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}
	if err := generateDocumentation(rootFactory, out, true); err == nil {
		t.Fatalf("expected check to detect stale config reference")
	}
}
