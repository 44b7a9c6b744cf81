package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/dotsetgreg/engram/pkg/logger"
	"github.com/dotsetgreg/engram/pkg/memory"
)

// TestDefaultConfig_Valid verifies the shipped defaults pass validation
func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

// TestDefaultConfig_MatchesEngineDefaults verifies the file defaults round-trip to the engine
func TestDefaultConfig_MatchesEngineDefaults(t *testing.T) {
	got := DefaultConfig().ToMemoryConfig()
	want := memory.DefaultConfig()
	if got != want {
		t.Fatalf("ToMemoryConfig() = %+v, want %+v", got, want)
	}
}

// TestDefaultConfig_EngineEnabled verifies the engine is on by default
func TestDefaultConfig_EngineEnabled(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Engine.Enabled {
		t.Error("Engine should be enabled by default")
	}
	if cfg.Summarizer.Mode != SummarizerExtractive {
		t.Errorf("Summarizer.Mode = %q, want %q", cfg.Summarizer.Mode, SummarizerExtractive)
	}
	if cfg.Summarizer.APIKey != "" {
		t.Error("Summarizer API key should be empty by default")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestSaveConfig_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")

	cfg := DefaultConfig()
	cfg.Engine.ChunkTokens = 1234
	cfg.Maintenance.Schedule = "0 3 * * *"
	cfg.Conversations.Disabled = FlexibleStringSlice{"muted"}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Engine.ChunkTokens != 1234 {
		t.Fatalf("expected chunk tokens 1234, got %d", loaded.Engine.ChunkTokens)
	}
	if loaded.Maintenance.Schedule != "0 3 * * *" {
		t.Fatalf("expected schedule from file, got %q", loaded.Maintenance.Schedule)
	}
	if len(loaded.Conversations.Disabled) != 1 || loaded.Conversations.Disabled[0] != "muted" {
		t.Fatalf("expected disabled conversations from file, got %v", loaded.Conversations.Disabled)
	}
}

func TestLoadConfig_JSONWithNumericConversationIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	payload := `{"engine":{"enabled":true,"chunk_tokens":800},"conversations":{"disabled":[123456789012,"ops"]}}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Engine.ChunkTokens != 800 {
		t.Fatalf("expected chunk tokens 800, got %d", cfg.Engine.ChunkTokens)
	}
	if cfg.Engine.MinTurns != 3 {
		t.Fatalf("expected untouched defaults to survive, got min turns %d", cfg.Engine.MinTurns)
	}

	enabled := cfg.EnabledFunc()
	if enabled("123456789012") || enabled("ops") {
		t.Fatal("expected listed conversations to be disabled")
	}
	if !enabled("other") {
		t.Fatal("expected unlisted conversation to be enabled")
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("ENGRAM_ENGINE_DECAY_PER_DAY", "0.1")
	t.Setenv("ENGRAM_RETRIEVAL_SIMILARITY", "jaccard")
	t.Setenv("ENGRAM_MAINTENANCE_PRUNE_MIN_AGE_DAYS", "30")
	t.Setenv("ENGRAM_RETRIEVAL_SURPRISE_WEIGHT", "0.4")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	mem := cfg.ToMemoryConfig()
	if mem.DecayPerDay != 0.1 {
		t.Fatalf("expected env override decay, got %v", mem.DecayPerDay)
	}
	if cfg.Retrieval.Similarity != "jaccard" {
		t.Fatalf("expected jaccard similarity, got %q", cfg.Retrieval.Similarity)
	}
	if mem.PruneMinAge != 30*24*time.Hour {
		t.Fatalf("expected 30 day min age, got %v", mem.PruneMinAge)
	}
	if mem.SurpriseWeight != 0.4 || mem.AccessWeight != memory.DefaultConfig().AccessWeight {
		t.Fatalf("unexpected retrieval weights surprise=%v access=%v", mem.SurpriseWeight, mem.AccessWeight)
	}
}

func TestLoadConfig_MasterSwitchDisablesEverything(t *testing.T) {
	t.Setenv("ENGRAM_ENGINE_ENABLED", "false")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.EnabledFunc()("anything") {
		t.Fatal("expected master switch to disable all conversations")
	}
}

func TestLoadConfig_FailsFast(t *testing.T) {
	cases := map[string]string{
		"ENGRAM_ENGINE_DECAY_PER_DAY":        "-0.5",
		"ENGRAM_SALIENCY_TOPIC_WEIGHT":       "1.5",
		"ENGRAM_ENGINE_MIN_TURNS":            "0",
		"ENGRAM_MAINTENANCE_SCHEDULE":        "whenever",
		"ENGRAM_SUMMARIZER_MODE":             "magic",
		"ENGRAM_RETRIEVAL_SIMILARITY":        "telepathy",
		"ENGRAM_ENGINE_INITIAL_RELEVANCE":    "9",
		"ENGRAM_RETRIEVAL_VECTOR_CACHE_SIZE": "-1",
		"ENGRAM_RETRIEVAL_SURPRISE_WEIGHT":   "2",
		"ENGRAM_RETRIEVAL_ACCESS_WEIGHT":     "-0.1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig(filepath.Join(t.TempDir(), "none.json"))
			if err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, value)
			}
			if !errors.Is(err, memory.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("engine: [not, a, map"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected malformed yaml to fail")
	}
}

func TestConfig_LoggerOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	opts := cfg.LoggerOptions()
	if opts.Level != logger.DEBUG {
		t.Fatalf("expected debug level, got %v", opts.Level)
	}
	if opts.Format != "json" {
		t.Fatalf("expected json format, got %q", opts.Format)
	}
}

func TestConfig_StoragePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = ":memory:"
	if got := cfg.StoragePath(); got != ":memory:" {
		t.Fatalf("expected in-memory path preserved, got %q", got)
	}
	cfg.Storage.Path = "/var/lib/engram/engrams.db"
	if got := cfg.StoragePath(); got != "/var/lib/engram/engrams.db" {
		t.Fatalf("expected absolute path preserved, got %q", got)
	}
}
