// DotAgent - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/dotsetgreg/engram/pkg/bus"
	"github.com/dotsetgreg/engram/pkg/config"
	"github.com/dotsetgreg/engram/pkg/logger"
	"github.com/dotsetgreg/engram/pkg/memory"
	"github.com/dotsetgreg/engram/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "engram"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath is ENGRAM_CONFIG when set, otherwise ~/.engram/config.json.
func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("ENGRAM_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".engram", "config.json")
}

// stack is one opened engine with everything it owns.
type stack struct {
	cfg    *config.Config
	store  *memory.SQLiteStore
	engine *memory.Engine
	events *bus.EventBus

	dispatch sync.WaitGroup
}

func openStack(cfg *config.Config) (*stack, error) {
	path := cfg.StoragePath()
	store, err := memory.NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}

	summarizer, err := providers.NewSummarizer(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("summarizer: %w", err)
	}

	events := bus.NewEventBus()
	engine, err := memory.NewEngine(cfg.ToMemoryConfig(), store,
		memory.WithSummarizer(summarizer),
		memory.WithSimilarity(memory.NewSimilarity(cfg.Retrieval.Similarity, cfg.Retrieval.VectorCacheSize)),
		memory.WithEnabled(cfg.EnabledFunc()),
		memory.WithEvents(events),
	)
	if err != nil {
		events.Close()
		_ = store.Close()
		return nil, err
	}

	events.Subscribe("", func(ev bus.Event) {
		logger.DebugCF("bus", string(ev.Kind), map[string]interface{}{
			"conversation_id": ev.ConversationID,
			"engram_ids":      ev.EngramIDs,
		})
	})

	st := &stack{cfg: cfg, store: store, engine: engine, events: events}
	st.dispatch.Add(1)
	go func() {
		defer st.dispatch.Done()
		events.Run(context.Background())
	}()

	logger.DebugCF("cli", "Engine opened", map[string]interface{}{
		"storage":    path,
		"summarizer": cfg.Summarizer.Mode,
		"similarity": cfg.Retrieval.Similarity,
	})
	return st, nil
}

// Close stops the engine, drains pending events and closes the store.
// Buffered turns are not flushed.
func (s *stack) Close() error {
	_ = s.engine.Close()
	s.events.Close()
	s.dispatch.Wait()
	return s.store.Close()
}
