// Package logger provides component-tagged structured logging on top of
// log/slog. Every call carries a component name and an optional field map:
//
//	logger.InfoCF("engine", "Engram created", map[string]interface{}{"conversation_id": id})
//
// Output fans out to a human readable text handler on stderr and, when a log
// file is configured, a JSON handler for machine parsing.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a LogLevel.
// Unknown values resolve to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Options configures Setup.
type Options struct {
	Level  LogLevel
	File   string // optional JSON log file
	Format string // "text" (default) or "json" for the stderr handler
	Stderr io.Writer
}

var (
	mu      sync.RWMutex
	level   = new(slog.LevelVar)
	base    = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	closeFn = func() error { return nil }
)

// Setup installs the process logger. The returned cleanup closes the log file
// when one was opened.
func Setup(opts Options) (func() error, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	level.Set(opts.Level.slogLevel())
	handlerOpts := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		console = slog.NewJSONHandler(stderr, handlerOpts)
	} else {
		console = slog.NewTextHandler(stderr, handlerOpts)
	}

	if strings.TrimSpace(opts.File) == "" {
		install(slog.New(console), func() error { return nil })
		return closeFn, nil
	}

	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		install(slog.New(console), func() error { return nil })
		return closeFn, fmt.Errorf("open log file %s: %w", opts.File, err)
	}
	fileHandler := slog.NewJSONHandler(file, handlerOpts)
	install(slog.New(slogmulti.Fanout(console, fileHandler)), file.Close)
	return closeFn, nil
}

// SetupWithWriters installs a fanout logger over arbitrary writers (for tests).
func SetupWithWriters(console, jsonOut io.Writer, lvl LogLevel) {
	level.Set(lvl.slogLevel())
	handlerOpts := &slog.HandlerOptions{Level: level}
	install(slog.New(slogmulti.Fanout(
		slog.NewTextHandler(console, handlerOpts),
		slog.NewJSONHandler(jsonOut, handlerOpts),
	)), func() error { return nil })
}

func install(l *slog.Logger, closer func() error) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	closeFn = closer
}

// SetLevel changes the minimum level without rebuilding handlers.
func SetLevel(l LogLevel) {
	level.Set(l.slogLevel())
}

// GetLevel reports the active minimum level.
func GetLevel() LogLevel {
	switch lv := level.Level(); {
	case lv <= slog.LevelDebug:
		return DEBUG
	case lv <= slog.LevelInfo:
		return INFO
	case lv <= slog.LevelWarn:
		return WARN
	default:
		return ERROR
	}
}

// Slog exposes the underlying logger for libraries that take a *slog.Logger.
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func logCF(l LogLevel, component, msg string, fields map[string]interface{}) {
	mu.RLock()
	lg := base
	mu.RUnlock()

	args := make([]any, 0, 2+len(fields)*2)
	if component != "" {
		args = append(args, "component", component)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	lg.Log(context.Background(), l.slogLevel(), msg, args...)
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	logCF(DEBUG, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	logCF(INFO, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	logCF(WARN, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	logCF(ERROR, component, msg, fields)
}

func Debug(msg string) { logCF(DEBUG, "", msg, nil) }
func Info(msg string)  { logCF(INFO, "", msg, nil) }
func Warn(msg string)  { logCF(WARN, "", msg, nil) }
func Error(msg string) { logCF(ERROR, "", msg, nil) }
