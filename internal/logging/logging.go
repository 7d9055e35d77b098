// Package logging provides the shared slog setup: JSON lines split across
// logs/out.log and logs/error.log with lumberjack rotation.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component constants for structured logging.
const (
	CompGit          = "git"
	CompPorts        = "ports"
	CompTmux         = "tmux"
	CompGateway      = "gateway"
	CompRegistry     = "registry"
	CompOrchestrator = "orchestrator"
	CompProxy        = "proxy"
	CompSocket       = "socket"
	CompTunnel       = "tunnel"
	CompHTTP         = "http"
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files (e.g. <projectRoot>/logs).
	// Empty disables file logging; everything is discarded.
	LogDir string

	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string

	// MaxSizeMB is the max size in MB before rotation (default: 10).
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5).
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10).
	MaxAgeDays int
}

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex
	outW         *lumberjack.Logger
	errW         *lumberjack.Logger
)

// Init initializes the global logging system. Warn and error records go to
// error.log; everything at or above the configured level goes to out.log.
func Init(cfg Config) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.LogDir == "" {
		globalLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		return nil
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return err
	}

	outW = &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "out.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	errW = &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "error.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	globalLogger = slog.New(&splitHandler{
		out: slog.NewJSONHandler(outW, &slog.HandlerOptions{Level: level}),
		err: slog.NewJSONHandler(errW, &slog.HandlerOptions{Level: slog.LevelWarn}),
	})
	return nil
}

// splitHandler fans a record out to the main log and, for warn/error, the
// error log as well.
type splitHandler struct {
	out slog.Handler
	err slog.Handler
}

func (h *splitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.out.Enabled(ctx, level) || h.err.Enabled(ctx, level)
}

func (h *splitHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	if h.out.Enabled(ctx, r.Level) {
		firstErr = h.out.Handle(ctx, r.Clone())
	}
	if r.Level >= slog.LevelWarn && h.err.Enabled(ctx, r.Level) {
		if err := h.err.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitHandler{out: h.out.WithAttrs(attrs), err: h.err.WithAttrs(attrs)}
}

func (h *splitHandler) WithGroup(name string) slog.Handler {
	return &splitHandler{out: h.out.WithGroup(name), err: h.err.WithGroup(name)}
}

// Logger returns the global logger. Safe to call before Init.
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return globalLogger
}

// ForComponent returns a sub-logger with the component field set.
// Uses a dynamicHandler so package-level loggers created before Init()
// pick up the real handler once Init() runs.
func ForComponent(name string) *slog.Logger {
	return slog.New(&dynamicHandler{component: name})
}

// dynamicHandler delegates to the current global handler at log time.
type dynamicHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler()
	handler = handler.WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &dynamicHandler{component: h.component, attrs: newAttrs, group: h.group}
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	return &dynamicHandler{component: h.component, attrs: h.attrs, group: name}
}

// Shutdown closes the log writers.
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if outW != nil {
		_ = outW.Close()
		outW = nil
	}
	if errW != nil {
		_ = errW.Close()
		errW = nil
	}
	globalLogger = nil
}
