// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Aleutian components.
//
// The package wraps Go's standard library slog with multi-destination
// output: stderr by default (Unix CLI convention), plus an optional
// per-service log file in JSON format. Long-running services pass JSON
// true so that stderr output is machine-parseable as well.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("pass started", "pass_id", passID)
//
// # File Logging
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.aleutian/logs",
//	    Service: "arbiter",
//	    JSON:    true,
//	})
//	defer logger.Close()
//
// This creates log files named `{service}_{date}.log` in the log dir.
//
// # Thread Safety
//
// Logger is safe for concurrent use; the underlying slog.Logger is
// thread-safe and internal state is mutex-guarded.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure key material and tokens are not logged.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents log severity. Levels follow the slog convention and
// are ordered Debug < Info < Warn < Error; setting a minimum level
// filters out everything below it.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for recoverable, unexpected situations.
	LevelWarn

	// LevelError is for operation failures the system survives.
	LevelError
)

// slogLevel converts a Level to its slog equivalent.
func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a config string ("debug", "info", "warn",
// "error") to a Level. Unknown strings fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity emitted.
	Level Level

	// LogDir, when non-empty, enables file output in this directory.
	// Supports ~ expansion. The directory is created if missing.
	LogDir string

	// Service names the component; used in the log file name and as a
	// "service" attribute on every record.
	Service string

	// JSON switches the stderr handler from text to JSON output.
	// File output is always JSON.
	JSON bool

	// Quiet suppresses stderr output entirely (file output, if
	// configured, still receives records).
	Quiet bool
}

// Logger wraps slog.Logger with lifecycle management for the optional
// log file. Use the embedded slog methods (Info, Warn, Error, Debug)
// for all logging.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a Logger from cfg.
//
// Returns an error only when file logging was requested and the log
// directory or file could not be created; stderr-only configurations
// never fail.
func New(cfg Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level.slogLevel()}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	var logFile *os.File
	if cfg.LogDir != "" {
		dir, err := expandHome(cfg.LogDir)
		if err != nil {
			return nil, fmt.Errorf("expanding log dir: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		service := cfg.Service
		if service == "" {
			service = "aleutian"
		}
		name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, name),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		logFile = f
		handlers = append(handlers, slog.NewJSONHandler(logFile, opts))
	}

	var h slog.Handler
	switch len(handlers) {
	case 0:
		// Quiet with no file: a handler no record can reach.
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 128})
	case 1:
		h = handlers[0]
	default:
		h = &multiHandler{handlers: handlers}
	}

	base := slog.New(h)
	if cfg.Service != "" {
		base = base.With("service", cfg.Service)
	}
	return &Logger{Logger: base, file: logFile}, nil
}

// Default returns a stderr-only text logger at Info level. It never
// fails and needs no Close.
func Default() *Logger {
	l, _ := New(Config{Level: LevelInfo})
	return l
}

// With returns a Logger whose records carry the given attributes in
// addition to the parent's. The file handle stays owned by the parent;
// Close the parent, not the children.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Close flushes and closes the log file, if any. Safe to call multiple
// times and on stderr-only loggers.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// multiHandler fans every record out to all wrapped handlers. A record
// is emitted when at least one handler wants it; each handler still
// applies its own level filter in Handle.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

// expandHome resolves a leading ~ in path to the current user's home
// directory.
func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home dir: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
