package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type simpleHandler struct {
	level  slog.Level
	mu     *sync.Mutex
	writer io.Writer
	attrs  []slog.Attr
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log level must be one of: debug, info, warn, error")
}

// setupLogging installs the default logger. Logs go to stderr, or to logFile
// when set; stdout carries the MCP stdio transport.
func setupLogging(level, logFile string) error {
	logLevel, err := parseLevel(level)
	if err != nil {
		return err
	}

	var writer io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		writer = f
	}

	handler := &simpleHandler{
		level:  logLevel,
		mu:     &sync.Mutex{},
		writer: writer,
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func (h *simpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *simpleHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s='%v'", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s='%v'", a.Key, a.Value))
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(attrs) > 0 {
		_, err := fmt.Fprintf(h.writer, "%s: %s (%s)\n", r.Level, r.Message, strings.Join(attrs, " "))
		return err
	}
	_, err := fmt.Fprintf(h.writer, "%s: %s\n", r.Level, r.Message)
	return err
}

func (h *simpleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *simpleHandler) WithGroup(name string) slog.Handler {
	return h
}
