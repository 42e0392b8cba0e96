// Package obslog sets up truckdb's structured logger, fanning out to an
// optional Seq sink or a local JSONL audit log alongside the console,
// following the teacher's internal/logging package's multiHandler shape.
package obslog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	slogseq "github.com/sokkalf/slog-seq"
)

// multiHandler forwards every record to each of its handlers in turn.
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
	for _, h := range m.handlers {
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

func levelFromString(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Options configures SetupLogger. SeqURL enables the Seq sink;
// AuditLogPath enables a local JSONL audit handler. Either, both, or
// neither may be set.
type Options struct {
	LogLevel     string
	SeqURL       string
	AuditLogPath string
}

// SetupLogger builds the process-wide slog.Logger and returns a cleanup
// function that must run at shutdown to flush and close any sinks.
func SetupLogger(opts Options) (*slog.Logger, func()) {
	level := levelFromString(opts.LogLevel)

	consoleHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})

	handlers := []slog.Handler{consoleHandler}
	var closers []func()

	if opts.SeqURL != "" {
		_, seqHandler := slogseq.NewLogger(
			opts.SeqURL,
			slogseq.WithBatchSize(1),
			slogseq.WithFlushInterval(500*time.Millisecond),
			slogseq.WithHandlerOptions(&slog.HandlerOptions{Level: level}),
		)
		if seqHandler != nil {
			handlers = append(handlers, seqHandler)
			closers = append(closers, seqHandler.Close)
		}
	}

	if opts.AuditLogPath != "" {
		if auditHandler, closeAudit, err := newAuditHandler(opts.AuditLogPath, level); err == nil {
			handlers = append(handlers, auditHandler)
			closers = append(closers, closeAudit)
		} else {
			consoleHandler.Handle(context.Background(), slog.NewRecord(
				time.Now(), slog.LevelWarn, fmt.Sprintf("obslog: audit log disabled: %v", err), 0))
		}
	}

	if len(handlers) == 1 {
		logger := slog.New(consoleHandler)
		return logger, func() {}
	}

	logger := slog.New(&multiHandler{handlers: handlers})
	closeFn := func() {
		for _, c := range closers {
			c()
		}
	}
	return logger, closeFn
}

// newAuditHandler opens path for append and returns a JSON slog.Handler
// writing one JSON line per log record at or above level, plus the file's
// close func.
func newAuditHandler(path string, level slog.Level) (slog.Handler, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("obslog: opening audit log %s: %w", path, err)
	}
	handler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
	return handler, func() { f.Close() }, nil
}
