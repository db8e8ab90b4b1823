// Package logger builds the structured slog loggers used across exbot.
//
// Run attributes travel in the context rather than on the logger: WithRun
// stores them and every handler built here adds them to records logged with a
// *Context method (InfoContext, WarnContext, ...). Loggers can therefore be
// created once per component and shared by concurrent runs.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/go-exbot/internal/config"
	apperrors "github.com/johnayoung/go-exbot/internal/errors"
)

// Run identifies the ingestion run a record belongs to. Empty fields are
// left out of the record.
type Run struct {
	ID        string
	Exchange  string
	Symbol    string
	Interval  string
	Operation string
}

func (r Run) attrs() []slog.Attr {
	pairs := [...]struct{ key, value string }{
		{"run_id", r.ID},
		{"exchange", r.Exchange},
		{"symbol", r.Symbol},
		{"interval", r.Interval},
		{"operation", r.Operation},
	}
	out := make([]slog.Attr, 0, len(pairs))
	for _, p := range pairs {
		if p.value != "" {
			out = append(out, slog.String(p.key, p.value))
		}
	}
	return out
}

type runKey struct{}

// WithRun stores run in ctx.
func WithRun(ctx context.Context, run Run) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFrom returns the run stored in ctx, if any.
func RunFrom(ctx context.Context) (Run, bool) {
	run, ok := ctx.Value(runKey{}).(Run)
	return run, ok
}

// WithOperation names the stage of the run stored in ctx.
func WithOperation(ctx context.Context, operation string) context.Context {
	run, _ := RunFrom(ctx)
	run.Operation = operation
	return WithRun(ctx, run)
}

// runHandler adds the context's Run to every record.
type runHandler struct {
	slog.Handler
}

func (h runHandler) Handle(ctx context.Context, r slog.Record) error {
	if run, ok := RunFrom(ctx); ok {
		r.AddAttrs(run.attrs()...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h runHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return runHandler{h.Handler.WithAttrs(attrs)}
}

func (h runHandler) WithGroup(name string) slog.Handler {
	return runHandler{h.Handler.WithGroup(name)}
}

// LoggerManager owns the log sink and hands out component loggers.
type LoggerManager struct {
	base       *slog.Logger
	closer     io.Closer
	components sync.Map // component name -> *slog.Logger
}

// NewLoggerManager opens the sink named by cfg.Output.
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	w, closer, err := openSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	lm := NewLoggerManagerWithWriter(cfg, w)
	lm.closer = closer
	return lm, nil
}

// NewLoggerManagerWithWriter logs to w whatever cfg.Output says.
func NewLoggerManagerWithWriter(cfg config.LoggingConfig, w io.Writer) *LoggerManager {
	opts := &slog.HandlerOptions{
		Level:       levelOf(cfg.Level),
		AddSource:   cfg.Level == "debug",
		ReplaceAttr: utcTime,
	}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	}
	if len(cfg.ContextFields) > 0 {
		fields := make([]slog.Attr, 0, len(cfg.ContextFields))
		for k, v := range cfg.ContextFields {
			fields = append(fields, slog.String(k, v))
		}
		h = h.WithAttrs(fields)
	}

	return &LoggerManager{base: slog.New(runHandler{h})}
}

// openSink returns the writer for cfg.Output and, for files, what closes it.
// Command output owns stdout, so logs default to stderr.
func openSink(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	switch cfg.Output {
	case "stdout":
		return os.Stdout, nil, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("logging.file_path is required when output is file")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, err
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		return rotating, rotating, nil
	default:
		return os.Stderr, nil, nil
	}
}

// levelOf accepts slog's own level names; anything else logs at info.
func levelOf(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		return slog.String(a.Key, a.Value.Time().UTC().Format(time.RFC3339Nano))
	}
	return a
}

// Logger returns the logger without a component tag.
func (lm *LoggerManager) Logger() *slog.Logger {
	return lm.base
}

// GetComponentLogger returns the logger tagged component=name, creating it
// on first use.
func (lm *LoggerManager) GetComponentLogger(name string) *slog.Logger {
	if l, ok := lm.components.Load(name); ok {
		return l.(*slog.Logger)
	}
	l, _ := lm.components.LoadOrStore(name, lm.base.With(slog.String("component", name)))
	return l.(*slog.Logger)
}

// Close flushes and closes a file sink. It is a no-op for stdout and stderr.
func (lm *LoggerManager) Close() error {
	if lm.closer == nil {
		return nil
	}
	return lm.closer.Close()
}

// LogError logs err with its error_type at error level.
func LogError(ctx context.Context, log *slog.Logger, err error, msg string, args ...any) {
	log.ErrorContext(ctx, msg, append([]any{
		slog.Any("error", err),
		slog.String("error_type", string(apperrors.GetErrorType(err))),
	}, args...)...)
}

// TimedOperation runs fn as the named stage of the current run. Failures are
// logged at error level, successes at debug, both with the stage duration.
func TimedOperation(ctx context.Context, log *slog.Logger, operation string, fn func() error) error {
	ctx = WithOperation(ctx, operation)
	start := time.Now()

	if err := fn(); err != nil {
		LogError(ctx, log, err, "operation failed", slog.Duration("duration", time.Since(start)))
		return err
	}
	log.DebugContext(ctx, "operation completed", slog.Duration("duration", time.Since(start)))
	return nil
}
