package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultConnectTimeout  = 10 * time.Second
	connectInitialInterval = 100 * time.Millisecond
	connectMaxInterval     = 2 * time.Second
)

type openOptions struct {
	connectTimeout time.Duration
}

// OpenOption configures Open.
type OpenOption func(*openOptions)

// WithConnectTimeout bounds how long Open waits for the backend to answer.
func WithConnectTimeout(timeout time.Duration) OpenOption {
	return func(o *openOptions) {
		o.connectTimeout = timeout
	}
}

// Open selects the backend for cfg and waits until it answers a health
// check. An unsupported kind is reported before any I/O happens. Only
// connection establishment is retried; the returned engine never retries.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, opts ...OpenOption) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	options := openOptions{connectTimeout: defaultConnectTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := ensureParentDir(cfg); err != nil {
		return nil, NewStorageError("open", "", "", err)
	}

	engine, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := waitReachable(ctx, engine, options.connectTimeout, logger); err != nil {
		engine.Close()
		return nil, NewStorageError("open", "", "", fmt.Errorf("%s backend not reachable: %w", cfg.Kind, err))
	}

	logger.Info("storage opened", "kind", cfg.Kind)
	return engine, nil
}

// ensureParentDir creates the directory of a file-backed database, which
// neither driver does on its own.
func ensureParentDir(cfg Config) error {
	if cfg.Kind != KindSQLite && cfg.Kind != KindDuckDB {
		return nil
	}
	path := cfg.Endpoint
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}
	return nil
}

func newEngine(ctx context.Context, cfg Config, logger *slog.Logger) (Engine, error) {
	switch cfg.Kind {
	case KindDuckDB:
		return NewDuckDBStorage(cfg.Endpoint, logger)
	case KindSQLite:
		return NewSQLiteStorage(cfg.Endpoint, logger)
	case KindPostgres:
		return NewPostgresStorage(ctx, cfg.Endpoint, logger)
	case KindRedis:
		return NewRedisStorage(cfg.Endpoint, logger)
	case KindMemory:
		return NewMemoryStorage(logger), nil
	default:
		// Validate rejects these first
		return nil, fmt.Errorf("unsupported storage kind: %q", cfg.Kind)
	}
}

func waitReachable(ctx context.Context, engine Engine, timeout time.Duration, logger *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = connectInitialInterval
	b.MaxInterval = connectMaxInterval
	b.MaxElapsedTime = timeout

	attempt := 0
	operation := func() error {
		attempt++
		err := engine.HealthCheck(ctx)
		if err != nil {
			logger.Warn("storage not reachable yet", "attempt", attempt, "error", err)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// Init opens the backend, initializes its schema and closes it again.
func Init(ctx context.Context, cfg Config, logger *slog.Logger, opts ...OpenOption) (*InitReport, error) {
	engine, err := Open(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	return engine.Initialize(ctx)
}
