// Package app assembles the components a command needs from one loaded
// configuration and hands them out explicitly.
package app

import (
	"context"
	"errors"
	"sync"

	"github.com/johnayoung/go-exbot/internal/config"
	"github.com/johnayoung/go-exbot/internal/exchange"
	"github.com/johnayoung/go-exbot/internal/ingest"
	"github.com/johnayoung/go-exbot/internal/logger"
	"github.com/johnayoung/go-exbot/internal/models"
	"github.com/johnayoung/go-exbot/internal/storage"
)

// AppContext holds the configuration and the long-lived components built
// from it. The storage engine is opened on first use so commands that only
// talk to the exchange never touch the backend.
type AppContext struct {
	Config *config.AppConfig
	Logs   *logger.LoggerManager
	Client *exchange.Client

	mu     sync.Mutex
	engine storage.Engine
}

// NewAppContext builds the logger, the exchange and its client from cfg.
func NewAppContext(cfg *config.AppConfig) (*AppContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return newAppContext(cfg, logs)
}

// NewAppContextWithLogger is NewAppContext with a caller-supplied logger
// manager.
func NewAppContextWithLogger(cfg *config.AppConfig, logs *logger.LoggerManager) (*AppContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newAppContext(cfg, logs)
}

func newAppContext(cfg *config.AppConfig, logs *logger.LoggerManager) (*AppContext, error) {
	id, err := models.ParseExchangeID(cfg.Exchange.Name)
	if err != nil {
		return nil, err
	}

	var exOpts []exchange.Option
	if cfg.Exchange.Host != "" {
		exOpts = append(exOpts, exchange.WithHost(cfg.Exchange.Host))
	}
	if cfg.Exchange.APIKey != "" {
		exOpts = append(exOpts, exchange.WithCredentials(cfg.Exchange.APIKey, cfg.Exchange.APISecret))
	}

	ex, err := exchange.New(id, exOpts...)
	if err != nil {
		return nil, err
	}

	clientOpts := []exchange.ClientOption{
		exchange.WithTimeout(cfg.HTTPTimeout()),
		exchange.WithLogger(logs.GetComponentLogger("exchange")),
	}
	if cfg.HTTP.UserAgent != "" {
		clientOpts = append(clientOpts, exchange.WithUserAgent(cfg.HTTP.UserAgent))
	}

	return &AppContext{
		Config: cfg,
		Logs:   logs,
		Client: exchange.NewClient(ex, clientOpts...),
	}, nil
}

// Engine opens the configured backend and initializes its schema on first
// call; later calls return the same engine.
func (a *AppContext) Engine(ctx context.Context) (storage.Engine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.engine != nil {
		return a.engine, nil
	}

	backend, err := a.Config.Backend()
	if err != nil {
		return nil, err
	}

	log := a.Logs.GetComponentLogger("storage")
	engine, err := storage.Open(ctx, backend, log, storage.WithConnectTimeout(a.Config.ConnectTimeout()))
	if err != nil {
		return nil, err
	}

	if _, err := engine.Initialize(ctx); err != nil {
		engine.Close()
		return nil, err
	}

	a.engine = engine
	return engine, nil
}

// InitStorage creates the schema of the configured backend without keeping
// the engine open.
func (a *AppContext) InitStorage(ctx context.Context) (*storage.InitReport, error) {
	backend, err := a.Config.Backend()
	if err != nil {
		return nil, err
	}
	return storage.Init(ctx, backend, a.Logs.GetComponentLogger("storage"),
		storage.WithConnectTimeout(a.Config.ConnectTimeout()))
}

// Pipeline returns an ingestion pipeline over the client and the engine.
func (a *AppContext) Pipeline(ctx context.Context) (*ingest.Pipeline, error) {
	engine, err := a.Engine(ctx)
	if err != nil {
		return nil, err
	}
	return ingest.New(a.Client, engine,
		ingest.WithDecodeMode(a.Config.DecodeMode()),
		ingest.WithLogger(a.Logs.Logger()))
}

// Close releases the engine, if one was opened, and the log writer.
func (a *AppContext) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
		a.engine = nil
	}
	errs = append(errs, a.Logs.Close())
	return errors.Join(errs...)
}
