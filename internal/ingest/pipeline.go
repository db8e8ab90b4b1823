// Package ingest wires the exchange client, the kline decoder and a storage
// engine together: fetch rows, decode them in order, store them, and record
// the run.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-exbot/internal/apis"
	apperrors "github.com/johnayoung/go-exbot/internal/errors"
	"github.com/johnayoung/go-exbot/internal/exchange"
	"github.com/johnayoung/go-exbot/internal/gaps"
	"github.com/johnayoung/go-exbot/internal/logger"
	"github.com/johnayoung/go-exbot/internal/metrics"
	"github.com/johnayoung/go-exbot/internal/models"
	"github.com/johnayoung/go-exbot/internal/storage"
	"github.com/johnayoung/go-exbot/internal/validator"
)

// Request selects one kline series to ingest.
type Request struct {
	Symbol    string
	Interval  string
	Limit     int
	StartTime time.Time
	EndTime   time.Time
}

func (r Request) params() exchange.KlineParams {
	return exchange.KlineParams{
		Symbol:    r.Symbol,
		Interval:  r.Interval,
		Limit:     r.Limit,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
	}
}

// Result describes one completed run.
type Result struct {
	RunID     string
	Request   Request
	Klines    []models.Kline
	Stored    int
	Defaulted int
	// Gaps are missing periods inside the fetched window
	Gaps      []gaps.Gap
	Anomalies []validator.Anomaly
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDecodeMode selects lenient (default) or strict row decoding.
func WithDecodeMode(mode models.DecodeMode) Option {
	return func(p *Pipeline) {
		p.mode = mode
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithMetrics records run counters and durations into m.
func WithMetrics(m *metrics.Registry) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline runs fetch, decode and store for one exchange and one engine.
type Pipeline struct {
	client  *exchange.Client
	engine  storage.Engine
	decoder *models.Decoder
	mode    models.DecodeMode
	logger  *slog.Logger
	metrics *metrics.Registry
}

// New creates a pipeline. The decoder follows the client's exchange layout.
func New(client *exchange.Client, engine storage.Engine, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		client:  client,
		engine:  engine,
		mode:    models.Lenient,
		logger:  slog.Default(),
		metrics: metrics.NewRegistry(),
	}
	for _, opt := range opts {
		opt(p)
	}

	layout, err := models.LayoutFor(client.Exchange().ID())
	if err != nil {
		return nil, apperrors.NewConfigurationError("ingest", "new", err)
	}
	p.decoder = models.NewDecoder(layout, p.mode)
	p.logger = p.logger.With("component", "ingest")

	return p, nil
}

// Fetch requests the klines and decodes them, preserving the exchange's row
// order. Nothing is stored.
func (p *Pipeline) Fetch(ctx context.Context, req Request) ([]models.Kline, error) {
	klines, _, err := p.fetch(ctx, req)
	return klines, err
}

func (p *Pipeline) fetch(ctx context.Context, req Request) ([]models.Kline, int, error) {
	params := req.params()
	if err := params.Validate(); err != nil {
		return nil, 0, err
	}

	ex := p.client.Exchange()
	var body json.RawMessage
	if err := p.client.Get(ctx, apis.Klines, ex.KlineQuery(params), &body); err != nil {
		return nil, 0, err
	}

	rows, err := ex.KlineRows(body)
	if err != nil {
		return nil, 0, err
	}

	if p.mode == models.Strict {
		klines, err := p.decoder.DecodeRows(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("decode %s %s klines: %w", req.Symbol, req.Interval, err)
		}
		return klines, 0, nil
	}

	klines, reports := p.decoder.DecodeRowsReport(rows)
	for _, report := range reports {
		p.logger.WarnContext(ctx, "kline row had unreadable fields",
			"row", report.Row,
			"defaulted", len(report.Defaulted))
	}
	defaulted := len(reports)

	p.logger.DebugContext(ctx, "fetched klines", "count", len(klines))

	return klines, defaulted, nil
}

// Run fetches, decodes, stores and records one series. Any stage error stops
// the run and is returned as is.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	runID := uuid.NewString()
	startedAt := time.Now().UTC()
	series := metrics.Series{
		Exchange: string(p.client.Exchange().ID()),
		Symbol:   req.Symbol,
		Interval: req.Interval,
	}
	ctx = logger.WithRun(ctx, logger.Run{
		ID:       runID,
		Exchange: series.Exchange,
		Symbol:   series.Symbol,
		Interval: series.Interval,
	})
	defer p.metrics.RunStarted(series)()

	klines, defaulted, err := p.fetch(ctx, req)
	if err != nil {
		logger.LogError(ctx, p.logger, err, "kline fetch failed")
		p.recordFailure(series, err)
		return nil, err
	}

	var stored int
	err = logger.TimedOperation(ctx, p.logger, "store", func() error {
		stored, err = p.engine.Store(ctx, storage.StoreRequest{
			Symbol:   req.Symbol,
			Interval: req.Interval,
			Klines:   klines,
		})
		return err
	})
	if err != nil {
		p.recordFailure(series, err)
		return nil, err
	}

	anomalies := validator.CheckKlines(klines)
	if len(anomalies) > 0 {
		p.logger.WarnContext(ctx, "klines failed consistency checks",
			"anomalies", len(anomalies),
			"by_type", validator.CountByType(anomalies))
	}

	missing, err := gaps.Detect(req.Symbol, req.Interval, klines)
	if err != nil {
		p.logger.DebugContext(ctx, "gap detection skipped", "error", err)
	} else if len(missing) > 0 {
		p.logger.WarnContext(ctx, "kline series has gaps",
			"gaps", len(missing),
			"first", missing[0].String())
	}

	run := storage.Run{
		ID:         runID,
		Exchange:   string(p.client.Exchange().ID()),
		Symbol:     req.Symbol,
		Interval:   req.Interval,
		Fetched:    len(klines),
		Stored:     stored,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}
	if err := p.engine.RecordRun(ctx, run); err != nil {
		logger.LogError(ctx, p.logger, err, "recording run failed")
		p.recordFailure(series, err)
		return nil, err
	}

	p.metrics.RecordRun(series, metrics.RunCounts{
		Fetched:   len(klines),
		Stored:    stored,
		Defaulted: defaulted,
		Anomalies: len(anomalies),
		Gaps:      len(missing),
	}, run.FinishedAt.Sub(startedAt))

	p.logger.InfoContext(ctx, "ingestion run completed",
		"fetched", len(klines),
		"stored", stored,
		"defaulted_rows", defaulted,
		"duration", run.FinishedAt.Sub(startedAt))

	return &Result{
		RunID:     runID,
		Request:   req,
		Klines:    klines,
		Stored:    stored,
		Defaulted: defaulted,
		Gaps:      missing,
		Anomalies: anomalies,
	}, nil
}

func (p *Pipeline) recordFailure(series metrics.Series, err error) {
	p.metrics.RecordFailure(series, string(apperrors.GetErrorType(err)))
}

// Metrics returns the registry the pipeline records into.
func (p *Pipeline) Metrics() *metrics.Registry {
	return p.metrics
}

// RunAll runs every request with at most workers in flight. Requests are
// independent: one failing does not stop the others. Results keep the input
// order; a failed request leaves a nil entry, and the errors are joined.
func (p *Pipeline) RunAll(ctx context.Context, reqs []Request, workers int) ([]*Result, error) {
	if workers < 1 {
		workers = 1
	}

	results := make([]*Result, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, req := range reqs {
		g.Go(func() error {
			result, err := p.Run(ctx, req)
			if err != nil {
				errs[i] = fmt.Errorf("%s %s: %w", req.Symbol, req.Interval, err)
				return nil
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}
