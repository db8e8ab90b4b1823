package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/johnayoung/go-exbot/internal/models"
)

// memorySeries keys one kline series.
type memorySeries struct {
	exchange models.ExchangeID
	symbol   string
	interval string
}

// MemoryStorage keeps everything in process. Statements are ignored by Query;
// the named metrics select which tables to return.
type MemoryStorage struct {
	lifecycle

	// Mutex for thread-safe operations
	mu     sync.RWMutex
	logger *slog.Logger

	objects map[string]SchemaObject
	klines  map[memorySeries]map[int64]models.Kline
	runs    []Run

	closed bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage(logger *slog.Logger) *MemoryStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStorage{
		logger:  logger,
		objects: make(map[string]SchemaObject),
		klines:  make(map[memorySeries]map[int64]models.Kline),
	}
}

func memorySchema() []SchemaObject {
	return []SchemaObject{
		{Name: TableKlines, Kind: ObjectTable},
		{Name: IndexKlines, Kind: ObjectIndex, Table: TableKlines},
		{Name: TableIngestRuns, Kind: ObjectTable},
	}
}

// Initialize registers the schema objects that are not registered yet.
func (m *MemoryStorage) Initialize(ctx context.Context) (*InitReport, error) {
	return m.run(func() (*InitReport, error) {
		m.logger.Info("initializing memory storage")
		return initializeSchema(ctx, m, memorySchema(), m.logger)
	})
}

func (m *MemoryStorage) objectExists(ctx context.Context, obj SchemaObject) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, fmt.Errorf("storage is closed")
	}
	_, ok := m.objects[obj.Name]
	return ok, nil
}

func (m *MemoryStorage) createObject(ctx context.Context, obj SchemaObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[obj.Name]; ok {
		return fmt.Errorf("%s %s: %w", obj.Kind, obj.Name, ErrAlreadyExists)
	}
	m.objects[obj.Name] = obj
	return nil
}

// Store inserts klines whose open time is not stored yet for the series.
func (m *MemoryStorage) Store(ctx context.Context, req StoreRequest) (int, error) {
	if err := m.requireReady("store"); err != nil {
		return 0, err
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, k := range req.Klines {
		key := memorySeries{exchange: k.Exchange, symbol: req.Symbol, interval: req.Interval}
		series, ok := m.klines[key]
		if !ok {
			series = make(map[int64]models.Kline)
			m.klines[key] = series
		}
		if _, exists := series[k.OpenTime]; exists {
			continue
		}
		series[k.OpenTime] = k
		inserted++
	}

	m.logger.Debug("stored klines in memory",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"received", len(req.Klines),
		"inserted", inserted)

	return inserted, nil
}

// RecordRun appends the run.
func (m *MemoryStorage) RecordRun(ctx context.Context, run Run) error {
	if err := m.requireReady("record_run"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs = append(m.runs, run)
	return nil
}

// Query returns the rows of each named metric. The statement is not
// interpreted.
func (m *MemoryStorage) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if err := m.requireReady("query"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := &QueryResult{Rows: make([][]any, 0)}
	for _, metric := range req.Metrics {
		switch metric {
		case TableKlines:
			result.Columns = klineColumns()
			result.Rows = append(result.Rows, m.klineRows()...)
		case TableIngestRuns:
			result.Columns = runColumns()
			for _, run := range m.runs {
				result.Rows = append(result.Rows, runValues(run))
			}
		default:
			return nil, NewQueryError(metric, req.Statement, fmt.Errorf("unknown metric %q", metric))
		}
	}

	return result, nil
}

func (m *MemoryStorage) klineRows() [][]any {
	keys := make([]memorySeries, 0, len(m.klines))
	for key := range m.klines {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.exchange != b.exchange {
			return a.exchange < b.exchange
		}
		if a.symbol != b.symbol {
			return a.symbol < b.symbol
		}
		return a.interval < b.interval
	})

	var rows [][]any
	for _, key := range keys {
		series := m.klines[key]
		times := make([]int64, 0, len(series))
		for t := range series {
			times = append(times, t)
		}
		sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

		for _, t := range times {
			rows = append(rows, klineValues(key.symbol, key.interval, series[t]))
		}
	}
	return rows
}

// HealthCheck fails once the storage is closed.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("storage is closed")
	}
	return nil
}

// Close marks the storage closed.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// klineColumns is the column order shared by every SQL backend and by the
// memory backend's result rows.
func klineColumns() []string {
	return []string{
		"exchange", "symbol", "interval", "open_time",
		"open", "high", "low", "close", "volume",
		"close_time", "quote_volume", "trade_count",
		"taker_buy_base_volume", "taker_buy_quote_volume",
	}
}

func klineValues(symbol, interval string, k models.Kline) []any {
	return []any{
		string(k.Exchange), symbol, interval, k.OpenTime,
		k.Open, k.High, k.Low, k.Close, k.Volume,
		k.CloseTime, k.QuoteVolume, k.TradeCount,
		k.TakerBuyBaseVolume, k.TakerBuyQuoteVolume,
	}
}

func runColumns() []string {
	return []string{"id", "exchange", "symbol", "interval", "fetched", "stored", "started_at", "finished_at"}
}

func runValues(run Run) []any {
	return []any{
		run.ID, run.Exchange, run.Symbol, run.Interval,
		int64(run.Fetched), int64(run.Stored), run.StartedAt, run.FinishedAt,
	}
}
