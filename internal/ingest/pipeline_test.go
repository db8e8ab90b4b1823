package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-exbot/internal/errors"
	"github.com/johnayoung/go-exbot/internal/exchange"
	"github.com/johnayoung/go-exbot/internal/metrics"
	"github.com/johnayoung/go-exbot/internal/models"
	"github.com/johnayoung/go-exbot/internal/storage"
	"github.com/johnayoung/go-exbot/internal/validator"
)

// MockEngine is a storage.Engine driven by testify expectations.
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Initialize(ctx context.Context) (*storage.InitReport, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.InitReport), args.Error(1)
}

func (m *MockEngine) Query(ctx context.Context, req storage.QueryRequest) (*storage.QueryResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.QueryResult), args.Error(1)
}

func (m *MockEngine) Store(ctx context.Context, req storage.StoreRequest) (int, error) {
	args := m.Called(ctx, req)
	return args.Int(0), args.Error(1)
}

func (m *MockEngine) RecordRun(ctx context.Context, run storage.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockEngine) State() storage.State {
	args := m.Called()
	return args.Get(0).(storage.State)
}

func (m *MockEngine) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockEngine) Close() error {
	args := m.Called()
	return args.Error(0)
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const firstOpenTime = int64(1700000040000)

// binanceKlines writes limit rows of the /api/v3/klines shape.
func binanceKlines(t *testing.T, w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	assert.NoError(t, err)

	rows := make([][]any, 0, limit)
	for i := 0; i < limit; i++ {
		open := firstOpenTime + int64(i)*60_000
		rows = append(rows, []any{
			open, "1.5230", "1.5310", "1.5200", "1.5290", "1234.5",
			open + 59_999, "1886.1", 42 + i, "600.2", "915.4", "0",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(rows))
}

func newMockExchange(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := handlers[r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func newPipeline(t *testing.T, ex exchange.Exchange, engine storage.Engine, opts ...Option) *Pipeline {
	client := exchange.NewClient(ex, exchange.WithLogger(createTestLogger()))
	opts = append([]Option{WithLogger(createTestLogger())}, opts...)
	p, err := New(client, engine, opts...)
	require.NoError(t, err)
	return p
}

func newReadyEngine(t *testing.T) *storage.MemoryStorage {
	engine := storage.NewMemoryStorage(createTestLogger())
	_, err := engine.Initialize(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestRunNearUSDT(t *testing.T) {
	server := newMockExchange(t, map[string]http.HandlerFunc{
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "symbol=NEARUSDT&interval=1m&limit=5", r.URL.RawQuery)
			binanceKlines(t, w, r)
		},
	})

	engine := newReadyEngine(t)
	p := newPipeline(t, exchange.NewBinance(exchange.WithHost(server.URL)), engine)

	result, err := p.Run(context.Background(), Request{Symbol: "NEARUSDT", Interval: "1m", Limit: 5})
	require.NoError(t, err)

	require.Len(t, result.Klines, 5)
	assert.Equal(t, 5, result.Stored)
	assert.Zero(t, result.Defaulted)
	assert.NotEmpty(t, result.RunID)

	for i, k := range result.Klines {
		assert.Equal(t, models.ExchangeBinance, k.Exchange)
		assert.Equal(t, firstOpenTime+int64(i)*60_000, k.OpenTime)
		assert.Equal(t, int64(42+i), k.TradeCount)
		if i > 0 {
			assert.Greater(t, k.OpenTime, result.Klines[i-1].OpenTime)
		}
	}

	rows, err := engine.Query(context.Background(), storage.QueryRequest{Metrics: []string{storage.TableKlines}})
	require.NoError(t, err)
	assert.Len(t, rows.Rows, 5)

	runs, err := engine.Query(context.Background(), storage.QueryRequest{Metrics: []string{storage.TableIngestRuns}})
	require.NoError(t, err)
	require.Len(t, runs.Rows, 1)
	assert.Equal(t, result.RunID, runs.Rows[0][0])

	again, err := p.Run(context.Background(), Request{Symbol: "NEARUSDT", Interval: "1m", Limit: 5})
	require.NoError(t, err)
	assert.Zero(t, again.Stored, "duplicates are ignored")
	assert.NotEqual(t, result.RunID, again.RunID)
}

func TestRunIntoSQLite(t *testing.T) {
	server := newMockExchange(t, map[string]http.HandlerFunc{
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) { binanceKlines(t, w, r) },
	})

	ctx := context.Background()
	engine, err := storage.Open(ctx, storage.Config{Kind: storage.KindSQLite, Endpoint: t.TempDir() + "/exbot.db"}, createTestLogger())
	require.NoError(t, err)
	defer engine.Close()
	_, err = engine.Initialize(ctx)
	require.NoError(t, err)

	p := newPipeline(t, exchange.NewBinance(exchange.WithHost(server.URL)), engine)
	result, err := p.Run(ctx, Request{Symbol: "NEARUSDT", Interval: "1m", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Stored)

	out, err := engine.Query(ctx, storage.QueryRequest{
		Metrics:   []string{storage.TableKlines},
		Statement: "SELECT open_time FROM klines ORDER BY open_time",
	})
	require.NoError(t, err)
	require.Len(t, out.Rows, 5)
	assert.Equal(t, firstOpenTime, out.Rows[0][0])
}

func TestRunBitget(t *testing.T) {
	server := newMockExchange(t, map[string]http.HandlerFunc{
		"/api/v2/spot/market/candles": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "1min", r.URL.Query().Get("granularity"))
			w.Write([]byte(`{"code":"00000","msg":"success","requestTime":1695865615662,"data":[
				["1695835800000","1.10","1.20","1.00","1.15","100","115","115"],
				["1695835860000","1.15","1.25","1.10","1.20","200","240","240"]
			]}`))
		},
	})

	engine := newReadyEngine(t)
	p := newPipeline(t, exchange.NewBitget(exchange.WithHost(server.URL)), engine, WithDecodeMode(models.Strict))

	result, err := p.Run(context.Background(), Request{Symbol: "NEARUSDT", Interval: "1m", Limit: 2})
	require.NoError(t, err)
	require.Len(t, result.Klines, 2)
	assert.Equal(t, models.ExchangeBitget, result.Klines[0].Exchange)
	assert.Equal(t, int64(1695835860000), result.Klines[1].OpenTime)
	assert.Equal(t, "240", result.Klines[1].QuoteVolume)
}

func TestRunLenientCountsDefaultedRows(t *testing.T) {
	server := newMockExchange(t, map[string]http.HandlerFunc{
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[[1,"1","1","1","1","1",2,"1",3,"1","1"],[61,"1"]]`))
		},
	})

	t.Run("lenient keeps the short row", func(t *testing.T) {
		p := newPipeline(t, exchange.NewBinance(exchange.WithHost(server.URL)), newReadyEngine(t))
		result, err := p.Run(context.Background(), Request{Symbol: "NEARUSDT", Interval: "1m"})
		require.NoError(t, err)
		assert.Len(t, result.Klines, 2)
		assert.Equal(t, 1, result.Defaulted)
	})

	t.Run("strict rejects it", func(t *testing.T) {
		engine := newReadyEngine(t)
		p := newPipeline(t, exchange.NewBinance(exchange.WithHost(server.URL)), engine, WithDecodeMode(models.Strict))
		_, err := p.Run(context.Background(), Request{Symbol: "NEARUSDT", Interval: "1m"})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrorTypeDecode, apperrors.GetErrorType(err))

		rows, err := engine.Query(context.Background(), storage.QueryRequest{Metrics: []string{storage.TableKlines}})
		require.NoError(t, err)
		assert.Empty(t, rows.Rows, "nothing is stored when decoding fails")
	})
}

func TestRunPropagatesStageErrors(t *testing.T) {
	server := newMockExchange(t, map[string]http.HandlerFunc{
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
		},
	})

	p := newPipeline(t, exchange.NewBinance(exchange.WithHost(server.URL)), newReadyEngine(t))

	_, err := p.Run(context.Background(), Request{Symbol: "NOPE", Interval: "1m", Limit: 5})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeHTTPStatus, apperrors.GetErrorType(err))

	_, err = p.Run(context.Background(), Request{Interval: "1m"})
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.GetErrorType(err))

	uninitialized := storage.NewMemoryStorage(createTestLogger())
	good := newMockExchange(t, map[string]http.HandlerFunc{
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) { binanceKlines(t, w, r) },
	})
	p = newPipeline(t, exchange.NewBinance(exchange.WithHost(good.URL)), uninitialized)
	_, err = p.Run(context.Background(), Request{Symbol: "NEARUSDT", Interval: "1m", Limit: 1})
	assert.ErrorIs(t, err, storage.ErrNotReady)
	assert.Equal(t, apperrors.ErrorTypeStorage, apperrors.GetErrorType(err))
}

func TestFetchDoesNotStore(t *testing.T) {
	server := newMockExchange(t, map[string]http.HandlerFunc{
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) { binanceKlines(t, w, r) },
	})

	engine := newReadyEngine(t)
	p := newPipeline(t, exchange.NewBinance(exchange.WithHost(server.URL)), engine)

	klines, err := p.Fetch(context.Background(), Request{Symbol: "NEARUSDT", Interval: "1m", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, klines, 3)

	rows, err := engine.Query(context.Background(), storage.QueryRequest{Metrics: []string{storage.TableKlines}})
	require.NoError(t, err)
	assert.Empty(t, rows.Rows)
}

func TestRunAll(t *testing.T) {
	var calls int32
	server := newMockExchange(t, map[string]http.HandlerFunc{
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			if r.URL.Query().Get("symbol") == "BADUSDT" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			binanceKlines(t, w, r)
		},
	})

	reqs := make([]Request, 0, 6)
	for i := 0; i < 5; i++ {
		reqs = append(reqs, Request{Symbol: fmt.Sprintf("SYM%dUSDT", i), Interval: "1m", Limit: 2})
	}
	reqs = append(reqs, Request{Symbol: "BADUSDT", Interval: "1m", Limit: 2})

	registry := metrics.NewRegistry()
	p := newPipeline(t, exchange.NewBinance(exchange.WithHost(server.URL)), newReadyEngine(t), WithMetrics(registry))

	results, err := p.RunAll(context.Background(), reqs, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BADUSDT")
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))

	require.Len(t, results, 6)
	for i := 0; i < 5; i++ {
		require.NotNil(t, results[i])
		assert.Equal(t, reqs[i].Symbol, results[i].Request.Symbol)
		assert.Equal(t, 2, results[i].Stored)
	}
	assert.Nil(t, results[5])

	snap, err := registry.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(5), snap.Total(metrics.RunsTotal))
	assert.Equal(t, float64(10), snap.Total(metrics.KlinesStored))
	assert.Zero(t, snap.Total(metrics.RunsInFlight))
	failed, ok := snap.Get(metrics.RunErrors, map[string]string{
		"exchange":   "binance",
		"symbol":     "BADUSDT",
		"interval":   "1m",
		"error_type": string(apperrors.ErrorTypeHTTPStatus),
	})
	require.True(t, ok)
	assert.Equal(t, float64(1), failed.Value)

	results, err = p.RunAll(context.Background(), nil, 4)
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunReportsGapsAndAnomalies(t *testing.T) {
	server := newMockExchange(t, map[string]http.HandlerFunc{
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[
				[1700000040000,"1.5","1.6","1.4","1.55","10",1700000099999,"15",3,"4","6","0"],
				[1700000100000,"1.55","1.50","1.5","1.65","12",1700000159999,"19",5,"6","9","0"],
				[1700000280000,"1.65","1.7","1.6","1.68","8",1700000339999,"13",2,"4","6","0"]
			]`))
		},
	})

	p := newPipeline(t, exchange.NewBinance(exchange.WithHost(server.URL)), newReadyEngine(t))
	result, err := p.Run(context.Background(), Request{Symbol: "NEARUSDT", Interval: "1m"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Stored, "anomalies are reported, not dropped")

	require.Len(t, result.Anomalies, 1)
	assert.Equal(t, validator.AnomalyHighBelow, result.Anomalies[0].Type)
	assert.Equal(t, int64(1700000100000), result.Anomalies[0].OpenTime)

	require.Len(t, result.Gaps, 1)
	assert.Equal(t, int64(1700000160000), result.Gaps[0].Start)
	assert.Equal(t, int64(1700000280000), result.Gaps[0].End)
	assert.Equal(t, 2, result.Gaps[0].Missing)

	snap, err := p.Metrics().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(1), snap.Total(metrics.AnomaliesFound))
	assert.Equal(t, float64(1), snap.Total(metrics.GapsFound))
}

func TestRunMonthlyIntervalSkipsGapDetection(t *testing.T) {
	server := newMockExchange(t, map[string]http.HandlerFunc{
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "1M", r.URL.Query().Get("interval"))
			binanceKlines(t, w, r)
		},
	})

	p := newPipeline(t, exchange.NewBinance(exchange.WithHost(server.URL)), newReadyEngine(t))
	result, err := p.Run(context.Background(), Request{Symbol: "NEARUSDT", Interval: "1M", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Stored)
	assert.Empty(t, result.Gaps)
}

func TestRunRecordRunFailure(t *testing.T) {
	server := newMockExchange(t, map[string]http.HandlerFunc{
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) { binanceKlines(t, w, r) },
	})

	engine := new(MockEngine)
	engine.On("Store", mock.Anything, mock.MatchedBy(func(req storage.StoreRequest) bool {
		return req.Symbol == "NEARUSDT" && req.Interval == "1m" && len(req.Klines) == 3
	})).Return(3, nil)
	recordErr := storage.NewStorageError("record_run", storage.TableIngestRuns, "", fmt.Errorf("disk full"))
	engine.On("RecordRun", mock.Anything, mock.MatchedBy(func(run storage.Run) bool {
		return run.Fetched == 3 && run.Stored == 3 && run.Exchange == "binance"
	})).Return(recordErr)

	p := newPipeline(t, exchange.NewBinance(exchange.WithHost(server.URL)), engine)
	result, err := p.Run(context.Background(), Request{Symbol: "NEARUSDT", Interval: "1m", Limit: 3})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, recordErr)
	assert.Equal(t, apperrors.ErrorTypeStorage, apperrors.GetErrorType(err))

	engine.AssertExpectations(t)
	engine.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}
