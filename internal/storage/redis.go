package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/go-exbot/internal/models"
)

const (
	redisPrefix     = "exbot"
	redisSchemaKey  = redisPrefix + ":schema"
	redisSeriesKey  = redisPrefix + ":series"
	redisRunsKey    = redisPrefix + ":" + TableIngestRuns
	redisKlinesBase = redisPrefix + ":" + TableKlines
)

// RedisStorage keeps each kline series in a sorted set scored by open time,
// with the kline bodies in a companion hash keyed by open time. Schema
// objects are fields of the exbot:schema hash, so HSETNX gives an atomic
// check-then-create.
type RedisStorage struct {
	lifecycle

	client *redis.Client
	logger *slog.Logger
}

// NewRedisStorage creates the client. The endpoint is either a redis:// URL
// or a bare host:port.
func NewRedisStorage(endpoint string, logger *slog.Logger) (*RedisStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts *redis.Options
	if strings.Contains(endpoint, "://") {
		parsed, err := redis.ParseURL(endpoint)
		if err != nil {
			return nil, NewStorageError("open", "", "", fmt.Errorf("invalid Redis URL: %w", err))
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: endpoint}
	}

	return &RedisStorage{client: redis.NewClient(opts), logger: logger}, nil
}

func redisSchema() []SchemaObject {
	return []SchemaObject{
		{Name: TableKlines, Kind: ObjectTable, DDL: redisKlinesBase + ":<exchange>:<symbol>:<interval>"},
		{Name: IndexKlines, Kind: ObjectIndex, Table: TableKlines, DDL: redisSeriesKey},
		{Name: TableIngestRuns, Kind: ObjectTable, DDL: redisRunsKey},
	}
}

// Initialize registers the schema objects that are missing.
func (r *RedisStorage) Initialize(ctx context.Context) (*InitReport, error) {
	return r.run(func() (*InitReport, error) {
		r.logger.Info("initializing Redis storage", "addr", r.client.Options().Addr)
		return initializeSchema(ctx, r, redisSchema(), r.logger)
	})
}

func (r *RedisStorage) objectExists(ctx context.Context, obj SchemaObject) (bool, error) {
	return r.client.HExists(ctx, redisSchemaKey, obj.Name).Result()
}

func (r *RedisStorage) createObject(ctx context.Context, obj SchemaObject) error {
	created, err := r.client.HSetNX(ctx, redisSchemaKey, obj.Name, obj.DDL).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%s %s: %w", obj.Kind, obj.Name, ErrAlreadyExists)
	}
	return nil
}

func redisSeries(exchange models.ExchangeID, symbol, interval string) string {
	return fmt.Sprintf("%s:%s:%s:%s", redisKlinesBase, exchange, symbol, interval)
}

// Store adds klines whose open time is not in the series yet.
func (r *RedisStorage) Store(ctx context.Context, req StoreRequest) (int, error) {
	if err := r.requireReady("store"); err != nil {
		return 0, err
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if len(req.Klines) == 0 {
		return 0, nil
	}

	adds := make([]*redis.IntCmd, 0, len(req.Klines))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range req.Klines {
			body, err := json.Marshal(k)
			if err != nil {
				return err
			}

			key := redisSeries(k.Exchange, req.Symbol, req.Interval)
			member := strconv.FormatInt(k.OpenTime, 10)

			adds = append(adds, pipe.ZAddNX(ctx, key, redis.Z{Score: float64(k.OpenTime), Member: member}))
			pipe.HSetNX(ctx, key+":data", member, body)
			pipe.SAdd(ctx, redisSeriesKey, key)
		}
		return nil
	})
	if err != nil {
		return 0, NewInsertError(TableKlines, err)
	}

	inserted := 0
	for _, cmd := range adds {
		inserted += int(cmd.Val())
	}

	r.logger.Debug("stored klines in Redis",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"received", len(req.Klines),
		"inserted", inserted)

	return inserted, nil
}

// RecordRun stores the run as JSON in the ingest_runs hash.
func (r *RedisStorage) RecordRun(ctx context.Context, run Run) error {
	if err := r.requireReady("record_run"); err != nil {
		return err
	}

	body, err := json.Marshal(run)
	if err != nil {
		return NewInsertError(TableIngestRuns, err)
	}
	if err := r.client.HSet(ctx, redisRunsKey, run.ID, body).Err(); err != nil {
		return NewInsertError(TableIngestRuns, err)
	}
	return nil
}

// Query runs a raw Redis command, e.g. "ZRANGE exbot:klines:binance:NEARUSDT:1m 0 -1".
// Args are appended after the statement's words.
func (r *RedisStorage) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if err := r.requireReady("query"); err != nil {
		return nil, err
	}

	words := strings.Fields(req.Statement)
	if len(words) == 0 {
		return nil, NewQueryError(firstMetric(req.Metrics), req.Statement, fmt.Errorf("empty command"))
	}

	args := make([]any, 0, len(words)+len(req.Args))
	for _, w := range words {
		args = append(args, w)
	}
	args = append(args, req.Args...)

	value, err := r.client.Do(ctx, args...).Result()
	if err == redis.Nil {
		return &QueryResult{Columns: []string{"value"}, Rows: make([][]any, 0)}, nil
	}
	if err != nil {
		return nil, NewQueryError(firstMetric(req.Metrics), req.Statement, err)
	}

	return redisResult(value), nil
}

// redisResult turns a reply into rows: arrays give one row per element,
// maps one row per entry, scalars a single row.
func redisResult(value any) *QueryResult {
	switch v := value.(type) {
	case []any:
		result := &QueryResult{Columns: []string{"value"}, Rows: make([][]any, 0, len(v))}
		for _, item := range v {
			result.Rows = append(result.Rows, []any{item})
		}
		return result
	case map[any]any:
		result := &QueryResult{Columns: []string{"field", "value"}, Rows: make([][]any, 0, len(v))}
		for field, item := range v {
			result.Rows = append(result.Rows, []any{field, item})
		}
		return result
	case int64:
		return &QueryResult{Columns: []string{"value"}, Rows: [][]any{{v}}, AffectedRows: v}
	default:
		return &QueryResult{Columns: []string{"value"}, Rows: [][]any{{v}}}
	}
}

// HealthCheck sends PING.
func (r *RedisStorage) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisStorage) Close() error {
	r.logger.Info("closing Redis storage")
	return r.client.Close()
}
