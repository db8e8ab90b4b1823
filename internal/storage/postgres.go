package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage stores klines in PostgreSQL through a pgx connection pool.
type PostgresStorage struct {
	lifecycle

	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStorage creates the pool. Connections are established lazily,
// so a bad DSN is reported here but an unreachable server is not.
func NewPostgresStorage(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("invalid PostgreSQL DSN: %w", err))
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to create PostgreSQL pool: %w", err))
	}

	return &PostgresStorage{pool: pool, logger: logger}, nil
}

func postgresSchema() []SchemaObject {
	return []SchemaObject{
		{
			Name: TableKlines,
			Kind: ObjectTable,
			DDL: `CREATE TABLE klines (
				exchange TEXT NOT NULL,
				symbol TEXT NOT NULL,
				interval TEXT NOT NULL,
				open_time BIGINT NOT NULL,
				open TEXT NOT NULL,
				high TEXT NOT NULL,
				low TEXT NOT NULL,
				close TEXT NOT NULL,
				volume TEXT NOT NULL,
				close_time BIGINT NOT NULL,
				quote_volume TEXT NOT NULL,
				trade_count BIGINT NOT NULL,
				taker_buy_base_volume TEXT NOT NULL,
				taker_buy_quote_volume TEXT NOT NULL,
				PRIMARY KEY (exchange, symbol, interval, open_time)
			)`,
		},
		{
			Name:  IndexKlines,
			Kind:  ObjectIndex,
			Table: TableKlines,
			DDL:   `CREATE INDEX idx_klines_exchange_symbol ON klines (exchange, symbol)`,
		},
		{
			Name: TableIngestRuns,
			Kind: ObjectTable,
			DDL: `CREATE TABLE ingest_runs (
				id TEXT PRIMARY KEY,
				exchange TEXT NOT NULL,
				symbol TEXT NOT NULL,
				interval TEXT NOT NULL,
				fetched BIGINT NOT NULL,
				stored BIGINT NOT NULL,
				started_at TIMESTAMPTZ NOT NULL,
				finished_at TIMESTAMPTZ NOT NULL
			)`,
		},
	}
}

// Initialize creates the tables and index that are missing.
func (p *PostgresStorage) Initialize(ctx context.Context) (*InitReport, error) {
	return p.run(func() (*InitReport, error) {
		p.logger.Info("initializing PostgreSQL storage")
		return initializeSchema(ctx, p, postgresSchema(), p.logger)
	})
}

func (p *PostgresStorage) objectExists(ctx context.Context, obj SchemaObject) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, obj.Name).Scan(&exists)
	return exists, err
}

func (p *PostgresStorage) createObject(ctx context.Context, obj SchemaObject) error {
	_, err := p.pool.Exec(ctx, obj.DDL)
	return err
}

// Store queues one insert per kline in a single batch round trip.
func (p *PostgresStorage) Store(ctx context.Context, req StoreRequest) (int, error) {
	if err := p.requireReady("store"); err != nil {
		return 0, err
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if len(req.Klines) == 0 {
		return 0, nil
	}

	query := `INSERT INTO klines (
		exchange, symbol, interval, open_time, open, high, low, close, volume,
		close_time, quote_volume, trade_count, taker_buy_base_volume, taker_buy_quote_volume
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT DO NOTHING`

	batch := &pgx.Batch{}
	for _, k := range req.Klines {
		batch.Queue(query, klineValues(req.Symbol, req.Interval, k)...)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for i := range req.Klines {
		tag, err := results.Exec()
		if err != nil {
			return 0, NewInsertError(TableKlines, fmt.Errorf("failed to insert kline %d: %w", req.Klines[i].OpenTime, err))
		}
		inserted += int(tag.RowsAffected())
	}

	if err := results.Close(); err != nil {
		return 0, NewInsertError(TableKlines, err)
	}

	p.logger.Debug("stored klines in PostgreSQL",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"received", len(req.Klines),
		"inserted", inserted)

	return inserted, nil
}

// RecordRun inserts the run summary.
func (p *PostgresStorage) RecordRun(ctx context.Context, run Run) error {
	if err := p.requireReady("record_run"); err != nil {
		return err
	}

	query := `INSERT INTO ingest_runs (id, exchange, symbol, interval, fetched, stored, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := p.pool.Exec(ctx, query, runValues(run)...); err != nil {
		return NewInsertError(TableIngestRuns, err)
	}
	return nil
}

// Query runs a PostgreSQL statement.
func (p *PostgresStorage) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if err := p.requireReady("query"); err != nil {
		return nil, err
	}
	table := firstMetric(req.Metrics)
	req, err := withDefaultStatement(req)
	if err != nil {
		return nil, err
	}

	if !isRowStatement(req.Statement) {
		tag, err := p.pool.Exec(ctx, req.Statement, req.Args...)
		if err != nil {
			return nil, NewQueryError(table, req.Statement, err)
		}
		return &QueryResult{AffectedRows: tag.RowsAffected()}, nil
	}

	rows, err := p.pool.Query(ctx, req.Statement, req.Args...)
	if err != nil {
		return nil, NewQueryError(table, req.Statement, err)
	}
	defer rows.Close()

	result := &QueryResult{Rows: make([][]any, 0)}
	for _, fd := range rows.FieldDescriptions() {
		result.Columns = append(result.Columns, fd.Name)
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, NewQueryError(table, req.Statement, err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(table, req.Statement, err)
	}

	return result, nil
}

// HealthCheck acquires a connection and pings the server.
func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes every pooled connection.
func (p *PostgresStorage) Close() error {
	p.logger.Info("closing PostgreSQL storage")
	p.pool.Close()
	return nil
}
