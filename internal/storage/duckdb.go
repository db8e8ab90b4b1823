package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
)

// DuckDBStorage stores klines in a DuckDB file (or ":memory:") through
// database/sql.
type DuckDBStorage struct {
	lifecycle

	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewDuckDBStorage creates a new DuckDB storage instance.
// The dbPath can be ":memory:" for in-memory database or a file path for persistent storage.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connector, err := duckdb.NewConnector(dbPath, nil)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}
	db := sql.OpenDB(connector)

	// Single writer, as recommended for DuckDB
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}, nil
}

func duckDBSchema() []SchemaObject {
	return []SchemaObject{
		{
			Name: TableKlines,
			Kind: ObjectTable,
			DDL: `CREATE TABLE klines (
				exchange VARCHAR NOT NULL,
				symbol VARCHAR NOT NULL,
				interval VARCHAR NOT NULL,
				open_time BIGINT NOT NULL,
				open VARCHAR NOT NULL,
				high VARCHAR NOT NULL,
				low VARCHAR NOT NULL,
				close VARCHAR NOT NULL,
				volume VARCHAR NOT NULL,
				close_time BIGINT NOT NULL,
				quote_volume VARCHAR NOT NULL,
				trade_count BIGINT NOT NULL,
				taker_buy_base_volume VARCHAR NOT NULL,
				taker_buy_quote_volume VARCHAR NOT NULL,
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
				id VARCHAR PRIMARY KEY,
				exchange VARCHAR NOT NULL,
				symbol VARCHAR NOT NULL,
				interval VARCHAR NOT NULL,
				fetched BIGINT NOT NULL,
				stored BIGINT NOT NULL,
				started_at TIMESTAMPTZ NOT NULL,
				finished_at TIMESTAMPTZ NOT NULL
			)`,
		},
	}
}

// Initialize creates the tables and index that are missing.
func (d *DuckDBStorage) Initialize(ctx context.Context) (*InitReport, error) {
	return d.run(func() (*InitReport, error) {
		d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)
		return initializeSchema(ctx, d, duckDBSchema(), d.logger)
	})
}

func (d *DuckDBStorage) objectExists(ctx context.Context, obj SchemaObject) (bool, error) {
	var query string
	switch obj.Kind {
	case ObjectIndex:
		query = `SELECT count(*) FROM duckdb_indexes() WHERE index_name = ?`
	default:
		query = `SELECT count(*) FROM information_schema.tables WHERE table_name = ?`
	}

	var count int64
	if err := d.db.QueryRowContext(ctx, query, obj.Name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (d *DuckDBStorage) createObject(ctx context.Context, obj SchemaObject) error {
	_, err := d.db.ExecContext(ctx, obj.DDL)
	return err
}

// Store inserts the batch in one transaction; rows whose key exists are skipped.
func (d *DuckDBStorage) Store(ctx context.Context, req StoreRequest) (int, error) {
	if err := d.requireReady("store"); err != nil {
		return 0, err
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if len(req.Klines) == 0 {
		return 0, nil
	}

	start := time.Now()
	query := `INSERT OR IGNORE INTO klines (
		exchange, symbol, interval, open_time, open, high, low, close, volume,
		close_time, quote_volume, trade_count, taker_buy_base_volume, taker_buy_quote_volume
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewInsertError(TableKlines, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, NewStorageError("store", TableKlines, query, fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	inserted := 0
	for _, k := range req.Klines {
		res, err := stmt.ExecContext(ctx, klineValues(req.Symbol, req.Interval, k)...)
		if err != nil {
			return 0, NewInsertError(TableKlines, fmt.Errorf("failed to insert kline %d: %w", k.OpenTime, err))
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError(TableKlines, fmt.Errorf("failed to commit transaction: %w", err))
	}

	d.logger.Debug("stored klines in DuckDB",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"received", len(req.Klines),
		"inserted", inserted,
		"duration", time.Since(start))

	return inserted, nil
}

// RecordRun inserts the run summary.
func (d *DuckDBStorage) RecordRun(ctx context.Context, run Run) error {
	if err := d.requireReady("record_run"); err != nil {
		return err
	}

	query := `INSERT INTO ingest_runs (id, exchange, symbol, interval, fetched, stored, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, query, runValues(run)...); err != nil {
		return NewInsertError(TableIngestRuns, err)
	}
	return nil
}

// Query runs a DuckDB SQL statement.
func (d *DuckDBStorage) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if err := d.requireReady("query"); err != nil {
		return nil, err
	}
	return querySQL(ctx, d.db, req)
}

// HealthCheck pings the database through the driver connection.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	err = conn.Raw(func(dc interface{}) error {
		if _, ok := dc.(*duckdb.Conn); !ok {
			return fmt.Errorf("unexpected driver connection type %T", dc)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var one int
	return conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Close closes the database.
func (d *DuckDBStorage) Close() error {
	d.logger.Info("closing DuckDB storage")
	return d.db.Close()
}

// querySQL runs a statement on a database/sql handle, returning rows for
// row-producing statements and the affected count otherwise.
func querySQL(ctx context.Context, db *sql.DB, req QueryRequest) (*QueryResult, error) {
	table := firstMetric(req.Metrics)
	req, err := withDefaultStatement(req)
	if err != nil {
		return nil, err
	}

	if isRowStatement(req.Statement) {
		rows, err := db.QueryContext(ctx, req.Statement, req.Args...)
		if err != nil {
			return nil, NewQueryError(table, req.Statement, err)
		}
		result, err := scanRows(rows)
		if err != nil {
			return nil, NewQueryError(table, req.Statement, err)
		}
		return result, nil
	}

	res, err := db.ExecContext(ctx, req.Statement, req.Args...)
	if err != nil {
		return nil, NewQueryError(table, req.Statement, err)
	}
	affected, _ := res.RowsAffected()
	return &QueryResult{AffectedRows: affected}, nil
}

func firstMetric(metrics []string) string {
	if len(metrics) == 0 {
		return ""
	}
	return metrics[0]
}
