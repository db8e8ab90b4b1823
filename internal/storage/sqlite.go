package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/johnayoung/go-exbot/internal/models"
)

// sqliteBatchSize keeps each INSERT under SQLite's bound-parameter limit.
const sqliteBatchSize = 500

// klineRow is the gorm mapping of the klines table.
type klineRow struct {
	Exchange            string `gorm:"column:exchange;primaryKey"`
	Symbol              string `gorm:"column:symbol;primaryKey"`
	Interval            string `gorm:"column:interval;primaryKey"`
	OpenTime            int64  `gorm:"column:open_time;primaryKey;autoIncrement:false"`
	Open                string `gorm:"column:open"`
	High                string `gorm:"column:high"`
	Low                 string `gorm:"column:low"`
	Close               string `gorm:"column:close"`
	Volume              string `gorm:"column:volume"`
	CloseTime           int64  `gorm:"column:close_time"`
	QuoteVolume         string `gorm:"column:quote_volume"`
	TradeCount          int64  `gorm:"column:trade_count"`
	TakerBuyBaseVolume  string `gorm:"column:taker_buy_base_volume"`
	TakerBuyQuoteVolume string `gorm:"column:taker_buy_quote_volume"`
}

func (klineRow) TableName() string { return TableKlines }

func newKlineRow(symbol, interval string, k models.Kline) klineRow {
	return klineRow{
		Exchange:            string(k.Exchange),
		Symbol:              symbol,
		Interval:            interval,
		OpenTime:            k.OpenTime,
		Open:                k.Open,
		High:                k.High,
		Low:                 k.Low,
		Close:               k.Close,
		Volume:              k.Volume,
		CloseTime:           k.CloseTime,
		QuoteVolume:         k.QuoteVolume,
		TradeCount:          k.TradeCount,
		TakerBuyBaseVolume:  k.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: k.TakerBuyQuoteVolume,
	}
}

// runRow is the gorm mapping of the ingest_runs table.
type runRow struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Exchange   string    `gorm:"column:exchange"`
	Symbol     string    `gorm:"column:symbol"`
	Interval   string    `gorm:"column:interval"`
	Fetched    int64     `gorm:"column:fetched"`
	Stored     int64     `gorm:"column:stored"`
	StartedAt  time.Time `gorm:"column:started_at"`
	FinishedAt time.Time `gorm:"column:finished_at"`
}

func (runRow) TableName() string { return TableIngestRuns }

// SQLiteStorage stores klines in a SQLite file through gorm.
type SQLiteStorage struct {
	lifecycle

	db     *gorm.DB
	dbPath string
	logger *slog.Logger
}

// NewSQLiteStorage opens the database file. ":memory:" gives a private
// in-memory database.
func NewSQLiteStorage(dbPath string, logger *slog.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open SQLite database: %w", err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to get SQLite handle: %w", err))
	}
	// One connection, so ":memory:" is the same database for every call
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}, nil
}

func sqliteSchema() []SchemaObject {
	return []SchemaObject{
		{
			Name: TableKlines,
			Kind: ObjectTable,
			DDL: `CREATE TABLE klines (
				exchange TEXT NOT NULL,
				symbol TEXT NOT NULL,
				interval TEXT NOT NULL,
				open_time INTEGER NOT NULL,
				open TEXT NOT NULL,
				high TEXT NOT NULL,
				low TEXT NOT NULL,
				close TEXT NOT NULL,
				volume TEXT NOT NULL,
				close_time INTEGER NOT NULL,
				quote_volume TEXT NOT NULL,
				trade_count INTEGER NOT NULL,
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
				fetched INTEGER NOT NULL,
				stored INTEGER NOT NULL,
				started_at DATETIME NOT NULL,
				finished_at DATETIME NOT NULL
			)`,
		},
	}
}

// Initialize creates the tables and index that are missing.
func (s *SQLiteStorage) Initialize(ctx context.Context) (*InitReport, error) {
	return s.run(func() (*InitReport, error) {
		s.logger.Info("initializing SQLite storage", "db_path", s.dbPath)
		return initializeSchema(ctx, s, sqliteSchema(), s.logger)
	})
}

func (s *SQLiteStorage) objectExists(ctx context.Context, obj SchemaObject) (bool, error) {
	migrator := s.db.WithContext(ctx).Migrator()
	if obj.Kind == ObjectIndex {
		return migrator.HasIndex(obj.Table, obj.Name), nil
	}
	return migrator.HasTable(obj.Name), nil
}

func (s *SQLiteStorage) createObject(ctx context.Context, obj SchemaObject) error {
	return s.db.WithContext(ctx).Exec(obj.DDL).Error
}

// Store inserts the batch, skipping rows whose key exists.
func (s *SQLiteStorage) Store(ctx context.Context, req StoreRequest) (int, error) {
	if err := s.requireReady("store"); err != nil {
		return 0, err
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	if len(req.Klines) == 0 {
		return 0, nil
	}

	rows := make([]klineRow, 0, len(req.Klines))
	for _, k := range req.Klines {
		rows = append(rows, newKlineRow(req.Symbol, req.Interval, k))
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, sqliteBatchSize)
	if result.Error != nil {
		return 0, NewInsertError(TableKlines, result.Error)
	}

	s.logger.Debug("stored klines in SQLite",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"received", len(req.Klines),
		"inserted", result.RowsAffected)

	return int(result.RowsAffected), nil
}

// RecordRun inserts the run summary.
func (s *SQLiteStorage) RecordRun(ctx context.Context, run Run) error {
	if err := s.requireReady("record_run"); err != nil {
		return err
	}

	row := runRow{
		ID:         run.ID,
		Exchange:   run.Exchange,
		Symbol:     run.Symbol,
		Interval:   run.Interval,
		Fetched:    int64(run.Fetched),
		Stored:     int64(run.Stored),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return NewInsertError(TableIngestRuns, err)
	}
	return nil
}

// Query runs a SQLite statement.
func (s *SQLiteStorage) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if err := s.requireReady("query"); err != nil {
		return nil, err
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, NewQueryError(firstMetric(req.Metrics), req.Statement, err)
	}
	return querySQL(ctx, sqlDB, req)
}

// HealthCheck pings the database.
func (s *SQLiteStorage) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	s.logger.Info("closing SQLite storage")
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
