// Package storage defines the storage engine abstraction for kline persistence
// and its backends. Every backend shares the same lifecycle: it is opened,
// initialized idempotently (each schema object is checked by name before it is
// created), and then queried with backend-native statements.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/johnayoung/go-exbot/internal/errors"
	"github.com/johnayoung/go-exbot/internal/models"
)

// Kind identifies a storage backend.
type Kind string

const (
	KindDuckDB   Kind = "duckdb"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindRedis    Kind = "redis"
	KindMemory   Kind = "memory"
	// KindCeresDB is accepted in configuration files but has no backend.
	KindCeresDB Kind = "ceresdb"
)

// Kinds lists every known kind, supported or not.
func Kinds() []Kind {
	return []Kind{KindDuckDB, KindSQLite, KindPostgres, KindRedis, KindMemory, KindCeresDB}
}

// ParseKind resolves a configured backend name. Unknown names are a
// configuration error.
func ParseKind(name string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(name)))
	for _, k := range Kinds() {
		if k == kind {
			return k, nil
		}
	}
	return "", apperrors.NewConfigurationError("storage", "parse_kind",
		fmt.Errorf("unknown storage kind: %q", name))
}

// Supported reports whether the kind has a backend in this build.
func (k Kind) Supported() bool {
	switch k {
	case KindDuckDB, KindSQLite, KindPostgres, KindRedis, KindMemory:
		return true
	default:
		return false
	}
}

// Config selects a backend and where to reach it.
type Config struct {
	Kind     Kind   `yaml:"db_type" json:"db_type"`
	Endpoint string `yaml:"db_endpoint" json:"db_endpoint"`
}

// Validate checks the kind is supported and an endpoint is present where one
// is needed. It performs no I/O.
func (c Config) Validate() error {
	if !c.Kind.Supported() {
		return apperrors.NewConfigurationError("storage", "validate",
			fmt.Errorf("unsupported storage kind: %q", c.Kind))
	}
	if c.Endpoint == "" && c.Kind != KindMemory {
		return apperrors.NewConfigurationError("storage", "validate",
			fmt.Errorf("storage kind %s requires an endpoint", c.Kind))
	}
	return nil
}

// State is the lifecycle position of an engine.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// QueryRequest is a backend-native statement plus the metrics it concerns.
// Metrics name the tables (or key families) the caller is interested in;
// backends that cannot select by statement use them to pick what to return.
type QueryRequest struct {
	Metrics   []string
	Statement string
	Args      []any
}

// QueryResult holds whatever the backend returned. Statements that do not
// produce rows report AffectedRows instead.
type QueryResult struct {
	Columns      []string
	Rows         [][]any
	AffectedRows int64
}

// StoreRequest is a batch of klines of one series.
type StoreRequest struct {
	Symbol   string
	Interval string
	Klines   []models.Kline
}

// Validate checks the request
func (r StoreRequest) Validate() error {
	if r.Symbol == "" {
		return apperrors.NewValidationError("storage", "store", fmt.Errorf("symbol is required"))
	}
	if r.Interval == "" {
		return apperrors.NewValidationError("storage", "store", fmt.Errorf("interval is required"))
	}
	return nil
}

// Run is one ingestion run as recorded in the ingest_runs table.
type Run struct {
	ID         string    `json:"id"`
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Interval   string    `json:"interval"`
	Fetched    int       `json:"fetched"`
	Stored     int       `json:"stored"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// InitReport lists which schema objects an Initialize call created and which
// were already present.
type InitReport struct {
	Created  []string
	Existing []string
}

// Engine is a storage backend.
type Engine interface {
	// Initialize creates every schema object that does not exist yet. It is
	// idempotent: a second call creates nothing and reports every object as
	// existing. The first real failure aborts the remaining objects; objects
	// created before it are kept.
	Initialize(ctx context.Context) (*InitReport, error)

	// Query runs a backend-native statement.
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)

	// Store writes klines, ignoring rows whose key already exists. It returns
	// the number of rows actually inserted.
	Store(ctx context.Context, req StoreRequest) (int, error)

	// RecordRun persists the summary of an ingestion run.
	RecordRun(ctx context.Context, run Run) error

	// State returns the lifecycle state.
	State() State

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend's connections.
	Close() error
}

// Schema object names shared by every backend.
const (
	TableKlines     = "klines"
	TableIngestRuns = "ingest_runs"
	IndexKlines     = "idx_klines_exchange_symbol"
)

// StorageError represents errors that occur during storage operations.
// Provides structured error information for better error handling and debugging.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "initialize", "query")
	Operation string

	// Table is the schema object involved in the operation
	Table string

	// Query is the statement or command (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrorType classifies the error as a storage error unless the cause
// already carries a more specific kind.
func (e *StorageError) ErrorType() apperrors.ErrorType {
	if inner := apperrors.GetErrorType(e.Err); inner != apperrors.ErrorTypeUnknown {
		return inner
	}
	return apperrors.ErrorTypeStorage
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError specifically for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}

// ErrNotReady is returned by data operations on an engine that has not been
// initialized.
var ErrNotReady = fmt.Errorf("storage engine is not initialized")

// lifecycle tracks the state machine shared by every backend.
type lifecycle struct {
	mu    sync.Mutex
	state atomic.Int32
}

func (l *lifecycle) State() State {
	return State(l.state.Load())
}

// run moves the engine through Initializing and ends in Ready on success or
// back in Uninitialized on failure.
func (l *lifecycle) run(fn func() (*InitReport, error)) (*InitReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state.Store(int32(StateInitializing))
	report, err := fn()
	if err != nil {
		l.state.Store(int32(StateUninitialized))
		return report, err
	}
	l.state.Store(int32(StateReady))
	return report, nil
}

func (l *lifecycle) requireReady(operation string) error {
	if l.State() != StateReady {
		return NewStorageError(operation, "", "", ErrNotReady)
	}
	return nil
}

// withDefaultStatement fills an empty SQL statement with a full read of the
// first metric. Only the shared table names are accepted there.
func withDefaultStatement(req QueryRequest) (QueryRequest, error) {
	if strings.TrimSpace(req.Statement) != "" {
		return req, nil
	}
	switch table := firstMetric(req.Metrics); table {
	case TableKlines:
		req.Statement = `SELECT * FROM klines ORDER BY exchange, symbol, "interval", open_time`
	case TableIngestRuns:
		req.Statement = "SELECT * FROM ingest_runs ORDER BY started_at"
	default:
		return req, NewQueryError(table, "", fmt.Errorf("empty statement"))
	}
	return req, nil
}

// isRowStatement reports whether a SQL statement returns rows.
func isRowStatement(statement string) bool {
	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "SHOW", "DESCRIBE", "PRAGMA", "EXPLAIN", "VALUES", "FROM", "SUMMARIZE":
		return true
	default:
		return false
	}
}

// scanRows drains database/sql rows into a QueryResult.
func scanRows(rows *sql.Rows) (*QueryResult, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := &QueryResult{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return result, nil
}
