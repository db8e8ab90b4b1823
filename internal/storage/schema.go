package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ObjectKind distinguishes schema objects whose existence is checked differently.
type ObjectKind string

const (
	ObjectTable ObjectKind = "table"
	ObjectIndex ObjectKind = "index"
)

// SchemaObject is one named object a backend must have before use.
type SchemaObject struct {
	Name  string
	Kind  ObjectKind
	Table string // owning table, for indexes
	DDL   string
}

// schemaDialect is the pair of operations initializeSchema needs from a backend.
type schemaDialect interface {
	objectExists(ctx context.Context, obj SchemaObject) (bool, error)
	createObject(ctx context.Context, obj SchemaObject) error
}

// initializeSchema walks objects in order. Each one is checked by name first
// and only created when absent; a create that fails because the object
// appeared meanwhile counts as existing. The first other failure stops the
// walk and leaves already created objects in place.
func initializeSchema(ctx context.Context, dialect schemaDialect, objects []SchemaObject, logger *slog.Logger) (*InitReport, error) {
	report := &InitReport{}

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return report, NewStorageError("initialize", obj.Name, "", err)
		}

		exists, err := dialect.objectExists(ctx, obj)
		if err != nil {
			return report, NewStorageError("initialize", obj.Name, "",
				fmt.Errorf("failed to check %s existence: %w", obj.Kind, err))
		}

		if exists {
			logger.Info("schema object already exists", "object", obj.Name, "kind", obj.Kind)
			report.Existing = append(report.Existing, obj.Name)
			continue
		}

		if err := dialect.createObject(ctx, obj); err != nil {
			if isAlreadyExists(err) {
				logger.Info("schema object already exists", "object", obj.Name, "kind", obj.Kind)
				report.Existing = append(report.Existing, obj.Name)
				continue
			}
			return report, NewStorageError("initialize", obj.Name, obj.DDL,
				fmt.Errorf("failed to create %s: %w", obj.Kind, err))
		}

		logger.Info("created schema object", "object", obj.Name, "kind", obj.Kind)
		report.Created = append(report.Created, obj.Name)
	}

	return report, nil
}

// ErrAlreadyExists is reported by backends whose create primitive detects the
// object itself.
var ErrAlreadyExists = errors.New("already exists")

// PostgreSQL duplicate_table and duplicate_object.
var pgDuplicateCodes = map[string]bool{"42P07": true, "42710": true}

func isAlreadyExists(err error) bool {
	if errors.Is(err, ErrAlreadyExists) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgDuplicateCodes[pgErr.Code] {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
