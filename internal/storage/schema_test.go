package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-exbot/internal/errors"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDialect records calls and lets tests script existence and create results.
type fakeDialect struct {
	existing  map[string]bool
	createErr map[string]error
	checkErr  map[string]error
	checked   []string
	created   []string
}

func newFakeDialect() *fakeDialect {
	return &fakeDialect{
		existing:  make(map[string]bool),
		createErr: make(map[string]error),
		checkErr:  make(map[string]error),
	}
}

func (f *fakeDialect) objectExists(ctx context.Context, obj SchemaObject) (bool, error) {
	f.checked = append(f.checked, obj.Name)
	if err := f.checkErr[obj.Name]; err != nil {
		return false, err
	}
	return f.existing[obj.Name], nil
}

func (f *fakeDialect) createObject(ctx context.Context, obj SchemaObject) error {
	if err := f.createErr[obj.Name]; err != nil {
		return err
	}
	f.created = append(f.created, obj.Name)
	f.existing[obj.Name] = true
	return nil
}

func TestInitializeSchema(t *testing.T) {
	ctx := context.Background()
	objects := memorySchema()

	t.Run("creates missing objects in order", func(t *testing.T) {
		dialect := newFakeDialect()
		dialect.existing[IndexKlines] = true

		report, err := initializeSchema(ctx, dialect, objects, createTestLogger())
		require.NoError(t, err)

		assert.Equal(t, []string{TableKlines, TableIngestRuns}, report.Created)
		assert.Equal(t, []string{IndexKlines}, report.Existing)
		assert.Equal(t, []string{TableKlines, IndexKlines, TableIngestRuns}, dialect.checked)
	})

	t.Run("second run creates nothing", func(t *testing.T) {
		dialect := newFakeDialect()

		_, err := initializeSchema(ctx, dialect, objects, createTestLogger())
		require.NoError(t, err)

		report, err := initializeSchema(ctx, dialect, objects, createTestLogger())
		require.NoError(t, err)
		assert.Empty(t, report.Created)
		assert.Len(t, report.Existing, len(objects))
		assert.Len(t, dialect.created, len(objects))
	})

	t.Run("already exists on create counts as existing", func(t *testing.T) {
		dialect := newFakeDialect()
		dialect.createErr[TableKlines] = errors.New(`Catalog Error: Table with name "klines" already exists!`)
		dialect.createErr[IndexKlines] = &pgconn.PgError{Code: "42P07", Message: "relation exists"}
		dialect.createErr[TableIngestRuns] = ErrAlreadyExists

		report, err := initializeSchema(ctx, dialect, objects, createTestLogger())
		require.NoError(t, err)
		assert.Empty(t, report.Created)
		assert.Equal(t, []string{TableKlines, IndexKlines, TableIngestRuns}, report.Existing)
	})

	t.Run("first failure aborts and keeps earlier objects", func(t *testing.T) {
		dialect := newFakeDialect()
		dialect.createErr[IndexKlines] = errors.New("disk I/O error")

		report, err := initializeSchema(ctx, dialect, objects, createTestLogger())
		require.Error(t, err)

		var storageErr *StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, IndexKlines, storageErr.Table)
		assert.Equal(t, apperrors.ErrorTypeStorage, apperrors.GetErrorType(err))

		assert.Equal(t, []string{TableKlines}, report.Created)
		assert.Equal(t, []string{TableKlines}, dialect.created)
		assert.NotContains(t, dialect.checked, TableIngestRuns)
	})

	t.Run("existence check failure aborts", func(t *testing.T) {
		dialect := newFakeDialect()
		dialect.checkErr[TableKlines] = errors.New("connection reset")

		report, err := initializeSchema(ctx, dialect, objects, createTestLogger())
		require.Error(t, err)
		assert.Empty(t, report.Created)
		assert.Empty(t, dialect.created)
	})

	t.Run("canceled context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := initializeSchema(canceled, newFakeDialect(), objects, createTestLogger())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLifecycleStates(t *testing.T) {
	var l lifecycle
	assert.Equal(t, StateUninitialized, l.State())

	var during State
	_, err := l.run(func() (*InitReport, error) {
		during = l.State()
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, StateInitializing, during)
	assert.Equal(t, StateUninitialized, l.State())

	_, err = l.run(func() (*InitReport, error) { return &InitReport{}, nil })
	require.NoError(t, err)
	assert.Equal(t, StateReady, l.State())
	assert.Equal(t, "ready", l.State().String())
}
