package main

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// closingSchemaDB is a schemaDB that also satisfies migratorDBCloser, for
// driving main() through the openDBFn seam.
type closingSchemaDB struct {
	schemaDB
	closed bool
}

func (f *closingSchemaDB) Close() { f.closed = true }

func TestMainMigrator(t *testing.T) {
	origLogFatalf := logFatalf
	origOpenDB := openDBFn
	defer func() {
		logFatalf = origLogFatalf
		openDBFn = origOpenDB
	}()

	t.Run("success with everything applied", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		db := &closingSchemaDB{schemaDB: schemaDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return appliedRow(true)
			},
		}}
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) { return db, nil }

		main()

		if fatalCalled {
			t.Fatal("logFatalf must not be called on success")
		}
		if !db.closed {
			t.Fatal("main must close the pool")
		}
	})

	t.Run("db open error is fatal", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return nil, errors.New("db connection failed")
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf must be called when the pool cannot open")
		}
	})

	t.Run("migration error is fatal", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return &closingSchemaDB{schemaDB: schemaDB{
				execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					return pgconn.CommandTag{}, errors.New("exec failed")
				},
			}}, nil
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf must be called when migrations fail")
		}
	})
}
