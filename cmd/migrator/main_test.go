package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type schemaDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
}

func (f *schemaDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *schemaDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return appliedRow(false)
}

func (f *schemaDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &schemaTx{}, nil
}

// appliedRow scans a single bool, matching the schema_migrations EXISTS query.
type appliedRow bool

func (r appliedRow) Scan(dest ...any) error {
	if len(dest) != 1 {
		return errors.New("scan arity mismatch")
	}
	b, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected *bool")
	}
	*b = bool(r)
	return nil
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

type schemaTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr     error
	rollbackCalls int
}

func (t *schemaTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *schemaTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *schemaTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *schemaTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *schemaTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *schemaTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *schemaTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *schemaTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *schemaTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *schemaTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{err: errors.New("not implemented")}
}
func (t *schemaTx) Conn() *pgx.Conn { return nil }

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()

	clean, err := validateMigrationPath("migrations", "migrations/001_audit_records.sql")
	if err != nil {
		t.Fatalf("expected valid migration path, got error: %v", err)
	}
	if clean != filepath.Clean("migrations/001_audit_records.sql") {
		t.Fatalf("unexpected clean path: %s", clean)
	}

	if _, err := validateMigrationPath("migrations", "../outside.sql"); err == nil {
		t.Fatal("expected rejection for traversal outside migrations dir")
	}
	if _, err := validateMigrationPath("migrations", "other/001_audit_records.sql"); err == nil {
		t.Fatal("expected rejection for a sibling directory")
	}
}

func TestRunMigrationsAppliesPendingAndSkipsApplied(t *testing.T) {
	db := &schemaDB{}
	tx := &schemaTx{}
	db.beginFn = func(ctx context.Context) (pgx.Tx, error) { return tx, nil }
	db.queryRowFn = func(ctx context.Context, sql string, args ...any) pgx.Row {
		// audit_records is already applied, contract_archive is pending.
		return appliedRow(args[0].(string) == "001_audit_records.sql")
	}

	readCalls := 0
	readFile := func(name string) ([]byte, error) {
		readCalls++
		if !strings.HasSuffix(name, "002_contract_archive.sql") {
			t.Fatalf("unexpected file read: %s", name)
		}
		return []byte("CREATE TABLE contract_archive (contract_id TEXT PRIMARY KEY);"), nil
	}
	glob := func(pattern string) ([]string, error) {
		// Out of order on purpose, runMigrations must sort.
		return []string{"migrations/002_contract_archive.sql", "migrations/001_audit_records.sql"}, nil
	}
	var logs []string
	logf := func(format string, args ...any) { logs = append(logs, format) }

	if err := runMigrations(context.Background(), db, "migrations", readFile, glob, logf); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	if readCalls != 1 {
		t.Fatalf("expected one read for the pending migration, got %d", readCalls)
	}
	if tx.rollbackCalls != 0 {
		t.Fatalf("unexpected rollback calls: %d", tx.rollbackCalls)
	}
	if len(logs) < 2 {
		t.Fatalf("expected applied + summary logs, got %#v", logs)
	}
}

func TestRunMigrationsErrorBranches(t *testing.T) {
	pending := func(ctx context.Context, sql string, args ...any) pgx.Row { return appliedRow(false) }
	oneFile := func(pattern string) ([]string, error) {
		return []string{"migrations/001_audit_records.sql"}, nil
	}
	readOK := func(name string) ([]byte, error) { return []byte("SELECT 1;"), nil }

	t.Run("db required", func(t *testing.T) {
		err := runMigrations(context.Background(), nil, "migrations", nil, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "db required") {
			t.Fatalf("expected db required error, got %v", err)
		}
	})

	t.Run("create table failure", func(t *testing.T) {
		db := &schemaDB{
			execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("create fail")
			},
		}
		err := runMigrations(context.Background(), db, "migrations", nil, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "create schema_migrations") {
			t.Fatalf("expected create schema error, got %v", err)
		}
	})

	t.Run("glob failure", func(t *testing.T) {
		glob := func(pattern string) ([]string, error) { return nil, errors.New("glob fail") }
		err := runMigrations(context.Background(), &schemaDB{}, "migrations", nil, glob, nil)
		if err == nil || !strings.Contains(err.Error(), "glob migrations") {
			t.Fatalf("expected glob error, got %v", err)
		}
	})

	t.Run("traversal path rejected", func(t *testing.T) {
		glob := func(pattern string) ([]string, error) { return []string{"../evil.sql"}, nil }
		err := runMigrations(context.Background(), &schemaDB{}, "migrations", nil, glob, nil)
		if err == nil || !strings.Contains(err.Error(), "invalid migration path") {
			t.Fatalf("expected invalid path error, got %v", err)
		}
	})

	t.Run("lookup failure", func(t *testing.T) {
		db := &schemaDB{
			queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return errRow{err: errors.New("lookup fail")}
			},
		}
		err := runMigrations(context.Background(), db, "migrations", nil, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "migration lookup") {
			t.Fatalf("expected lookup error, got %v", err)
		}
	})

	t.Run("read failure", func(t *testing.T) {
		db := &schemaDB{queryRowFn: pending}
		readFile := func(name string) ([]byte, error) { return nil, errors.New("read fail") }
		err := runMigrations(context.Background(), db, "migrations", readFile, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "read migration") {
			t.Fatalf("expected read error, got %v", err)
		}
	})

	t.Run("begin failure", func(t *testing.T) {
		db := &schemaDB{
			queryRowFn: pending,
			beginFn: func(ctx context.Context) (pgx.Tx, error) {
				return nil, errors.New("begin fail")
			},
		}
		err := runMigrations(context.Background(), db, "migrations", readOK, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "begin migration tx") {
			t.Fatalf("expected begin error, got %v", err)
		}
	})

	t.Run("apply failure rolls back", func(t *testing.T) {
		tx := &schemaTx{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("apply fail")
			},
		}
		db := &schemaDB{
			queryRowFn: pending,
			beginFn:    func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		}
		err := runMigrations(context.Background(), db, "migrations", readOK, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "apply migration") {
			t.Fatalf("expected apply error, got %v", err)
		}
		if tx.rollbackCalls != 1 {
			t.Fatalf("expected rollback on apply failure, got %d", tx.rollbackCalls)
		}
	})

	t.Run("mark failure rolls back", func(t *testing.T) {
		execCalls := 0
		tx := &schemaTx{
			execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
				execCalls++
				if execCalls == 2 {
					return pgconn.CommandTag{}, errors.New("mark fail")
				}
				return pgconn.NewCommandTag("EXEC 1"), nil
			},
		}
		db := &schemaDB{
			queryRowFn: pending,
			beginFn:    func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		}
		err := runMigrations(context.Background(), db, "migrations", readOK, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "mark migration") {
			t.Fatalf("expected mark error, got %v", err)
		}
		if tx.rollbackCalls != 1 {
			t.Fatalf("expected rollback on mark failure, got %d", tx.rollbackCalls)
		}
	})

	t.Run("commit failure", func(t *testing.T) {
		tx := &schemaTx{commitErr: errors.New("commit fail")}
		db := &schemaDB{
			queryRowFn: pending,
			beginFn:    func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		}
		err := runMigrations(context.Background(), db, "migrations", readOK, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "commit migration") {
			t.Fatalf("expected commit error, got %v", err)
		}
	})
}
