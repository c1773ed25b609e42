package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/apathy-ca/sark-sub005/pkg/audit"
	"github.com/apathy-ca/sark-sub005/pkg/store"
)

// fakeSchema plays the schema_migrations table. Every Begin hands out a
// transaction that reads and writes it.
type fakeSchema struct {
	recorded  map[string]string
	execErr   error
	beginErr  error
	lookupErr error
	applyErr  error
	markErr   error
	commitErr error

	ddl       []string
	bodies    []string
	locks     int
	rollbacks int
	commits   int
}

func newFakeSchema() *fakeSchema { return &fakeSchema{recorded: map[string]string{}} }

func (f *fakeSchema) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	f.ddl = append(f.ddl, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeSchema) Begin(context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &fakeTx{schema: f, pending: map[string]string{}}, nil
}

type fakeSchemaCloser struct {
	*fakeSchema
	closed bool
}

func (f *fakeSchemaCloser) Close() { f.closed = true }

type fakeTx struct {
	pgx.Tx
	schema  *fakeSchema
	pending map[string]string
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s := t.schema
	switch {
	case strings.Contains(sql, "pg_advisory_xact_lock"):
		if args[0] != migrationLockKey {
			return pgconn.CommandTag{}, errors.New("wrong lock key")
		}
		s.locks++
	case strings.HasPrefix(sql, "INSERT INTO schema_migrations"):
		if s.markErr != nil {
			return pgconn.CommandTag{}, s.markErr
		}
		t.pending[args[0].(string)] = args[1].(string)
	default:
		if s.applyErr != nil {
			return pgconn.CommandTag{}, s.applyErr
		}
		s.bodies = append(s.bodies, sql)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (t *fakeTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if t.schema.lookupErr != nil {
		return fakeRow{err: t.schema.lookupErr}
	}
	sum, ok := t.schema.recorded[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{value: sum}
}

func (t *fakeTx) Commit(context.Context) error {
	if t.schema.commitErr != nil {
		return t.schema.commitErr
	}
	for k, v := range t.pending {
		t.schema.recorded[k] = v
	}
	t.schema.commits++
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.schema.rollbacks++
	return nil
}

type fakeRow struct {
	value string
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.value
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func mustLoad(t *testing.T, files map[string]string) []migration {
	t.Helper()
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	ms, err := loadMigrations(fsys, "migrations/*.sql")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return ms
}

func TestLoadMigrationsOrdersAndHashes(t *testing.T) {
	ms := mustLoad(t, map[string]string{
		"migrations/003_more.sql": "SELECT 3;",
		"migrations/001_init.sql": "SELECT 1;",
		"migrations/002_add.sql":  "SELECT 2;",
		"migrations/README.md":    "docs",
	})
	if len(ms) != 3 || ms[0].name != "001_init.sql" || ms[2].name != "003_more.sql" {
		t.Fatalf("unexpected order %+v", ms)
	}
	if len(ms[0].checksum) != 64 || ms[0].checksum == ms[1].checksum {
		t.Fatalf("expected distinct sha256 checksums, got %q %q", ms[0].checksum, ms[1].checksum)
	}
	if _, err := loadMigrations(fstest.MapFS{}, "migrations/["); err == nil || !strings.Contains(err.Error(), "glob migrations") {
		t.Fatalf("expected glob error, got %v", err)
	}
}

func TestRunMigrationsAppliesPendingInOrder(t *testing.T) {
	ms := mustLoad(t, map[string]string{
		"migrations/001_init.sql": "SELECT 1;",
		"migrations/002_add.sql":  "SELECT 2;",
		"migrations/003_more.sql": "SELECT 3;",
	})
	db := newFakeSchema()
	db.recorded["001_init.sql"] = ms[0].checksum

	rep, err := runMigrations(context.Background(), db, ms, false, quiet())
	if err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	if strings.Join(rep.Applied, ",") != "002_add.sql,003_more.sql" || rep.Found != 3 || len(rep.Pending) != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if strings.Join(db.bodies, "") != "SELECT 2;SELECT 3;" {
		t.Fatalf("unexpected bodies %v", db.bodies)
	}
	if db.locks != 3 || db.commits != 2 || db.rollbacks != 1 {
		t.Fatalf("locks=%d commits=%d rollbacks=%d", db.locks, db.commits, db.rollbacks)
	}
	if db.recorded["003_more.sql"] != ms[2].checksum {
		t.Fatal("applied migrations must record their checksum")
	}
	if !strings.Contains(db.ddl[0], "ADD COLUMN IF NOT EXISTS checksum") {
		t.Fatalf("existing tables should gain the checksum column: %s", db.ddl[0])
	}

	rep, err = runMigrations(context.Background(), db, ms, false, quiet())
	if err != nil || len(rep.Applied) != 0 {
		t.Fatalf("second run should be a no-op, got %+v %v", rep, err)
	}
}

func TestRunMigrationsDetectsDrift(t *testing.T) {
	ms := mustLoad(t, map[string]string{"migrations/001_init.sql": "SELECT 1;"})
	db := newFakeSchema()
	db.recorded["001_init.sql"] = strings.Repeat("a", 64)

	_, err := runMigrations(context.Background(), db, ms, false, quiet())
	if !errors.Is(err, ErrChecksumMismatch) || !strings.Contains(err.Error(), "001_init.sql") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}

	db.recorded["001_init.sql"] = ""
	if _, err := runMigrations(context.Background(), db, ms, false, quiet()); err != nil {
		t.Fatalf("rows recorded before checksums are trusted, got %v", err)
	}
}

func TestRunMigrationsDryRun(t *testing.T) {
	ms := mustLoad(t, map[string]string{
		"migrations/001_init.sql": "SELECT 1;",
		"migrations/002_add.sql":  "SELECT 2;",
	})
	db := newFakeSchema()
	db.recorded["001_init.sql"] = ms[0].checksum

	rep, err := runMigrations(context.Background(), db, ms, true, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(rep.Pending, ",") != "002_add.sql" || len(rep.Applied) != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(db.bodies) != 0 || db.commits != 0 || db.rollbacks != 2 {
		t.Fatalf("dry run must not apply: bodies=%v commits=%d rollbacks=%d", db.bodies, db.commits, db.rollbacks)
	}
}

func TestEmbeddedAuditMigrationsAreFound(t *testing.T) {
	ms, err := loadMigrations(audit.Migrations, "migrations/*.sql")
	if err != nil {
		t.Fatal(err)
	}
	db := newFakeSchema()
	rep, err := runMigrations(context.Background(), db, ms, false, quiet())
	if err != nil {
		t.Fatal(err)
	}
	want := "0001_decision_events.sql,0002_decision_events_resource_idx.sql"
	if strings.Join(rep.Applied, ",") != want {
		t.Fatalf("applied %v, want %s", rep.Applied, want)
	}
	for _, body := range db.bodies {
		if !strings.Contains(body, "decision_events") {
			t.Errorf("unexpected migration body %q", body)
		}
	}
}

func TestRunMigrationsErrorBranches(t *testing.T) {
	ctx := context.Background()
	ms := mustLoad(t, map[string]string{"migrations/001.sql": "SELECT 1;"})

	if _, err := runMigrations(ctx, nil, ms, false, nil); err == nil || !strings.Contains(err.Error(), "db required") {
		t.Fatalf("expected db required error, got %v", err)
	}

	cases := map[string]struct {
		mutate       func(*fakeSchema)
		want         string
		rollbackWant int
	}{
		"create table": {func(f *fakeSchema) { f.execErr = errors.New("create fail") }, "create schema_migrations", 0},
		"begin":        {func(f *fakeSchema) { f.beginErr = errors.New("begin fail") }, "begin migration tx", 0},
		"lookup":       {func(f *fakeSchema) { f.lookupErr = errors.New("lookup fail") }, "migration lookup", 1},
		"apply":        {func(f *fakeSchema) { f.applyErr = errors.New("apply fail") }, "apply migration 001.sql", 1},
		"mark":         {func(f *fakeSchema) { f.markErr = errors.New("mark fail") }, "mark migration 001.sql", 1},
		"commit":       {func(f *fakeSchema) { f.commitErr = errors.New("commit fail") }, "commit migration 001.sql", 1},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			db := newFakeSchema()
			tc.mutate(db)
			_, err := runMigrations(ctx, db, ms, false, nil)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
			if db.rollbacks != tc.rollbackWant {
				t.Fatalf("expected %d rollbacks, got %d", tc.rollbackWant, db.rollbacks)
			}
			if len(db.recorded) != 0 {
				t.Fatalf("failed migrations must not be recorded: %v", db.recorded)
			}
		})
	}
}

func TestRun(t *testing.T) {
	orig := openDBFn
	t.Cleanup(func() { openDBFn = orig })

	var out bytes.Buffer
	t.Run("help", func(t *testing.T) {
		if err := run(context.Background(), []string{"--help"}, &out); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("database url required", func(t *testing.T) {
		t.Setenv("SARK_DATABASE_URL", "")
		err := run(context.Background(), nil, &out)
		if err == nil || !strings.Contains(err.Error(), "postgres.url") {
			t.Fatalf("expected missing url error, got %v", err)
		}
	})

	t.Run("open failure", func(t *testing.T) {
		t.Setenv("SARK_DATABASE_URL", "postgres://db/sark")
		openDBFn = func(ctx context.Context, cfg store.PostgresConfig) (migratorDBCloser, error) {
			return nil, errors.New("refused")
		}
		err := run(context.Background(), nil, &out)
		if err == nil || !strings.Contains(err.Error(), "db: refused") {
			t.Fatalf("expected open error, got %v", err)
		}
	})

	t.Run("directory migrations", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "001_extra.sql"), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("SARK_DATABASE_URL", "postgres://db/sark")
		db := &fakeSchemaCloser{fakeSchema: newFakeSchema()}
		var gotURL string
		openDBFn = func(ctx context.Context, cfg store.PostgresConfig) (migratorDBCloser, error) {
			gotURL = cfg.URL
			return db, nil
		}
		if err := run(context.Background(), []string{"--dir", dir, "--dry-run"}, &out); err != nil {
			t.Fatal(err)
		}
		if gotURL != "postgres://db/sark" || !db.closed {
			t.Fatalf("url=%q closed=%v", gotURL, db.closed)
		}
		if len(db.bodies) != 0 {
			t.Fatal("dry run applied a migration")
		}
		if err := run(context.Background(), []string{"--dir", dir}, &out); err != nil {
			t.Fatal(err)
		}
		if _, ok := db.recorded["001_extra.sql"]; !ok {
			t.Fatal("expected directory migration to be recorded")
		}
	})
}
