// Command migrator applies the audit store schema. Each file runs in its
// own transaction under a Postgres advisory lock and is recorded in
// schema_migrations with a checksum, so reruns skip it and edits to an
// applied file are caught.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/pflag"

	"github.com/apathy-ca/sark-sub005/pkg/audit"
	"github.com/apathy-ca/sark-sub005/pkg/config"
	"github.com/apathy-ca/sark-sub005/pkg/store"
)

// migrationLockKey serializes migrators started by several authzd replicas.
const migrationLockKey int64 = 0x5341524b

var ErrChecksumMismatch = errors.New("applied migration was modified")

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

var openDBFn = func(ctx context.Context, cfg store.PostgresConfig) (migratorDBCloser, error) {
	return store.NewPostgresPool(ctx, cfg)
}

type migration struct {
	name     string
	body     string
	checksum string
}

type report struct {
	Found   int
	Applied []string
	Pending []string
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "migrator: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	flagSet := pflag.NewFlagSet("migrator", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	var (
		configPath string
		dir        string
		timeout    time.Duration
		dryRun     bool
	)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("SARK_CONFIG"), "path to the authzd YAML configuration file")
	flagSet.StringVar(&dir, "dir", "", "apply *.sql files from this directory instead of the built-in schema")
	flagSet.DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline, including connection retries")
	flagSet.BoolVar(&dryRun, "dry-run", false, "report pending migrations without applying them")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logger := slog.New(slog.NewJSONHandler(stderr, nil))

	cfg := config.Default()
	if strings.TrimSpace(configPath) != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if strings.TrimSpace(cfg.Postgres.URL) == "" {
		return errors.New("postgres.url (or SARK_DATABASE_URL) is required")
	}

	var (
		fsys    fs.FS = audit.Migrations
		pattern       = "migrations/*.sql"
	)
	if dir != "" {
		fsys, pattern = os.DirFS(dir), "*.sql"
	}
	migrations, err := loadMigrations(fsys, pattern)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pool, err := openDBFn(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	rep, err := runMigrations(ctx, pool, migrations, dryRun, logger)
	if err != nil {
		return err
	}
	logger.Info("migrations complete",
		"found", rep.Found,
		"applied", len(rep.Applied),
		"pending", rep.Pending,
		"dry_run", dryRun,
	)
	return nil
}

// loadMigrations reads the files matching pattern in base-name order.
func loadMigrations(fsys fs.FS, pattern string) ([]migration, error) {
	files, err := fs.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	slices.SortFunc(files, func(a, b string) int { return strings.Compare(path.Base(a), path.Base(b)) })
	out := make([]migration, 0, len(files))
	for _, file := range files {
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		sum := sha256.Sum256(body)
		out = append(out, migration{name: path.Base(file), body: string(body), checksum: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

func runMigrations(ctx context.Context, db migrationDB, migrations []migration, dryRun bool, logger *slog.Logger) (report, error) {
	rep := report{Found: len(migrations)}
	if db == nil {
		return rep, fmt.Errorf("db required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT '';
	`); err != nil {
		return rep, fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		applied, err := applyOne(ctx, db, m, dryRun, logger)
		if err != nil {
			return rep, err
		}
		switch {
		case applied:
			rep.Applied = append(rep.Applied, m.name)
		case dryRun:
			rep.Pending = append(rep.Pending, m.name)
		}
	}
	return rep, nil
}

// applyOne returns true when it applied m. In a dry run a pending
// migration is reported as not applied and the transaction rolls back.
func applyOne(ctx context.Context, db migrationDB, m migration, dryRun bool, logger *slog.Logger) (applied bool, err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	var recorded string
	err = tx.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, m.name).Scan(&recorded)
	switch {
	case err == nil:
		if recorded != "" && recorded != m.checksum {
			return false, fmt.Errorf("%w: %s (recorded %s, file %s)", ErrChecksumMismatch, m.name, recorded[:min(12, len(recorded))], m.checksum[:12])
		}
		logger.Debug("migration already applied", "file", m.name)
		return false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("migration lookup: %w", err)
	}
	if dryRun {
		logger.Info("migration pending", "file", m.name, "checksum", m.checksum)
		return false, nil
	}

	if _, err := tx.Exec(ctx, m.body); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", m.name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, m.name, m.checksum); err != nil {
		return false, fmt.Errorf("mark migration %s: %w", m.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", m.name, err)
	}
	committed = true
	logger.Info("applied migration", "file", m.name)
	return true, nil
}
