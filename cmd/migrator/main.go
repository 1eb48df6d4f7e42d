package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"path"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ziebelje/cora/pkg/store"
	"github.com/ziebelje/cora/pkg/telemetry"
)

// lockKey serializes migrators started concurrently against one database.
const lockKey int64 = 0x636f7261

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	dir := flag.String("dir", envString("MIGRATIONS_DIR", "migrations"), "directory holding *.sql migrations")
	status := flag.Bool("status", false, "list pending migrations without applying them")
	flag.Parse()

	logger := telemetry.NewLogger(os.Stderr, os.Getenv("LOG_LEVEL")).With("service", "migrator")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	fsys := os.DirFS(*dir)
	if *status {
		pending, err := pendingMigrations(ctx, pool, fsys)
		if err != nil {
			logFatalf("status: %v", err)
			return
		}
		for _, name := range pending {
			fmt.Println(name)
		}
		return
	}
	if _, err := runMigrations(ctx, pool, fsys, logger); err != nil {
		logFatalf("migration: %v", err)
	}
}

func ensureLedger(ctx context.Context, db migrationDB) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func migrationFiles(fsys fs.FS) ([]string, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func applied(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, name string) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("migration lookup %s: %w", name, err)
	}
	return exists, nil
}

func pendingMigrations(ctx context.Context, db migrationDB, fsys fs.FS) ([]string, error) {
	if err := ensureLedger(ctx, db); err != nil {
		return nil, err
	}
	files, err := migrationFiles(fsys)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, name := range files {
		done, err := applied(ctx, db, name)
		if err != nil {
			return nil, err
		}
		if !done {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

// runMigrations applies every unapplied *.sql file of fsys in lexical order,
// each in its own transaction, and returns the names it applied.
func runMigrations(ctx context.Context, db migrationDB, fsys fs.FS, logger *slog.Logger) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("db required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := ensureLedger(ctx, db); err != nil {
		return nil, err
	}
	files, err := migrationFiles(fsys)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, name := range files {
		ok, err := applyOne(ctx, db, fsys, name)
		if err != nil {
			return done, err
		}
		if ok {
			done = append(done, name)
			logger.Info("applied migration", "file", name)
		}
	}
	logger.Info("migrations complete", "files", len(files), "applied", len(done))
	return done, nil
}

func applyOne(ctx context.Context, db migrationDB, fsys fs.FS, name string) (bool, error) {
	if path.Base(name) != name {
		return false, fmt.Errorf("invalid migration path: %s", name)
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	exists, err := applied(ctx, tx, name)
	if err != nil || exists {
		return false, err
	}
	sqlBytes, err := fs.ReadFile(fsys, name)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
		return false, fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", name, err)
	}
	return true, nil
}

func envString(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
