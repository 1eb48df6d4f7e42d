//go:build integration

package database_test

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ziebelje/cora/pkg/database"
	"github.com/ziebelje/cora/pkg/session"
)

// startPostgres runs a throwaway database with the shipped schema applied.
// Run with: go test -tags=integration -timeout 180s ./pkg/database/...
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("cora"),
		postgres.WithUsername("cora"),
		postgres.WithPassword("cora"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	})
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)

	files, err := filepath.Glob("../../migrations/*.sql")
	if err != nil || len(files) == 0 {
		t.Fatalf("no migrations found: %v", err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply %s: %v", f, err)
		}
	}
	return pool
}

func TestGatewayWithRealPostgres(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	g := database.New(pool)
	if err := g.Begin(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	res, err := g.Insert(ctx, `INSERT INTO note (owner, title, body, created_at) VALUES ($1, $2, $3, $4) RETURNING note_id`, "u1", "first", "", 1)
	if err != nil || res.LastInsertID == 0 {
		t.Fatalf("insert: %+v %v", res, err)
	}
	if err := g.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	g = database.New(pool)
	if err := g.Begin(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := g.Insert(ctx, `INSERT INTO note (owner, title, body, created_at) VALUES ($1, $2, $3, $4) RETURNING note_id`, "u1", "second", "", 2); err != nil {
		t.Fatalf("insert second: %v", err)
	}
	_, err = g.Insert(ctx, `INSERT INTO note (owner, title, body, created_at) VALUES ($1, $2, $3, $4) RETURNING note_id`, "u1", "first", "", 3)
	if !database.IsDuplicateKey(err) {
		t.Fatalf("expected duplicate key fault, got %v", err)
	}
	if err := g.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	rows, err := database.New(pool).Select(ctx, `SELECT title FROM note WHERE owner = $1 ORDER BY note_id`, "u1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0]["title"] != "first" {
		t.Fatalf("rolled back insert must not persist, got %v", rows)
	}
}

func TestSessionTouchWithRealPostgres(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	store := session.New(database.New(pool), session.WithClock(clock), session.WithOrigin("10.0.0.1"))
	timeout := 10 * time.Second
	token, err := store.Issue(ctx, session.IssueOptions{Timeout: &timeout})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for i := 0; i < 2; i++ {
		valid, err := store.Touch(ctx, token)
		if err != nil || !valid {
			t.Fatalf("same-second touch %d: valid=%v err=%v", i, valid, err)
		}
	}

	now = now.Add(10 * time.Second)
	if valid, _ := store.Touch(ctx, token); !valid {
		t.Fatal("touch at the timeout boundary must succeed")
	}
	now = now.Add(11 * time.Second)
	if valid, _ := store.Touch(ctx, token); valid {
		t.Fatal("touch past the timeout must fail")
	}

	token2, err := store.Issue(ctx, session.IssueOptions{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if revoked, err := store.Revoke(ctx, token2); err != nil || !revoked {
		t.Fatalf("revoke: %v %v", revoked, err)
	}
	if valid, _ := store.Touch(ctx, token2); valid {
		t.Fatal("revoked session must not touch")
	}
}
