package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/ziebelje/cora/pkg/auth"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	execs    []string
	args     [][]any
	affected string
	closed   bool
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	f.args = append(f.args, args)
	tag := f.affected
	if tag == "" {
		tag = "UPDATE 1"
	}
	return pgconn.NewCommandTag(tag), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.execs = append(f.execs, sql)
	f.args = append(f.args, args)
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*int64) = 9
		return nil
	}}
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) { return nil, errors.New("not used") }

func (f *fakeDB) Close() { f.closed = true }

func withFakes(t *testing.T, db *fakeDB, client *redis.Client) {
	t.Helper()
	origDB, origRedis := openDBFn, openRedisFn
	t.Cleanup(func() { openDBFn, openRedisFn = origDB, origRedis })
	openDBFn = func(ctx context.Context) (ctlDB, error) { return db, nil }
	openRedisFn = func(ctx context.Context) (*redis.Client, error) {
		if client == nil {
			return nil, errors.New("no redis")
		}
		return client, nil
	}
}

func TestRunRequiresKnownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out); err == nil || !strings.Contains(out.String(), "corectl commands") {
		t.Fatalf("expected usage, got %v %q", err, out.String())
	}
	if err := run(context.Background(), []string{"bogus"}, &out); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command, got %v", err)
	}
}

func TestHashKey(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"hash-key", "--key", "abc"}, &out); err != nil {
		t.Fatalf("hash-key: %v", err)
	}
	if strings.TrimSpace(out.String()) != auth.HashKey("abc") {
		t.Fatalf("unexpected hash %q", out.String())
	}
	if err := run(context.Background(), []string{"hash-key"}, &out); err == nil {
		t.Fatal("expected key required")
	}
}

func TestGenAPIKey(t *testing.T) {
	db := &fakeDB{}
	withFakes(t, db, nil)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"gen-api-key", "--name", "billing"}, &out); err != nil {
		t.Fatalf("gen-api-key: %v", err)
	}
	var got struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
		Key  string `json:"key"`
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.ID != 9 || got.Name != "billing" || !strings.HasPrefix(got.Key, "cora_") || got.Hash != auth.HashKey(got.Key) {
		t.Fatalf("unexpected key %+v", got)
	}
	if !db.closed {
		t.Fatal("expected db closed")
	}
	if err := run(context.Background(), []string{"gen-api-key"}, &out); err == nil {
		t.Fatal("expected name required")
	}
}

func TestRevokeAPIKeyClearsSharedCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	hash := auth.HashKey("cora_live")
	mr.Set("cora:apikey:"+hash, `{"id":1,"name":"x","hash":"`+hash+`"}`)

	db := &fakeDB{}
	withFakes(t, db, client)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"revoke-api-key", "--key", "cora_live"}, &out); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if mr.Exists("cora:apikey:" + hash) {
		t.Fatal("expected cached key removed")
	}
	if db.args[0][1] != hash {
		t.Fatalf("expected revoke by hash, got %v", db.args[0])
	}

	db.affected = "UPDATE 0"
	if err := run(context.Background(), []string{"revoke-api-key", "--hash", hash}, &out); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if err := run(context.Background(), []string{"revoke-api-key"}, &out); err == nil {
		t.Fatal("expected key or hash required")
	}
}

func TestRevokeSession(t *testing.T) {
	db := &fakeDB{}
	withFakes(t, db, nil)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"revoke-session", "--token", "abc"}, &out); err != nil {
		t.Fatalf("revoke-session: %v", err)
	}
	if !strings.Contains(db.execs[0], "SET deleted = true") || db.args[0][0] != "abc" {
		t.Fatalf("unexpected statement %v %v", db.execs, db.args)
	}

	db.affected = "UPDATE 0"
	if err := run(context.Background(), []string{"revoke-session", "--token", "abc"}, &out); err == nil {
		t.Fatal("expected error for dead session")
	}
}

func TestDBOpenFailure(t *testing.T) {
	orig := openDBFn
	t.Cleanup(func() { openDBFn = orig })
	openDBFn = func(ctx context.Context) (ctlDB, error) { return nil, errors.New("refused") }
	var out bytes.Buffer
	for _, args := range [][]string{
		{"gen-api-key", "--name", "x"},
		{"revoke-api-key", "--hash", "h"},
		{"revoke-session", "--token", "t"},
	} {
		if err := run(context.Background(), args, &out); err == nil || !strings.Contains(err.Error(), "db: refused") {
			t.Fatalf("%v: expected db error, got %v", args, err)
		}
	}
}

func TestWaitReady(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := run(context.Background(), []string{"wait-ready", "--url", srv.URL, "--attempts", "5", "--delay", "1ms"}, &out); err != nil {
		t.Fatalf("wait-ready: %v", err)
	}
	if hits.Load() != 3 || !strings.Contains(out.String(), "ok") {
		t.Fatalf("unexpected hits=%d out=%q", hits.Load(), out.String())
	}

	hits.Store(-100)
	if err := run(context.Background(), []string{"wait-ready", "--url", srv.URL, "--attempts", "2", "--delay", "1ms"}, &out); err == nil {
		t.Fatal("expected failure while unhealthy")
	}
}
