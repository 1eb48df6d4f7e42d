package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ziebelje/cora/pkg/fault"
	"github.com/ziebelje/cora/pkg/store"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeKeyDB struct {
	mu      sync.Mutex
	keys    map[string]APIKey
	queries atomic.Int32
	err     error
	gate    chan struct{}
	nextID  int64
}

func (db *fakeKeyDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	hash := args[1].(string)
	if _, ok := db.keys[hash]; !ok {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	delete(db.keys, hash)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (db *fakeKeyDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if strings.HasPrefix(sql, "INSERT") {
		return fakeRow{scan: func(dest ...any) error {
			db.mu.Lock()
			defer db.mu.Unlock()
			db.nextID++
			db.keys[args[1].(string)] = APIKey{ID: db.nextID, Name: args[0].(string)}
			*dest[0].(*int64) = db.nextID
			return nil
		}}
	}
	db.queries.Add(1)
	if db.gate != nil {
		<-db.gate
	}
	return fakeRow{scan: func(dest ...any) error {
		if db.err != nil {
			return db.err
		}
		db.mu.Lock()
		defer db.mu.Unlock()
		k, ok := db.keys[args[0].(string)]
		if !ok {
			return pgx.ErrNoRows
		}
		*dest[0].(*int64) = k.ID
		*dest[1].(*string) = k.Name
		return nil
	}}
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	if err != nil || !strings.HasPrefix(k, "cora_") || len(k) != len("cora_")+48 {
		t.Fatalf("unexpected key %q %v", k, err)
	}
	orig := randRead
	t.Cleanup(func() { randRead = orig })
	randRead = func([]byte) (int, error) { return 0, errors.New("no entropy") }
	if _, err := GenerateKey(); err == nil {
		t.Fatal("expected entropy error")
	}
}

func TestDBKeyStoreCreateLookupRevoke(t *testing.T) {
	db := &fakeKeyDB{keys: map[string]APIKey{}}
	s := NewDBKeyStore(db, store.NewMemoryCache(), time.Minute)
	ctx := context.Background()

	if _, err := s.Lookup(ctx, "cora_missing"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected unknown key, got %v", err)
	}
	if _, err := s.Lookup(ctx, "cora_missing"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected cached miss, got %v", err)
	}
	if db.queries.Load() != 1 {
		t.Fatalf("expected negative result cached, got %d queries", db.queries.Load())
	}

	key, created, err := s.Create(ctx, " mobile ")
	if err != nil || created.Name != "mobile" || created.ID != 1 {
		t.Fatalf("create: %+v %v", created, err)
	}
	got, err := s.Lookup(ctx, key)
	if err != nil || got.ID != 1 || got.Hash != HashKey(key) {
		t.Fatalf("lookup: %+v %v", got, err)
	}
	before := db.queries.Load()
	if _, err := s.Lookup(ctx, key); err != nil || db.queries.Load() != before {
		t.Fatalf("expected cached hit, err=%v queries=%d", err, db.queries.Load())
	}

	revoked, err := s.Revoke(ctx, HashKey(key))
	if err != nil || !revoked {
		t.Fatalf("revoke: %v %v", revoked, err)
	}
	if _, err := s.Lookup(ctx, key); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected revoked key rejected, got %v", err)
	}
	if again, _ := s.Revoke(ctx, HashKey(key)); again {
		t.Fatal("second revoke should report false")
	}
	if _, _, err := s.Create(ctx, "  "); err == nil {
		t.Fatal("expected name required")
	}
}

func TestDBKeyStoreCollapsesConcurrentLookups(t *testing.T) {
	db := &fakeKeyDB{keys: map[string]APIKey{HashKey("cora_k"): {ID: 7, Name: "k"}}, gate: make(chan struct{})}
	s := NewDBKeyStore(db, store.NewMemoryCache(), time.Minute)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := s.Lookup(context.Background(), "cora_k")
			if err == nil && k.ID != 7 {
				err = errors.New("wrong key")
			}
			errs <- err
		}()
	}
	for db.queries.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(db.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
	}
	if n := db.queries.Load(); n != 1 {
		t.Fatalf("expected one shared query, got %d", n)
	}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	failing := &fakeKeyDB{keys: map[string]APIKey{}, err: errors.New("connection reset")}
	keys := ChainKeyStore{
		NewStaticKeyStore("cora_static", "static"),
		NewDBKeyStore(failing, nil, 0),
	}

	if k, err := Authenticate(ctx, keys, " cora_static "); err != nil || k.Name != "static" {
		t.Fatalf("static key: %+v %v", k, err)
	}
	if _, err := Authenticate(ctx, keys, ""); fault.CodeOf(err) != fault.CodeMissingAPIKey {
		t.Fatalf("expected missing key, got %v", err)
	}
	if _, err := Authenticate(ctx, keys, "cora_other"); fault.CodeOf(err) != fault.CodeQueryFailed {
		t.Fatalf("expected storage fault, got %v", err)
	}
	if _, err := Authenticate(ctx, ChainKeyStore{NewStaticKeyStore("a", "a")}, "b"); fault.CodeOf(err) != fault.CodeInvalidAPIKey {
		t.Fatalf("expected invalid key, got %v", err)
	}
}
