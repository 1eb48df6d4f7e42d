package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/singleflight"

	"github.com/ziebelje/cora/pkg/fault"
	"github.com/ziebelje/cora/pkg/store"
)

// ErrUnknownKey is returned by key stores for keys that do not exist or were
// revoked.
var ErrUnknownKey = errors.New("unknown api key")

const keyPrefix = "cora_"

var randRead = rand.Read

type APIKey struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Hash string `json:"hash"`
}

type APIKeyStore interface {
	Lookup(ctx context.Context, key string) (*APIKey, error)
}

// HashKey returns the hex SHA-256 digest under which a key is stored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new random API key.
func GenerateKey() (string, error) {
	b := make([]byte, 24)
	if _, err := randRead(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(b), nil
}

// Authenticate checks key against keys and reports the failure as a fault.
func Authenticate(ctx context.Context, keys APIKeyStore, key string) (*APIKey, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fault.New(fault.KindAuth, fault.CodeMissingAPIKey, "API key is required")
	}
	k, err := keys.Lookup(ctx, key)
	switch {
	case errors.Is(err, ErrUnknownKey):
		return nil, fault.New(fault.KindAuth, fault.CodeInvalidAPIKey, "API key is invalid")
	case err != nil:
		return nil, fault.Wrap(err, fault.KindStorage, fault.CodeQueryFailed, "API key lookup failed")
	}
	return k, nil
}

// StaticKeyStore accepts a single configured key.
type StaticKeyStore struct {
	sum  [sha256.Size]byte
	name string
}

func NewStaticKeyStore(key, name string) *StaticKeyStore {
	return &StaticKeyStore{sum: sha256.Sum256([]byte(key)), name: name}
}

func (s *StaticKeyStore) Lookup(ctx context.Context, key string) (*APIKey, error) {
	sum := sha256.Sum256([]byte(key))
	if subtle.ConstantTimeCompare(sum[:], s.sum[:]) != 1 {
		return nil, ErrUnknownKey
	}
	return &APIKey{Name: s.name, Hash: hex.EncodeToString(sum[:])}, nil
}

// ChainKeyStore asks each store in turn and returns the first match.
type ChainKeyStore []APIKeyStore

func (c ChainKeyStore) Lookup(ctx context.Context, key string) (*APIKey, error) {
	for _, s := range c {
		k, err := s.Lookup(ctx, key)
		if errors.Is(err, ErrUnknownKey) {
			continue
		}
		return k, err
	}
	return nil, ErrUnknownKey
}

type KeyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const negativeEntry = "-"

// DBKeyStore reads keys from the api_key table. Results, including misses,
// are cached for ttl; concurrent lookups of the same key share one query.
type DBKeyStore struct {
	db    KeyDB
	cache store.Cache
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

func NewDBKeyStore(db KeyDB, cache store.Cache, ttl time.Duration) *DBKeyStore {
	if cache == nil {
		cache = store.NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &DBKeyStore{db: db, cache: cache, ttl: ttl, now: time.Now}
}

func (s *DBKeyStore) Lookup(ctx context.Context, key string) (*APIKey, error) {
	hash := HashKey(key)
	if cached, err := s.cache.Get(ctx, hash); err == nil {
		if cached == negativeEntry {
			return nil, ErrUnknownKey
		}
		var k APIKey
		if json.Unmarshal([]byte(cached), &k) == nil {
			return &k, nil
		}
	}
	v, err, _ := s.group.Do(hash, func() (any, error) {
		k := APIKey{Hash: hash}
		err := s.db.QueryRow(ctx,
			`SELECT api_key_id, name FROM api_key WHERE key_hash = $1 AND revoked_at IS NULL`,
			hash).Scan(&k.ID, &k.Name)
		if errors.Is(err, pgx.ErrNoRows) {
			_ = s.cache.Set(ctx, hash, negativeEntry, s.ttl)
			return nil, ErrUnknownKey
		}
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(k); err == nil {
			_ = s.cache.Set(ctx, hash, string(raw), s.ttl)
		}
		return &k, nil
	})
	if err != nil {
		return nil, err
	}
	k := *v.(*APIKey)
	return &k, nil
}

// Create stores a new key under name and returns the plaintext key, which is
// not recoverable afterwards.
func (s *DBKeyStore) Create(ctx context.Context, name string) (string, *APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, errors.New("api key name is required")
	}
	key, err := GenerateKey()
	if err != nil {
		return "", nil, err
	}
	k := APIKey{Name: name, Hash: HashKey(key)}
	err = s.db.QueryRow(ctx,
		`INSERT INTO api_key (name, key_hash, created_at) VALUES ($1, $2, $3) RETURNING api_key_id`,
		k.Name, k.Hash, s.now().Unix()).Scan(&k.ID)
	if err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}
	_ = s.cache.Del(ctx, k.Hash)
	return key, &k, nil
}

// Revoke disables the key with the given hash and drops it from the cache.
func (s *DBKeyStore) Revoke(ctx context.Context, hash string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE api_key SET revoked_at = $1 WHERE key_hash = $2 AND revoked_at IS NULL`,
		s.now().Unix(), hash)
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	_ = s.cache.Del(ctx, hash)
	return tag.RowsAffected() == 1, nil
}
