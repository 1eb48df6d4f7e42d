// Package session issues, validates and revokes API sessions. Validation is a
// single conditional UPDATE: the row is refreshed only while it is still
// within its idle timeout and absolute life, and the statement's row count is
// the only source of truth.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ziebelje/cora/pkg/database"
	"github.com/ziebelje/cora/pkg/fault"
)

const tokenBytes = 32

// NeverExpires is the cookie expiry used for sessions without an idle timeout.
var NeverExpires = time.Unix(2147483647, 0).UTC()

var (
	randRead   = rand.Read
	identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
)

// DB is the subset of the data store gateway the session store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (database.Result, error)
	QueryOne(ctx context.Context, dest []any, sql string, args ...any) (bool, error)
}

type Record struct {
	Token      string  `json:"session_key"`
	ExternalID *string `json:"external_id"`
	Timeout    *int64  `json:"timeout"`
	Life       *int64  `json:"life"`
	CreatedBy  string  `json:"created_by"`
	LastUsedBy string  `json:"last_used_by"`
	CreatedAt  int64   `json:"created_at"`
	LastUsedAt int64   `json:"last_used_at"`
}

// Valid applies the validity window at the given unix second. Both bounds
// are inclusive.
func (r Record) Valid(now int64) bool {
	if r.Timeout != nil && now-r.LastUsedAt > *r.Timeout {
		return false
	}
	if r.Life != nil && now-r.CreatedAt > *r.Life {
		return false
	}
	return true
}

type IssueOptions struct {
	Timeout    *time.Duration
	Life       *time.Duration
	ExternalID *string
	// Extra holds additional columns of the session table. Names must be
	// lower-case SQL identifiers.
	Extra map[string]any
}

type Store struct {
	db     DB
	table  string
	origin string
	now    func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOrigin sets the created_by / last_used_by marker, typically the client IP.
func WithOrigin(origin string) Option {
	return func(s *Store) { s.origin = origin }
}

func WithTable(table string) Option {
	return func(s *Store) {
		if strings.TrimSpace(table) != "" {
			s.table = table
		}
	}
}

func New(db DB, opts ...Option) *Store {
	s := &Store{db: db, table: "session", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Origin() string { return s.origin }

func (s *Store) tableName() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// NewToken returns 32 random bytes hex encoded.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := randRead(buf); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func seconds(d *time.Duration) any {
	if d == nil {
		return nil
	}
	return int64(d.Seconds())
}

// Issue inserts a fresh session and returns its token.
func (s *Store) Issue(ctx context.Context, opts IssueOptions) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", fault.Wrap(err, fault.KindStorage, fault.CodeQueryFailed, "failed to generate session token")
	}
	now := s.now().Unix()
	cols := []string{"session_key", "external_id", "timeout", "life", "created_by", "last_used_by", "created_at", "last_used_at", "deleted"}
	args := []any{token, opts.ExternalID, seconds(opts.Timeout), seconds(opts.Life), s.origin, s.origin, now, now, false}

	names := make([]string, 0, len(opts.Extra))
	for name := range opts.Extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !identifier.MatchString(name) {
			return "", fault.Newf(fault.KindConfiguration, fault.CodeInvalidInput, "invalid session field %q", name)
		}
		cols = append(cols, name)
		args = append(args, opts.Extra[name])
	}

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := "INSERT INTO " + s.tableName() + " (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return "", err
	}
	return token, nil
}

// Touch refreshes the session's last-used marker if it is still valid and
// reports whether it was. A same-second repeat leaves the row unchanged, so
// the matched count is consulted as well as the changed count.
func (s *Store) Touch(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	sql := "UPDATE " + s.tableName() + ` SET last_used_at = $1, last_used_by = $2
WHERE session_key = $3 AND deleted = false
  AND (timeout IS NULL OR $1 - last_used_at <= timeout)
  AND (life IS NULL OR $1 - created_at <= life)`
	res, err := s.db.Exec(ctx, sql, s.now().Unix(), s.origin, token)
	if err != nil {
		return false, err
	}
	return res.RowsAffected > 0 || res.RowsMatched > 0, nil
}

// Revoke soft-deletes the session. It reports true only when exactly one live
// session was deleted.
func (s *Store) Revoke(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	sql := "UPDATE " + s.tableName() + " SET deleted = true WHERE session_key = $1 AND deleted = false"
	res, err := s.db.Exec(ctx, sql, token)
	if err != nil {
		return false, err
	}
	return res.RowsAffected == 1, nil
}

// Get returns a live session record without refreshing it.
func (s *Store) Get(ctx context.Context, token string) (Record, bool, error) {
	var rec Record
	if token == "" {
		return rec, false, nil
	}
	sql := `SELECT session_key, external_id, timeout, life, created_by, last_used_by, created_at, last_used_at
FROM ` + s.tableName() + ` WHERE session_key = $1 AND deleted = false`
	dest := []any{&rec.Token, &rec.ExternalID, &rec.Timeout, &rec.Life, &rec.CreatedBy, &rec.LastUsedBy, &rec.CreatedAt, &rec.LastUsedAt}
	found, err := s.db.QueryOne(ctx, dest, sql, token)
	if err != nil || !found {
		return Record{}, false, err
	}
	return rec, true, nil
}

// CookieExpiry derives the cookie lifetime for a session. ok is false when
// the cookie should last for the browser session only.
func CookieExpiry(now time.Time, timeout, life *time.Duration) (time.Time, bool) {
	if life != nil {
		return now.Add(*life), true
	}
	if timeout == nil {
		return NeverExpires, true
	}
	return time.Time{}, false
}
