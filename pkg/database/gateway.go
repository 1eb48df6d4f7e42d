// Package database is the data store gateway used while processing one API
// request: it runs every statement inside the request's transaction scope,
// classifies driver failures into faults and keeps cumulative query counters
// for per-call instrumentation.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ziebelje/cora/pkg/fault"
)

const uniqueViolation = "23505"

// Conn is the connection source a gateway draws from. *pgxpool.Pool satisfies it.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Result describes the effect of a statement. RowsMatched counts rows that
// satisfied the statement's predicate even when their values did not change;
// RowsAffected counts rows actually changed. PostgreSQL reports matched rows
// for UPDATE, so both carry the same number for this driver.
type Result struct {
	RowsAffected int64
	RowsMatched  int64
	LastInsertID int64
}

type scopeState int

const (
	scopeIdle scopeState = iota
	scopeOpen
	scopeCommitted
	scopeRolledBack
)

func (s scopeState) String() string {
	switch s {
	case scopeOpen:
		return "open"
	case scopeCommitted:
		return "committed"
	case scopeRolledBack:
		return "rolled_back"
	default:
		return "idle"
	}
}

// Gateway is owned by a single request worker and is not safe for concurrent use.
type Gateway struct {
	conn    Conn
	tx      pgx.Tx
	state   scopeState
	queries int
	elapsed time.Duration
	now     func() time.Time
}

type Option func(*Gateway)

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

func New(conn Conn, opts ...Option) *Gateway {
	g := &Gateway{conn: conn, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Begin opens the transaction scope. It is a no-op on an open scope; a
// closed scope cannot be reopened.
func (g *Gateway) Begin(ctx context.Context) error {
	switch g.state {
	case scopeOpen:
		return nil
	case scopeCommitted, scopeRolledBack:
		return fault.New(fault.KindTransaction, fault.CodeTransactionStart, "transaction scope already closed")
	}
	tx, err := g.conn.Begin(ctx)
	if err != nil {
		return fault.Wrap(err, fault.KindTransaction, fault.CodeTransactionStart, "failed to start transaction")
	}
	g.tx = tx
	g.state = scopeOpen
	return nil
}

// Commit closes an open scope. Idle or closed scopes are left untouched.
func (g *Gateway) Commit(ctx context.Context) error {
	if g.state != scopeOpen {
		return nil
	}
	g.state = scopeCommitted
	if err := g.tx.Commit(ctx); err != nil {
		return fault.Wrap(err, fault.KindTransaction, fault.CodeTransactionCommit, "failed to commit transaction")
	}
	return nil
}

// Rollback closes an open scope. Idle or closed scopes are left untouched.
func (g *Gateway) Rollback(ctx context.Context) error {
	if g.state != scopeOpen {
		return nil
	}
	g.state = scopeRolledBack
	if err := g.tx.Rollback(ctx); err != nil {
		return fault.Wrap(err, fault.KindTransaction, fault.CodeTransactionRollback, "failed to roll back transaction")
	}
	return nil
}

// Close is the end-of-processing contract: an open scope is committed.
func (g *Gateway) Close(ctx context.Context) error {
	return g.Commit(ctx)
}

func (g *Gateway) InTransaction() bool { return g.state == scopeOpen }

func (g *Gateway) Committed() bool { return g.state == scopeCommitted }

func (g *Gateway) RolledBack() bool { return g.state == scopeRolledBack }

func (g *Gateway) State() string { return g.state.String() }

func (g *Gateway) QueryCount() int { return g.queries }

func (g *Gateway) QueryTime() time.Duration { return g.elapsed }

func (g *Gateway) target() querier {
	if g.state == scopeOpen && g.tx != nil {
		return g.tx
	}
	return g.conn
}

func (g *Gateway) observe(start time.Time) {
	g.queries++
	g.elapsed += g.now().Sub(start)
}

// Exec runs a statement that returns no rows.
func (g *Gateway) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	start := g.now()
	tag, err := g.target().Exec(ctx, sql, args...)
	g.observe(start)
	if err != nil {
		return Result{}, classify(err, sql)
	}
	n := tag.RowsAffected()
	return Result{RowsAffected: n, RowsMatched: n}, nil
}

// Insert runs an INSERT ... RETURNING <id> statement. A statement that
// inserted nothing (ON CONFLICT DO NOTHING) yields a zero result.
func (g *Gateway) Insert(ctx context.Context, sql string, args ...any) (Result, error) {
	start := g.now()
	var id int64
	err := g.target().QueryRow(ctx, sql, args...).Scan(&id)
	g.observe(start)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, classify(err, sql)
	}
	return Result{RowsAffected: 1, RowsMatched: 1, LastInsertID: id}, nil
}

// QueryOne scans the first row into dest and reports whether a row existed.
func (g *Gateway) QueryOne(ctx context.Context, dest []any, sql string, args ...any) (bool, error) {
	start := g.now()
	err := g.target().QueryRow(ctx, sql, args...).Scan(dest...)
	g.observe(start)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err, sql)
	}
	return true, nil
}

// Select returns every row keyed by column name.
func (g *Gateway) Select(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	start := g.now()
	rows, err := g.target().Query(ctx, sql, args...)
	if err != nil {
		g.observe(start)
		return nil, classify(err, sql)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	g.observe(start)
	if err != nil {
		return nil, classify(err, sql)
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}

func classify(err error, sql string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fault.Wrap(err, fault.KindDuplicateKey, fault.CodeDuplicateKey, "duplicate key").
			With("query", sql).
			With("constraint", pgErr.ConstraintName)
	}
	return fault.Wrap(err, fault.KindStorage, fault.CodeQueryFailed, "query failed").With("query", sql)
}

// IsDuplicateKey reports whether err is a duplicate-key fault.
func IsDuplicateKey(err error) bool {
	return fault.KindOf(err) == fault.KindDuplicateKey
}
