// Package audit records one row per API request. Records are written outside
// the request transaction so that rolled back batches are still audited.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ziebelje/cora/pkg/call"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Record struct {
	RequestID  string          `json:"request_id"`
	APIKeyHash string          `json:"api_key_hash,omitempty"`
	Origin     string          `json:"origin"`
	Calls      json.RawMessage `json:"calls"`
	Success    bool            `json:"success"`
	ErrorCode  int             `json:"error_code,omitempty"`
	FailedCall string          `json:"failed_call,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	QueryCount int             `json:"query_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Sink interface {
	Append(ctx context.Context, rec Record) error
}

type auditCall struct {
	Resource  string `json:"resource"`
	Method    string `json:"method"`
	Arguments string `json:"arguments,omitempty"`
	Alias     string `json:"alias,omitempty"`
}

// Calls renders the call list of a request for a Record.
func Calls(list call.List) json.RawMessage {
	out := make([]auditCall, 0, list.Len())
	for _, c := range list.Calls {
		out = append(out, auditCall{Resource: c.Resource, Method: c.Method, Arguments: c.Arguments, Alias: c.Alias})
	}
	b, _ := json.Marshal(out)
	return b
}

// Writer stores records in the api_request_log table.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	calls := rec.Calls
	if len(calls) == 0 {
		calls = json.RawMessage(`[]`)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO api_request_log
		(request_id, api_key_hash, origin, calls, success, error_code, failed_call, duration_ms, query_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.RequestID, rec.APIKeyHash, rec.Origin, calls, rec.Success, rec.ErrorCode, rec.FailedCall, rec.DurationMS, rec.QueryCount, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, requestID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT request_id, api_key_hash, origin, calls, success, error_code, failed_call, duration_ms, query_count, created_at
		FROM api_request_log WHERE request_id=$1
	`, requestID)
	err := row.Scan(&rec.RequestID, &rec.APIKeyHash, &rec.Origin, &rec.Calls, &rec.Success, &rec.ErrorCode, &rec.FailedCall, &rec.DurationMS, &rec.QueryCount, &rec.CreatedAt)
	return rec, err
}

// Prune deletes records created before cutoff and returns how many were
// removed.
func (w *Writer) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := w.DB.Exec(ctx, `DELETE FROM api_request_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Multi appends to every sink and joins their errors.
type Multi []Sink

func (m Multi) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
