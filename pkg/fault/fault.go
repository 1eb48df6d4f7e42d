// Package fault defines the error taxonomy shared by every stage of request
// processing. A fault carries a kind, a numeric code that is surfaced to API
// callers, and the stack captured where it was raised.
package fault

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindAuth          Kind = "auth"
	KindRequestShape  Kind = "request_shape"
	KindRegistry      Kind = "registry"
	KindStorage       Kind = "storage"
	KindDuplicateKey  Kind = "duplicate_key"
	KindTransaction   Kind = "transaction"
	KindMethod        Kind = "method"
)

type Code int

const (
	CodeHTTPSRequired Code = 1000

	CodeMissingAPIKey  Code = 1001
	CodeInvalidAPIKey  Code = 1002
	CodeSessionExpired Code = 1003
	CodeRateLimited    Code = 1004

	CodeMalformedBatch         Code = 1100
	CodeBatchLimitExceeded     Code = 1101
	CodeInconsistentAliasUsage Code = 1102
	CodeDuplicateAlias         Code = 1103
	CodeMalformedArguments     Code = 1104
	CodeBackReference          Code = 1105
	CodeMalformedRequest       Code = 1106

	CodeMethodNotMapped Code = 1200
	CodeMethodNotFound  Code = 1201

	CodeQueryFailed  Code = 1300
	CodeDuplicateKey Code = 1301

	CodeTransactionStart    Code = 1400
	CodeTransactionCommit   Code = 1401
	CodeTransactionRollback Code = 1402

	CodeUnhandled    Code = 1500
	CodeInvalidInput Code = 1501
	CodeNotFound     Code = 1502
)

// Error is a classified failure. Message is what API callers see; the wrapped
// cause keeps the origin stack and any underlying driver error.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Extra   map[string]any
	cause   error
}

func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: errors.NewWithDepth(1, message)}
}

func Newf(kind Kind, code Code, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Code: code, Message: msg, cause: errors.NewWithDepth(1, msg)}
}

// Wrap classifies err. The returned fault unwraps to err, so errors.As still
// reaches driver errors such as *pgconn.PgError.
func Wrap(err error, kind Kind, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: message, cause: errors.WrapWithDepth(1, err, message)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches faults by code so callers can compare against a template fault.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With attaches a debug-only diagnostic value.
func (e *Error) With(key string, value any) *Error {
	if e.Extra == nil {
		e.Extra = map[string]any{}
	}
	e.Extra[key] = value
	return e
}

// Storage reports whether the fault came from the data store, including the
// duplicate-key subtype.
func (e *Error) Storage() bool {
	return e.Kind == KindStorage || e.Kind == KindDuplicateKey
}

// Location returns the file and line where the fault was raised.
func (e *Error) Location() (string, int) {
	if e.cause == nil {
		return "", 0
	}
	file, line, _, ok := errors.GetOneLineSource(e.cause)
	if !ok {
		return "", 0
	}
	return file, line
}

func (e *Error) Trace() string {
	if e.cause == nil {
		return ""
	}
	return fmt.Sprintf("%+v", e.cause)
}

// From converts any error into a fault. Errors that are not faults are
// treated as unhandled method failures and keep their message.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindMethod, Code: CodeUnhandled, Message: err.Error(), cause: errors.WithStackDepth(err, 1)}
}

// FromPanic converts a recovered panic value into a fault.
func FromPanic(v any) *Error {
	if err, ok := v.(error); ok {
		return Wrap(err, KindMethod, CodeUnhandled, "panic")
	}
	return Newf(KindMethod, CodeUnhandled, "panic: %v", v)
}

func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return 0
}

func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
