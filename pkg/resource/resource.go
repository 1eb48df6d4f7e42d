// Package resource defines the contract between the dispatch loop and the
// resource handlers it invokes.
package resource

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/ziebelje/cora/pkg/database"
	"github.com/ziebelje/cora/pkg/fault"
	"github.com/ziebelje/cora/pkg/session"
)

// CookieJar collects cookie writes requested by a method. The transport only
// emits them when the batch commits.
type CookieJar interface {
	SetCookie(name, value string, expires time.Time, persistent bool)
	DeleteCookie(name string)
}

// Env is the request-scoped context a handler is built with. It lives for
// one inbound request and is never shared.
type Env struct {
	DB           *database.Gateway
	Sessions     *session.Store
	SessionToken string
	ExternalID   string
	SessionValid bool
	Cookies      CookieJar
	Logger       *slog.Logger
	Now          func() time.Time
}

func (e *Env) Clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Method receives a positional argument list that may be shorter than the
// declared parameters; missing trailing arguments take the method's defaults.
type Method func(ctx context.Context, args Args) (any, error)

type Resource interface {
	Method(name string) (Method, bool)
}

type Methods map[string]Method

func (m Methods) Method(name string) (Method, bool) {
	fn, ok := m[name]
	return fn, ok
}

type Factory func(env *Env) Resource

// Handlers maps resource names to factories.
type Handlers map[string]Factory

type Args []any

func (a Args) Has(i int) bool { return i >= 0 && i < len(a) }

// Value returns the i-th argument, or nil when it was not supplied.
func (a Args) Value(i int) any {
	if !a.Has(i) {
		return nil
	}
	return a[i]
}

func invalid(i int, want string, got any) error {
	return fault.Newf(fault.KindMethod, fault.CodeInvalidInput, "argument %d must be %s", i, want).With("value", got)
}

// String returns the i-th argument, def when absent or null.
func (a Args) String(i int, def string) (string, error) {
	v := a.Value(i)
	if v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(i, "a string", v)
	}
	return s, nil
}

// Int accepts JSON numbers with no fractional part.
func (a Args) Int(i int, def int64) (int64, error) {
	v := a.Value(i)
	if v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case json.Number:
		if x, err := n.Int64(); err == nil {
			return x, nil
		}
		f, err := n.Float64()
		if err != nil || !integral(f) {
			return 0, invalid(i, "an integer", v)
		}
		return int64(f), nil
	case float64:
		if !integral(n) {
			return 0, invalid(i, "an integer", v)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return 0, invalid(i, "an integer", v)
}

// integral reports whether f is a whole number that fits in an int64.
func integral(f float64) bool {
	return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64
}

const maxSeconds = math.MaxInt64 / int64(time.Second)

// OptionalSeconds reads a nullable count of seconds.
func (a Args) OptionalSeconds(i int) (*time.Duration, error) {
	if a.Value(i) == nil {
		return nil, nil
	}
	n, err := a.Int(i, 0)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxSeconds {
		return nil, invalid(i, "a number of seconds between 0 and 9223372036", n)
	}
	d := time.Duration(n) * time.Second
	return &d, nil
}

func (a Args) Map(i int) (map[string]any, error) {
	v := a.Value(i)
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalid(i, "an object", v)
	}
	return m, nil
}
