// Package engine executes an API request: it builds the call list, validates
// the session once, dispatches every call in order inside one transaction and
// renders the response envelope. Any fault aborts the remaining calls and
// rolls the transaction back.
package engine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ziebelje/cora/pkg/argument"
	"github.com/ziebelje/cora/pkg/call"
	"github.com/ziebelje/cora/pkg/database"
	"github.com/ziebelje/cora/pkg/fault"
	"github.com/ziebelje/cora/pkg/registry"
	"github.com/ziebelje/cora/pkg/resource"
	"github.com/ziebelje/cora/pkg/session"
	"github.com/ziebelje/cora/pkg/stream"
)

const (
	EventCommitted  = "batch.committed"
	EventRolledBack = "batch.rolled_back"
)

type State int

const (
	StatePending State = iota
	StateAccessChecked
	StateInvoked
	StateRecorded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccessChecked:
		return "access_checked"
	case StateInvoked:
		return "invoked"
	case StateRecorded:
		return "recorded"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

type Config struct {
	// BatchLimit caps the number of calls in a batch; 0 disables the cap.
	BatchLimit int
	Debug      bool
}

// Slot is the recorded result of one completed call.
type Slot struct {
	Key        string
	Value      any
	Elapsed    time.Duration
	QueryCount int
	QueryTime  time.Duration
}

// Gate runs after the call list is built and before the transaction opens.
type Gate func(ctx context.Context, list call.List) error

type Input struct {
	Request      call.Request
	SessionToken string
	ExternalID   string
	Origin       string
	RequestID    string
	Cookies      resource.CookieJar
	Gate         Gate
}

type Outcome struct {
	Response     Response
	List         call.List
	States       []State
	Slots        []Slot
	Failed       *call.Call
	Err          *fault.Error
	Committed    bool
	SessionValid bool
	QueryCount   int
	QueryTime    time.Duration
	Duration     time.Duration
}

type Publisher interface {
	Publish(evt stream.Event)
}

type Observer interface {
	ObserveCall(name string, code fault.Code, d time.Duration)
	ObserveBatch(committed bool, calls, queries int, d time.Duration)
}

type Engine struct {
	conn     database.Conn
	registry registry.Map
	handlers resource.Handlers
	cfg      Config
	logger   *slog.Logger
	events   Publisher
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithEvents(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(conn database.Conn, reg registry.Map, handlers resource.Handlers, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		conn:     conn,
		registry: reg,
		handlers: handlers,
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:   otel.Tracer("github.com/ziebelje/cora/pkg/engine"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// Process runs one request to completion. It never returns an error: every
// failure is rendered into Outcome.Response, and the transaction is closed on
// every path, panics included.
func (e *Engine) Process(ctx context.Context, in Input) (out Outcome) {
	start := e.now()
	logger := e.logger.With("request_id", in.RequestID, "origin", in.Origin)
	db := database.New(e.conn, database.WithClock(e.now))
	var current *call.Call

	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, db, &out, current, fault.FromPanic(r), logger)
		}
		out.QueryCount = db.QueryCount()
		out.QueryTime = db.QueryTime()
		out.Duration = e.now().Sub(start)
		e.finish(&out, in, logger)
	}()

	if err := e.run(ctx, in, db, &out, &current, logger); err != nil {
		e.fail(ctx, db, &out, current, err, logger)
	}
	return out
}

func (e *Engine) run(ctx context.Context, in Input, db *database.Gateway, out *Outcome, current **call.Call, logger *slog.Logger) error {
	list, err := call.Build(in.Request, e.cfg.BatchLimit)
	if err != nil {
		return err
	}
	out.List = list
	out.States = make([]State, list.Len())
	out.Slots = make([]Slot, 0, list.Len())

	if in.Gate != nil {
		if err := in.Gate(ctx, list); err != nil {
			return err
		}
	}
	if err := db.Begin(ctx); err != nil {
		return err
	}

	sessions := session.New(db, session.WithOrigin(in.Origin), session.WithClock(e.now))
	if in.SessionToken != "" {
		valid, err := sessions.Touch(ctx, in.SessionToken)
		if err != nil {
			return err
		}
		out.SessionValid = valid
	}

	env := &resource.Env{
		DB:           db,
		Sessions:     sessions,
		SessionToken: in.SessionToken,
		ExternalID:   in.ExternalID,
		SessionValid: out.SessionValid,
		Cookies:      in.Cookies,
		Logger:       logger,
		Now:          e.now,
	}

	byIndex := make([]any, 0, list.Len())
	byAlias := make(map[string]any, list.Len())
	var doc any = byIndex
	if list.Aliased {
		doc = byAlias
	}

	for i := range list.Calls {
		c := &list.Calls[i]
		*current = c
		slot, err := e.dispatch(ctx, env, list, c, doc, &out.States[i], logger)
		if err != nil {
			return err
		}
		// Every result must encode before the batch may commit.
		v, err := argument.Normalize(slot.Value)
		if err != nil {
			return fault.Wrap(err, fault.KindMethod, fault.CodeUnhandled, "call result is not JSON encodable")
		}
		out.Slots = append(out.Slots, slot)

		if list.Batch {
			if list.Aliased {
				byAlias[c.Alias] = v
			} else {
				byIndex = append(byIndex, v)
				doc = byIndex
			}
		}
	}
	*current = nil

	if err := db.Close(ctx); err != nil {
		return err
	}
	out.Committed = true
	out.Response = Success(list, out.Slots)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, env *resource.Env, list call.List, c *call.Call, doc any, state *State, logger *slog.Logger) (Slot, error) {
	tier, params, ok := e.registry.Lookup(c.Resource, c.Method)
	if !ok {
		return Slot{}, fault.Newf(fault.KindRegistry, fault.CodeMethodNotMapped, "method %s is not mapped", c.Name())
	}
	if tier == registry.TierSession && !env.SessionValid {
		return Slot{}, fault.New(fault.KindAuth, fault.CodeSessionExpired, "session is expired")
	}
	*state = StateAccessChecked

	factory, ok := e.handlers[c.Resource]
	if !ok {
		return Slot{}, fault.Newf(fault.KindRegistry, fault.CodeMethodNotFound, "resource %s does not exist", c.Resource)
	}
	fn, ok := factory(env).Method(c.Method)
	if !ok {
		return Slot{}, fault.Newf(fault.KindRegistry, fault.CodeMethodNotFound, "method %s does not exist", c.Name())
	}
	plan, err := argument.Parse(c.Arguments, params, list.Batch)
	if err != nil {
		return Slot{}, err
	}
	args, err := plan.Bind(doc)
	if err != nil {
		return Slot{}, err
	}

	queries, queryTime := env.DB.QueryCount(), env.DB.QueryTime()
	start := e.now()
	*state = StateInvoked
	value, err := e.invoke(ctx, c, fn, resource.Args(args))
	elapsed := e.now().Sub(start)
	if err != nil {
		if e.observer != nil {
			e.observer.ObserveCall(c.Name(), fault.CodeOf(err), elapsed)
		}
		return Slot{}, err
	}

	slot := Slot{
		Key:        c.Key(list.Aliased),
		Value:      value,
		Elapsed:    elapsed,
		QueryCount: env.DB.QueryCount() - queries,
		QueryTime:  env.DB.QueryTime() - queryTime,
	}
	*state = StateRecorded
	if e.observer != nil {
		e.observer.ObserveCall(c.Name(), 0, elapsed)
	}
	logger.Debug("call recorded",
		"resource", c.Resource,
		"method", c.Method,
		"index", c.Index,
		"elapsed_ms", elapsed.Milliseconds(),
		"query_count", slot.QueryCount,
	)
	return slot, nil
}

func (e *Engine) invoke(ctx context.Context, c *call.Call, fn resource.Method, args resource.Args) (any, error) {
	ctx, span := e.tracer.Start(ctx, "cora.call "+c.Name(), trace.WithAttributes(
		attribute.String("cora.resource", c.Resource),
		attribute.String("cora.method", c.Method),
		attribute.Int("cora.index", c.Index),
	))
	defer span.End()
	value, err := fn(ctx, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err
}

// fail is the only place a transaction is rolled back.
func (e *Engine) fail(ctx context.Context, db *database.Gateway, out *Outcome, current *call.Call, err error, logger *slog.Logger) {
	fe := fault.From(err)
	if current != nil {
		c := *current
		out.Failed = &c
		if c.Index < len(out.States) {
			out.States[c.Index] = StateFailed
		}
		if _, ok := fe.Extra["resource"]; !ok {
			fe.With("resource", c.Resource).With("method", c.Method).With("arguments", c.Arguments).With("index", c.Index)
		}
		logger.Warn("call failed",
			"resource", c.Resource,
			"method", c.Method,
			"arguments", c.Arguments,
			"index", c.Index,
			"error_code", int(fe.Code),
			"error", fe.Error(),
		)
	}
	if rbErr := db.Rollback(ctx); rbErr != nil {
		logger.Error("rollback failed", "error", rbErr.Error())
		fe.With("rollback_error", rbErr.Error())
	}
	out.Committed = false
	out.Err = fe
	out.Response = Failure(fe, e.cfg.Debug)
}

func (e *Engine) finish(out *Outcome, in Input, logger *slog.Logger) {
	eventType := EventCommitted
	data := map[string]any{
		"request_id":  in.RequestID,
		"calls":       out.List.Len(),
		"query_count": out.QueryCount,
		"duration_ms": out.Duration.Milliseconds(),
	}
	if out.Committed {
		logger.Info("batch committed",
			"calls", out.List.Len(),
			"query_count", out.QueryCount,
			"duration_ms", out.Duration.Milliseconds(),
		)
	} else {
		eventType = EventRolledBack
		code := 0
		if out.Err != nil {
			code = int(out.Err.Code)
		}
		data["error_code"] = code
		if out.Failed != nil {
			data["failed_call"] = out.Failed.Name()
			data["failed_index"] = out.Failed.Index
		}
		logger.Warn("batch rolled back",
			"calls", out.List.Len(),
			"error_code", code,
			"duration_ms", out.Duration.Milliseconds(),
		)
	}
	if e.events != nil {
		e.events.Publish(stream.NewEvent(eventType, data))
	}
	if e.observer != nil {
		e.observer.ObserveBatch(out.Committed, out.List.Len(), out.QueryCount, out.Duration)
	}
}
