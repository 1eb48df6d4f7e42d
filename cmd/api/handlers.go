package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ziebelje/cora/pkg/audit"
	"github.com/ziebelje/cora/pkg/auth"
	"github.com/ziebelje/cora/pkg/call"
	"github.com/ziebelje/cora/pkg/engine"
	"github.com/ziebelje/cora/pkg/fault"
	"github.com/ziebelje/cora/pkg/httpx"
	"github.com/ziebelje/cora/pkg/metrics"
	"github.com/ziebelje/cora/pkg/ratelimit"
	"github.com/ziebelje/cora/pkg/resource/builtin"
	"github.com/ziebelje/cora/pkg/stream"
)

type serverDB interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type retentionStore interface {
	Get(ctx context.Context, requestID string) (audit.Record, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type Server struct {
	DB                  serverDB
	Engine              *engine.Engine
	Keys                auth.APIKeyStore
	Limiter             ratelimit.Limiter
	RateLimitPerMinute  int
	Audit               audit.Sink
	Retention           retentionStore
	RetentionDays       int
	RetentionInterval   time.Duration
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Cookies             *auth.CookieSigner
	CookieDomain        string
	CookieSecure        bool
	RequireHTTPS        bool
	TrustedProxies      []*net.IPNet
	MaxRequestBodyBytes int64
	WSOrigins           []string
	Logger              *slog.Logger
	Now                 func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	requestID := httpx.RequestIDFrom(r.Context())
	origin := httpx.ClientIP(r, s.TrustedProxies)

	req, key, err := readCallRequest(r)
	if err != nil {
		fe := fault.From(err)
		s.Metrics.ObserveFault(fe.Code)
		httpx.WriteJSON(w, http.StatusOK, engine.Failure(fe, s.Engine.Config().Debug))
		s.record(r.Context(), audit.Record{
			RequestID: requestID,
			Origin:    origin,
			ErrorCode: int(fe.Code),
		}, key)
		return
	}

	jar := auth.NewPendingCookies(s.Cookies, s.CookieDomain, s.CookieSecure)
	// A started batch runs to commit or rollback even if the client goes away.
	out := s.Engine.Process(context.WithoutCancel(r.Context()), engine.Input{
		Request:      req,
		SessionToken: s.Cookies.Read(r, builtin.CookieSessionKey),
		ExternalID:   s.Cookies.Read(r, builtin.CookieExternalID),
		Origin:       origin,
		RequestID:    requestID,
		Cookies:      jar,
		Gate:         s.gate(r, key, origin),
	})

	h := w.Header()
	h.Set("X-Query-Count", strconv.Itoa(out.QueryCount))
	h.Set("X-Query-Time-Ms", strconv.FormatFloat(float64(out.QueryTime.Microseconds())/1000, 'f', 3, 64))
	if out.Committed {
		jar.Flush(w)
	}
	if out.Err != nil {
		s.Metrics.ObserveFault(out.Err.Code)
		if out.Err.Code == fault.CodeRateLimited {
			if retry, ok := out.Err.Extra["retry_after_sec"].(int); ok {
				h.Set("Retry-After", strconv.Itoa(retry))
			}
		}
	}
	httpx.WriteJSON(w, http.StatusOK, out.Response)

	if out.Err != nil && out.Err.Code == fault.CodeRateLimited {
		return
	}
	rec := audit.Record{
		RequestID:  requestID,
		Origin:     origin,
		Calls:      audit.Calls(out.List),
		Success:    out.Committed,
		DurationMS: out.Duration.Milliseconds(),
		QueryCount: out.QueryCount,
	}
	if out.Err != nil {
		rec.ErrorCode = int(out.Err.Code)
	}
	if out.Failed != nil {
		rec.FailedCall = out.Failed.Name()
	}
	s.record(r.Context(), rec, key)
}

// gate runs the transport checks in order: HTTPS, rate limit, API key.
func (s *Server) gate(r *http.Request, key, origin string) engine.Gate {
	return func(ctx context.Context, list call.List) error {
		if s.RequireHTTPS && !httpx.IsSecure(r, s.TrustedProxies) {
			return fault.New(fault.KindConfiguration, fault.CodeHTTPSRequired, "requests must use https")
		}
		if s.Limiter != nil {
			caller := "anonymous"
			if key != "" {
				caller = auth.HashKey(key)[:16]
			}
			if _, err := ratelimit.Check(ctx, s.Limiter, ratelimit.Key("api", caller, origin), s.RateLimitPerMinute); err != nil {
				return err
			}
		}
		if s.Keys != nil {
			if _, err := auth.Authenticate(ctx, s.Keys, key); err != nil {
				return err
			}
		}
		return nil
	}
}

// record appends rec to the audit sinks outside the request transaction, so
// rolled back batches are audited too.
func (s *Server) record(ctx context.Context, rec audit.Record, key string) {
	if s.Audit == nil {
		return
	}
	if key != "" {
		rec.APIKeyHash = auth.HashKey(key)
	}
	if len(rec.Calls) == 0 {
		rec.Calls = audit.Calls(call.List{})
	}
	rec.CreatedAt = s.now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := s.Audit.Append(ctx, rec); err != nil {
		s.Logger.Error("audit append failed", "request_id", rec.RequestID, "error", err.Error())
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.DB != nil {
		if err := s.DB.Ping(ctx); err != nil {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "service": service, "error": "database unreachable"})
			return
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": service})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.Retention == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit disabled")
		return
	}
	rec, err := s.Retention.Get(r.Context(), chi.URLParam(r, "request_id"))
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) runRetentionNow(w http.ResponseWriter, r *http.Request) {
	if s.Retention == nil || s.RetentionDays <= 0 {
		httpx.Error(w, http.StatusConflict, "retention disabled")
		return
	}
	deleted, err := s.applyRetention(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "retention failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "retention_days": s.RetentionDays})
}

func (s *Server) applyRetention(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-time.Duration(s.RetentionDays) * 24 * time.Hour)
	return s.Retention.Prune(ctx, cutoff)
}

func (s *Server) retentionLoop(ctx context.Context) {
	interval := s.RetentionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.applyRetention(ctx)
			if err != nil {
				s.Logger.Error("retention run failed", "error", err.Error())
				continue
			}
			s.Logger.Info("retention run completed", "deleted", deleted, "retention_days", s.RetentionDays)
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.Events != nil {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Len()))
		s.Metrics.SetGauge("stream_dropped_total", float64(s.Events.Dropped()))
	}
	if s.DB == nil {
		return
	}
	if p, ok := s.DB.(interface{ Stat() *pgxpool.Stat }); ok {
		st := p.Stat()
		s.Metrics.SetGauge("db_conns_total", float64(st.TotalConns()))
		s.Metrics.SetGauge("db_conns_idle", float64(st.IdleConns()))
		s.Metrics.SetGauge("db_conns_acquired", float64(st.AcquiredConns()))
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var live int64
	if err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM session WHERE deleted = false`).Scan(&live); err == nil {
		s.Metrics.SetGauge("sessions_live", float64(live))
	}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// streamEvents relays batch events over a websocket. ?types= narrows the
// feed to a comma separated list of event types.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.WSOrigins) > 0 {
		opts.OriginPatterns = s.WSOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	types := splitList(r.URL.Query().Get("types"))
	sub := s.Events.Subscribe(64, types...)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", map[string]any{"types": types}))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
