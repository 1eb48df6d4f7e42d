package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ziebelje/cora/pkg/audit"
	"github.com/ziebelje/cora/pkg/auth"
	"github.com/ziebelje/cora/pkg/database"
	"github.com/ziebelje/cora/pkg/engine"
	"github.com/ziebelje/cora/pkg/hardening"
	"github.com/ziebelje/cora/pkg/httpx"
	"github.com/ziebelje/cora/pkg/metrics"
	"github.com/ziebelje/cora/pkg/ratelimit"
	"github.com/ziebelje/cora/pkg/registry"
	"github.com/ziebelje/cora/pkg/resource/builtin"
	"github.com/ziebelje/cora/pkg/store"
	"github.com/ziebelje/cora/pkg/stream"
	"github.com/ziebelje/cora/pkg/telemetry"
)

const service = "cora-api"

// hubPublisher adapts *stream.Hub to engine.Publisher, discarding the
// delivered count.
type hubPublisher struct{ *stream.Hub }

func (p hubPublisher) Publish(evt stream.Event) { p.Hub.Publish(evt) }

// apiDB is what the server needs from the connection pool.
type apiDB interface {
	database.Conn
	Ping(ctx context.Context) error
	Close()
}

type initTelemetryFunc func(ctx context.Context, cfg telemetry.Config, logger *slog.Logger) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (apiDB, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (apiDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = func(ctx context.Context, s *Server) {
		if s.Retention != nil && s.RetentionDays > 0 {
			go s.retentionLoop(ctx)
		}
		go s.metricsLoop(ctx)
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, err := loadConfig()
	if err != nil {
		logFatalf("api: %v", err)
		return
	}
	if err := runAPI(ctx, cfg, initTelemetry, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("api: %v", err)
	}
}

type config struct {
	Addr                   string
	Environment            string
	LogLevel               string
	RegistryPath           string
	BatchLimit             int
	Debug                  bool
	RequireHTTPS           bool
	TrustedProxies         []*net.IPNet
	StaticAPIKey           string
	RequireAPIKey          bool
	APIKeyCacheTTL         time.Duration
	RateLimitEnabled       bool
	RateLimitPerMinute     int
	RateLimitWindow        time.Duration
	RateLimitStrategy      string
	CookieSecret           string
	CookieDomain           string
	CookieSecure           bool
	AuditEnabled           bool
	AuditRedact            bool
	AuditHashSalt          string
	AuditRetentionDays     int
	AuditRetentionInterval time.Duration
	KafkaBrokers           []string
	KafkaAuditTopic        string
	Admin                  auth.AdminConfig
	CORSAllowedOrigins     string
	WSAllowedOrigins       []string
	MaxRequestBodyBytes    int64
	ReadHeaderTimeout      time.Duration
	ReadTimeout            time.Duration
	WriteTimeout           time.Duration
	IdleTimeout            time.Duration
	ShutdownTimeout        time.Duration
}

func loadConfig() (config, error) {
	proxies, err := httpx.ParseCIDRs(env("TRUSTED_PROXY_CIDRS", ""))
	if err != nil {
		return config{}, fmt.Errorf("TRUSTED_PROXY_CIDRS: %w", err)
	}
	cfg := config{
		Addr:                   env("ADDR", ":8080"),
		Environment:            env("ENVIRONMENT", env("APP_ENV", "")),
		LogLevel:               env("LOG_LEVEL", "info"),
		RegistryPath:           env("REGISTRY_PATH", "config/registry.yaml"),
		BatchLimit:             envInt("BATCH_LIMIT", 100),
		Debug:                  envBool("DEBUG", false),
		RequireHTTPS:           envBool("REQUIRE_HTTPS", false),
		TrustedProxies:         proxies,
		StaticAPIKey:           env("API_KEY", ""),
		RequireAPIKey:          envBool("API_KEY_REQUIRED", true),
		APIKeyCacheTTL:         envDurationSec("API_KEY_CACHE_TTL_SEC", 60),
		RateLimitEnabled:       envBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute:     envInt("RATE_LIMIT_PER_MINUTE", 240),
		RateLimitWindow:        envDurationSec("RATE_LIMIT_WINDOW_SEC", 60),
		RateLimitStrategy:      strings.ToLower(env("RATE_LIMIT_STRATEGY", ratelimit.StrategyWindow)),
		CookieSecret:           env("COOKIE_SECRET", ""),
		CookieDomain:           env("COOKIE_DOMAIN", ""),
		CookieSecure:           envBool("COOKIE_SECURE", true),
		AuditEnabled:           envBool("AUDIT_ENABLED", true),
		AuditRedact:            envBool("AUDIT_REDACT", false),
		AuditHashSalt:          env("AUDIT_HASH_SALT", ""),
		AuditRetentionDays:     envInt("AUDIT_RETENTION_DAYS", 0),
		AuditRetentionInterval: envDurationSec("AUDIT_RETENTION_INTERVAL_SEC", 3600),
		KafkaBrokers:           splitList(env("KAFKA_BROKERS", "")),
		KafkaAuditTopic:        env("KAFKA_AUDIT_TOPIC", "cora.audit"),
		Admin: auth.AdminConfig{
			Mode:     env("ADMIN_AUTH_MODE", auth.ModeOff),
			Secret:   env("ADMIN_HS256_SECRET", ""),
			JWKSURL:  env("ADMIN_JWKS_URL", ""),
			Issuer:   env("ADMIN_ISSUER", ""),
			Audience: env("ADMIN_AUDIENCE", ""),
			Timeout:  time.Millisecond * time.Duration(envInt("ADMIN_AUTH_TIMEOUT_MS", 5000)),
		},
		CORSAllowedOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:    splitList(env("WS_ALLOWED_ORIGINS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		ReadHeaderTimeout:   envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:         envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:        envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:         envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
		ShutdownTimeout:     envDurationSec("HTTP_SHUTDOWN_TIMEOUT_SEC", 15),
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	switch cfg.RateLimitStrategy {
	case ratelimit.StrategyWindow, ratelimit.StrategyToken:
	default:
		return config{}, fmt.Errorf("RATE_LIMIT_STRATEGY must be %q or %q", ratelimit.StrategyWindow, ratelimit.StrategyToken)
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               service,
		Environment:           cfg.Environment,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		RequireHTTPS:          env("REQUIRE_HTTPS", ""),
		Debug:                 env("DEBUG", ""),
		AdminAuthMode:         cfg.Admin.Mode,
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		RequiredSecrets:       requiredSecrets(cfg),
	}); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func requiredSecrets(cfg config) []hardening.EnvRequirement {
	reqs := []hardening.EnvRequirement{{Name: "COOKIE_SECRET", Value: cfg.CookieSecret}}
	if strings.EqualFold(cfg.Admin.Mode, auth.ModeHS256) {
		reqs = append(reqs, hardening.EnvRequirement{Name: "ADMIN_HS256_SECRET", Value: cfg.Admin.Secret})
	}
	if strings.EqualFold(cfg.Admin.Mode, auth.ModeRS256) {
		reqs = append(reqs, hardening.EnvRequirement{Name: "ADMIN_JWKS_URL", Value: cfg.Admin.JWKSURL})
	}
	if cfg.AuditRedact {
		reqs = append(reqs, hardening.EnvRequirement{Name: "AUDIT_HASH_SALT", Value: cfg.AuditHashSalt})
	}
	return reqs
}

func runAPI(
	ctx context.Context,
	cfg config,
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	if listen == nil {
		return errors.New("listen function required")
	}
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel).With("service", service)
	shutdown, err := initTelemetry(ctx, telemetry.ConfigFromEnv(service), logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	reg, err := registry.LoadFile(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-memory cache/limits", "error", err.Error())
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient, "cora:apikey:")

	cookieSecret := []byte(cfg.CookieSecret)
	if len(cookieSecret) == 0 {
		logger.Warn("COOKIE_SECRET not set, sessions will not survive a restart")
		cookieSecret = make([]byte, 32)
		if _, err := rand.Read(cookieSecret); err != nil {
			return fmt.Errorf("cookie secret: %w", err)
		}
	}

	s := &Server{
		DB:                  pool,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Cookies:             auth.NewCookieSigner(cookieSecret),
		CookieDomain:        cfg.CookieDomain,
		CookieSecure:        cfg.CookieSecure,
		RequireHTTPS:        cfg.RequireHTTPS,
		TrustedProxies:      cfg.TrustedProxies,
		RateLimitPerMinute:  cfg.RateLimitPerMinute,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		WSOrigins:           cfg.WSAllowedOrigins,
		RetentionDays:       cfg.AuditRetentionDays,
		RetentionInterval:   cfg.AuditRetentionInterval,
		Logger:              logger,
	}
	s.Engine = engine.New(pool, reg, builtin.Handlers(), engine.Config{BatchLimit: cfg.BatchLimit, Debug: cfg.Debug},
		engine.WithLogger(logger),
		engine.WithEvents(hubPublisher{s.Events}),
		engine.WithObserver(s.Metrics),
	)

	if cfg.RequireAPIKey {
		dbKeys := auth.NewDBKeyStore(pool, cache, cfg.APIKeyCacheTTL)
		if cfg.StaticAPIKey != "" {
			s.Keys = auth.ChainKeyStore{auth.NewStaticKeyStore(cfg.StaticAPIKey, "static"), dbKeys}
		} else {
			s.Keys = dbKeys
		}
	}

	if cfg.RateLimitEnabled {
		switch {
		case cfg.RateLimitStrategy == ratelimit.StrategyToken:
			s.Limiter = ratelimit.NewTokenBucket(cfg.RateLimitWindow)
		case redisClient != nil:
			rl := ratelimit.NewRedis(redisClient, cfg.RateLimitWindow)
			rl.Logger = logger
			s.Limiter = rl
		default:
			s.Limiter = ratelimit.NewInMemory(cfg.RateLimitWindow)
		}
	}

	if cfg.AuditEnabled {
		writer := &audit.Writer{DB: pool, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact}
		s.Retention = writer
		sinks := audit.Multi{writer}
		if len(cfg.KafkaBrokers) > 0 {
			kafka := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
			defer func() { _ = kafka.Close() }()
			sinks = append(sinks, kafka)
		}
		s.Audit = sinks
	}

	r := s.routes(cfg)

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	if startLoops != nil {
		startLoops(loopCtx, s)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	logger.Info("api listening", "addr", cfg.Addr, "batch_limit", cfg.BatchLimit, "rate_limit", cfg.RateLimitEnabled)

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) routes(cfg config) chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(httpx.CORSMiddleware(cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware(service))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/api", s.handleAPI)
	r.Post("/api", s.handleAPI)

	r.Group(func(admin chi.Router) {
		admin.Use(auth.AdminMiddleware(cfg.Admin))
		if mode := strings.ToLower(strings.TrimSpace(cfg.Admin.Mode)); mode != "" && mode != auth.ModeOff {
			admin.Use(auth.RequireRole("admin", "operator"))
		}
		admin.Get("/metrics", s.Metrics.PrometheusHandler().ServeHTTP)
		admin.Get("/admin/metrics", s.Metrics.Handler())
		admin.Get("/admin/audit/{request_id}", s.getAudit)
		admin.Post("/admin/retention/run", s.runRetentionNow)
		admin.Get("/v1/stream", s.streamEvents)
	})
	return r
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
