// Package store opens the shared backing connections used by the API server:
// the PostgreSQL pool that request transactions draw from and the Redis
// client behind caches and rate limits.
package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	newPool          = pgxpool.NewWithConfig
	connectAttempts  = 30
	connectBackoff   = 2 * time.Second
	pingTimeout      = 2 * time.Second
	sleep            = time.Sleep
	defaultDatabase  = "cora"
	defaultAppName   = "cora"
	defaultMaxConns  = int32(10)
	defaultIdleLimit = 5 * time.Minute
)

// PostgresConfigFromEnv builds the pool configuration from DATABASE_URL, or
// from the DATABASE_* parts when no URL is given.
func PostgresConfigFromEnv() (*pgxpool.Config, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = postgresURLFromParts()
	}
	if envBool("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	app := strings.TrimSpace(os.Getenv("DATABASE_APPLICATION_NAME"))
	if app == "" {
		app = defaultAppName
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = app
	if ms := envInt("DATABASE_STATEMENT_TIMEOUT_MS", 0); ms > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(ms)
	}
	cfg.MaxConns = int32(envInt("DATABASE_MAX_CONNS", int(defaultMaxConns)))
	cfg.MinConns = int32(envInt("DATABASE_MIN_CONNS", 1))
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	cfg.MaxConnIdleTime = defaultIdleLimit
	return cfg, nil
}

// NewPostgresPool connects and pings, retrying while the database starts up.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := PostgresConfigFromEnv()
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			sleep(connectBackoff)
		}
		pool, err := newPool(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		pool.Close()
		lastErr = err
	}
	return nil, fmt.Errorf("database unreachable after %d attempts: %w", connectAttempts, lastErr)
}

func postgresURLFromParts() string {
	user := envString("DATABASE_USER", defaultDatabase)
	host := envString("DATABASE_HOST", "localhost")
	port := envString("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + envString("DATABASE_NAME", defaultDatabase),
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	q := u.Query()
	q.Set("sslmode", envString("DATABASE_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	mode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch mode {
	case "require", "verify-ca", "verify-full":
		return nil
	case "":
		return fmt.Errorf("DATABASE_REQUIRE_TLS is set but DATABASE_URL has no sslmode")
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS is set but sslmode=%q is insecure", mode)
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
