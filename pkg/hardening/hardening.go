// Package hardening refuses to start a production-like deployment with
// insecure settings.
package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries the raw environment values being checked.
type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	RequireHTTPS          string
	Debug                 string
	AdminAuthMode         string
	CORSAllowedOrigins    string
	RequiredSecrets       []EnvRequirement
}

// ValidateProduction is a no-op outside prod/staging or when
// STRICT_PROD_SECURITY=false.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%s: strict production hardening "+format, append([]any{service}, args...)...)
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fail("requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fail("requires REDIS_REQUIRE_TLS=true")
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fail("forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	if !isTrue(o.RequireHTTPS, true) {
		return fail("requires REQUIRE_HTTPS=true")
	}
	if isTrue(o.Debug, false) {
		return fail("forbids DEBUG=true")
	}
	if mode := strings.ToLower(strings.TrimSpace(o.AdminAuthMode)); mode == "" || mode == "off" {
		return fail("requires ADMIN_AUTH_MODE")
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins); err != nil {
		return fail("%s", err)
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) != "" && strings.TrimSpace(req.Value) == "" {
			return fail("requires %s", req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw string) error {
	count := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		count++
		switch {
		case o == "*":
			return fmt.Errorf("forbids CORS wildcard origin")
		case strings.Contains(o, "://localhost") || strings.Contains(o, "://127.0.0.1"):
			return fmt.Errorf("forbids localhost CORS origin %q", origin)
		case !strings.HasPrefix(o, "https://"):
			return fmt.Errorf("requires HTTPS CORS origin, got %q", strings.TrimSpace(origin))
		}
	}
	if count == 0 {
		return fmt.Errorf("requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true") || trimmed == "1"
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
