package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func signHS256(t *testing.T, claims map[string]any, secret string) string {
	t.Helper()
	headerRaw, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payloadRaw, _ := json.Marshal(claims)
	h := base64.RawURLEncoding.EncodeToString(headerRaw)
	p := base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(h + "." + p))
	return h + "." + p + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func signRS256(t *testing.T, claims map[string]any, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	headerRaw, _ := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT", "kid": kid})
	payloadRaw, _ := json.Marshal(claims)
	h := base64.RawURLEncoding.EncodeToString(headerRaw)
	p := base64.RawURLEncoding.EncodeToString(payloadRaw)
	sum := sha256.Sum256([]byte(h + "." + p))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return h + "." + p + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func jwksServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{"kid": kid, "kty": "RSA", "n": n, "e": e}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifyHS256(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	valid := map[string]any{
		"sub":   "ops-1",
		"roles": []string{"Operator", "Admin"},
		"iss":   "issuer",
		"aud":   "cora",
		"exp":   now.Add(time.Minute).Unix(),
	}
	with := func(k string, v any) map[string]any {
		m := map[string]any{}
		for kk, vv := range valid {
			m[kk] = vv
		}
		if v == nil {
			delete(m, k)
		} else {
			m[k] = v
		}
		return m
	}
	tests := []struct {
		name    string
		token   string
		wantErr string
	}{
		{name: "valid", token: signHS256(t, valid, "s")},
		{name: "single_role_string", token: signHS256(t, with("roles", "Admin"), "s")},
		{name: "audience_list", token: signHS256(t, with("aud", []string{"x", "cora"}), "s")},
		{name: "wrong_secret", token: signHS256(t, valid, "other"), wantErr: "signature mismatch"},
		{name: "expired", token: signHS256(t, with("exp", now.Unix()), "s"), wantErr: "token expired"},
		{name: "not_active", token: signHS256(t, with("nbf", now.Add(time.Second).Unix()), "s"), wantErr: "token not active"},
		{name: "no_subject", token: signHS256(t, with("sub", nil), "s"), wantErr: "subject required"},
		{name: "issuer", token: signHS256(t, with("iss", "else"), "s"), wantErr: "issuer mismatch"},
		{name: "audience", token: signHS256(t, with("aud", []string{"x"}), "s"), wantErr: "audience mismatch"},
		{name: "format", token: "a.b", wantErr: "invalid token format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := VerifyHS256(tt.token, "s", now, "issuer", "cora")
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("verify: %v", err)
				}
				if claims.Sub != "ops-1" || len(claims.Roles) == 0 {
					t.Fatalf("unexpected claims %+v", claims)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q, got %v", tt.wantErr, err)
			}
		})
	}
	if _, err := VerifyHS256(signHS256(t, valid, "s"), "", now, "", ""); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestVerifyRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	srv := jwksServer(t, key, "kid-1")
	keys := NewJWKS(srv.URL, time.Second)
	now := time.Now()
	token := signRS256(t, map[string]any{"sub": "ops-rs", "aud": []string{"cora"}, "exp": now.Add(time.Minute).Unix()}, key, "kid-1")
	claims, err := VerifyRS256(t.Context(), token, keys, now, "", "cora")
	if err != nil || claims.Sub != "ops-rs" {
		t.Fatalf("verify: %+v %v", claims, err)
	}

	unknown := signRS256(t, map[string]any{"sub": "x", "exp": now.Add(time.Minute).Unix()}, key, "kid-2")
	if _, err := VerifyRS256(t.Context(), unknown, keys, now, "", ""); err == nil {
		t.Fatal("expected unknown kid error")
	}
	hs := signHS256(t, map[string]any{"sub": "x", "exp": now.Add(time.Minute).Unix()}, "s")
	if _, err := VerifyRS256(t.Context(), hs, keys, now, "", ""); err == nil {
		t.Fatal("expected alg mismatch")
	}
}

func TestJWKSRejectsEmptySet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()
	if _, err := NewJWKS(srv.URL, time.Second).Key(t.Context(), "k", time.Now()); err == nil {
		t.Fatal("expected error for empty key set")
	}
	if _, err := NewJWKS("", time.Second).Key(t.Context(), "k", time.Now()); err == nil {
		t.Fatal("expected error without url")
	}
}

func serveAdmin(t *testing.T, h http.Handler, authz string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAdminMiddleware(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var seen Principal
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := AdminMiddleware(AdminConfig{Mode: "HS256", Secret: "s", Now: func() time.Time { return now }})(RequireRole("admin")(ok))

	if rr := serveAdmin(t, h, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := serveAdmin(t, h, "Bearer bad.token.here"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rr.Code)
	}
	viewer := signHS256(t, map[string]any{"sub": "v", "roles": "viewer", "exp": now.Add(time.Minute).Unix()}, "s")
	if rr := serveAdmin(t, h, "Bearer "+viewer); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", rr.Code)
	}
	admin := signHS256(t, map[string]any{"sub": "a", "roles": []string{"Admin"}, "exp": now.Add(time.Minute).Unix()}, "s")
	if rr := serveAdmin(t, h, "bearer "+admin); rr.Code != http.StatusOK || seen.Subject != "a" {
		t.Fatalf("expected 200 for admin, got %d (%+v)", rr.Code, seen)
	}

	open := AdminMiddleware(AdminConfig{Mode: ModeOff})(ok)
	if rr := serveAdmin(t, open, ""); rr.Code != http.StatusOK || seen.Subject != "anonymous" {
		t.Fatalf("expected anonymous access, got %d (%+v)", rr.Code, seen)
	}
}
