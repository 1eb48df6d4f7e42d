package httpx

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestWriteJSONAndError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]any{"ok": true})
	if rr.Code != http.StatusCreated || rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}

	rr = httptest.NewRecorder()
	Error(rr, http.StatusForbidden, "forbidden")
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body["error"] != "forbidden" {
		t.Fatalf("unexpected error body %s (%v)", rr.Body.String(), err)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Cache-Control"} {
		if rr.Header().Get(h) == "" {
			t.Fatalf("expected %s header", h)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := CORSMiddleware("https://app.example, ")(next)

	tests := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantAllow  string
	}{
		{name: "no_origin", method: http.MethodPost, wantStatus: http.StatusOK},
		{name: "allowed", method: http.MethodPost, origin: "https://app.example", wantStatus: http.StatusOK, wantAllow: "https://app.example"},
		{name: "allowed_preflight", method: http.MethodOptions, origin: "https://app.example", preflight: true, wantStatus: http.StatusNoContent, wantAllow: "https://app.example"},
		{name: "denied_preflight", method: http.MethodOptions, origin: "https://evil.example", preflight: true, wantStatus: http.StatusForbidden},
		{name: "denied_simple", method: http.MethodPost, origin: "https://evil.example", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Fatalf("allow origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api", nil)
	req.Header.Set("Origin", "https://any.example")
	CORSMiddleware("*")(next).ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://any.example" {
		t.Fatal("wildcard should reflect origin")
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := uuid.Parse(seen); err != nil || rr.Header().Get("X-Request-ID") != seen {
		t.Fatalf("expected generated uuid, got %q / %q", seen, rr.Header().Get("X-Request-ID"))
	}

	inbound := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", inbound)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != inbound {
		t.Fatalf("expected inbound id reused, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "<script>")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "<script>" {
		t.Fatal("malformed inbound id must be replaced")
	}
}

func TestParseCIDRs(t *testing.T) {
	nets, err := ParseCIDRs("10.0.0.0/8, 192.168.1.5 ,::1")
	if err != nil || len(nets) != 3 {
		t.Fatalf("parse: %v %v", nets, err)
	}
	if _, err := ParseCIDRs("10.0.0.0/99"); err == nil {
		t.Fatal("expected bad cidr error")
	}
	if _, err := ParseCIDRs("not-an-ip"); err == nil {
		t.Fatal("expected bad address error")
	}
	if nets, err := ParseCIDRs(""); err != nil || len(nets) != 0 {
		t.Fatalf("empty: %v %v", nets, err)
	}
}

func TestClientIPAndIsSecure(t *testing.T) {
	proxies, _ := ParseCIDRs("10.0.0.0/8")

	direct := httptest.NewRequest(http.MethodGet, "/", nil)
	direct.RemoteAddr = "203.0.113.9:5000"
	direct.Header.Set("X-Forwarded-For", "1.1.1.1")
	direct.Header.Set("X-Forwarded-Proto", "https")
	if got := ClientIP(direct, proxies); got != "203.0.113.9" {
		t.Fatalf("untrusted peer must not be overridden, got %s", got)
	}
	if IsSecure(direct, proxies) {
		t.Fatal("untrusted X-Forwarded-Proto must be ignored")
	}

	proxied := httptest.NewRequest(http.MethodGet, "/", nil)
	proxied.RemoteAddr = "10.1.2.3:443"
	proxied.Header.Set("X-Forwarded-For", "198.51.100.7, 10.9.9.9")
	proxied.Header.Set("X-Forwarded-Proto", "https")
	if got := ClientIP(proxied, proxies); got != "198.51.100.7" {
		t.Fatalf("expected forwarded client, got %s", got)
	}
	if !IsSecure(proxied, proxies) {
		t.Fatal("expected trusted proxy https")
	}

	tlsReq := httptest.NewRequest(http.MethodGet, "/", nil)
	tlsReq.TLS = &tls.ConnectionState{}
	if !IsSecure(tlsReq, nil) {
		t.Fatal("expected direct TLS to be secure")
	}
}
