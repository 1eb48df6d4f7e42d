// Package auth authenticates API callers. Batch requests carry an API key;
// admin endpoints carry a bearer token; session state travels in signed
// cookies.
package auth

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	ModeOff   = "off"
	ModeHS256 = "hs256"
	ModeRS256 = "rs256"
)

// Principal is the authenticated caller of an admin endpoint.
type Principal struct {
	Subject string
	Roles   []string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, have := range p.Roles {
		for _, want := range required {
			if strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want)) {
				return true
			}
		}
	}
	return false
}

type AdminConfig struct {
	Mode     string
	Secret   string
	JWKSURL  string
	Issuer   string
	Audience string
	Timeout  time.Duration
	Now      func() time.Time
}

// AdminMiddleware verifies the bearer token of admin requests and stores the
// principal in the request context. ModeOff admits everyone as "anonymous".
func AdminMiddleware(cfg AdminConfig) func(http.Handler) http.Handler {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if mode == "" || mode == ModeOff {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p := Principal{Subject: "anonymous", Roles: []string{"anonymous"}}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			})
		}
	}
	var keys *JWKS
	if mode == ModeRS256 {
		keys = NewJWKS(cfg.JWKSURL, cfg.Timeout)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(header[7:])
			var (
				claims Claims
				err    error
			)
			switch mode {
			case ModeHS256:
				claims, err = VerifyHS256(token, cfg.Secret, now(), cfg.Issuer, cfg.Audience)
			case ModeRS256:
				claims, err = VerifyRS256(r.Context(), token, keys, now(), cfg.Issuer, cfg.Audience)
			default:
				err = errors.New("unsupported admin auth mode")
			}
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			p := Principal{Subject: claims.Sub, Roles: claims.Roles}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects principals holding none of roles with 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok || !HasAnyRole(p, roles...) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// stringList accepts a JSON string or a list of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one != "" {
			*s = stringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (s stringList) contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

type Claims struct {
	Sub   string     `json:"sub"`
	Roles stringList `json:"roles"`
	Iss   string     `json:"iss,omitempty"`
	Aud   stringList `json:"aud,omitempty"`
	Exp   int64      `json:"exp"`
	Nbf   int64      `json:"nbf,omitempty"`
	Iat   int64      `json:"iat,omitempty"`
}

func (c Claims) validate(now time.Time, issuer, audience string) error {
	switch {
	case c.Sub == "":
		return errors.New("subject required")
	case c.Exp == 0 || now.Unix() >= c.Exp:
		return errors.New("token expired")
	case c.Nbf != 0 && now.Unix() < c.Nbf:
		return errors.New("token not active")
	case issuer != "" && c.Iss != issuer:
		return errors.New("issuer mismatch")
	case audience != "" && !c.Aud.contains(audience):
		return errors.New("audience mismatch")
	}
	return nil
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

type jwt struct {
	header jwtHeader
	claims Claims
	signed string
	sig    []byte
}

func parseJWT(token string) (jwt, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return jwt{}, errors.New("invalid token format")
	}
	var raw [3][]byte
	for i, part := range parts {
		b, err := base64.RawURLEncoding.DecodeString(part)
		if err != nil {
			return jwt{}, err
		}
		raw[i] = b
	}
	t := jwt{signed: parts[0] + "." + parts[1], sig: raw[2]}
	if err := json.Unmarshal(raw[0], &t.header); err != nil {
		return jwt{}, err
	}
	if err := json.Unmarshal(raw[1], &t.claims); err != nil {
		return jwt{}, err
	}
	return t, nil
}

func VerifyHS256(token, secret string, now time.Time, issuer, audience string) (Claims, error) {
	if secret == "" {
		return Claims{}, errors.New("secret is required")
	}
	t, err := parseJWT(token)
	if err != nil {
		return Claims{}, err
	}
	if !strings.EqualFold(t.header.Alg, "HS256") {
		return Claims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(t.signed))
	if !hmac.Equal(t.sig, mac.Sum(nil)) {
		return Claims{}, errors.New("signature mismatch")
	}
	if err := t.claims.validate(now, issuer, audience); err != nil {
		return Claims{}, err
	}
	return t.claims, nil
}

// KeySource resolves RS256 verification keys by key id.
type KeySource interface {
	Key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error)
}

func VerifyRS256(ctx context.Context, token string, keys KeySource, now time.Time, issuer, audience string) (Claims, error) {
	t, err := parseJWT(token)
	if err != nil {
		return Claims{}, err
	}
	if !strings.EqualFold(t.header.Alg, "RS256") {
		return Claims{}, errors.New("unsupported alg")
	}
	if strings.TrimSpace(t.header.Kid) == "" {
		return Claims{}, errors.New("kid required")
	}
	if keys == nil {
		return Claims{}, errors.New("no key source")
	}
	pub, err := keys.Key(ctx, t.header.Kid, now)
	if err != nil {
		return Claims{}, err
	}
	sum := sha256.Sum256([]byte(t.signed))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], t.sig); err != nil {
		return Claims{}, err
	}
	if err := t.claims.validate(now, issuer, audience); err != nil {
		return Claims{}, err
	}
	return t.claims, nil
}

// JWKS fetches and caches RSA keys from a JSON Web Key Set endpoint for five
// minutes.
type JWKS struct {
	url     string
	client  *http.Client
	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

func NewJWKS(url string, timeout time.Duration) *JWKS {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &JWKS{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
		keys:   map[string]*rsa.PublicKey{},
	}
}

func (j *JWKS) Key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if j.url == "" {
		return nil, errors.New("jwks url is required")
	}
	j.mu.RLock()
	key, ok := j.keys[kid]
	fresh := now.Before(j.expires)
	j.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}
	if err := j.refresh(ctx, now); err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if key, ok := j.keys[kid]; ok {
		return key, nil
	}
	return nil, errors.New("kid not found in jwks")
}

func (j *JWKS) refresh(ctx context.Context, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if now.Before(j.expires) && len(j.keys) > 0 {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return err
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("jwks fetch failed")
	}
	var set struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return err
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		if pub, err := rsaFromJWK(k.N, k.E); err == nil {
			next[k.Kid] = pub
		}
	}
	if len(next) == 0 {
		return errors.New("jwks has no valid rsa keys")
	}
	j.keys = next
	j.expires = now.Add(5 * time.Minute)
	return nil
}

func rsaFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() <= 1 || exp.Int64() > 1<<31-1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}
