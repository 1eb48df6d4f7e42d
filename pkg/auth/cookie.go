package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var ErrBadCookie = errors.New("invalid signed cookie")

// CookieSigner signs cookie values as base64url(value|expiry|mac). An expiry
// of zero marks a browser-session cookie and is never checked.
type CookieSigner struct {
	key []byte
	now func() time.Time
}

func NewCookieSigner(secret []byte) *CookieSigner {
	return &CookieSigner{key: secret, now: time.Now}
}

func (s *CookieSigner) mac(payload string) string {
	h := hmac.New(sha256.New, s.key)
	_, _ = h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func (s *CookieSigner) Sign(value string, expires time.Time) string {
	var exp int64
	if !expires.IsZero() {
		exp = expires.Unix()
	}
	payload := value + "|" + strconv.FormatInt(exp, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(payload + "|" + s.mac(payload)))
}

func (s *CookieSigner) Verify(raw string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", ErrBadCookie
	}
	text := string(decoded)
	macAt := strings.LastIndexByte(text, '|')
	if macAt < 0 {
		return "", ErrBadCookie
	}
	payload, mac := text[:macAt], text[macAt+1:]
	if !hmac.Equal([]byte(mac), []byte(s.mac(payload))) {
		return "", ErrBadCookie
	}
	expAt := strings.LastIndexByte(payload, '|')
	if expAt < 0 {
		return "", ErrBadCookie
	}
	exp, err := strconv.ParseInt(payload[expAt+1:], 10, 64)
	if err != nil {
		return "", ErrBadCookie
	}
	if exp != 0 && s.now().Unix() >= exp {
		return "", ErrBadCookie
	}
	return payload[:expAt], nil
}

// Read returns the verified value of the named cookie, or "" if it is absent
// or fails verification.
func (s *CookieSigner) Read(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	v, err := s.Verify(c.Value)
	if err != nil {
		return ""
	}
	return v
}

// PendingCookies collects cookie writes made while a batch runs. They reach
// the client only through Flush, which the server calls after a commit.
type PendingCookies struct {
	signer *CookieSigner
	domain string
	secure bool
	writes []*http.Cookie
}

func NewPendingCookies(signer *CookieSigner, domain string, secure bool) *PendingCookies {
	return &PendingCookies{signer: signer, domain: domain, secure: secure}
}

func (p *PendingCookies) SetCookie(name, value string, expires time.Time, persistent bool) {
	c := &http.Cookie{
		Name:     name,
		Path:     "/",
		Domain:   p.domain,
		Secure:   p.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if persistent {
		c.Expires = expires
		c.Value = p.signer.Sign(value, expires)
	} else {
		c.Value = p.signer.Sign(value, time.Time{})
	}
	p.writes = append(p.writes, c)
}

func (p *PendingCookies) DeleteCookie(name string) {
	p.writes = append(p.writes, &http.Cookie{
		Name:     name,
		Path:     "/",
		Domain:   p.domain,
		Secure:   p.secure,
		HttpOnly: true,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}

func (p *PendingCookies) Len() int { return len(p.writes) }

func (p *PendingCookies) Flush(w http.ResponseWriter) {
	for _, c := range p.writes {
		http.SetCookie(w, c)
	}
	p.writes = nil
}
