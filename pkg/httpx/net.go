package httpx

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ParseCIDRs parses a comma separated list of CIDRs or bare addresses.
func ParseCIDRs(raw string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			ip := net.ParseIP(part)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", part)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", part, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(strings.TrimSpace(host))
}

func trusted(ip net.IP, proxies []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller's address. X-Forwarded-For is honored only when
// the direct peer is a trusted proxy; the rightmost untrusted hop wins.
func ClientIP(r *http.Request, proxies []*net.IPNet) string {
	peer := remoteIP(r)
	if !trusted(peer, proxies) {
		if peer == nil {
			return r.RemoteAddr
		}
		return peer.String()
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			continue
		}
		if !trusted(ip, proxies) {
			return ip.String()
		}
	}
	return peer.String()
}

// IsSecure reports whether the request reached us over TLS, directly or via
// a trusted proxy that set X-Forwarded-Proto.
func IsSecure(r *http.Request, proxies []*net.IPNet) bool {
	if r.TLS != nil {
		return true
	}
	if !trusted(remoteIP(r), proxies) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")
}
