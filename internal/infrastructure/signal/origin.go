package signal

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Rejection reasons reported by OriginPolicy.
const (
	RejectInvalidOrigin     = "invalid-origin"
	RejectInsecureOrigin    = "insecure-origin"
	RejectInsecureTransport = "insecure-transport"
	RejectCrossOrigin       = "cross-origin"
)

// OriginPolicy decides whether a control channel upgrade may proceed.
// Outside local development only secure, same-host (or explicitly allowed)
// origins are accepted.
type OriginPolicy struct {
	AllowedOrigins []string
	AllowLocalDev  bool
}

func NewOriginPolicy(allowed []string, allowLocalDev bool) OriginPolicy {
	normalized := make([]string, 0, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			normalized = append(normalized, o)
			continue
		}
		if n, _, _, ok := normalizeOrigin(o); ok {
			normalized = append(normalized, n)
		}
	}
	return OriginPolicy{AllowedOrigins: normalized, AllowLocalDev: allowLocalDev}
}

// Check returns "" when r is admitted, otherwise the rejection reason.
func (p OriginPolicy) Check(r *http.Request) string {
	local := p.AllowLocalDev && isLoopback(hostname(r.Host))

	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		// Non-browser clients send no Origin; require a secure transport instead.
		if local || isSecureRequest(r) {
			return ""
		}
		return RejectInsecureTransport
	}

	normalized, scheme, host, ok := normalizeOrigin(header)
	if !ok {
		return RejectInvalidOrigin
	}
	if local && isLoopback(hostname(host)) {
		return ""
	}
	if scheme != "https" {
		return RejectInsecureOrigin
	}

	if len(p.AllowedOrigins) > 0 {
		for _, allowed := range p.AllowedOrigins {
			if allowed == "*" || allowed == normalized {
				return ""
			}
		}
		return RejectCrossOrigin
	}

	if requestHost, ok := normalizeHost(r.Host, scheme); ok && requestHost == host {
		return ""
	}
	return RejectCrossOrigin
}

// normalizeOrigin returns scheme://host[:port] with default ports removed.
func normalizeOrigin(raw string) (normalized, scheme, host string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", "", false
	}
	scheme = strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", "", false
	}
	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", "", false
	}
	return scheme + "://" + host, scheme, host, true
}

func normalizeHost(raw, scheme string) (string, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", false
	}
	name, port := raw, ""
	if h, p, err := net.SplitHostPort(raw); err == nil {
		name, port = h, p
	}
	name = strings.Trim(name, "[]")
	if name == "" {
		return "", false
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(name, ":") {
		name = "[" + name + "]"
	}
	if port != "" {
		return name + ":" + port, true
	}
	return name, true
}

func hostname(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.Trim(h, "[]")
	}
	return strings.Trim(hostport, "[]")
}

func isLoopback(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
