// Package origin implements browser Origin admission for WebSocket upgrades
// and credential endpoints.
//
// An explicit allowlist, when configured, is matched against the normalized
// origin. Without one the policy is same-host: the origin's host[:port] must
// equal the request's Host header, with default ports treated as equivalent.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Policy decides which browser origins may connect.
type Policy struct {
	// allowed holds normalized origins, or "*" to admit everything. Empty
	// means same-host only.
	allowed []string
}

// NewPolicy builds a Policy from raw configuration entries. Each entry must
// be "*", "null", or an origin that normalizes cleanly; anything else is
// rejected so misconfiguration fails at startup rather than silently
// admitting nothing.
func NewPolicy(entries []string) (*Policy, error) {
	p := &Policy{}
	for _, raw := range entries {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" || trimmed == "null" {
			p.allowed = append(p.allowed, trimmed)
			continue
		}
		normalized, _, ok := Normalize(trimmed)
		if !ok {
			return nil, &InvalidEntryError{Entry: raw}
		}
		p.allowed = append(p.allowed, normalized)
	}
	return p, nil
}

// InvalidEntryError reports an allowlist entry that does not normalize to a
// valid origin.
type InvalidEntryError struct {
	Entry string
}

func (e *InvalidEntryError) Error() string {
	return "invalid allowed origin " + strconv.Quote(e.Entry)
}

// Admit reports whether a request bearing the given Origin header may
// proceed. requestHost is the request's Host header, used only for the
// same-host default. An absent Origin header is admitted: non-browser clients
// do not send one, and the header is only meaningful as a browser-enforced
// signal when present.
func (p *Policy) Admit(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}

	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	// Same-host default. Scheme is deliberately not compared: behind a
	// TLS-terminating proxy the relay sees http while the browser origin is
	// https.
	var scheme string
	switch {
	case strings.HasPrefix(normalized, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalized, "https://"):
		scheme = "https"
	default:
		// "null" cannot match a host-based request.
		return false
	}
	reqHost, ok := normalizeHostPort(requestHost, scheme)
	if !ok {
		return false
	}
	return host == reqHost
}

// Normalize validates a browser Origin header and returns the canonical
// origin (scheme://host[:port], lowercase, default ports stripped) along with
// the host[:port] portion. The special value "null" is returned as-is with an
// empty host.
func Normalize(originHeader string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// normalizeHostPort lowercases a host[:port] authority, validates the port,
// strips the scheme's default port, and re-brackets IPv6 literals.
func normalizeHostPort(rawHost, scheme string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(rawHost))
	if trimmed == "" {
		return "", false
	}

	hostname, rawPort, ok := splitHostPort(trimmed)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string. The hostname is
// returned without brackets for IPv6 literals; the port is returned
// unvalidated and empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		i := strings.IndexByte(rawHost, ':')
		if i == 0 || i == len(rawHost)-1 {
			return "", "", false
		}
		return rawHost[:i], rawHost[i+1:], true
	default:
		// Unbracketed IPv6 literals are not valid authority components.
		return "", "", false
	}
}
