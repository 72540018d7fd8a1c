// Package uri implements the spec's URI parser, validator, and the client's
// relative-redirect resolution policy (not full RFC 3986 — the exact rules
// are pinned by this package's tests, grounded on the redirect-handling
// code path the teacher's client.go drives with strings.SplitN-style
// hand-rolled parsing rather than net/url).
package uri

import (
	"strconv"
	"strings"

	"github.com/sockwire/httpkit/pkg/errors"
)

// ParsedURI is an immutable, validated URI produced by Parse or Resolve.
type ParsedURI struct {
	Scheme   string // lowercased: http, https, ws, wss
	Host     string // hostname, or the bracket-stripped IPv6 literal
	Port     int
	Path     string  // always begins with "/"; includes the query string
	Fragment *string // nil means absent; non-nil, possibly empty, means present
	UseTLS   bool
}

// defaultPorts maps each supported scheme to its default port.
var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
}

func isTLSScheme(scheme string) bool {
	return scheme == "https" || scheme == "wss"
}

// family returns "http" for http/https and "ws" for ws/wss, used to forbid
// cross-family redirects.
func family(scheme string) string {
	switch scheme {
	case "http", "https":
		return "http"
	case "ws", "wss":
		return "ws"
	default:
		return ""
	}
}

// Parse parses an absolute-form URI: scheme://authority[/path][#fragment].
func Parse(raw string) (*ParsedURI, error) {
	rest := raw
	var fragment *string
	if idx := strings.IndexByte(rest, '#'); idx >= 0 {
		f := rest[idx+1:]
		fragment = &f
		rest = rest[:idx]
	}

	schemeIdx := strings.Index(rest, "://")
	if schemeIdx <= 0 {
		return nil, errors.NewArgumentError(errors.CodeURIParsingError, "missing scheme in absolute URI: "+raw)
	}
	scheme := strings.ToLower(rest[:schemeIdx])
	switch scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, errors.NewArgumentError(errors.CodeURIParsingError, "unsupported scheme: "+scheme)
	}
	rest = rest[schemeIdx+3:]

	var authority, path string
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		authority = rest[:idx]
		path = rest[idx:]
	} else {
		authority = rest
		path = "/"
	}
	if path == "" {
		path = "/"
	}

	host, port, err := parseAuthority(authority, scheme)
	if err != nil {
		return nil, err
	}

	return &ParsedURI{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Path:     path,
		Fragment: fragment,
		UseTLS:   isTLSScheme(scheme),
	}, nil
}

// parseAuthority parses "host[:port]", including bracketed IPv6 literals,
// and validates the hostname per §4.1.
func parseAuthority(authority, scheme string) (string, int, error) {
	if authority == "" {
		return "", 0, errors.NewArgumentError(errors.CodeURIParsingError, "empty authority")
	}

	var host, portStr string
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", 0, errors.NewArgumentError(errors.CodeIllegalHostname, "unterminated IPv6 literal: "+authority)
		}
		host = authority[1:end]
		remainder := authority[end+1:]
		if remainder != "" {
			if !strings.HasPrefix(remainder, ":") {
				return "", 0, errors.NewArgumentError(errors.CodeIllegalHostname, "unexpected characters after IPv6 literal: "+authority)
			}
			portStr = remainder[1:]
		}
		if err := validateIPv6Literal(host); err != nil {
			return "", 0, err
		}
	} else {
		if idx := strings.LastIndexByte(authority, ':'); idx >= 0 && !strings.Contains(authority[idx+1:], ":") {
			host = authority[:idx]
			portStr = authority[idx+1:]
		} else if strings.Count(authority, ":") > 0 {
			// Bare IPv6 address outside brackets is always rejected.
			return "", 0, errors.NewArgumentError(errors.CodeIllegalHostname, "bare IPv6 address must be bracketed: "+authority)
		} else {
			host = authority
		}
		if err := validateHostname(host); err != nil {
			return "", 0, err
		}
	}

	port := defaultPorts[scheme]
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return "", 0, errors.NewArgumentError(errors.CodeIntegerParsingError, "invalid port: "+portStr)
		}
		port = p
	}

	return host, port, nil
}

// validateHostname enforces §4.1: non-empty labels, no leading/trailing
// '-' per label, ASCII letters/digits/'-'/'.' only.
func validateHostname(host string) error {
	if host == "" {
		return errors.NewArgumentError(errors.CodeIllegalHostname, "empty hostname")
	}
	labels := strings.Split(host, ".")
	for _, label := range labels {
		if label == "" {
			return errors.NewArgumentError(errors.CodeIllegalHostname, "empty label in hostname: "+host)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return errors.NewArgumentError(errors.CodeIllegalHostname, "label starts or ends with '-': "+label)
		}
		for _, c := range []byte(label) {
			isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
			isDigit := c >= '0' && c <= '9'
			if !isLetter && !isDigit && c != '-' {
				return errors.NewArgumentError(errors.CodeIllegalHostname, "non-ASCII or illegal byte in hostname: "+host)
			}
		}
	}
	return nil
}

// validateIPv6Literal performs a light sanity check: only hex digits,
// colons and dots are allowed; where the dots appear is not checked.
func validateIPv6Literal(host string) error {
	if host == "" {
		return errors.NewArgumentError(errors.CodeIllegalHostname, "empty IPv6 literal")
	}
	for _, c := range []byte(host) {
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex && c != ':' && c != '.' {
			return errors.NewArgumentError(errors.CodeIllegalHostname, "illegal byte in IPv6 literal: "+host)
		}
	}
	return nil
}

// MergePaths implements §4.1's merge_paths: strip base to the segment up to
// and including the last '/', append rel, then normalize '.'/'..' segments.
// Every output starts with "/" or the call fails with CodeIllegalPath.
func MergePaths(base, rel string) (string, error) {
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[:idx+1]
	} else {
		base = "/"
	}
	merged := base + rel

	segments := strings.Split(merged, "/")
	var out []string
	for i, seg := range segments {
		switch seg {
		case "":
			if i == 0 {
				continue // leading slash
			}
			// internal empty segments (//) collapse away like a single slash
		case ".":
			// dropped
		case "..":
			if len(out) == 0 {
				return "", errors.NewArgumentError(errors.CodeIllegalPath, "path traversal escapes root: "+merged)
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}

	result := "/" + strings.Join(out, "/")
	if result == "" {
		result = "/"
	}
	return result, nil
}

// splitFragment separates the path-and-query component that MergePaths
// operates on from a trailing fragment, which Resolve handles separately.
func splitFragment(target string) (rest string, fragment *string) {
	idx := strings.IndexByte(target, '#')
	if idx < 0 {
		return target, nil
	}
	f := target[idx+1:]
	return target[:idx], &f
}

// looksAbsolute reports whether target begins with one of the four
// supported schemes followed by "://".
func looksAbsolute(target string) bool {
	idx := strings.Index(target, "://")
	if idx <= 0 {
		return false
	}
	switch strings.ToLower(target[:idx]) {
	case "http", "https", "ws", "wss":
		return true
	default:
		return false
	}
}

// Resolve implements §4.1's relative-resolution rules used by the client's
// redirect loop: absolute targets replace everything, "/"-prefixed targets
// keep scheme/host/port, and path-relative targets merge via MergePaths.
// Cross-family redirects (http-family <-> ws-family) fail with
// CodeInvalidRedirect.
func Resolve(previous *ParsedURI, target string) (*ParsedURI, error) {
	body, fragment := splitFragment(target)

	if looksAbsolute(target) {
		next, err := Parse(target)
		if err != nil {
			return nil, err
		}
		if family(next.Scheme) != family(previous.Scheme) {
			return nil, errors.NewPolicyError(errors.CodeInvalidRedirect,
				"cannot redirect between "+previous.Scheme+" and "+next.Scheme)
		}
		if next.Fragment == nil {
			next.Fragment = previous.Fragment
		}
		return next, nil
	}

	if strings.HasPrefix(body, "/") {
		result := &ParsedURI{
			Scheme:   previous.Scheme,
			Host:     previous.Host,
			Port:     previous.Port,
			Path:     body,
			UseTLS:   previous.UseTLS,
			Fragment: fragment,
		}
		if result.Fragment == nil {
			result.Fragment = previous.Fragment
		}
		return result, nil
	}

	mergedPath, err := MergePaths(previous.Path, body)
	if err != nil {
		return nil, err
	}
	result := &ParsedURI{
		Scheme:   previous.Scheme,
		Host:     previous.Host,
		Port:     previous.Port,
		Path:     mergedPath,
		UseTLS:   previous.UseTLS,
		Fragment: fragment,
	}
	if result.Fragment == nil {
		result.Fragment = previous.Fragment
	}
	return result, nil
}

// String renders the canonical absolute form, used by invariant 4's
// round-trip test (re-parsing String() must yield equal components).
func (p *ParsedURI) String() string {
	var b strings.Builder
	b.WriteString(p.Scheme)
	b.WriteString("://")
	if strings.Contains(p.Host, ":") {
		b.WriteByte('[')
		b.WriteString(p.Host)
		b.WriteByte(']')
	} else {
		b.WriteString(p.Host)
	}
	if p.Port != defaultPorts[p.Scheme] {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(p.Port))
	}
	b.WriteString(p.Path)
	if p.Fragment != nil {
		b.WriteByte('#')
		b.WriteString(*p.Fragment)
	}
	return b.String()
}

// HostHeader renders the value to emit as the Host header: host, plus
// ":port" only when the port is not the scheme default.
func (p *ParsedURI) HostHeader() string {
	if p.Port == defaultPorts[p.Scheme] {
		if strings.Contains(p.Host, ":") {
			return "[" + p.Host + "]"
		}
		return p.Host
	}
	host := p.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(p.Port)
}
