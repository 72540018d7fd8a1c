// Package status provides the numeric-status-code to reason-phrase lookup
// used when a server doesn't supply its own reason phrase, and by clients
// rendering a status line for logging. Deliberately does not attempt MIME
// type inference — that table is out of scope.
package status

var reasonPhrases = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	408: "Request Timeout",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	426: "Upgrade Required",
	429: "Too Many Requests",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// ReasonPhrase returns the standard reason phrase for code, or "" when the
// code is not in the table — callers fall back to an empty phrase rather
// than guessing.
func ReasonPhrase(code int) string {
	return reasonPhrases[code]
}

// IsRedirect reports whether code is one of the redirect statuses the
// client's redirect loop understands (301, 302, 303, 307, 308).
func IsRedirect(code int) bool {
	switch code {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

// RewritesToGET reports whether a redirect of this status rewrites the
// follow-up request method to GET and drops the payload (303 See Other,
// and the legacy 301/302 behavior this library follows for non-GET/HEAD
// requests).
func RewritesToGET(code int, method string) bool {
	if code == 303 {
		return method != "HEAD"
	}
	if code == 301 || code == 302 {
		return method != "GET" && method != "HEAD"
	}
	return false
}

// PreservesMethod reports whether a redirect of this status must resend
// the original method and body unchanged (307, 308, and 301/302 for
// GET/HEAD).
func PreservesMethod(code int, method string) bool {
	if code == 307 || code == 308 {
		return true
	}
	if code == 301 || code == 302 {
		return method == "GET" || method == "HEAD"
	}
	return false
}
