// Package httpkit provides the core of an HTTP/1.1 client and server
// library with integrated WebSocket (RFC 6455) upgrade support: request
// framing and keep-alive over pkg/connection, pooled/redirect-following
// requests over pkg/client, a bounded-concurrency server over pkg/server,
// and full-duplex WebSocket messaging over pkg/websocket.
//
// Grounded on the root facade of the teacher repo (rawhttp.go), which
// re-exports its subpackages' types behind a single import path rather
// than making callers reach into pkg/... directly.
package httpkit

import (
	"github.com/sockwire/httpkit/pkg/client"
	"github.com/sockwire/httpkit/pkg/connection"
	"github.com/sockwire/httpkit/pkg/errors"
	"github.com/sockwire/httpkit/pkg/headers"
	"github.com/sockwire/httpkit/pkg/server"
	"github.com/sockwire/httpkit/pkg/uri"
	"github.com/sockwire/httpkit/pkg/websocket"
)

// Version is the current version of httpkit.
const Version = "1.0.0"

// GetVersion returns the current version string.
func GetVersion() string {
	return Version
}

// Re-exported types so callers need only import the root package for the
// common path; pkg/... remains available for advanced use (custom body
// framings, manual Connection driving).
type (
	// Client issues HTTP/1.1 requests with pooling and redirect following.
	Client = client.Client

	// ClientOption configures a Client at construction time.
	ClientOption = client.Option

	// RequestOption customizes a single Client request.
	RequestOption = client.RequestOption

	// Response is the result of a Client exchange.
	Response = client.Response

	// ProxyConfig describes a single upstream proxy hop.
	ProxyConfig = client.ProxyConfig

	// Server accepts connections and dispatches exchanges to a Handler.
	Server = server.Server

	// ServerOption configures a Server at construction time.
	ServerOption = server.Option

	// Handler processes one request/response exchange.
	Handler = server.Handler

	// HandlerFunc adapts a plain function to Handler.
	HandlerFunc = server.HandlerFunc

	// ResponseWriter is the per-exchange handle passed to a Handler.
	ResponseWriter = server.ResponseWriter

	// Request models one HTTP/1.1 request line plus headers.
	Request = connection.Request

	// Headers is the case-insensitive, ordered, multi-valued header store.
	Headers = headers.Headers

	// ParsedURI is a validated, resolved URI.
	ParsedURI = uri.ParsedURI

	// Session is a full-duplex WebSocket connection.
	Session = websocket.Session

	// Error is httpkit's structured error type.
	Error = errors.Error
)

// Re-exported error types, for callers that want to classify errors
// without importing pkg/errors directly.
const (
	ErrorTypeDNS        = errors.ErrorTypeDNS
	ErrorTypeConnection = errors.ErrorTypeConnection
	ErrorTypeTLS        = errors.ErrorTypeTLS
	ErrorTypeTimeout    = errors.ErrorTypeTimeout
	ErrorTypeProtocol   = errors.ErrorTypeProtocol
	ErrorTypeIO         = errors.ErrorTypeIO
	ErrorTypeArgument   = errors.ErrorTypeArgument
	ErrorTypePolicy     = errors.ErrorTypePolicy
	ErrorTypeProxy      = errors.ErrorTypeProxy
)

// NewClient constructs a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	return client.New(opts...)
}

// NewServer constructs a Server around handler.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	return server.New(handler, opts...)
}

// DefaultClientOptions returns the Options a Client uses when none are
// supplied.
func DefaultClientOptions() client.Options {
	return client.DefaultOptions()
}

// DefaultServerOptions returns the Options a Server uses when none are
// supplied.
func DefaultServerOptions() server.Options {
	return server.DefaultOptions()
}

// IsTimeoutError reports whether err represents a timeout.
func IsTimeoutError(err error) bool { return errors.IsTimeoutError(err) }

// GetErrorType returns err's ErrorType, or "" if err isn't a structured Error.
func GetErrorType(err error) errors.ErrorType { return errors.GetErrorType(err) }
