// Package server implements the HTTP/1.1 (and WebSocket-upgrading) server:
// an accept loop bounded by a counting semaphore, per-connection exchange
// handling, and the response-writer contract that enforces
// "write headers exactly once."
//
// Grounded on the teacher's own concurrency idiom — pkg/transport's
// sync.Cond-guarded admission control generalized here into a simple
// counting channel semaphore around Accept, since the server has no
// pooled resource to wait on, only a task-count ceiling — enriched by
// pepnova/go-websocket-server's http.Hijacker-based upgrade validation
// for the WebSocket path.
package server

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sockwire/httpkit/pkg/connection"
	"github.com/sockwire/httpkit/pkg/errors"
	"github.com/sockwire/httpkit/pkg/headers"
	"github.com/sockwire/httpkit/pkg/rlog"
	"github.com/sockwire/httpkit/pkg/status"
	"github.com/sockwire/httpkit/pkg/websocket"
)

// Handler processes one request/response exchange. Returning a non-nil
// error causes the server to respond 500 (if headers haven't been written
// yet) or otherwise close the connection hard, per §7's exception policy.
type Handler interface {
	ServeHTTP(w *ResponseWriter, req *connection.Request, body *connection.Reader) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(w *ResponseWriter, req *connection.Request, body *connection.Reader) error

func (f HandlerFunc) ServeHTTP(w *ResponseWriter, req *connection.Request, body *connection.Reader) error {
	return f(w, req, body)
}

// Options configures a Server.
type Options struct {
	MaxTasks     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLSConfig    *tls.Config
	Logger       *rlog.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxTasks:     256,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Logger:       rlog.Nop(),
	}
}

// Option configures a Server at construction time.
type Option func(*Options)

func WithMaxTasks(n int) Option                     { return func(o *Options) { o.MaxTasks = n } }
func WithServerReadTimeout(d time.Duration) Option  { return func(o *Options) { o.ReadTimeout = d } }
func WithServerWriteTimeout(d time.Duration) Option { return func(o *Options) { o.WriteTimeout = d } }
func WithTLSConfig(c *tls.Config) Option            { return func(o *Options) { o.TLSConfig = c } }
func WithServerLogger(l *rlog.Logger) Option        { return func(o *Options) { o.Logger = l } }

// Server accepts connections and dispatches HTTP/1.1 exchanges to a
// Handler, bounding total in-flight exchanges at MaxTasks.
type Server struct {
	handler Handler
	opts    Options

	sem       chan struct{}
	listener  net.Listener
	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// New constructs a Server around handler.
func New(handler Handler, opts ...Option) *Server {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = rlog.Nop()
	}
	if o.MaxTasks <= 0 {
		o.MaxTasks = 256
	}
	return &Server{
		handler: handler,
		opts:    o,
		sem:     make(chan struct{}, o.MaxTasks),
		closing: make(chan struct{}),
	}
}

// Listen opens a listener on addr and serves on it. If TLSConfig is set,
// the listener is wrapped with tls.NewListener.
func (s *Server) Listen(network, addr string) error {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return errors.NewConnectionError(addr, 0, err)
	}
	if s.opts.TLSConfig != nil {
		ln = tls.NewListener(ln, s.opts.TLSConfig)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on an already-created listener, admitting at
// most MaxTasks concurrent exchanges.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			s.opts.Logger.Warnw("accept failed", "error", err)
			return errors.NewIOError("accept", err)
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.closing:
			conn.Close()
			return nil
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight exchanges
// to finish.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(rawConn net.Conn) {
	defer rawConn.Close()

	conn := connection.New(rawConn,
		connection.WithLogger(s.opts.Logger),
		connection.WithReadTimeout(s.opts.ReadTimeout),
		connection.WithWriteTimeout(s.opts.WriteTimeout),
	)

	for {
		req, body, err := conn.ReadRequest()
		if err != nil {
			if !errors.IsCloseException(err) {
				s.opts.Logger.Warnw("reading request failed", "conn", conn.ID(), "error", err)
			}
			return
		}

		w := &ResponseWriter{conn: conn, req: req}
		herr := s.handler.ServeHTTP(w, req, body)
		body.Close()

		if herr != nil {
			if !w.headersSent {
				w.WriteError(500, "internal server error")
			} else {
				s.opts.Logger.Warnw("handler error after headers sent, closing connection", "conn", conn.ID(), "error", herr)
				return
			}
		}

		if w.hijacked {
			return
		}
		if !w.headersSent {
			w.WriteError(500, "handler did not write a response")
		}
		if w.bodyWriter != nil {
			w.bodyWriter.Close()
		}

		if !conn.KeepAlive() {
			return
		}
	}
}

// ResponseWriter is the per-exchange handle a Handler uses to write
// exactly one response. Calling WriteHeader twice fails with
// CodeHeadersAlreadyWritten.
type ResponseWriter struct {
	conn        *connection.Connection
	req         *connection.Request
	headersSent bool
	hijacked    bool
	bodyWriter  *connection.Writer
}

// WriteHeader writes the status line and headers and returns the body
// writer selected by hdrs' framing (Content-Length, chunked, or none). A
// Handler may close the returned writer itself, or simply return — the
// server closes it once after ServeHTTP returns, and Writer.Close is
// idempotent either way.
func (w *ResponseWriter) WriteHeader(statusCode int, hdrs *headers.Headers) (*connection.Writer, error) {
	if w.headersSent {
		return nil, errors.NewPolicyError(errors.CodeHeadersAlreadyWritten, "response headers already written")
	}
	w.headersSent = true

	reason := status.ReasonPhrase(statusCode)
	bw, err := w.conn.SendResponse(&connection.Response{StatusCode: statusCode, Reason: reason, Headers: hdrs})
	if err != nil {
		return nil, err
	}
	w.bodyWriter = bw
	return bw, nil
}

// Write is a convenience for the common case of a fixed, fully-materialized
// body: it sets Content-Length, writes the headers, and writes body.
func (w *ResponseWriter) Write(statusCode int, contentType string, body []byte) error {
	hdrs := headers.New()
	if contentType != "" {
		hdrs.Set("Content-Type", contentType)
	}
	hdrs.Set("Content-Length", strconv.Itoa(len(body)))

	bw, err := w.WriteHeader(statusCode, hdrs)
	if err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := bw.Write(body); err != nil {
			return err
		}
	}
	return bw.Close()
}

// WriteError writes a plain-text error response, used for the server's own
// 500 responses. The server sends no 405 of its own: HEAD requests reach
// the Handler like any other method.
func (w *ResponseWriter) WriteError(statusCode int, message string) error {
	return w.Write(statusCode, "text/plain; charset=utf-8", []byte(message))
}

// Redirect writes a redirect response with the given status and Location.
func (w *ResponseWriter) Redirect(statusCode int, location string) error {
	hdrs := headers.New()
	hdrs.Set("Location", location)
	hdrs.Set("Content-Length", "0")
	_, err := w.WriteHeader(statusCode, hdrs)
	if err != nil {
		return err
	}
	return w.bodyWriter.Close()
}

// Upgrade validates req as a WebSocket upgrade handshake, writes the 101
// response, and returns a live websocket.Session. After a successful
// Upgrade, the Server no longer owns the connection (the caller must close
// the Session when done), so the accept loop's per-exchange bookkeeping
// (headersSent/keep-alive) is bypassed via the hijacked flag.
func (w *ResponseWriter) Upgrade(req *connection.Request) (*websocket.Session, error) {
	if w.headersSent {
		return nil, errors.NewPolicyError(errors.CodeHeadersAlreadyWritten, "response headers already written")
	}
	if !req.Headers.Matches("Upgrade", "websocket") || !req.Headers.Matches("Connection", "Upgrade") {
		return nil, errors.NewProtocolError(errors.CodeProtocolError, "not a websocket upgrade request")
	}
	key, ok := req.Headers.Get("Sec-WebSocket-Key")
	if !ok {
		return nil, errors.NewProtocolError(errors.CodeMissingHeaderInResponse, "missing Sec-WebSocket-Key")
	}
	if v, _ := req.Headers.Get("Sec-WebSocket-Version"); v != "13" {
		return nil, errors.NewProtocolError(errors.CodeProtocolError, "unsupported Sec-WebSocket-Version")
	}
	if req.Headers.Contains("Sec-WebSocket-Extensions") {
		return nil, errors.NewProtocolError(errors.CodeProtocolError, "extensions not supported")
	}

	respHeaders := headers.New()
	respHeaders.Set("Upgrade", "websocket")
	respHeaders.Set("Connection", "Upgrade")
	respHeaders.Set("Sec-WebSocket-Accept", websocket.AcceptKey(key))

	w.headersSent = true
	if _, err := w.conn.SendResponse(&connection.Response{StatusCode: 101, Reason: "Switching Protocols", Headers: respHeaders}); err != nil {
		return nil, err
	}

	br := w.conn.BufferedReader()
	rawConn := w.conn.Detach()
	w.hijacked = true

	return websocket.New(rawConn, websocket.RoleServer, br, nil), nil
}
