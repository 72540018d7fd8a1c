// Package client implements the HTTP/1.1 (and WebSocket-upgrading) client:
// connection dialing and pooling, the redirect-following request loop, and
// convenience encoders for JSON and form bodies.
//
// Grounded on the teacher's pkg/client/client.go (sendRequest/readResponse
// loop, status-line and header parsing) and pkg/transport/transport.go
// (dialing, TLS upgrade, proxy dispatch, pooling) — both generalized from a
// one-shot byte-array exchange to a keep-alive Connection, and its redirect
// loop is new, grounded on pkg/uri's relative-resolution rules.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/sockwire/httpkit/pkg/buffer"
	"github.com/sockwire/httpkit/pkg/connection"
	"github.com/sockwire/httpkit/pkg/errors"
	"github.com/sockwire/httpkit/pkg/headers"
	"github.com/sockwire/httpkit/pkg/rlog"
	"github.com/sockwire/httpkit/pkg/status"
	"github.com/sockwire/httpkit/pkg/timing"
	"github.com/sockwire/httpkit/pkg/tlsconfig"
	"github.com/sockwire/httpkit/pkg/uri"
	"github.com/sockwire/httpkit/pkg/websocket"
)

// Options configures a Client for its whole lifetime.
type Options struct {
	ConnTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	InsecureTLS   bool
	TLSConfig     *tls.Config
	TLSProfile    tlsconfig.VersionProfile
	DisableSNI    bool

	Proxy *ProxyConfig

	BodyMemLimit int64
	MaxRedirects int

	MaxIdleConnsPerHost int
	MaxIdleTime         time.Duration

	Logger *rlog.Logger
}

// DefaultOptions returns the Options a Client uses when none are supplied.
func DefaultOptions() Options {
	return Options{
		ConnTimeout:         10 * time.Second,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		TLSProfile:          tlsconfig.ProfileSecure,
		BodyMemLimit:        4 * 1024 * 1024,
		MaxRedirects:        20,
		MaxIdleConnsPerHost: 2,
		MaxIdleTime:         90 * time.Second,
		Logger:              rlog.Nop(),
	}
}

// Option configures a Client at construction time.
type Option func(*Options)

func WithConnTimeout(d time.Duration) Option  { return func(o *Options) { o.ConnTimeout = d } }
func WithReadTimeout(d time.Duration) Option  { return func(o *Options) { o.ReadTimeout = d } }
func WithWriteTimeout(d time.Duration) Option { return func(o *Options) { o.WriteTimeout = d } }
func WithInsecureTLS(v bool) Option           { return func(o *Options) { o.InsecureTLS = v } }
func WithTLSConfig(c *tls.Config) Option      { return func(o *Options) { o.TLSConfig = c } }
func WithProxy(p *ProxyConfig) Option         { return func(o *Options) { o.Proxy = p } }
func WithBodyMemLimit(n int64) Option         { return func(o *Options) { o.BodyMemLimit = n } }
func WithMaxRedirects(n int) Option           { return func(o *Options) { o.MaxRedirects = n } }
func WithLogger(l *rlog.Logger) Option        { return func(o *Options) { o.Logger = l } }

// RequestOption customizes a single request.
type RequestOption func(*requestConfig)

type requestConfig struct {
	headers      *headers.Headers
	maxRedirects *int
}

func newRequestConfig() *requestConfig {
	return &requestConfig{headers: headers.New()}
}

func WithHeader(name, value string) RequestOption {
	return func(rc *requestConfig) { rc.headers.Set(name, value) }
}

func WithHeaders(h *headers.Headers) RequestOption {
	return func(rc *requestConfig) {
		h.Each(func(k, v string) { rc.headers.Add(k, v) })
	}
}

func WithRequestMaxRedirects(n int) RequestOption {
	return func(rc *requestConfig) { rc.maxRedirects = &n }
}

// Response is the result of a client exchange: status, headers, and a
// live body reader. Callers that want the whole body buffered should call
// Bytes or JSON instead of reading Body directly.
type Response struct {
	StatusCode int
	Reason     string
	Headers    *headers.Headers
	Body       *connection.Reader
	Metrics    timing.Metrics
	FinalURL   *uri.ParsedURI

	client *Client
	poolKey string
	conn   *connection.Connection
}

// Bytes drains Body into memory (spilling to disk past BodyMemLimit) and
// returns the captured bytes. Closes Body and releases the connection back
// to the pool.
func (r *Response) Bytes() ([]byte, error) {
	defer r.release()

	buf := buffer.New(r.client.opts.BodyMemLimit)
	defer buf.Close()
	if _, err := io.Copy(buf, r.Body); err != nil {
		return nil, errors.NewIOError("reading response body", err)
	}
	if buf.IsSpilled() {
		rc, err := buf.Reader()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return buf.Bytes(), nil
}

// JSON drains Body and decodes it into v using goccy/go-json.
func (r *Response) JSON(v any) error {
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	if err := gojson.Unmarshal(data, v); err != nil {
		return errors.NewProtocolError(errors.CodeFormatError, "decoding JSON response body: "+err.Error())
	}
	return nil
}

func (r *Response) release() {
	if r.conn == nil {
		return
	}
	r.Body.Close()
	if r.conn.KeepAlive() {
		r.client.pool.Put(r.poolKey, r.conn)
	} else {
		r.conn.Close()
		r.client.pool.Discard(r.poolKey)
	}
	r.conn = nil
}

// Client is the entry point for HTTP/1.1 requests with connection pooling
// and bounded redirect following.
type Client struct {
	opts Options
	pool *connPool
}

// New constructs a Client.
func New(opts ...Option) *Client {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = rlog.Nop()
	}
	return &Client{
		opts: o,
		pool: newConnPool(o.MaxIdleConnsPerHost, o.MaxIdleTime),
	}
}

// Close stops the idle-connection sweep and closes every pooled connection.
func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

func poolKeyFor(target *uri.ParsedURI, proxy *ProxyConfig) string {
	if proxy != nil {
		return fmt.Sprintf("%s:%s:%d->%s:%s:%d", proxy.Type, proxy.Host, proxy.Port, target.Scheme, target.Host, target.Port)
	}
	return fmt.Sprintf("%s:%s:%d", target.Scheme, target.Host, target.Port)
}

// dial establishes (or reuses from the pool) a Connection to target.
func (c *Client) dial(ctx context.Context, target *uri.ParsedURI) (*connection.Connection, string, error) {
	key := poolKeyFor(target, c.opts.Proxy)

	if conn := c.pool.Get(key); conn != nil {
		return conn, key, nil
	}

	timer := timing.NewTimer()
	targetAddr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))

	var rawConn net.Conn
	var err error

	if c.opts.Proxy != nil {
		rawConn, err = dialViaProxy(ctx, c.opts.Proxy, targetAddr, target.HostHeader(), c.opts.InsecureTLS, c.opts.ConnTimeout)
	} else {
		timer.StartTCP()
		dialer := &net.Dialer{Timeout: c.opts.ConnTimeout}
		rawConn, err = dialer.DialContext(ctx, "tcp", targetAddr)
		timer.EndTCP()
	}
	if err != nil {
		return nil, "", errors.NewConnectionError(target.Host, target.Port, err)
	}

	if target.UseTLS {
		timer.StartTLS()
		tlsConf := c.opts.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{InsecureSkipVerify: c.opts.InsecureTLS}
			tlsconfig.ApplyVersionProfile(tlsConf, c.opts.TLSProfile)
			tlsconfig.ApplyCipherSuites(tlsConf, tlsConf.MinVersion)
		} else {
			tlsConf = tlsConf.Clone()
			if c.opts.InsecureTLS {
				tlsConf.InsecureSkipVerify = true
			}
		}
		tlsconfig.ConfigureSNI(tlsConf, "", c.opts.DisableSNI, target.Host)

		tlsConn := tls.Client(rawConn, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			timer.EndTLS()
			return nil, "", errors.NewTLSError(target.Host, target.Port, err)
		}
		timer.EndTLS()
		rawConn = tlsConn
	}

	conn := connection.New(rawConn,
		connection.WithLogger(c.opts.Logger),
		connection.WithTimer(timer),
		connection.WithReadTimeout(c.opts.ReadTimeout),
		connection.WithWriteTimeout(c.opts.WriteTimeout),
	)
	c.pool.Acquire(key)
	return conn, key, nil
}

func defaultHeaders(target *uri.ParsedURI, body []byte) *headers.Headers {
	h := headers.New()
	h.Set("Host", target.HostHeader())
	h.Set("User-Agent", "httpkit/1.0")
	h.Set("Connection", "keep-alive")
	h.Set("Accept", "*/*")
	if body != nil {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return h
}

// NewRequest is the low-level entry point: it dials (or reuses) a
// Connection and returns it alongside a Request the caller can drive
// manually via Connection.SendRequest/body writers — for streaming bodies
// that Get/Post/PostJSON don't cover.
func (c *Client) NewRequest(ctx context.Context, method, targetURL string, opts ...RequestOption) (*connection.Request, *connection.Connection, error) {
	target, err := uri.Parse(targetURL)
	if err != nil {
		return nil, nil, err
	}
	conn, _, err := c.dial(ctx, target)
	if err != nil {
		return nil, nil, err
	}

	rc := newRequestConfig()
	for _, opt := range opts {
		opt(rc)
	}
	if !rc.headers.Contains("Host") {
		rc.headers.Set("Host", target.HostHeader())
	}

	return &connection.Request{Method: method, Path: target.Path, Headers: rc.headers}, conn, nil
}

// Do performs method against targetURL with the given body, following
// redirects per §4.5 up to MaxRedirects, and returns the final Response.
func (c *Client) Do(ctx context.Context, method, targetURL string, body []byte, opts ...RequestOption) (*Response, error) {
	rc := newRequestConfig()
	for _, opt := range opts {
		opt(rc)
	}

	maxRedirects := c.opts.MaxRedirects
	if rc.maxRedirects != nil {
		maxRedirects = *rc.maxRedirects
	}

	target, err := uri.Parse(targetURL)
	if err != nil {
		return nil, err
	}

	for redirects := 0; ; redirects++ {
		resp, nextLocation, err := c.doOne(ctx, method, target, body, rc.headers)
		if err != nil {
			return nil, err
		}

		if nextLocation == "" || !status.IsRedirect(resp.StatusCode) {
			resp.FinalURL = target
			return resp, nil
		}

		if redirects >= maxRedirects {
			resp.Body.Close()
			return nil, errors.NewPolicyError(errors.CodeTooManyRedirects, fmt.Sprintf("exceeded %d redirects", maxRedirects))
		}

		next, err := uri.Resolve(target, nextLocation)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}

		if status.RewritesToGET(resp.StatusCode, method) {
			method = "GET"
			body = nil
			rc.headers.Remove("Content-Length")
			rc.headers.Remove("Content-Type")
			rc.headers.Remove("Content-Encoding")
			rc.headers.Remove("Content-Language")
			rc.headers.Remove("Content-Location")
			rc.headers.Remove("Transfer-Encoding")
		}

		resp.Body.Close()
		target = next
	}
}

// doOne performs a single request/response exchange (no redirect
// following) and returns the response plus any Location header value.
func (c *Client) doOne(ctx context.Context, method string, target *uri.ParsedURI, body []byte, extraHeaders *headers.Headers) (*Response, string, error) {
	conn, poolKey, err := c.dial(ctx, target)
	if err != nil {
		return nil, "", err
	}

	hdrs := defaultHeaders(target, body)
	extraHeaders.Each(func(k, v string) { hdrs.Set(k, v) })

	req := &connection.Request{Method: method, Path: target.Path, Headers: hdrs}

	w, err := conn.SendRequest(req)
	if err != nil {
		conn.Close()
		c.pool.Discard(poolKey)
		return nil, "", err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			conn.Close()
			c.pool.Discard(poolKey)
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		conn.Close()
		c.pool.Discard(poolKey)
		return nil, "", err
	}

	connResp, reader, err := conn.ReadResponse(method)
	if err != nil {
		conn.Close()
		c.pool.Discard(poolKey)
		return nil, "", err
	}

	location, _ := connResp.Headers.Get("Location")

	resp := &Response{
		StatusCode: connResp.StatusCode,
		Reason:     connResp.Reason,
		Headers:    connResp.Headers,
		Body:       reader,
		client:     c,
		poolKey:    poolKey,
		conn:       conn,
	}
	return resp, location, nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, targetURL string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, "GET", targetURL, nil, opts...)
}

// Post issues a POST request with an already-materialized body.
func (c *Client) Post(ctx context.Context, targetURL string, body []byte, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, "POST", targetURL, body, opts...)
}

// PostJSON marshals v with goccy/go-json and POSTs it with the appropriate
// Content-Type.
func (c *Client) PostJSON(ctx context.Context, targetURL string, v any, opts ...RequestOption) (*Response, error) {
	data, err := gojson.Marshal(v)
	if err != nil {
		return nil, errors.NewValidationError("marshaling JSON request body: " + err.Error())
	}
	opts = append(opts, WithHeader("Content-Type", "application/json"))
	return c.Do(ctx, "POST", targetURL, data, opts...)
}

// PostForm percent-encodes form and POSTs it as
// application/x-www-form-urlencoded.
func (c *Client) PostForm(ctx context.Context, targetURL string, form url.Values, opts ...RequestOption) (*Response, error) {
	body := []byte(form.Encode())
	opts = append(opts, WithHeader("Content-Type", "application/x-www-form-urlencoded"))
	return c.Do(ctx, "POST", targetURL, body, opts...)
}

// WebSocket performs the client-side handshake against targetURL (scheme
// ws or wss) and returns an established websocket.Session.
func (c *Client) WebSocket(ctx context.Context, targetURL string, opts ...RequestOption) (*websocket.Session, error) {
	target, err := uri.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	if target.Scheme != "ws" && target.Scheme != "wss" {
		return nil, errors.NewValidationError("WebSocket target must use the ws or wss scheme")
	}

	httpTarget := *target
	httpTarget.Scheme = map[bool]string{true: "https", false: "http"}[target.UseTLS]

	conn, poolKey, err := c.dial(ctx, &httpTarget)
	if err != nil {
		return nil, err
	}

	nonce, err := websocket.GenerateNonce()
	if err != nil {
		conn.Close()
		return nil, err
	}

	rc := newRequestConfig()
	for _, opt := range opts {
		opt(rc)
	}
	hdrs := headers.New()
	hdrs.Set("Host", target.HostHeader())
	hdrs.Set("Upgrade", "websocket")
	hdrs.Set("Connection", "Upgrade")
	hdrs.Set("Sec-WebSocket-Key", nonce)
	hdrs.Set("Sec-WebSocket-Version", "13")
	rc.headers.Each(func(k, v string) { hdrs.Set(k, v) })

	req := &connection.Request{Method: "GET", Path: target.Path, Headers: hdrs}
	w, err := conn.SendRequest(req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		conn.Close()
		return nil, err
	}

	resp, reader, err := conn.ReadResponse("GET")
	if err != nil {
		conn.Close()
		return nil, err
	}
	reader.Close()

	if resp.StatusCode != 101 {
		conn.Close()
		return nil, errors.NewProtocolError(errors.CodeProtocolError, fmt.Sprintf("websocket upgrade rejected: status %d", resp.StatusCode))
	}
	if !resp.Headers.Matches("Upgrade", "websocket") || !resp.Headers.Matches("Connection", "Upgrade") {
		conn.Close()
		return nil, errors.NewProtocolError(errors.CodeProtocolError, "missing Upgrade/Connection headers in 101 response")
	}
	accept, _ := resp.Headers.Get("Sec-WebSocket-Accept")
	if accept != websocket.AcceptKey(nonce) {
		conn.Close()
		return nil, errors.NewProtocolError(errors.CodeProtocolError, "Sec-WebSocket-Accept mismatch")
	}
	if resp.Headers.Contains("Sec-WebSocket-Extensions") {
		conn.Close()
		return nil, errors.NewProtocolError(errors.CodeProtocolError, "extensions not supported")
	}

	br := conn.BufferedReader()
	rawConn := conn.Detach()
	c.pool.Discard(poolKey)

	return websocket.New(rawConn, websocket.RoleClient, br, c.opts.Logger), nil
}
