package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sockwire/httpkit/pkg/connection"
	"github.com/sockwire/httpkit/pkg/server"
	"github.com/sockwire/httpkit/pkg/uri"
)

// startTestServer runs handler on an ephemeral localhost port and returns
// its address plus a cleanup func.
func startTestServer(t *testing.T, handler server.HandlerFunc) (addr string, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := server.New(handler)
	go srv.Serve(ln)
	return ln.Addr().String(), func() { srv.Close() }
}

func TestClient_GetRoundTrip(t *testing.T) {
	addr, cleanup := startTestServer(t, func(w *server.ResponseWriter, req *connection.Request, body *connection.Reader) error {
		return w.Write(200, "text/plain", []byte("hello from server"))
	})
	defer cleanup()

	c := New()
	defer c.Close()

	resp, err := c.Get(context.Background(), "http://"+addr+"/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := resp.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(data) != "hello from server" {
		t.Fatalf("got %q", data)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d", resp.StatusCode)
	}
}

func TestClient_PostJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	addr, cleanup := startTestServer(t, func(w *server.ResponseWriter, req *connection.Request, body *connection.Reader) error {
		buf := make([]byte, 1024)
		n, _ := body.Read(buf)
		return w.Write(200, "application/json", buf[:n])
	})
	defer cleanup()

	c := New()
	defer c.Close()

	resp, err := c.PostJSON(context.Background(), "http://"+addr+"/", payload{Name: "alice"})
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	var got payload
	if err := resp.JSON(&got); err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if got.Name != "alice" {
		t.Fatalf("got %+v", got)
	}
}

func TestClient_FollowsRedirect(t *testing.T) {
	addr, cleanup := startTestServer(t, func(w *server.ResponseWriter, req *connection.Request, body *connection.Reader) error {
		if req.Path == "/old" {
			return w.Redirect(302, "/new")
		}
		return w.Write(200, "text/plain", []byte("arrived"))
	})
	defer cleanup()

	c := New()
	defer c.Close()

	resp, err := c.Get(context.Background(), "http://"+addr+"/old")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := resp.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(data) != "arrived" {
		t.Fatalf("got %q", data)
	}
}

func TestClient_303StripsPayloadHeadersAndRewritesToGET(t *testing.T) {
	var sawMethod string
	var sawPayloadHeader bool

	addr, cleanup := startTestServer(t, func(w *server.ResponseWriter, req *connection.Request, body *connection.Reader) error {
		if req.Path == "/old" {
			return w.Redirect(303, "/new")
		}
		sawMethod = req.Method
		for _, name := range []string{"Content-Length", "Content-Type", "Content-Encoding", "Content-Language", "Content-Location", "Transfer-Encoding"} {
			if req.Headers.Contains(name) {
				sawPayloadHeader = true
			}
		}
		return w.Write(200, "text/plain", []byte("arrived"))
	})
	defer cleanup()

	c := New()
	defer c.Close()

	resp, err := c.PostJSON(context.Background(), "http://"+addr+"/old", map[string]string{"x": "y"})
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	resp.Bytes()

	if sawMethod != "GET" {
		t.Fatalf("method after 303 = %q, want GET", sawMethod)
	}
	if sawPayloadHeader {
		t.Fatal("payload headers (Content-Length/Type/Encoding/Language/Location, Transfer-Encoding) should be stripped after a 303 rewrite")
	}
}

func TestClient_MaxRedirectsExceeded(t *testing.T) {
	addr, cleanup := startTestServer(t, func(w *server.ResponseWriter, req *connection.Request, body *connection.Reader) error {
		return w.Redirect(302, "/loop")
	})
	defer cleanup()

	c := New(WithMaxRedirects(2))
	defer c.Close()

	_, err := c.Get(context.Background(), "http://"+addr+"/loop")
	if err == nil {
		t.Fatal("expected error after exceeding max redirects")
	}
}

func TestClient_ConnectionReuseAcrossRequests(t *testing.T) {
	addr, cleanup := startTestServer(t, func(w *server.ResponseWriter, req *connection.Request, body *connection.Reader) error {
		return w.Write(200, "text/plain", []byte("ok"))
	})
	defer cleanup()

	c := New()
	defer c.Close()

	for i := 0; i < 3; i++ {
		resp, err := c.Get(context.Background(), "http://"+addr+"/")
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		resp.Bytes()
	}

	target, err := uri.Parse("http://" + addr + "/")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	hp := c.pool.getHostPool(poolKeyFor(target, nil))
	hp.mu.Lock()
	idleCount := len(hp.idle)
	hp.mu.Unlock()
	if idleCount == 0 {
		t.Fatal("expected at least one idle connection left in the pool after keep-alive requests")
	}
}

func TestParseProxyURL_InvalidPort(t *testing.T) {
	if _, err := ParseProxyURL("http://proxy.example.com:notaport"); err == nil {
		t.Fatal("expected error for invalid proxy port")
	}
}

func TestClientTimeout(t *testing.T) {
	c := New(WithConnTimeout(50 * time.Millisecond))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// 10.255.255.1 is a non-routable address chosen to force a dial timeout
	// rather than depending on external network behavior.
	_, err := c.Get(ctx, "http://10.255.255.1:1/")
	if err == nil {
		t.Fatal("expected a dial error/timeout against an unroutable address")
	}
}
