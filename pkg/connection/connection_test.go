package connection

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sockwire/httpkit/pkg/headers"
)

var errExpectedChunked = errors.New("expected chunked transfer-encoding and body to round-trip")

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateIdle:             "idle",
		StateWritingRequest:   "writing_request",
		StateAwaitingResponse: "awaiting_response",
		StateReadingResponse:  "reading_response",
		StateReadingRequest:   "reading_request",
		StateHandlingRequest:  "handling_request",
		StateWritingResponse:  "writing_response",
		StateClosed:           "closed",
		State(99):             "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func pipeConnections() (client *Connection, server *Connection) {
	c1, c2 := net.Pipe()
	return New(c1), New(c2)
}

func TestContentLengthExchange(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		req, body, err := server.ReadRequest()
		if err != nil {
			serverErrCh <- err
			return
		}
		if req.Method != "POST" || req.Path != "/echo" {
			serverErrCh <- nil
			return
		}
		data, err := io.ReadAll(body)
		if err != nil {
			serverErrCh <- err
			return
		}
		body.Close()

		respHdrs := headers.New()
		respHdrs.Set("Content-Length", "5")
		w, err := server.SendResponse(&Response{StatusCode: 200, Reason: "OK", Headers: respHdrs})
		if err != nil {
			serverErrCh <- err
			return
		}
		w.Write(data)
		serverErrCh <- w.Close()
	}()

	reqHdrs := headers.New()
	reqHdrs.Set("Host", "example.com")
	reqHdrs.Set("Content-Length", "5")
	w, err := client.SendRequest(&Request{Method: "POST", Path: "/echo", Headers: reqHdrs})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	resp, body, err := client.ReadResponse("POST")
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("StatusCode = %d", resp.StatusCode)
	}
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	body.Close()

	if err := <-serverErrCh; err != nil {
		t.Fatalf("server goroutine error: %v", err)
	}
}

func TestChunkedExchange(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		_, reqBody, err := server.ReadRequest()
		if err != nil {
			serverErrCh <- err
			return
		}
		io.Copy(io.Discard, reqBody)
		reqBody.Close()

		hdrs := headers.New()
		hdrs.Set("Transfer-Encoding", "chunked")
		w, err := server.SendResponse(&Response{StatusCode: 200, Reason: "OK", Headers: hdrs})
		if err != nil {
			serverErrCh <- err
			return
		}
		w.Write([]byte("chunk-one"))
		w.Write([]byte("-chunk-two"))
		serverErrCh <- w.Close()
	}()

	hdrs := headers.New()
	hdrs.Set("Content-Length", "0")
	w, err := client.SendRequest(&Request{Method: "GET", Path: "/stream", Headers: hdrs})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	w.Close()

	_, body, err := client.ReadResponse("GET")
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "chunk-one-chunk-two" {
		t.Fatalf("got %q", got)
	}

	if err := <-serverErrCh; err != nil {
		t.Fatalf("server goroutine error: %v", err)
	}
}

func TestSendRequest_DefaultsToChunkedWhenFramingAbsent(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		req, reqBody, err := server.ReadRequest()
		if err != nil {
			serverErrCh <- err
			return
		}
		if v, _ := req.Headers.Get("Transfer-Encoding"); v != "chunked" {
			serverErrCh <- errExpectedChunked
			return
		}
		data, err := io.ReadAll(reqBody)
		if err != nil {
			serverErrCh <- err
			return
		}
		reqBody.Close()
		if string(data) != "unbounded-body" {
			serverErrCh <- errExpectedChunked
			return
		}

		hdrs := headers.New()
		hdrs.Set("Content-Length", "0")
		w, err := server.SendResponse(&Response{StatusCode: 200, Reason: "OK", Headers: hdrs})
		if err != nil {
			serverErrCh <- err
			return
		}
		serverErrCh <- w.Close()
	}()

	// No Content-Length and no Transfer-Encoding set: per §4.4's new_request
	// rule this must default to chunked rather than an immediately-failing
	// EmptyWriter, since the caller is about to write an unbounded body.
	w, err := client.SendRequest(&Request{Method: "POST", Path: "/upload", Headers: headers.New()})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if _, err := w.Write([]byte("unbounded-body")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, _, err := client.ReadResponse("POST"); err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}

	if err := <-serverErrCh; err != nil {
		t.Fatalf("server goroutine error: %v", err)
	}
}

func TestConnectionClose_SetsKeepAliveFalse(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	serverDone := make(chan struct{})
	go func() {
		server.ReadRequest()
		close(serverDone)
	}()

	hdrs := headers.New()
	hdrs.Set("Content-Length", "0")
	hdrs.Set("Connection", "close")
	w, _ := client.SendRequest(&Request{Method: "GET", Path: "/", Headers: hdrs})
	w.Close()

	<-serverDone
	if client.KeepAlive() {
		t.Fatal("KeepAlive should be false after sending Connection: close")
	}
}

func TestReadRequest_NoBodyForGET(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, body, err := server.ReadRequest()
		if err == nil {
			_, gotErr = io.ReadAll(body)
		} else {
			gotErr = err
		}
		close(done)
	}()

	hdrs := headers.New()
	w, err := client.SendRequest(&Request{Method: "GET", Path: "/", Headers: hdrs})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	w.Close()

	<-done
	if gotErr != nil {
		t.Fatalf("server body read error: %v", gotErr)
	}
}

func TestSendRequest_WrongStateRejected(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	go server.ReadRequest()

	hdrs := headers.New()
	hdrs.Set("Content-Length", "0")
	_, err := client.SendRequest(&Request{Method: "GET", Path: "/", Headers: hdrs})
	if err != nil {
		t.Fatalf("first SendRequest: %v", err)
	}

	// A second SendRequest before the response cycle completes must fail:
	// the connection is in StateAwaitingResponse/StateWritingRequest, not Idle.
	if _, err := client.SendRequest(&Request{Method: "GET", Path: "/", Headers: hdrs}); err == nil {
		t.Fatal("expected error sending a second request while one is outstanding")
	}
}

func TestWriter_CloseIsIdempotent(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	go func() {
		server.ReadRequest()
	}()

	hdrs := headers.New()
	hdrs.Set("Content-Length", "0")
	w, err := client.SendRequest(&Request{Method: "GET", Path: "/", Headers: hdrs})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
}

func TestDetach_ReturnsUnderlyingConn(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	conn := New(c1)

	raw := conn.Detach()
	if raw == nil {
		t.Fatal("Detach should return the underlying net.Conn")
	}
	if conn.State() != StateClosed {
		t.Fatalf("State after Detach = %v, want Closed", conn.State())
	}
	raw.Close()
}

func TestReadLine_UnexpectedEOF(t *testing.T) {
	c1, c2 := net.Pipe()
	conn := New(c1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		c2.Close()
	}()
	if _, _, err := conn.ReadRequest(); err == nil {
		t.Fatal("expected error reading a request line from a closed peer")
	}
}
