package client

import (
	"net"
	"testing"
	"time"

	"github.com/sockwire/httpkit/pkg/connection"
)

func newTestConn() (*connection.Connection, net.Conn) {
	c1, c2 := net.Pipe()
	return connection.New(c1), c2
}

func TestConnPool_PutAndGet(t *testing.T) {
	pool := newConnPool(2, time.Minute)
	defer pool.Close()

	conn, peer := newTestConn()
	defer peer.Close()

	pool.Acquire("host1")
	pool.Put("host1", conn)

	got := pool.Get("host1")
	if got != conn {
		t.Fatalf("Get returned a different connection: %v", got)
	}
}

func TestConnPool_GetEmptyReturnsNil(t *testing.T) {
	pool := newConnPool(2, time.Minute)
	defer pool.Close()

	if got := pool.Get("no-such-host"); got != nil {
		t.Fatalf("Get on empty pool = %v, want nil", got)
	}
}

func TestConnPool_PutClosesWhenKeepAliveFalse(t *testing.T) {
	pool := newConnPool(2, time.Minute)
	defer pool.Close()

	conn, peer := newTestConn()
	defer peer.Close()
	conn.Close() // KeepAlive() becomes false once closed

	pool.Acquire("host1")
	pool.Put("host1", conn)

	if got := pool.Get("host1"); got != nil {
		t.Fatal("a closed connection should not be returned to the idle pool")
	}
}

func TestConnPool_PutRespectsMaxIdle(t *testing.T) {
	pool := newConnPool(1, time.Minute)
	defer pool.Close()

	conn1, peer1 := newTestConn()
	defer peer1.Close()
	conn2, peer2 := newTestConn()
	defer peer2.Close()

	pool.Acquire("host1")
	pool.Put("host1", conn1)
	pool.Acquire("host1")
	pool.Put("host1", conn2) // idle list already has 1 (maxIdle), should be closed instead

	hp := pool.getHostPool("host1")
	hp.mu.Lock()
	n := len(hp.idle)
	hp.mu.Unlock()
	if n != 1 {
		t.Fatalf("idle list length = %d, want 1 (maxIdle)", n)
	}
}

func TestConnPool_Discard(t *testing.T) {
	pool := newConnPool(2, time.Minute)
	defer pool.Close()

	pool.Acquire("host1")
	hp := pool.getHostPool("host1")
	hp.mu.Lock()
	active := hp.numActive
	hp.mu.Unlock()
	if active != 1 {
		t.Fatalf("numActive = %d, want 1", active)
	}

	pool.Discard("host1")
	hp.mu.Lock()
	active = hp.numActive
	hp.mu.Unlock()
	if active != 0 {
		t.Fatalf("numActive after Discard = %d, want 0", active)
	}
}

func TestIsAlive(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	if !isAlive(c1) {
		t.Fatal("an idle connection with no pending data should be alive")
	}
}

func TestIsAlive_ClosedConnection(t *testing.T) {
	c1, c2 := net.Pipe()
	c2.Close()
	c1.Close()

	if isAlive(c1) {
		t.Fatal("a closed connection should not be reported alive")
	}
}
