package client

import (
	"net"
	"sync"
	"time"

	"github.com/sockwire/httpkit/pkg/connection"
)

// pooledConn is one idle connection sitting in a hostPool's LIFO list.
type pooledConn struct {
	conn     *connection.Connection
	lastUsed time.Time
}

// hostPool manages idle connections for one "scheme:host:port" key
// (poolKeyFor; prefixed with the proxy's own address when one is set),
// grounded on the teacher's pkg/transport hostPool: a mutex-guarded LIFO
// idle slice plus an active counter, re-keyed here to *connection.Connection
// values instead of raw net.Conn, since the Client needs the keep-alive
// state machine riding along with the pooled socket.
type hostPool struct {
	mu        sync.Mutex
	idle      []*pooledConn
	numActive int
}

// connPool is the Client's collection of per-host pools plus the
// background idle sweep, both ported from the teacher's Transport.
type connPool struct {
	mu          sync.Mutex
	hosts       map[string]*hostPool
	maxIdle     int
	maxIdleTime time.Duration
	stop        chan struct{}
	wg          sync.WaitGroup
}

func newConnPool(maxIdlePerHost int, maxIdleTime time.Duration) *connPool {
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = 2
	}
	if maxIdleTime <= 0 {
		maxIdleTime = 90 * time.Second
	}
	p := &connPool{
		hosts:       make(map[string]*hostPool),
		maxIdle:     maxIdlePerHost,
		maxIdleTime: maxIdleTime,
		stop:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

func (p *connPool) getHostPool(key string) *hostPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.hosts[key]
	if !ok {
		hp = &hostPool{}
		p.hosts[key] = hp
	}
	return hp
}

// Get pops the most recently released live connection for key, if any.
func (p *connPool) Get(key string) *connection.Connection {
	hp := p.getHostPool(key)
	hp.mu.Lock()
	defer hp.mu.Unlock()

	for len(hp.idle) > 0 {
		n := len(hp.idle)
		pc := hp.idle[n-1]
		hp.idle = hp.idle[:n-1]

		if !isAlive(pc.conn.RawConn()) {
			pc.conn.Close()
			continue
		}
		hp.numActive++
		return pc.conn
	}
	return nil
}

// Put returns conn to the idle list for key, closing it instead if the
// idle list is already at capacity or the connection's keep-alive has
// lapsed.
func (p *connPool) Put(key string, conn *connection.Connection) {
	hp := p.getHostPool(key)
	hp.mu.Lock()
	defer hp.mu.Unlock()

	hp.numActive--
	if !conn.KeepAlive() || len(hp.idle) >= p.maxIdle {
		conn.Close()
		return
	}
	hp.idle = append(hp.idle, &pooledConn{conn: conn, lastUsed: time.Now()})
}

// Discard drops conn from accounting without returning it to the idle
// list, for callers that already closed it (e.g. after a failed exchange).
func (p *connPool) Discard(key string) {
	hp := p.getHostPool(key)
	hp.mu.Lock()
	hp.numActive--
	hp.mu.Unlock()
}

// Acquire records a freshly-dialed (not pool-reused) connection as active,
// so the later Put/Discard call that returns it has a matching increment
// to undo — symmetric with the increment Get performs when it hands out
// an idle connection.
func (p *connPool) Acquire(key string) {
	hp := p.getHostPool(key)
	hp.mu.Lock()
	hp.numActive++
	hp.mu.Unlock()
}

// isAlive probes a pooled connection with a read under a one-millisecond
// deadline, mirroring the
// teacher's isConnectionAlive: a timeout means idle-and-healthy, any other
// outcome (including successful unexpected data) is conservatively dead.
func isAlive(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	_, err := conn.Read(one)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}

func (p *connPool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			hosts := make([]*hostPool, 0, len(p.hosts))
			for _, hp := range p.hosts {
				hosts = append(hosts, hp)
			}
			p.mu.Unlock()

			now := time.Now()
			for _, hp := range hosts {
				hp.mu.Lock()
				kept := hp.idle[:0]
				for _, pc := range hp.idle {
					if now.Sub(pc.lastUsed) > p.maxIdleTime {
						pc.conn.Close()
					} else {
						kept = append(kept, pc)
					}
				}
				hp.idle = kept
				hp.mu.Unlock()
			}
		case <-p.stop:
			return
		}
	}
}

// Close stops the idle sweep and closes every pooled connection.
func (p *connPool) Close() {
	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hp := range p.hosts {
		hp.mu.Lock()
		for _, pc := range hp.idle {
			pc.conn.Close()
		}
		hp.idle = nil
		hp.mu.Unlock()
	}
}
