package client

import (
	"net"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	// DefaultMaxPerPeer bounds the idle connections kept per address.
	DefaultMaxPerPeer = 4
	// DefaultTimeout applies to dial, read, and write on pooled
	// connections. Inter-node calls are latency-bound, not throughput.
	DefaultTimeout = 500 * time.Millisecond
)

// Pool keeps a bounded stack of idle TCP connections per peer address.
// Acquire pops an idle connection or dials a new one; Release returns
// it unless the peer's stack is full. Callers must not release a
// connection with unread response bytes still in flight.
type Pool struct {
	idle       *xsync.MapOf[string, chan net.Conn]
	maxPerPeer int
	timeout    time.Duration
	logger     *zap.Logger
}

// NewPool creates a pool. maxPerPeer and timeout fall back to the
// defaults when non-positive.
func NewPool(maxPerPeer int, timeout time.Duration, logger *zap.Logger) *Pool {
	if maxPerPeer <= 0 {
		maxPerPeer = DefaultMaxPerPeer
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pool{
		idle:       xsync.NewMapOf[string, chan net.Conn](),
		maxPerPeer: maxPerPeer,
		timeout:    timeout,
		logger:     logger,
	}
}

// Timeout returns the pool's per-operation socket timeout.
func (p *Pool) Timeout() time.Duration {
	return p.timeout
}

func (p *Pool) stack(address string) chan net.Conn {
	ch, _ := p.idle.LoadOrCompute(address, func() chan net.Conn {
		return make(chan net.Conn, p.maxPerPeer)
	})
	return ch
}

// Acquire returns a connection to address, reusing an idle one when
// available.
func (p *Pool) Acquire(address string) (net.Conn, error) {
	select {
	case conn := <-p.stack(address):
		return conn, nil
	default:
	}

	conn, err := net.DialTimeout("tcp", address, p.timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Release returns a healthy connection to the pool; over-cap
// connections are closed.
func (p *Pool) Release(address string, conn net.Conn) {
	select {
	case p.stack(address) <- conn:
	default:
		conn.Close()
	}
}

// Discard closes a connection whose stream state is unknown (timeout
// or short read mid-response).
func (p *Pool) Discard(conn net.Conn) {
	conn.Close()
}

// CloseAll drains and closes every idle connection.
func (p *Pool) CloseAll() {
	p.idle.Range(func(address string, ch chan net.Conn) bool {
		for {
			select {
			case conn := <-ch:
				conn.Close()
			default:
				return true
			}
		}
	})
}
