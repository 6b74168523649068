package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quorumkv/dkvs/internal/model"
	"github.com/quorumkv/dkvs/internal/protocol"
)

// echoServer accepts connections and answers every received line with
// the configured response.
func echoServer(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					for i := 0; i < n; i++ {
						if buf[i] == '\n' {
							if _, err := conn.Write([]byte(response)); err != nil {
								return
							}
						}
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestAcquireRelease(t *testing.T) {
	addr := echoServer(t, "+OK\n")
	pool := NewPool(2, time.Second, zap.NewNop())
	defer pool.CloseAll()

	conn, err := pool.Acquire(addr)
	require.NoError(t, err)
	pool.Release(addr, conn)

	// The released connection is reused.
	conn2, err := pool.Acquire(addr)
	require.NoError(t, err)
	assert.Equal(t, conn, conn2)
	pool.Release(addr, conn2)
}

func TestReleaseOverCapCloses(t *testing.T) {
	addr := echoServer(t, "+OK\n")
	pool := NewPool(1, time.Second, zap.NewNop())
	defer pool.CloseAll()

	c1, err := pool.Acquire(addr)
	require.NoError(t, err)
	c2, err := pool.Acquire(addr)
	require.NoError(t, err)

	pool.Release(addr, c1)
	pool.Release(addr, c2) // over cap, closed

	_, err = c2.Write([]byte("x"))
	assert.Error(t, err)
}

func TestAcquireUnreachable(t *testing.T) {
	pool := NewPool(2, 100*time.Millisecond, zap.NewNop())
	defer pool.CloseAll()

	// Reserved TEST-NET-1 address, nothing listens there.
	_, err := pool.Acquire("192.0.2.1:7999")
	assert.Error(t, err)
}

func TestReplicaWriteOK(t *testing.T) {
	addr := echoServer(t, "+OK\n")
	pool := NewPool(2, time.Second, zap.NewNop())
	defer pool.CloseAll()
	rc := NewReplicaClient(pool, zap.NewNop())

	err := rc.Write(addr, "k", []byte("v"), false, model.Version{TimestampMS: 1, NodeID: 1})
	assert.NoError(t, err)

	err = rc.Write(addr, "k", nil, true, model.Version{TimestampMS: 2, NodeID: 1})
	assert.NoError(t, err)
}

func TestReplicaWriteRejected(t *testing.T) {
	addr := echoServer(t, "-ERR INTERNAL\n")
	pool := NewPool(2, time.Second, zap.NewNop())
	defer pool.CloseAll()
	rc := NewReplicaClient(pool, zap.NewNop())

	err := rc.Write(addr, "k", []byte("v"), false, model.Version{TimestampMS: 1, NodeID: 1})
	assert.Error(t, err)
}

func TestReplicaReadVersioned(t *testing.T) {
	addr := echoServer(t, string(protocol.FormatVersionedValue([]byte("repval"), 1000000, 99)))
	pool := NewPool(2, time.Second, zap.NewNop())
	defer pool.CloseAll()
	rc := NewReplicaClient(pool, zap.NewNop())

	vv, err := rc.Read(addr, "foo")
	require.NoError(t, err)
	require.True(t, vv.Found)
	assert.Equal(t, []byte("repval"), vv.Value)
	assert.Equal(t, uint64(1000000), vv.TimestampMS)
	assert.Equal(t, uint32(99), vv.NodeID)
}

func TestReplicaReadNotFound(t *testing.T) {
	addr := echoServer(t, "-NOT_FOUND\n")
	pool := NewPool(2, time.Second, zap.NewNop())
	defer pool.CloseAll()
	rc := NewReplicaClient(pool, zap.NewNop())

	vv, err := rc.Read(addr, "foo")
	require.NoError(t, err)
	assert.False(t, vv.Found)
}

func TestReplicaForward(t *testing.T) {
	addr := echoServer(t, "+PONG\n")
	pool := NewPool(2, time.Second, zap.NewNop())
	defer pool.CloseAll()
	rc := NewReplicaClient(pool, zap.NewNop())

	line, err := rc.Forward(addr, protocol.FormatForward(3, "PING"))
	require.NoError(t, err)
	assert.Equal(t, []byte("+PONG\n"), line)
}

func TestReplicaWriteUnreachable(t *testing.T) {
	pool := NewPool(2, 100*time.Millisecond, zap.NewNop())
	defer pool.CloseAll()
	rc := NewReplicaClient(pool, zap.NewNop())

	err := rc.Write("192.0.2.1:7999", "k", []byte("v"), false, model.Version{TimestampMS: 1, NodeID: 1})
	assert.Error(t, err)
}
