package client

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/quorumkv/dkvs/internal/model"
	"github.com/quorumkv/dkvs/internal/protocol"
)

// ReplicaClient speaks the inter-node protocol (RSET/RDEL/RGET) to peer
// replicas over pooled connections. Each call sends one frame and reads
// exactly one newline-terminated response; the connection is released
// only after the full response, so frames never interleave.
type ReplicaClient struct {
	pool   *Pool
	logger *zap.Logger
}

// NewReplicaClient wraps a connection pool.
func NewReplicaClient(pool *Pool, logger *zap.Logger) *ReplicaClient {
	return &ReplicaClient{pool: pool, logger: logger}
}

// Write sends an RSET (or RDEL when del is true) to the replica at
// address and returns nil only on a "+OK" acknowledgment.
func (c *ReplicaClient) Write(address, key string, value []byte, del bool, version model.Version) error {
	var frame []byte
	if del {
		frame = protocol.BuildRDel(key, version.TimestampMS, version.NodeID)
	} else {
		frame = protocol.BuildRSet(key, value, version.TimestampMS, version.NodeID)
	}

	line, err := c.roundTrip(address, frame)
	if err != nil {
		return err
	}
	if !bytes.Equal(line, []byte("+OK\n")) {
		return fmt.Errorf("replica %s rejected write: %q", address, line)
	}
	return nil
}

// Read issues an RGET and decodes the versioned response. A peer reply
// other than "$V" reads as not found.
func (c *ReplicaClient) Read(address, key string) (protocol.VersionedValue, error) {
	line, err := c.roundTrip(address, protocol.BuildRGet(key))
	if err != nil {
		return protocol.VersionedValue{}, err
	}
	return protocol.ParseVersionedValue(line), nil
}

// Forward sends a pre-built FWD frame and returns the raw response
// line. Legacy single-owner routing path.
func (c *ReplicaClient) Forward(address string, frame []byte) ([]byte, error) {
	return c.roundTrip(address, frame)
}

func (c *ReplicaClient) roundTrip(address string, frame []byte) ([]byte, error) {
	conn, err := c.pool.Acquire(address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	deadline := time.Now().Add(c.pool.Timeout())
	if err := conn.SetDeadline(deadline); err != nil {
		c.pool.Discard(conn)
		return nil, err
	}

	if _, err := conn.Write(frame); err != nil {
		c.pool.Discard(conn)
		return nil, fmt.Errorf("send to %s: %w", address, err)
	}

	line, err := readLine(conn)
	if err != nil {
		c.pool.Discard(conn)
		return nil, fmt.Errorf("read from %s: %w", address, err)
	}

	c.pool.Release(address, conn)
	return line, nil
}

// readLine reads byte-by-byte up to and including the first '\n'.
// No buffered reader is used so nothing past the response line is
// consumed from the shared connection.
func readLine(conn net.Conn) ([]byte, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			line = append(line, buf[0])
			if buf[0] == '\n' {
				return line, nil
			}
			if len(line) > 1<<20 {
				return nil, errors.New("response line too long")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}
