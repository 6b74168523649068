package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/quorumkv/dkvs/internal/util"
)

// Peer is one entry of the static cluster membership file.
type Peer struct {
	Name    string
	NodeID  uint32
	Address string
}

// LoadPeers parses a cluster membership file. Each line is
// "<name> <host>:<port>"; blank lines and lines starting with '#' are
// skipped. The name's digits, concatenated in order, become the node id;
// names without digits fall back to a stable hash of the name.
func LoadPeers(path string) ([]Peer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open peers file: %w", err)
	}
	defer f.Close()

	var peers []Peer
	seen := make(map[uint32]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("peers file line %d: expected \"<name> <host>:<port>\", got %q", lineNo, line)
		}
		name, address := fields[0], fields[1]
		if !strings.Contains(address, ":") {
			return nil, fmt.Errorf("peers file line %d: address %q missing port", lineNo, address)
		}

		id := NodeIDFromName(name)
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("peers file line %d: node id %d of %q collides with %q", lineNo, id, name, prev)
		}
		seen[id] = name

		peers = append(peers, Peer{Name: name, NodeID: id, Address: address})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read peers file: %w", err)
	}
	return peers, nil
}

// NodeIDFromName derives a node id from a peer name. "node3" → 3;
// names without digits hash to a stable non-zero id.
func NodeIDFromName(name string) uint32 {
	digits := strings.Builder{}
	for _, r := range name {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() > 0 {
		if id, err := strconv.ParseUint(digits.String(), 10, 32); err == nil && id > 0 {
			return uint32(id)
		}
	}
	h := uint32(util.KeyHash(name))
	if h == 0 {
		h = 1
	}
	return h
}
