package protocol

import (
	"strconv"
)

// Response formatters. All responses are single newline-terminated lines.

func FormatOK() []byte {
	return []byte("+OK\n")
}

func FormatPong() []byte {
	return []byte("+PONG\n")
}

func FormatNotFound() []byte {
	return []byte("-NOT_FOUND\n")
}

// FormatError renders "-ERR <message>\n".
func FormatError(message string) []byte {
	buf := make([]byte, 0, 6+len(message))
	buf = append(buf, "-ERR "...)
	buf = append(buf, message...)
	return append(buf, '\n')
}

// FormatValue renders "$<val_len> <value>\n".
func FormatValue(value []byte) []byte {
	buf := make([]byte, 0, len(value)+16)
	buf = append(buf, '$')
	buf = strconv.AppendUint(buf, uint64(len(value)), 10)
	buf = append(buf, ' ')
	buf = append(buf, value...)
	return append(buf, '\n')
}

// FormatVersionedValue renders "$V <val_len> <value> <timestamp_ms> <node_id>\n",
// the RGET response carrying the replica's stored version.
func FormatVersionedValue(value []byte, timestampMS uint64, nodeID uint32) []byte {
	buf := make([]byte, 0, len(value)+40)
	buf = append(buf, "$V "...)
	buf = strconv.AppendUint(buf, uint64(len(value)), 10)
	buf = append(buf, ' ')
	buf = append(buf, value...)
	buf = append(buf, ' ')
	buf = strconv.AppendUint(buf, timestampMS, 10)
	buf = append(buf, ' ')
	buf = strconv.AppendUint(buf, uint64(nodeID), 10)
	return append(buf, '\n')
}

// FormatForward wraps an existing command line in a FWD envelope.
func FormatForward(hops uint32, innerLine string) []byte {
	buf := make([]byte, 0, len(innerLine)+16)
	buf = append(buf, "FWD "...)
	buf = strconv.AppendUint(buf, uint64(hops), 10)
	buf = append(buf, ' ')
	buf = append(buf, innerLine...)
	return append(buf, '\n')
}

// Inter-node request frame builders.

// BuildRSet renders "RSET <key_len> <key> <val_len> <value> <timestamp_ms> <node_id>\n".
func BuildRSet(key string, value []byte, timestampMS uint64, nodeID uint32) []byte {
	buf := make([]byte, 0, len(key)+len(value)+48)
	buf = append(buf, "RSET "...)
	buf = strconv.AppendUint(buf, uint64(len(key)), 10)
	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, ' ')
	buf = strconv.AppendUint(buf, uint64(len(value)), 10)
	buf = append(buf, ' ')
	buf = append(buf, value...)
	buf = append(buf, ' ')
	buf = strconv.AppendUint(buf, timestampMS, 10)
	buf = append(buf, ' ')
	buf = strconv.AppendUint(buf, uint64(nodeID), 10)
	return append(buf, '\n')
}

// BuildRDel renders "RDEL <key_len> <key> <timestamp_ms> <node_id>\n".
func BuildRDel(key string, timestampMS uint64, nodeID uint32) []byte {
	buf := make([]byte, 0, len(key)+40)
	buf = append(buf, "RDEL "...)
	buf = strconv.AppendUint(buf, uint64(len(key)), 10)
	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, ' ')
	buf = strconv.AppendUint(buf, timestampMS, 10)
	buf = append(buf, ' ')
	buf = strconv.AppendUint(buf, uint64(nodeID), 10)
	return append(buf, '\n')
}

// BuildRGet renders "RGET <key_len> <key>\n".
func BuildRGet(key string) []byte {
	buf := make([]byte, 0, len(key)+16)
	buf = append(buf, "RGET "...)
	buf = strconv.AppendUint(buf, uint64(len(key)), 10)
	buf = append(buf, ' ')
	buf = append(buf, key...)
	return append(buf, '\n')
}

// VersionedValue is the decoded form of a "$V" response line.
type VersionedValue struct {
	Found       bool
	Value       []byte
	TimestampMS uint64
	NodeID      uint32
}

// ParseVersionedValue decodes an RGET response line. "-NOT_FOUND" and any
// line not starting with "$V " decode as not found rather than an error,
// so a read quorum can treat unexpected peer output as a miss.
func ParseVersionedValue(line []byte) VersionedValue {
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	if len(line) < 3 || line[0] != '$' || line[1] != 'V' || line[2] != ' ' {
		return VersionedValue{}
	}

	pos := 3
	val, errMsg := readLengthPrefixed(line, &pos, "val")
	if errMsg != "" {
		return VersionedValue{}
	}
	if !consumeSpace(line, &pos) {
		return VersionedValue{}
	}
	ts, ok := parseU64(line, &pos)
	if !ok {
		return VersionedValue{}
	}
	if !consumeSpace(line, &pos) {
		return VersionedValue{}
	}
	node, ok := parseU32(line, &pos)
	if !ok || pos != len(line) {
		return VersionedValue{}
	}
	return VersionedValue{Found: true, Value: val, TimestampMS: ts, NodeID: node}
}

// SerializeCommand renders a command back to its wire line without the
// trailing newline; TryParse of the line plus '\n' yields the command.
func SerializeCommand(cmd Command) string {
	switch cmd.Type {
	case CmdPing:
		return "PING"
	case CmdGet, CmdDel, CmdRGet:
		return cmd.Type.String() + " " + strconv.Itoa(len(cmd.Key)) + " " + cmd.Key
	case CmdSet:
		return "SET " + strconv.Itoa(len(cmd.Key)) + " " + cmd.Key + " " +
			strconv.Itoa(len(cmd.Value)) + " " + string(cmd.Value)
	case CmdRSet:
		return "RSET " + strconv.Itoa(len(cmd.Key)) + " " + cmd.Key + " " +
			strconv.Itoa(len(cmd.Value)) + " " + string(cmd.Value) + " " +
			strconv.FormatUint(cmd.TimestampMS, 10) + " " +
			strconv.FormatUint(uint64(cmd.NodeID), 10)
	case CmdRDel:
		return "RDEL " + strconv.Itoa(len(cmd.Key)) + " " + cmd.Key + " " +
			strconv.FormatUint(cmd.TimestampMS, 10) + " " +
			strconv.FormatUint(uint64(cmd.NodeID), 10)
	case CmdFwd:
		return "FWD " + strconv.FormatUint(uint64(cmd.HopsRemaining), 10) + " " + cmd.InnerLine
	}
	return ""
}
