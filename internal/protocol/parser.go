package protocol

import (
	"bytes"
)

// Streaming line-framed parser. One frame is everything up to and
// including the next '\n'. Integer fields are ASCII unsigned decimals;
// byte strings are length-prefixed so keys and values may contain
// spaces and arbitrary bytes except '\n'.

func consumeSpace(frame []byte, pos *int) bool {
	if *pos >= len(frame) || frame[*pos] != ' ' {
		return false
	}
	*pos++
	return true
}

func parseU64(frame []byte, pos *int) (uint64, bool) {
	start := *pos
	var v uint64
	for *pos < len(frame) && frame[*pos] >= '0' && frame[*pos] <= '9' {
		v = v*10 + uint64(frame[*pos]-'0')
		*pos++
	}
	if *pos == start {
		return 0, false
	}
	return v, true
}

func parseU32(frame []byte, pos *int) (uint32, bool) {
	v, ok := parseU64(frame, pos)
	if !ok || v > 0xFFFFFFFF {
		return 0, false
	}
	return uint32(v), true
}

func readBytes(frame []byte, pos *int, count int) ([]byte, bool) {
	if *pos+count > len(frame) {
		return nil, false
	}
	out := make([]byte, count)
	copy(out, frame[*pos:*pos+count])
	*pos += count
	return out, true
}

// readLengthPrefixed parses "<len> <bytes>" starting at pos.
func readLengthPrefixed(frame []byte, pos *int, what string) ([]byte, string) {
	n, ok := parseU32(frame, pos)
	if !ok {
		return nil, "invalid " + what + "_len"
	}
	if !consumeSpace(frame, pos) {
		return nil, "expected space after " + what + "_len"
	}
	b, ok := readBytes(frame, pos, int(n))
	if !ok {
		return nil, what + " shorter than " + what + "_len"
	}
	return b, ""
}

// TryParse attempts to parse a single command frame from data.
// Residual bytes past the first frame are left for the next call.
func TryParse(data []byte) ParseResult {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return ParseResult{Status: ParseIncomplete}
	}

	frame := data[:nl]
	total := nl + 1

	fail := func(msg string) ParseResult {
		return ParseResult{Status: ParseError, BytesConsumed: total, ErrMsg: msg}
	}
	ok := func(cmd Command) ParseResult {
		return ParseResult{Status: ParseOK, Command: cmd, BytesConsumed: total}
	}

	cmdEnd := 0
	for cmdEnd < len(frame) && frame[cmdEnd] != ' ' {
		cmdEnd++
	}
	word := string(frame[:cmdEnd])
	pos := cmdEnd

	switch word {
	case "PING":
		if pos != len(frame) {
			return fail("PING takes no arguments")
		}
		return ok(Command{Type: CmdPing})

	case "GET", "DEL", "RGET":
		var t CommandType
		switch word {
		case "GET":
			t = CmdGet
		case "DEL":
			t = CmdDel
		default:
			t = CmdRGet
		}
		if !consumeSpace(frame, &pos) {
			return fail("expected space after command")
		}
		key, errMsg := readLengthPrefixed(frame, &pos, "key")
		if errMsg != "" {
			return fail(errMsg)
		}
		if pos != len(frame) {
			return fail("trailing data after key")
		}
		return ok(Command{Type: t, Key: string(key)})

	case "SET":
		if !consumeSpace(frame, &pos) {
			return fail("expected space after SET")
		}
		key, errMsg := readLengthPrefixed(frame, &pos, "key")
		if errMsg != "" {
			return fail(errMsg)
		}
		if !consumeSpace(frame, &pos) {
			return fail("expected space after key")
		}
		val, errMsg := readLengthPrefixed(frame, &pos, "val")
		if errMsg != "" {
			return fail(errMsg)
		}
		if pos != len(frame) {
			return fail("trailing data after value")
		}
		return ok(Command{Type: CmdSet, Key: string(key), Value: val})

	case "RSET":
		if !consumeSpace(frame, &pos) {
			return fail("expected space after RSET")
		}
		key, errMsg := readLengthPrefixed(frame, &pos, "key")
		if errMsg != "" {
			return fail(errMsg)
		}
		if !consumeSpace(frame, &pos) {
			return fail("expected space after key")
		}
		val, errMsg := readLengthPrefixed(frame, &pos, "val")
		if errMsg != "" {
			return fail(errMsg)
		}
		if !consumeSpace(frame, &pos) {
			return fail("expected space after value")
		}
		ts, okTS := parseU64(frame, &pos)
		if !okTS {
			return fail("invalid timestamp")
		}
		if !consumeSpace(frame, &pos) {
			return fail("expected space after timestamp")
		}
		node, okNode := parseU32(frame, &pos)
		if !okNode {
			return fail("invalid node_id")
		}
		if pos != len(frame) {
			return fail("trailing data after node_id")
		}
		return ok(Command{Type: CmdRSet, Key: string(key), Value: val, TimestampMS: ts, NodeID: node})

	case "RDEL":
		if !consumeSpace(frame, &pos) {
			return fail("expected space after RDEL")
		}
		key, errMsg := readLengthPrefixed(frame, &pos, "key")
		if errMsg != "" {
			return fail(errMsg)
		}
		if !consumeSpace(frame, &pos) {
			return fail("expected space after key")
		}
		ts, okTS := parseU64(frame, &pos)
		if !okTS {
			return fail("invalid timestamp")
		}
		if !consumeSpace(frame, &pos) {
			return fail("expected space after timestamp")
		}
		node, okNode := parseU32(frame, &pos)
		if !okNode {
			return fail("invalid node_id")
		}
		if pos != len(frame) {
			return fail("trailing data after node_id")
		}
		return ok(Command{Type: CmdRDel, Key: string(key), TimestampMS: ts, NodeID: node})

	case "FWD":
		if !consumeSpace(frame, &pos) {
			return fail("expected space after FWD")
		}
		hops, okHops := parseU32(frame, &pos)
		if !okHops {
			return fail("invalid hops_remaining")
		}
		if !consumeSpace(frame, &pos) {
			return fail("expected space after hops_remaining")
		}
		// The remainder is an opaque inner command line without its newline.
		return ok(Command{Type: CmdFwd, HopsRemaining: hops, InnerLine: string(frame[pos:])})
	}

	return fail("unknown command")
}
