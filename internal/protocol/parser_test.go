package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePing(t *testing.T) {
	res := TryParse([]byte("PING\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdPing, res.Command.Type)
	assert.Equal(t, 5, res.BytesConsumed)
}

func TestParsePingWithArgsIsError(t *testing.T) {
	res := TryParse([]byte("PING extra\n"))
	require.Equal(t, ParseError, res.Status)
	assert.Equal(t, 11, res.BytesConsumed)
}

func TestParseGet(t *testing.T) {
	res := TryParse([]byte("GET 5 hello\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdGet, res.Command.Type)
	assert.Equal(t, "hello", res.Command.Key)
	assert.Equal(t, 12, res.BytesConsumed)
}

func TestParseSet(t *testing.T) {
	res := TryParse([]byte("SET 3 foo 3 bar\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdSet, res.Command.Type)
	assert.Equal(t, "foo", res.Command.Key)
	assert.Equal(t, []byte("bar"), res.Command.Value)
}

func TestParseKeyAndValueWithSpaces(t *testing.T) {
	res := TryParse([]byte("SET 7 a key x 11 hello world\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, "a key x", res.Command.Key)
	assert.Equal(t, []byte("hello world"), res.Command.Value)
}

func TestParseDel(t *testing.T) {
	res := TryParse([]byte("DEL 2 k1\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdDel, res.Command.Type)
	assert.Equal(t, "k1", res.Command.Key)
}

func TestParseIncomplete(t *testing.T) {
	res := TryParse([]byte("SET 3 foo 3 ba"))
	require.Equal(t, ParseIncomplete, res.Status)
	assert.Equal(t, 0, res.BytesConsumed)
}

func TestParseEmptyBuffer(t *testing.T) {
	res := TryParse(nil)
	assert.Equal(t, ParseIncomplete, res.Status)
}

func TestParseErrorConsumesWholeFrame(t *testing.T) {
	data := []byte("BOGUS stuff\nPING\n")
	res := TryParse(data)
	require.Equal(t, ParseError, res.Status)
	assert.Equal(t, 12, res.BytesConsumed)

	next := TryParse(data[res.BytesConsumed:])
	require.Equal(t, ParseOK, next.Status)
	assert.Equal(t, CmdPing, next.Command.Type)
}

func TestParseShortKey(t *testing.T) {
	res := TryParse([]byte("GET 10 short\n"))
	require.Equal(t, ParseError, res.Status)
	assert.Equal(t, 13, res.BytesConsumed)
}

func TestParseTrailingGarbage(t *testing.T) {
	res := TryParse([]byte("GET 3 key junk\n"))
	require.Equal(t, ParseError, res.Status)
}

func TestParseMissingLengthField(t *testing.T) {
	res := TryParse([]byte("SET key value\n"))
	require.Equal(t, ParseError, res.Status)
}

func TestParseRSet(t *testing.T) {
	res := TryParse([]byte("RSET 3 foo 6 repval 1000000 99\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdRSet, res.Command.Type)
	assert.Equal(t, "foo", res.Command.Key)
	assert.Equal(t, []byte("repval"), res.Command.Value)
	assert.Equal(t, uint64(1000000), res.Command.TimestampMS)
	assert.Equal(t, uint32(99), res.Command.NodeID)
}

func TestParseRDel(t *testing.T) {
	res := TryParse([]byte("RDEL 3 foo 123456 7\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdRDel, res.Command.Type)
	assert.Equal(t, "foo", res.Command.Key)
	assert.Equal(t, uint64(123456), res.Command.TimestampMS)
	assert.Equal(t, uint32(7), res.Command.NodeID)
}

func TestParseRGet(t *testing.T) {
	res := TryParse([]byte("RGET 3 foo\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdRGet, res.Command.Type)
	assert.Equal(t, "foo", res.Command.Key)
}

func TestParseRSetMissingVersion(t *testing.T) {
	res := TryParse([]byte("RSET 3 foo 3 bar\n"))
	require.Equal(t, ParseError, res.Status)
}

func TestParseFwd(t *testing.T) {
	res := TryParse([]byte("FWD 2 SET 3 foo 3 bar\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdFwd, res.Command.Type)
	assert.Equal(t, uint32(2), res.Command.HopsRemaining)
	assert.Equal(t, "SET 3 foo 3 bar", res.Command.InnerLine)
}

func TestParseFwdZeroHops(t *testing.T) {
	res := TryParse([]byte("FWD 0 GET 1 k\n"))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, uint32(0), res.Command.HopsRemaining)
	assert.Equal(t, "GET 1 k", res.Command.InnerLine)
}

func TestParseConsumesExactlyOneFrame(t *testing.T) {
	data := []byte("GET 1 a\nGET 1 b\n")
	first := TryParse(data)
	require.Equal(t, ParseOK, first.Status)
	assert.Equal(t, "a", first.Command.Key)
	assert.Equal(t, 8, first.BytesConsumed)

	second := TryParse(data[first.BytesConsumed:])
	require.Equal(t, ParseOK, second.Status)
	assert.Equal(t, "b", second.Command.Key)
}

func TestParseRoundTrip(t *testing.T) {
	cmds := []Command{
		{Type: CmdPing},
		{Type: CmdGet, Key: "k"},
		{Type: CmdDel, Key: "some key"},
		{Type: CmdSet, Key: "k", Value: []byte("v v v")},
		{Type: CmdRGet, Key: "k"},
		{Type: CmdRSet, Key: "k", Value: []byte("v"), TimestampMS: 42, NodeID: 3},
		{Type: CmdRDel, Key: "k", TimestampMS: 42, NodeID: 3},
	}
	for _, cmd := range cmds {
		line := SerializeCommand(cmd)
		res := TryParse([]byte(line + "\n"))
		require.Equal(t, ParseOK, res.Status, "line %q", line)
		assert.Equal(t, cmd.Type, res.Command.Type)
		assert.Equal(t, cmd.Key, res.Command.Key)
		assert.Equal(t, len(line)+1, res.BytesConsumed)
	}
}

func TestParseBinaryValueBytes(t *testing.T) {
	val := []byte{0x00, 0x01, 0xFF, ' ', 0x7F}
	frame := append([]byte("SET 1 k 5 "), val...)
	frame = append(frame, '\n')

	res := TryParse(frame)
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, val, res.Command.Value)
}
