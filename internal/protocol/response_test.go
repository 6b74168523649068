package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatters(t *testing.T) {
	assert.Equal(t, "+OK\n", string(FormatOK()))
	assert.Equal(t, "+PONG\n", string(FormatPong()))
	assert.Equal(t, "-NOT_FOUND\n", string(FormatNotFound()))
	assert.Equal(t, "-ERR QUORUM_FAILED\n", string(FormatError("QUORUM_FAILED")))
	assert.Equal(t, "$5 hello\n", string(FormatValue([]byte("hello"))))
	assert.Equal(t, "$0 \n", string(FormatValue(nil)))
}

func TestFormatVersionedValue(t *testing.T) {
	line := FormatVersionedValue([]byte("repval"), 1000000, 99)
	assert.Equal(t, "$V 6 repval 1000000 99\n", string(line))
}

func TestFormatForward(t *testing.T) {
	line := FormatForward(2, "SET 3 foo 3 bar")
	assert.Equal(t, "FWD 2 SET 3 foo 3 bar\n", string(line))
}

func TestBuildReplicaFrames(t *testing.T) {
	assert.Equal(t, "RSET 3 foo 3 bar 1000 7\n", string(BuildRSet("foo", []byte("bar"), 1000, 7)))
	assert.Equal(t, "RDEL 3 foo 1000 7\n", string(BuildRDel("foo", 1000, 7)))
	assert.Equal(t, "RGET 3 foo\n", string(BuildRGet("foo")))
}

func TestBuildFramesParseBack(t *testing.T) {
	res := TryParse(BuildRSet("some key", []byte("a value"), 555, 12))
	require.Equal(t, ParseOK, res.Status)
	assert.Equal(t, CmdRSet, res.Command.Type)
	assert.Equal(t, "some key", res.Command.Key)
	assert.Equal(t, []byte("a value"), res.Command.Value)
	assert.Equal(t, uint64(555), res.Command.TimestampMS)
	assert.Equal(t, uint32(12), res.Command.NodeID)
}

func TestParseVersionedValue(t *testing.T) {
	vv := ParseVersionedValue([]byte("$V 6 repval 1000000 99\n"))
	require.True(t, vv.Found)
	assert.Equal(t, []byte("repval"), vv.Value)
	assert.Equal(t, uint64(1000000), vv.TimestampMS)
	assert.Equal(t, uint32(99), vv.NodeID)
}

func TestParseVersionedValueWithSpaces(t *testing.T) {
	vv := ParseVersionedValue(FormatVersionedValue([]byte("two words"), 5, 1))
	require.True(t, vv.Found)
	assert.Equal(t, []byte("two words"), vv.Value)
}

func TestParseVersionedValueNotFound(t *testing.T) {
	assert.False(t, ParseVersionedValue([]byte("-NOT_FOUND\n")).Found)
	assert.False(t, ParseVersionedValue([]byte("-ERR INTERNAL\n")).Found)
	assert.False(t, ParseVersionedValue([]byte("+OK\n")).Found)
	assert.False(t, ParseVersionedValue([]byte("")).Found)
}

func TestParseVersionedValueMalformed(t *testing.T) {
	assert.False(t, ParseVersionedValue([]byte("$V 99 short 1 1\n")).Found)
	assert.False(t, ParseVersionedValue([]byte("$V 3 abc\n")).Found)
	assert.False(t, ParseVersionedValue([]byte("$V 3 abc 12 3 junk\n")).Found)
}
