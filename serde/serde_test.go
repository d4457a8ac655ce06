package serde

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.PutInt8(-8)
	e.PutInt16(-300)
	e.PutInt32(1 << 30)
	e.PutInt64(-1)
	e.PutString("hello")
	e.PutNullString()
	e.PutBytes([]byte{1, 2, 3})
	e.PutBytes(nil)
	e.PutArrayLen(2)

	d := NewDecoder(e.Bytes())
	assert.Equal(t, int8(-8), d.Int8())
	assert.Equal(t, int16(-300), d.Int16())
	assert.Equal(t, int32(1<<30), d.Int32())
	assert.Equal(t, int64(-1), d.Int64())
	assert.Equal(t, "hello", d.String())
	assert.Equal(t, "", d.String())
	assert.Equal(t, []byte{1, 2, 3}, d.Bytes())
	assert.Nil(t, d.Bytes())
	assert.Equal(t, 2, d.ArrayLen())
	require.NoError(t, d.Err())
	assert.Equal(t, 0, d.Remaining())
}

func TestDecoderPoisonsOnShortBuffer(t *testing.T) {
	d := NewDecoder([]byte{0x00})
	_ = d.Int32()
	assert.ErrorIs(t, d.Err(), ErrShortBuffer)
	// subsequent reads stay poisoned instead of panicking
	_ = d.Int64()
	_ = d.String()
	assert.ErrorIs(t, d.Err(), ErrShortBuffer)
}

func TestDecoderRejectsStringPastEnd(t *testing.T) {
	e := NewEncoder()
	e.PutInt16(100) // claims 100 bytes that are not there
	d := NewDecoder(e.Bytes())
	assert.Equal(t, "", d.String())
	assert.ErrorIs(t, d.Err(), ErrShortBuffer)
}

func TestSplitFrameIncremental(t *testing.T) {
	e := NewEncoder()
	e.PutInt64(7)
	e.PutLen()
	frame := e.Bytes()

	// fewer than 4 bytes: need the size prefix
	_, _, need := SplitFrame(frame[:2])
	assert.Equal(t, FrameSize, need)

	// size known but payload incomplete: need 4+size
	_, rest, need := SplitFrame(frame[:6])
	assert.Equal(t, FrameSize+8, need)
	assert.Equal(t, frame[:6], rest)

	// complete frame plus trailing bytes of the next one
	buf := append(append([]byte{}, frame...), 0xAA, 0xBB)
	payload, rest, need := SplitFrame(buf)
	assert.Equal(t, 0, need)
	assert.Equal(t, frame[FrameSize:], payload)
	assert.Equal(t, []byte{0xAA, 0xBB}, rest)
}

func TestParseHeaderRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.PutInt16(1)   // api key
	e.PutInt16(0)   // api version
	e.PutInt32(123) // correlation id
	e.PutString("test-client")
	e.PutInt32(99) // body

	req, err := ParseHeader(e.Bytes(), "127.0.0.1:1234")
	require.NoError(t, err)
	assert.Equal(t, int16(1), req.APIKey)
	assert.Equal(t, int16(0), req.APIVersion)
	assert.Equal(t, int32(123), req.CorrelationID)
	assert.Equal(t, "test-client", req.ClientID)
	assert.Equal(t, "127.0.0.1:1234", req.ConnectionAddress)

	d := NewDecoder(req.Body)
	assert.Equal(t, int32(99), d.Int32())
	require.NoError(t, d.Err())
}

func TestParseHeaderRejectsTruncated(t *testing.T) {
	_, err := ParseHeader([]byte{0x00, 0x01}, "")
	assert.Error(t, err)
}

func TestPutLenFramesBuffer(t *testing.T) {
	e := NewEncoder()
	e.PutInt32(42)
	e.PutLen()
	b := e.Bytes()
	require.Len(t, b, 8)
	assert.Equal(t, uint32(4), Encoding.Uint32(b))
}
