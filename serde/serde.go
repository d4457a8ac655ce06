package serde

import (
	"encoding/binary"
	"errors"
	"slices"

	"github.com/vonnegut/vonnegut/types"
)

// Encoding is Big Endian as per the protocol
var Encoding = binary.BigEndian

// ErrShortBuffer is reported by a Decoder asked to read past the end of its
// buffer, which means the frame was corrupt or truncated.
var ErrShortBuffer = errors.New("decode past end of buffer")

// BufferIncrement is the size of the increment when the buffer limit is reached
const BufferIncrement = 16384 * 4

// Encoder is a byte slice with an offset
type Encoder struct {
	b      []byte
	offset int
}

// NewEncoder creates a new Encoder with an initial buffer
func NewEncoder() Encoder {
	return Encoder{b: make([]byte, BufferIncrement)}
}

// ensureBufferSpace ensures the buffer has enough space to accommodate the new data
func (e *Encoder) ensureBufferSpace(off int) {
	for off+e.offset > len(e.b) {
		newBuffer := make([]byte, len(e.b)+BufferIncrement)
		copy(newBuffer, e.b)
		e.b = newBuffer
	}
}

// PutInt8 encodes an int8 into the buffer
func (e *Encoder) PutInt8(i int8) {
	e.ensureBufferSpace(1)
	e.b[e.offset] = byte(i)
	e.offset++
}

// PutInt16 encodes an int16 into the buffer
func (e *Encoder) PutInt16(i int16) {
	e.ensureBufferSpace(2)
	Encoding.PutUint16(e.b[e.offset:], uint16(i))
	e.offset += 2
}

// PutInt32 encodes an int32 into the buffer
func (e *Encoder) PutInt32(i int32) {
	e.ensureBufferSpace(4)
	Encoding.PutUint32(e.b[e.offset:], uint32(i))
	e.offset += 4
}

// PutInt64 encodes an int64 into the buffer
func (e *Encoder) PutInt64(i int64) {
	e.ensureBufferSpace(8)
	Encoding.PutUint64(e.b[e.offset:], uint64(i))
	e.offset += 8
}

// PutString encodes a string16: an int16 length followed by the content
func (e *Encoder) PutString(s string) {
	e.ensureBufferSpace(2 + len(s))
	e.PutInt16(int16(len(s)))
	copy(e.b[e.offset:], s)
	e.offset += len(s)
}

// PutNullString encodes a null string16 (length -1)
func (e *Encoder) PutNullString() {
	e.PutInt16(-1)
}

// PutBytes encodes a byte slice: an int32 length followed by the content.
// A nil slice is encoded as null (length -1).
func (e *Encoder) PutBytes(b []byte) {
	if b == nil {
		e.PutInt32(-1)
		return
	}
	e.ensureBufferSpace(4 + len(b))
	e.PutInt32(int32(len(b)))
	copy(e.b[e.offset:], b)
	e.offset += len(b)
}

// PutRawBytes copies bytes into the buffer with no length prefix
func (e *Encoder) PutRawBytes(b []byte) {
	e.ensureBufferSpace(len(b))
	copy(e.b[e.offset:], b)
	e.offset += len(b)
}

// PutArrayLen encodes the element count of an array
func (e *Encoder) PutArrayLen(l int) {
	e.PutInt32(int32(l))
}

// PutLen prefixes the buffer with its total length, turning it into a frame
func (e *Encoder) PutLen() {
	lengthBytes := Encoding.AppendUint32([]byte{}, uint32(e.offset))
	e.b = slices.Insert(e.b, 0, lengthBytes...)
	e.offset += len(lengthBytes)
}

// Bytes returns the encoded data as a byte slice
func (e *Encoder) Bytes() []byte {
	return e.b[:e.offset]
}

// FrameSize is the byte length of the frame size prefix.
const FrameSize = 4

// SplitFrame splits buf into the first complete frame payload and the bytes
// that follow it. When buf does not yet hold a complete frame it returns
// (nil, buf, need) where need is the total number of buffered bytes required
// before the split can succeed: FrameSize when even the size prefix is
// incomplete, FrameSize+size afterwards.
func SplitFrame(buf []byte) (payload []byte, rest []byte, need int) {
	if len(buf) < FrameSize {
		return nil, buf, FrameSize
	}
	size := int(int32(Encoding.Uint32(buf)))
	if size < 0 {
		// negative size is unrecoverable; report it as a negative need
		return nil, buf, -1
	}
	if len(buf) < FrameSize+size {
		return nil, buf, FrameSize + size
	}
	return buf[FrameSize : FrameSize+size], buf[FrameSize+size:], 0
}

// ParseHeader decodes the request header of a frame payload. The returned
// Request's Body holds the api-specific remainder.
func ParseHeader(payload []byte, connAddr string) (types.Request, error) {
	d := NewDecoder(payload)
	req := types.Request{
		Length:            int32(len(payload)),
		APIKey:            d.Int16(),
		APIVersion:        d.Int16(),
		CorrelationID:     d.Int32(),
		ClientID:          d.String(),
		ConnectionAddress: connAddr,
	}
	if err := d.Err(); err != nil {
		return types.Request{}, err
	}
	req.Body = payload[d.Offset:]
	return req, nil
}

// Decoder is a byte slice and offset. The first out-of-bounds read poisons
// the decoder; callers check Err once after decoding a structure.
type Decoder struct {
	b      []byte
	Offset int
	err    error
}

// NewDecoder creates a new Decoder from a byte slice
func NewDecoder(b []byte) Decoder {
	return Decoder{b: b}
}

// Err returns the first decoding error encountered
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) require(n int) bool {
	if d.err != nil {
		return false
	}
	if d.Offset+n > len(d.b) {
		d.err = ErrShortBuffer
		return false
	}
	return true
}

// Int8 decodes an int8 from the buffer
func (d *Decoder) Int8() int8 {
	if !d.require(1) {
		return 0
	}
	res := int8(d.b[d.Offset])
	d.Offset++
	return res
}

// Int16 decodes an int16 from the buffer
func (d *Decoder) Int16() int16 {
	if !d.require(2) {
		return 0
	}
	res := int16(Encoding.Uint16(d.b[d.Offset:]))
	d.Offset += 2
	return res
}

// Int32 decodes an int32 from the buffer
func (d *Decoder) Int32() int32 {
	if !d.require(4) {
		return 0
	}
	res := int32(Encoding.Uint32(d.b[d.Offset:]))
	d.Offset += 4
	return res
}

// Int64 decodes an int64 from the buffer
func (d *Decoder) Int64() int64 {
	if !d.require(8) {
		return 0
	}
	res := int64(Encoding.Uint64(d.b[d.Offset:]))
	d.Offset += 8
	return res
}

// String decodes a string16. A negative length denotes null and decodes to ""
func (d *Decoder) String() string {
	strLen := int(d.Int16())
	if strLen < 0 {
		return ""
	}
	if !d.require(strLen) {
		return ""
	}
	res := string(d.b[d.Offset : d.Offset+strLen])
	d.Offset += strLen
	return res
}

// Bytes decodes an int32-length-prefixed byte slice. Negative length is null.
func (d *Decoder) Bytes() []byte {
	bytesLen := int(d.Int32())
	if bytesLen < 0 {
		return nil
	}
	if !d.require(bytesLen) {
		return nil
	}
	res := d.b[d.Offset : d.Offset+bytesLen]
	d.Offset += bytesLen
	return res
}

// RawBytes decodes n bytes with no length prefix
func (d *Decoder) RawBytes(n int) []byte {
	if n < 0 || !d.require(n) {
		if d.err == nil {
			d.err = ErrShortBuffer
		}
		return nil
	}
	res := d.b[d.Offset : d.Offset+n]
	d.Offset += n
	return res
}

// ArrayLen decodes an array element count
func (d *Decoder) ArrayLen() int {
	return int(d.Int32())
}

// Remaining returns the number of undecoded bytes
func (d *Decoder) Remaining() int {
	return len(d.b) - d.Offset
}
