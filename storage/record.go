package storage

import (
	"fmt"

	"github.com/vonnegut/vonnegut/serde"
)

// RecordHeaderSize is the framing overhead of one record: an int64 offset
// followed by an int32 payload size, both big-endian.
const RecordHeaderSize = 12

// BatchSize returns the encoded byte size of a batch of payloads.
func BatchSize(payloads [][]byte) int {
	size := 0
	for _, p := range payloads {
		size += RecordHeaderSize + len(p)
	}
	return size
}

// EncodeBatch frames payloads as a record set, assigning offsets
// firstOffset, firstOffset+1, ...
func EncodeBatch(firstOffset int64, payloads [][]byte) []byte {
	b := make([]byte, BatchSize(payloads))
	pos := 0
	for i, p := range payloads {
		serde.Encoding.PutUint64(b[pos:], uint64(firstOffset+int64(i)))
		serde.Encoding.PutUint32(b[pos+8:], uint32(len(p)))
		copy(b[pos+RecordHeaderSize:], p)
		pos += RecordHeaderSize + len(p)
	}
	return b
}

// DecodeBatch splits a framed record set into its payloads. Offsets carried
// by the frames are discarded: the engine reassigns offsets on append.
func DecodeBatch(recordSet []byte) ([][]byte, error) {
	var payloads [][]byte
	pos := 0
	for pos < len(recordSet) {
		if pos+RecordHeaderSize > len(recordSet) {
			return nil, fmt.Errorf("record set truncated inside a header at byte %d", pos)
		}
		size := int(int32(serde.Encoding.Uint32(recordSet[pos+8:])))
		if size < 0 || pos+RecordHeaderSize+size > len(recordSet) {
			return nil, fmt.Errorf("record set truncated inside a payload at byte %d", pos)
		}
		payloads = append(payloads, recordSet[pos+RecordHeaderSize:pos+RecordHeaderSize+size])
		pos += RecordHeaderSize + size
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("empty record set")
	}
	return payloads, nil
}

// recordHeader is a decoded record framing header.
type recordHeader struct {
	offset int64
	size   int32
}

func parseRecordHeader(b []byte) recordHeader {
	return recordHeader{
		offset: int64(serde.Encoding.Uint64(b)),
		size:   int32(serde.Encoding.Uint32(b[8:])),
	}
}
