package client

import (
	"fmt"

	"github.com/vonnegut/vonnegut/compress"
	"github.com/vonnegut/vonnegut/protocol"
	"github.com/vonnegut/vonnegut/serde"
	"github.com/vonnegut/vonnegut/storage"
)

// Record is one consumed record.
type Record struct {
	Offset int64
	Value  []byte
}

// Consumer fetches record sets from one broker. Set CompressedPayloads when
// the producing side wrote codec-prefixed payloads.
type Consumer struct {
	Client             *Client
	MaxWaitMs          int32
	MinBytes           int32
	CompressedPayloads bool
}

// NewConsumer returns a consumer over an established client connection.
func NewConsumer(c *Client) *Consumer {
	return &Consumer{Client: c, MaxWaitMs: 100}
}

// Fetch returns records starting at offset, plus the partition's
// high-water mark. An empty slice with no error means caught up.
func (cs *Consumer) Fetch(topic string, partition int32, offset int64, maxBytes int32) ([]Record, int64, error) {
	req := protocol.FetchRequest{
		MaxWaitMs: cs.MaxWaitMs,
		MinBytes:  cs.MinBytes,
		Topics: []protocol.FetchRequestTopic{{
			Name: topic,
			Partitions: []protocol.FetchRequestPartitionData{{
				PartitionIndex: partition,
				FetchOffset:    offset,
				MaxBytes:       maxBytes,
			}},
		}},
	}
	d, err := cs.Client.roundTrip(protocol.FetchKey, req.Encode)
	if err != nil {
		return nil, 0, err
	}
	resp, err := protocol.DecodeFetchResponse(&d)
	if err != nil {
		return nil, 0, err
	}
	for _, td := range resp.Responses {
		if td.TopicName != topic {
			continue
		}
		for _, pd := range td.Partitions {
			if pd.PartitionIndex != partition {
				continue
			}
			if err := apiError(pd.ErrorCode); err != nil {
				return nil, pd.HighWaterMark, err
			}
			records, err := cs.parseRecordSet(pd.RecordSet)
			return records, pd.HighWaterMark, err
		}
	}
	return nil, 0, fmt.Errorf("fetch response is missing %v-%v", topic, partition)
}

// parseRecordSet walks the framed records of a fetch response. A trailing
// partial record (the broker may cut a set short) is ignored.
func (cs *Consumer) parseRecordSet(recordSet []byte) ([]Record, error) {
	var records []Record
	pos := 0
	for pos+storage.RecordHeaderSize <= len(recordSet) {
		offset := int64(serde.Encoding.Uint64(recordSet[pos:]))
		size := int(int32(serde.Encoding.Uint32(recordSet[pos+8:])))
		if size < 0 || pos+storage.RecordHeaderSize+size > len(recordSet) {
			break
		}
		value := recordSet[pos+storage.RecordHeaderSize : pos+storage.RecordHeaderSize+size]
		if cs.CompressedPayloads {
			decoded, err := decodePayload(value)
			if err != nil {
				return nil, fmt.Errorf("record at offset %d: %w", offset, err)
			}
			value = decoded
		}
		records = append(records, Record{Offset: offset, Value: value})
		pos += storage.RecordHeaderSize + size
	}
	return records, nil
}

// decodePayload strips the codec prefix and decompresses.
func decodePayload(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("empty compressed payload")
	}
	codec := compress.CompressionType(value[0])
	if codec == compress.NONE {
		return value[1:], nil
	}
	compressor, err := compress.GetCompressor(codec)
	if err != nil {
		return nil, err
	}
	return compressor.Decompress(value[1:])
}
