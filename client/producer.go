package client

import (
	"fmt"

	"github.com/vonnegut/vonnegut/compress"
	"github.com/vonnegut/vonnegut/protocol"
	"github.com/vonnegut/vonnegut/storage"
)

// Producer appends record batches to one broker. When a compression codec
// is set, each payload is stored as a one-byte codec prefix followed by the
// compressed bytes; consumers created with compressed payloads enabled
// reverse this.
type Producer struct {
	Client      *Client
	Compression compress.CompressionType
	Acks        int16
	TimeoutMs   int32
}

// NewProducer returns a producer over an established client connection.
func NewProducer(c *Client) *Producer {
	return &Producer{Client: c, Acks: 1, TimeoutMs: 5000}
}

// Produce appends payloads to (topic, partition) and returns the offset the
// engine assigned to the first record.
func (p *Producer) Produce(topic string, partition int32, payloads [][]byte) (int64, error) {
	if len(payloads) == 0 {
		return 0, fmt.Errorf("empty batch")
	}
	framed := payloads
	if p.Compression != compress.NONE {
		compressor, err := compress.GetCompressor(p.Compression)
		if err != nil {
			return 0, err
		}
		framed = make([][]byte, len(payloads))
		for i, payload := range payloads {
			compressed, err := compressor.Compress(payload)
			if err != nil {
				return 0, fmt.Errorf("compressing record %d: %w", i, err)
			}
			framed[i] = append([]byte{byte(p.Compression)}, compressed...)
		}
	}

	// the engine reassigns offsets on append, so zeros are fine here
	recordSet := storage.EncodeBatch(0, framed)
	req := protocol.ProduceRequest{
		Acks:      p.Acks,
		TimeoutMs: p.TimeoutMs,
		TopicData: []protocol.ProduceRequestTopicData{{
			Name: topic,
			PartitionData: []protocol.ProduceRequestPartitionData{{
				Index:     partition,
				RecordSet: recordSet,
			}},
		}},
	}

	d, err := p.Client.roundTrip(protocol.ProduceKey, req.Encode)
	if err != nil {
		return 0, err
	}
	resp, err := protocol.DecodeProduceResponse(&d)
	if err != nil {
		return 0, err
	}
	for _, td := range resp.TopicData {
		if td.Name != topic {
			continue
		}
		for _, pd := range td.PartitionData {
			if pd.Index != partition {
				continue
			}
			if err := apiError(pd.ErrorCode); err != nil {
				return 0, err
			}
			return pd.Offset, nil
		}
	}
	return 0, fmt.Errorf("produce response is missing %v-%v", topic, partition)
}
