package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonnegut/vonnegut/serde"
)

func TestProduceRequestRoundTrip(t *testing.T) {
	req := &ProduceRequest{
		Acks:      1,
		TimeoutMs: 5000,
		TopicData: []ProduceRequestTopicData{{
			Name: "orders",
			PartitionData: []ProduceRequestPartitionData{
				{Index: 0, RecordSet: []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 'x'}},
				{Index: 3, RecordSet: []byte{9, 9}},
			},
		}},
	}
	e := serde.NewEncoder()
	req.Encode(&e)
	d := serde.NewDecoder(e.Bytes())
	decoded, err := DecodeProduceRequest(&d)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestProduceResponseRoundTrip(t *testing.T) {
	resp := &ProduceResponse{
		TopicData: []ProduceResponseTopicData{{
			Name: "orders",
			PartitionData: []ProduceResponsePartitionData{
				{Index: 0, ErrorCode: 0, Offset: 42},
				{Index: 1, ErrorCode: ErrNotLeaderForPartition.Code, Offset: -1},
			},
		}},
	}
	e := serde.NewEncoder()
	resp.Encode(&e)
	d := serde.NewDecoder(e.Bytes())
	decoded, err := DecodeProduceResponse(&d)
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestFetchRequestRoundTrip(t *testing.T) {
	req := &FetchRequest{
		ReplicaID: -1,
		MaxWaitMs: 100,
		MinBytes:  1,
		Topics: []FetchRequestTopic{{
			Name: "orders",
			Partitions: []FetchRequestPartitionData{
				{PartitionIndex: 0, FetchOffset: 7, MaxBytes: 1 << 20},
			},
		}},
	}
	e := serde.NewEncoder()
	req.Encode(&e)
	d := serde.NewDecoder(e.Bytes())
	decoded, err := DecodeFetchRequest(&d)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestFetchResponseRoundTrip(t *testing.T) {
	resp := &FetchResponse{
		Responses: []FetchTopicResponse{{
			TopicName: "orders",
			Partitions: []FetchPartitionResponse{
				{PartitionIndex: 0, HighWaterMark: 10, RecordSet: []byte{1, 2, 3}},
				{PartitionIndex: 1, ErrorCode: ErrOffsetOutOfRange.Code, HighWaterMark: 10},
			},
		}},
	}
	e := serde.NewEncoder()
	resp.Encode(&e)
	d := serde.NewDecoder(e.Bytes())
	decoded, err := DecodeFetchResponse(&d)
	require.NoError(t, err)

	assert.Equal(t, []byte{1, 2, 3}, decoded.Responses[0].Partitions[0].RecordSet)
	// an empty record set travels as 0 bytes, never null
	assert.Equal(t, []byte{}, decoded.Responses[0].Partitions[1].RecordSet)
	assert.Equal(t, ErrOffsetOutOfRange.Code, decoded.Responses[0].Partitions[1].ErrorCode)
}

func TestMetadataRoundTrip(t *testing.T) {
	req := &MetadataRequest{Topics: []string{"a", "b"}}
	e := serde.NewEncoder()
	req.Encode(&e)
	d := serde.NewDecoder(e.Bytes())
	decodedReq, err := DecodeMetadataRequest(&d)
	require.NoError(t, err)
	assert.Equal(t, req, decodedReq)

	resp := &MetadataResponse{
		Brokers:      []MetadataResponseBroker{{NodeID: 1, Host: "localhost", Port: 5555}},
		ControllerID: 1,
		Topics: []MetadataResponseTopic{{
			Name: "a",
			Partitions: []MetadataResponsePartition{
				{PartitionIndex: 0, Leader: 1, Replicas: []int32{1}},
			},
		}},
	}
	e = serde.NewEncoder()
	resp.Encode(&e)
	d = serde.NewDecoder(e.Bytes())
	decodedResp, err := DecodeMetadataResponse(&d)
	require.NoError(t, err)
	assert.Equal(t, resp, decodedResp)
}

func TestTopicsRoundTrip(t *testing.T) {
	resp := &TopicsResponse{
		Topics: []TopicsResponseTopic{{
			Name:  "orders",
			Chain: []TopicsResponseNode{{NodeID: 1, Host: "localhost", Port: 5555}},
		}},
	}
	e := serde.NewEncoder()
	resp.Encode(&e)
	d := serde.NewDecoder(e.Bytes())
	decoded, err := DecodeTopicsResponse(&d)
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	req := &ProduceRequest{
		Acks: 1,
		TopicData: []ProduceRequestTopicData{{
			Name:          "orders",
			PartitionData: []ProduceRequestPartitionData{{Index: 0, RecordSet: []byte{1, 2, 3, 4}}},
		}},
	}
	e := serde.NewEncoder()
	req.Encode(&e)
	full := e.Bytes()

	d := serde.NewDecoder(full[:len(full)-3])
	_, err := DecodeProduceRequest(&d)
	assert.Error(t, err)
}
