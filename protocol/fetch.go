package protocol

import (
	"errors"
	"time"

	log "github.com/vonnegut/vonnegut/logging"
	"github.com/vonnegut/vonnegut/serde"
	"github.com/vonnegut/vonnegut/storage"
	"github.com/vonnegut/vonnegut/types"
)

// maxFetchWait caps how long an empty fetch is delayed before replying.
const maxFetchWait = 300 * time.Millisecond

// FetchRequest represents the details of a FetchRequest.
type FetchRequest struct {
	ReplicaID int32 // ignored; replica fetching is not part of this engine
	MaxWaitMs int32
	MinBytes  int32
	Topics    []FetchRequestTopic
}

// FetchRequestTopic represents the topic-level data in a FetchRequest.
type FetchRequestTopic struct {
	Name       string
	Partitions []FetchRequestPartitionData
}

// FetchRequestPartitionData represents the partition-level data in a FetchRequest.
type FetchRequestPartitionData struct {
	PartitionIndex int32
	FetchOffset    int64
	MaxBytes       int32
}

// FetchResponse represents the response to a fetch request.
type FetchResponse struct {
	Responses []FetchTopicResponse
}

// FetchTopicResponse represents the response for a topic in a fetch request.
type FetchTopicResponse struct {
	TopicName  string
	Partitions []FetchPartitionResponse
}

// FetchPartitionResponse represents the response for a partition in a fetch
// request. HighWaterMark is the next offset the partition will assign.
type FetchPartitionResponse struct {
	PartitionIndex int32
	ErrorCode      int16
	HighWaterMark  int64
	RecordSet      []byte
}

// Encode writes the request body.
func (r *FetchRequest) Encode(e *serde.Encoder) {
	e.PutInt32(r.ReplicaID)
	e.PutInt32(r.MaxWaitMs)
	e.PutInt32(r.MinBytes)
	e.PutArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		e.PutString(t.Name)
		e.PutArrayLen(len(t.Partitions))
		for _, p := range t.Partitions {
			e.PutInt32(p.PartitionIndex)
			e.PutInt64(p.FetchOffset)
			e.PutInt32(p.MaxBytes)
		}
	}
}

// DecodeFetchRequest decodes a request body.
func DecodeFetchRequest(d *serde.Decoder) (*FetchRequest, error) {
	r := &FetchRequest{
		ReplicaID: d.Int32(),
		MaxWaitMs: d.Int32(),
		MinBytes:  d.Int32(),
	}
	nbTopics := d.ArrayLen()
	for i := 0; i < nbTopics && d.Err() == nil; i++ {
		topic := FetchRequestTopic{Name: d.String()}
		nbPartitions := d.ArrayLen()
		for j := 0; j < nbPartitions && d.Err() == nil; j++ {
			topic.Partitions = append(topic.Partitions, FetchRequestPartitionData{
				PartitionIndex: d.Int32(),
				FetchOffset:    d.Int64(),
				MaxBytes:       d.Int32(),
			})
		}
		r.Topics = append(r.Topics, topic)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// Encode writes the response body.
func (r *FetchResponse) Encode(e *serde.Encoder) {
	e.PutArrayLen(len(r.Responses))
	for _, t := range r.Responses {
		e.PutString(t.TopicName)
		e.PutArrayLen(len(t.Partitions))
		for _, p := range t.Partitions {
			e.PutInt32(p.PartitionIndex)
			e.PutInt16(p.ErrorCode)
			e.PutInt64(p.HighWaterMark)
			recordSet := p.RecordSet
			if recordSet == nil {
				// an empty fetch result is 0 bytes, not a null record set
				recordSet = []byte{}
			}
			e.PutBytes(recordSet)
		}
	}
}

// DecodeFetchResponse decodes a response body.
func DecodeFetchResponse(d *serde.Decoder) (*FetchResponse, error) {
	r := &FetchResponse{}
	nbTopics := d.ArrayLen()
	for i := 0; i < nbTopics && d.Err() == nil; i++ {
		topic := FetchTopicResponse{TopicName: d.String()}
		nbPartitions := d.ArrayLen()
		for j := 0; j < nbPartitions && d.Err() == nil; j++ {
			topic.Partitions = append(topic.Partitions, FetchPartitionResponse{
				PartitionIndex: d.Int32(),
				ErrorCode:      d.Int16(),
				HighWaterMark:  d.Int64(),
				RecordSet:      d.Bytes(),
			})
		}
		r.Responses = append(r.Responses, topic)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Broker) getFetchResponse(req types.Request) []byte {
	decoder := serde.NewDecoder(req.Body)
	fetchRequest, err := DecodeFetchRequest(&decoder)
	if err != nil {
		log.Warn("corrupt fetch request from %v: %v", req.ConnectionAddress, err)
		return encodeResponse(req.CorrelationID, &FetchResponse{})
	}
	log.Debug("fetchRequest %+v", fetchRequest)

	numTotalRecordBytes := 0
	response := FetchResponse{}
	for _, tp := range fetchRequest.Topics {
		fetchTopicResponse := FetchTopicResponse{TopicName: tp.Name}
		for _, p := range tp.Partitions {
			partitionResponse := b.fetchFromPartition(tp.Name, p)
			numTotalRecordBytes += len(partitionResponse.RecordSet)
			fetchTopicResponse.Partitions = append(fetchTopicResponse.Partitions, partitionResponse)
		}
		response.Responses = append(response.Responses, fetchTopicResponse)
	}
	if numTotalRecordBytes == 0 && fetchRequest.MaxWaitMs > 0 {
		// no data for the whole request: delay the empty reply a bit so a
		// polling consumer does not spin. The engine never blocks a fetch
		// waiting for appends.
		wait := time.Duration(fetchRequest.MaxWaitMs) * time.Millisecond
		if wait > maxFetchWait {
			wait = maxFetchWait
		}
		time.Sleep(wait)
	}
	return encodeResponse(req.CorrelationID, &response)
}

func (b *Broker) fetchFromPartition(topic string, p FetchRequestPartitionData) FetchPartitionResponse {
	partitionResponse := FetchPartitionResponse{PartitionIndex: p.PartitionIndex}
	assignment, exists := b.FSM.GetPartition(topic, uint32(p.PartitionIndex))
	if !exists {
		partitionResponse.ErrorCode = ErrUnknownTopicOrPartition.Code
		return partitionResponse
	}
	if assignment.LeaderID != b.FSM.NodeID {
		partitionResponse.ErrorCode = ErrNotLeaderForPartition.Code
		return partitionResponse
	}
	partition := storage.GetPartition(topic, uint32(p.PartitionIndex))
	if partition == nil {
		partitionResponse.ErrorCode = ErrUnknownTopicOrPartition.Code
		return partitionResponse
	}
	partitionResponse.HighWaterMark = partition.HighWaterMark()
	recordSet, err := partition.Fetch(p.FetchOffset, p.MaxBytes)
	switch {
	case errors.Is(err, storage.ErrOffsetOutOfRange):
		partitionResponse.ErrorCode = ErrOffsetOutOfRange.Code
	case err != nil:
		log.Error("fetch from %v-%v at %v failed: %v", topic, p.PartitionIndex, p.FetchOffset, err)
		partitionResponse.ErrorCode = ErrUnknownServerError.Code
	default:
		partitionResponse.RecordSet = recordSet
	}
	return partitionResponse
}
