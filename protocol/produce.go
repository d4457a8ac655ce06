package protocol

import (
	log "github.com/vonnegut/vonnegut/logging"
	"github.com/vonnegut/vonnegut/serde"
	"github.com/vonnegut/vonnegut/storage"
	"github.com/vonnegut/vonnegut/types"
)

// ProduceRequest represents the details of a ProduceRequest.
type ProduceRequest struct {
	Acks      int16
	TimeoutMs int32
	TopicData []ProduceRequestTopicData
}

// ProduceRequestTopicData represents the topic data in a ProduceRequest.
type ProduceRequestTopicData struct {
	Name          string
	PartitionData []ProduceRequestPartitionData
}

// ProduceRequestPartitionData represents the partition data in a
// ProduceRequest. RecordSet is a framed record sequence; any offsets it
// carries are overwritten with engine-assigned ones.
type ProduceRequestPartitionData struct {
	Index     int32
	RecordSet []byte
}

// ProduceResponse represents the response to a produce request.
type ProduceResponse struct {
	TopicData []ProduceResponseTopicData
}

// ProduceResponseTopicData represents the response for a topic in a produce request.
type ProduceResponseTopicData struct {
	Name          string
	PartitionData []ProduceResponsePartitionData
}

// ProduceResponsePartitionData carries the outcome for one partition:
// the error code and the offset assigned to the batch's first record.
type ProduceResponsePartitionData struct {
	Index     int32
	ErrorCode int16
	Offset    int64
}

// Encode writes the request body.
func (r *ProduceRequest) Encode(e *serde.Encoder) {
	e.PutInt16(r.Acks)
	e.PutInt32(r.TimeoutMs)
	e.PutArrayLen(len(r.TopicData))
	for _, td := range r.TopicData {
		e.PutString(td.Name)
		e.PutArrayLen(len(td.PartitionData))
		for _, pd := range td.PartitionData {
			e.PutInt32(pd.Index)
			e.PutBytes(pd.RecordSet)
		}
	}
}

// DecodeProduceRequest decodes a request body.
func DecodeProduceRequest(d *serde.Decoder) (*ProduceRequest, error) {
	r := &ProduceRequest{
		Acks:      d.Int16(),
		TimeoutMs: d.Int32(),
	}
	nbTopics := d.ArrayLen()
	for i := 0; i < nbTopics && d.Err() == nil; i++ {
		td := ProduceRequestTopicData{Name: d.String()}
		nbPartitions := d.ArrayLen()
		for j := 0; j < nbPartitions && d.Err() == nil; j++ {
			td.PartitionData = append(td.PartitionData, ProduceRequestPartitionData{
				Index:     d.Int32(),
				RecordSet: d.Bytes(),
			})
		}
		r.TopicData = append(r.TopicData, td)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// Encode writes the response body.
func (r *ProduceResponse) Encode(e *serde.Encoder) {
	e.PutArrayLen(len(r.TopicData))
	for _, td := range r.TopicData {
		e.PutString(td.Name)
		e.PutArrayLen(len(td.PartitionData))
		for _, pd := range td.PartitionData {
			e.PutInt32(pd.Index)
			e.PutInt16(pd.ErrorCode)
			e.PutInt64(pd.Offset)
		}
	}
}

// DecodeProduceResponse decodes a response body.
func DecodeProduceResponse(d *serde.Decoder) (*ProduceResponse, error) {
	r := &ProduceResponse{}
	nbTopics := d.ArrayLen()
	for i := 0; i < nbTopics && d.Err() == nil; i++ {
		td := ProduceResponseTopicData{Name: d.String()}
		nbPartitions := d.ArrayLen()
		for j := 0; j < nbPartitions && d.Err() == nil; j++ {
			td.PartitionData = append(td.PartitionData, ProduceResponsePartitionData{
				Index:     d.Int32(),
				ErrorCode: d.Int16(),
				Offset:    d.Int64(),
			})
		}
		r.TopicData = append(r.TopicData, td)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Broker) getProduceResponse(req types.Request) []byte {
	decoder := serde.NewDecoder(req.Body)
	produceRequest, err := DecodeProduceRequest(&decoder)
	if err != nil {
		log.Warn("corrupt produce request from %v: %v", req.ConnectionAddress, err)
		return encodeResponse(req.CorrelationID, &ProduceResponse{})
	}
	log.Debug("ProduceRequest %+v", produceRequest)

	response := ProduceResponse{}
	for _, td := range produceRequest.TopicData {
		topicResponse := ProduceResponseTopicData{Name: td.Name}
		for _, pd := range td.PartitionData {
			partitionResponse := ProduceResponsePartitionData{Index: pd.Index}
			partitionResponse.ErrorCode, partitionResponse.Offset = b.appendToPartition(td.Name, pd)
			topicResponse.PartitionData = append(topicResponse.PartitionData, partitionResponse)
		}
		response.TopicData = append(response.TopicData, topicResponse)
	}
	return encodeResponse(req.CorrelationID, &response)
}

// appendToPartition routes one partition's record set to the owning writer
// and returns the per-partition error code and first assigned offset.
func (b *Broker) appendToPartition(topic string, pd ProduceRequestPartitionData) (int16, int64) {
	assignment, exists := b.FSM.GetPartition(topic, uint32(pd.Index))
	if !exists {
		return ErrUnknownTopicOrPartition.Code, -1
	}
	if assignment.LeaderID != b.FSM.NodeID {
		return ErrNotLeaderForPartition.Code, -1
	}
	partition := storage.GetPartition(topic, uint32(pd.Index))
	if partition == nil {
		return ErrUnknownTopicOrPartition.Code, -1
	}
	payloads, err := storage.DecodeBatch(pd.RecordSet)
	if err != nil {
		log.Warn("corrupt record set for %v-%v: %v", topic, pd.Index, err)
		return ErrCorruptMessage.Code, -1
	}
	firstOffset, _, err := partition.Append(payloads)
	if err != nil {
		log.Error("append to %v-%v failed: %v", topic, pd.Index, err)
		return ErrUnknownServerError.Code, -1
	}
	return ErrNone.Code, firstOffset
}
