package protocol

import (
	log "github.com/vonnegut/vonnegut/logging"
	"github.com/vonnegut/vonnegut/serde"
	"github.com/vonnegut/vonnegut/types"
)

// MetadataRequest represents a metadata request. An empty topic list asks
// for every topic the cluster knows.
type MetadataRequest struct {
	Topics []string
}

// MetadataResponseBroker represents a broker in a metadata response.
type MetadataResponseBroker struct {
	NodeID int32
	Host   string
	Port   int32
}

// MetadataResponsePartition represents partition information in a metadata response.
type MetadataResponsePartition struct {
	ErrorCode      int16
	PartitionIndex int32
	Leader         int32
	Replicas       []int32
}

// MetadataResponseTopic represents a topic in the metadata response.
type MetadataResponseTopic struct {
	ErrorCode  int16
	Name       string
	Partitions []MetadataResponsePartition
}

// MetadataResponse represents a metadata response with brokers and topics.
type MetadataResponse struct {
	Brokers      []MetadataResponseBroker
	ControllerID int32
	Topics       []MetadataResponseTopic
}

// Encode writes the request body.
func (r *MetadataRequest) Encode(e *serde.Encoder) {
	e.PutArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		e.PutString(t)
	}
}

// DecodeMetadataRequest decodes a request body.
func DecodeMetadataRequest(d *serde.Decoder) (*MetadataRequest, error) {
	r := &MetadataRequest{}
	nbTopics := d.ArrayLen()
	for i := 0; i < nbTopics && d.Err() == nil; i++ {
		r.Topics = append(r.Topics, d.String())
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

// Encode writes the response body.
func (r *MetadataResponse) Encode(e *serde.Encoder) {
	e.PutArrayLen(len(r.Brokers))
	for _, b := range r.Brokers {
		e.PutInt32(b.NodeID)
		e.PutString(b.Host)
		e.PutInt32(b.Port)
	}
	e.PutInt32(r.ControllerID)
	e.PutArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		e.PutInt16(t.ErrorCode)
		e.PutString(t.Name)
		e.PutArrayLen(len(t.Partitions))
		for _, p := range t.Partitions {
			e.PutInt16(p.ErrorCode)
			e.PutInt32(p.PartitionIndex)
			e.PutInt32(p.Leader)
			e.PutArrayLen(len(p.Replicas))
			for _, replica := range p.Replicas {
				e.PutInt32(replica)
			}
		}
	}
}

// DecodeMetadataResponse decodes a response body.
func DecodeMetadataResponse(d *serde.Decoder) (*MetadataResponse, error) {
	r := &MetadataResponse{}
	nbBrokers := d.ArrayLen()
	for i := 0; i < nbBrokers && d.Err() == nil; i++ {
		r.Brokers = append(r.Brokers, MetadataResponseBroker{
			NodeID: d.Int32(),
			Host:   d.String(),
			Port:   d.Int32(),
		})
	}
	r.ControllerID = d.Int32()
	nbTopics := d.ArrayLen()
	for i := 0; i < nbTopics && d.Err() == nil; i++ {
		topic := MetadataResponseTopic{ErrorCode: d.Int16(), Name: d.String()}
		nbPartitions := d.ArrayLen()
		for j := 0; j < nbPartitions && d.Err() == nil; j++ {
			partition := MetadataResponsePartition{
				ErrorCode:      d.Int16(),
				PartitionIndex: d.Int32(),
				Leader:         d.Int32(),
			}
			nbReplicas := d.ArrayLen()
			for k := 0; k < nbReplicas && d.Err() == nil; k++ {
				partition.Replicas = append(partition.Replicas, d.Int32())
			}
			topic.Partitions = append(topic.Partitions, partition)
		}
		r.Topics = append(r.Topics, topic)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Broker) getMetadataResponse(req types.Request) []byte {
	decoder := serde.NewDecoder(req.Body)
	metadataRequest, err := DecodeMetadataRequest(&decoder)
	if err != nil {
		log.Warn("corrupt metadata request from %v: %v", req.ConnectionAddress, err)
		return encodeResponse(req.CorrelationID, &MetadataResponse{})
	}
	log.Debug("metadataRequest %+v", metadataRequest)

	brokers := []MetadataResponseBroker{}
	nodes, err := b.GetClusterNodes()
	if err != nil {
		log.Error("Error getting cluster nodes: %v", err)
	}
	controllerID := int32(-1)
	for _, n := range nodes {
		brokers = append(brokers, MetadataResponseBroker{
			NodeID: int32(n.NodeID),
			Host:   n.Host,
			Port:   int32(n.Port),
		})
		if n.IsController {
			controllerID = int32(n.NodeID)
		}
	}

	// an empty list asks for every known topic
	if len(metadataRequest.Topics) == 0 {
		metadataRequest.Topics = b.FSM.TopicNames()
	}

	var topics []MetadataResponseTopic
	for _, name := range metadataRequest.Topics {
		topic := MetadataResponseTopic{Name: name}
		if !b.FSM.TopicExists(name) {
			// ensure_topic: the metadata path may create missing topics,
			// but only the controller can commit the assignment
			if b.IsController() {
				if err := b.CreateTopicPartitions(name, DefaultNumPartitions); err != nil {
					log.Error("Error creating topic %v: %v", name, err)
					topic.ErrorCode = ErrUnknownServerError.Code
				}
			} else {
				topic.ErrorCode = ErrLeaderNotAvailable.Code
			}
		}
		if topic.ErrorCode == ErrNone.Code {
			fsmTopic, _ := b.FSM.GetTopic(name)
			for partitionIndex, partition := range fsmTopic.Partitions {
				replicas := make([]int32, 0, len(partition.Chain))
				for _, nodeID := range partition.Chain {
					replicas = append(replicas, int32(nodeID))
				}
				topic.Partitions = append(topic.Partitions, MetadataResponsePartition{
					PartitionIndex: int32(partitionIndex),
					Leader:         int32(partition.LeaderID),
					Replicas:       replicas,
				})
			}
		}
		topics = append(topics, topic)
	}

	response := MetadataResponse{
		Brokers:      brokers,
		ControllerID: controllerID,
		Topics:       topics,
	}
	log.Debug("MetadataResponse %+v", response)
	return encodeResponse(req.CorrelationID, &response)
}
