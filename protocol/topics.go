package protocol

import (
	log "github.com/vonnegut/vonnegut/logging"
	"github.com/vonnegut/vonnegut/serde"
	"github.com/vonnegut/vonnegut/types"
)

// TopicsRequest asks for the replica chain of each named topic; an empty
// list asks for all of them.
type TopicsRequest struct {
	Topics []string
}

// TopicsResponse maps each topic to its replica chain.
type TopicsResponse struct {
	Topics []TopicsResponseTopic
}

// TopicsResponseTopic is one topic's chain, head first.
type TopicsResponseTopic struct {
	Name  string
	Chain []TopicsResponseNode
}

// TopicsResponseNode is one broker on a chain.
type TopicsResponseNode struct {
	NodeID int32
	Host   string
	Port   int32
}

// Encode writes the request body.
func (r *TopicsRequest) Encode(e *serde.Encoder) {
	e.PutArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		e.PutString(t)
	}
}

// DecodeTopicsRequest decodes a request body.
func DecodeTopicsRequest(d *serde.Decoder) (*TopicsRequest, error) {
	r := &TopicsRequest{}
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
func (r *TopicsResponse) Encode(e *serde.Encoder) {
	e.PutArrayLen(len(r.Topics))
	for _, t := range r.Topics {
		e.PutString(t.Name)
		e.PutArrayLen(len(t.Chain))
		for _, n := range t.Chain {
			e.PutInt32(n.NodeID)
			e.PutString(n.Host)
			e.PutInt32(n.Port)
		}
	}
}

// DecodeTopicsResponse decodes a response body.
func DecodeTopicsResponse(d *serde.Decoder) (*TopicsResponse, error) {
	r := &TopicsResponse{}
	nbTopics := d.ArrayLen()
	for i := 0; i < nbTopics && d.Err() == nil; i++ {
		topic := TopicsResponseTopic{Name: d.String()}
		nbNodes := d.ArrayLen()
		for j := 0; j < nbNodes && d.Err() == nil; j++ {
			topic.Chain = append(topic.Chain, TopicsResponseNode{
				NodeID: d.Int32(),
				Host:   d.String(),
				Port:   d.Int32(),
			})
		}
		r.Topics = append(r.Topics, topic)
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Broker) getTopicsResponse(req types.Request) []byte {
	decoder := serde.NewDecoder(req.Body)
	topicsRequest, err := DecodeTopicsRequest(&decoder)
	if err != nil {
		log.Warn("corrupt topics request from %v: %v", req.ConnectionAddress, err)
		return encodeResponse(req.CorrelationID, &TopicsResponse{})
	}

	if len(topicsRequest.Topics) == 0 {
		topicsRequest.Topics = b.FSM.TopicNames()
	}

	nodes, err := b.GetClusterNodes()
	if err != nil {
		log.Error("Error getting cluster nodes: %v", err)
	}
	nodeByID := make(map[uint32]*types.Node, len(nodes))
	for _, n := range nodes {
		nodeByID[n.NodeID] = n
	}

	response := TopicsResponse{}
	for _, name := range topicsRequest.Topics {
		topic := TopicsResponseTopic{Name: name}
		if fsmTopic, ok := b.FSM.GetTopic(name); ok {
			// the reported chain is partition 0's; chains of the topic's
			// other partitions are not included
			if partition, ok := fsmTopic.Partitions[0]; ok {
				for _, nodeID := range partition.Chain {
					node := nodeByID[nodeID]
					if node == nil {
						continue
					}
					topic.Chain = append(topic.Chain, TopicsResponseNode{
						NodeID: int32(node.NodeID),
						Host:   node.Host,
						Port:   int32(node.Port),
					})
				}
			}
		}
		response.Topics = append(response.Topics, topic)
	}
	return encodeResponse(req.CorrelationID, &response)
}
