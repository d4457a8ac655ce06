package cluster

import (
	"fmt"
	"sync"

	"github.com/vonnegut/vonnegut/logging"
	"github.com/vonnegut/vonnegut/storage"
	"github.com/vonnegut/vonnegut/types"
)

// FSM is the replicated cluster state: which brokers exist, which topics
// exist, and which broker heads each partition's chain. It is mutated only
// through raft log commands.
type FSM struct {
	NodeID uint32
	Nodes  map[uint32]types.Node
	Topics map[string]types.Topic
	sync.RWMutex
}

// NewFSM returns an empty FSM for the given local node.
func NewFSM(nodeID uint32) *FSM {
	return &FSM{
		NodeID: nodeID,
		Nodes:  make(map[uint32]types.Node),
		Topics: make(map[string]types.Topic),
	}
}

// StoreNode stores a broker in the FSM
func (fsm *FSM) StoreNode(node types.Node) {
	fsm.Lock()
	defer fsm.Unlock()
	fsm.Nodes[node.NodeID] = node
}

// RemoveNode removes a broker from the FSM
func (fsm *FSM) RemoveNode(nodeID uint32) {
	fsm.Lock()
	defer fsm.Unlock()
	delete(fsm.Nodes, nodeID)
}

// StoreTopic stores a topic in the FSM
func (fsm *FSM) StoreTopic(topic types.Topic) {
	fsm.Lock()
	defer fsm.Unlock()
	if _, ok := fsm.Topics[topic.Name]; !ok {
		fsm.Topics[topic.Name] = types.Topic{
			Name:       topic.Name,
			Partitions: make(map[uint32]types.PartitionState),
			Configs:    topic.Configs,
		}
	}
}

// StorePartition stores a partition assignment. When the local node heads
// the chain, the partition directory is created and its writer spawned.
func (fsm *FSM) StorePartition(partition types.PartitionState) error {
	fsm.Lock()
	defer fsm.Unlock()
	if _, ok := fsm.Topics[partition.Topic]; !ok {
		return fmt.Errorf("topic %v doesn't exist in cluster state", partition.Topic)
	}
	fsm.Topics[partition.Topic].Partitions[partition.PartitionIndex] = partition

	logging.Debug("StorePartition %v-%v leader %v (local node %v)",
		partition.Topic, partition.PartitionIndex, partition.LeaderID, fsm.NodeID)
	if partition.LeaderID == fsm.NodeID {
		return storage.EnsurePartition(partition.Topic, partition.PartitionIndex)
	}
	return nil
}

// GetNode retrieves a broker from the FSM
func (fsm *FSM) GetNode(nodeID uint32) (types.Node, bool) {
	fsm.RLock()
	defer fsm.RUnlock()
	node, exists := fsm.Nodes[nodeID]
	return node, exists
}

// GetTopic retrieves a topic from the FSM
func (fsm *FSM) GetTopic(topicName string) (types.Topic, bool) {
	fsm.RLock()
	defer fsm.RUnlock()
	topic, exists := fsm.Topics[topicName]
	return topic, exists
}

// GetPartition retrieves a partition assignment from the FSM
func (fsm *FSM) GetPartition(topicName string, partitionIndex uint32) (types.PartitionState, bool) {
	fsm.RLock()
	defer fsm.RUnlock()
	topic, topicExists := fsm.Topics[topicName]
	if !topicExists {
		return types.PartitionState{}, false
	}
	partition, partitionExists := topic.Partitions[partitionIndex]
	return partition, partitionExists
}

// TopicExists checks if topicName exists in the FSM
func (fsm *FSM) TopicExists(topicName string) bool {
	fsm.RLock()
	defer fsm.RUnlock()
	_, exists := fsm.Topics[topicName]
	return exists
}

// TopicNames returns every topic known to the cluster
func (fsm *FSM) TopicNames() []string {
	fsm.RLock()
	defer fsm.RUnlock()
	names := make([]string, 0, len(fsm.Topics))
	for name := range fsm.Topics {
		names = append(names, name)
	}
	return names
}
