package cluster

import (
	"encoding/json"
	"fmt"

	log "github.com/vonnegut/vonnegut/logging"
	"github.com/vonnegut/vonnegut/types"
)

// CommandType is a raft log command type
type CommandType int

// Command types of the raft log. ApplyCommand handles AddNode, RemoveNode,
// AddTopic and AddPartition; RemoveTopic and RemovePartition are rejected as
// unknown command types.
const (
	AddNode CommandType = iota
	RemoveNode
	AddTopic
	RemoveTopic
	AddPartition
	RemovePartition
)

// Command represents a command type with its payload
type Command struct {
	Kind    CommandType
	Payload json.RawMessage
}

// ApplyCommand applies one command to the FSM
func (fsm *FSM) ApplyCommand(cmd Command) error {
	switch cmd.Kind {
	case AddNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Payload, &node); err != nil {
			return fmt.Errorf("could not parse node: %s", err)
		}
		fsm.StoreNode(node)

	case RemoveNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Payload, &node); err != nil {
			return fmt.Errorf("could not parse node: %s", err)
		}
		fsm.RemoveNode(node.NodeID)

	case AddTopic:
		var topic types.Topic
		if err := json.Unmarshal(cmd.Payload, &topic); err != nil {
			return fmt.Errorf("could not parse topic: %s", err)
		}
		log.Debug("cluster ApplyCommand AddTopic: %+v", topic)
		fsm.StoreTopic(topic)

	case AddPartition:
		var partition types.PartitionState
		if err := json.Unmarshal(cmd.Payload, &partition); err != nil {
			return fmt.Errorf("could not parse partition command: %s", err)
		}
		log.Debug("cluster ApplyCommand AddPartition: %+v", partition)
		if err := fsm.StorePartition(partition); err != nil {
			return fmt.Errorf("error applying partition %+v command: %s", partition, err)
		}

	default:
		return fmt.Errorf("unknown command type: %#v", cmd.Kind)
	}
	return nil
}

// EncodeLogEntry converts a cluster command into raft log bytes
func EncodeLogEntry(entryType CommandType, entry any) (res []byte, err error) {
	cmd := Command{Kind: entryType}
	cmd.Payload, err = json.Marshal(entry)
	if err != nil {
		return
	}
	res, err = json.Marshal(cmd)
	return
}
