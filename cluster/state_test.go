package cluster

import (
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonnegut/vonnegut/types"
)

func TestApplyTopicAndPartitionCommands(t *testing.T) {
	// local node 1 heads nothing here, so no storage side effects
	fsm := NewFSM(1)

	entry, err := EncodeLogEntry(AddTopic, types.Topic{Name: "orders"})
	require.NoError(t, err)
	res := fsm.Apply(&raft.Log{Type: raft.LogCommand, Data: entry})
	require.Nil(t, res)
	assert.True(t, fsm.TopicExists("orders"))

	entry, err = EncodeLogEntry(AddPartition, types.PartitionState{
		Topic:          "orders",
		PartitionIndex: 0,
		LeaderID:       2,
		Chain:          []uint32{2},
	})
	require.NoError(t, err)
	res = fsm.Apply(&raft.Log{Type: raft.LogCommand, Data: entry})
	require.Nil(t, res)

	partition, exists := fsm.GetPartition("orders", 0)
	require.True(t, exists)
	assert.Equal(t, uint32(2), partition.LeaderID)
	assert.Equal(t, []uint32{2}, partition.Chain)
}

func TestApplyPartitionForUnknownTopicFails(t *testing.T) {
	fsm := NewFSM(1)
	entry, err := EncodeLogEntry(AddPartition, types.PartitionState{
		Topic: "ghost", PartitionIndex: 0, LeaderID: 2,
	})
	require.NoError(t, err)
	res := fsm.Apply(&raft.Log{Type: raft.LogCommand, Data: entry})
	assert.Error(t, res.(error))
}

func TestNodeCommands(t *testing.T) {
	fsm := NewFSM(1)
	entry, err := EncodeLogEntry(AddNode, types.Node{NodeID: 7, Host: "localhost", Port: 5555})
	require.NoError(t, err)
	require.Nil(t, fsm.Apply(&raft.Log{Type: raft.LogCommand, Data: entry}))

	node, exists := fsm.GetNode(7)
	require.True(t, exists)
	assert.Equal(t, "localhost", node.Host)

	entry, err = EncodeLogEntry(RemoveNode, types.Node{NodeID: 7})
	require.NoError(t, err)
	require.Nil(t, fsm.Apply(&raft.Log{Type: raft.LogCommand, Data: entry}))
	_, exists = fsm.GetNode(7)
	assert.False(t, exists)
}
