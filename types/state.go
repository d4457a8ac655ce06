package types

// Topic is a topic as known to the cluster manager.
type Topic struct {
	Name       string
	Partitions map[uint32]PartitionState
	Configs    map[string]string
}

// Node represents a broker in the cluster.
type Node struct {
	NodeID       uint32
	Host         string
	Port         uint32
	IsController bool
}

// PartitionState is the cluster manager's view of one partition: who heads
// its replica chain and which nodes are on it. The head of the chain serves
// produce and fetch.
type PartitionState struct {
	Topic          string
	PartitionIndex uint32
	LeaderID       uint32
	Chain          []uint32
}
