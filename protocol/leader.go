package protocol

import (
	"fmt"

	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"

	"github.com/vonnegut/vonnegut/cluster"
	log "github.com/vonnegut/vonnegut/logging"
	"github.com/vonnegut/vonnegut/types"
)

// DefaultNumPartitions is the partition count of auto-created topics.
const DefaultNumPartitions = 1

func (b *Broker) handleSerfMemberJoin(event serf.MemberEvent) error {
	_, leaderID := b.Raft.LeaderWithID()
	if leaderID == "" {
		if !b.Config.Bootstrap {
			log.Info("handleSerfMemberJoin: there is no leader, current node will not bootstrap")
			return nil
		}
		log.Info("handleSerfMemberJoin: there is no leader, current node will bootstrap")
	} else if !b.IsController() {
		log.Debug("handleSerfMemberJoin: node is not the controller, ignoring join event")
		return nil
	}

	newMembers := make(map[string]serf.Member)
	for _, m := range event.Members {
		if m.Tags["role"] != "broker" {
			log.Info("handleSerfMemberJoin: new member [%v - %v] is not a broker", m.Name, m.Addr)
			continue
		}
		newMembers[m.Tags["raft_addr"]] = m
	}

	raftServers, err := b.getRaftServers()
	if err != nil {
		return err
	}
	for _, server := range raftServers {
		for raftAddr := range newMembers {
			if server.Address == raft.ServerAddress(raftAddr) {
				log.Debug("handleSerfMemberJoin: member [%v] already in raft cluster", raftAddr)
				delete(newMembers, raftAddr)
				if len(newMembers) == 0 {
					return nil
				}
			}
		}
	}
	for raftAddr, m := range newMembers {
		log.Info("handleSerfMemberJoin: adding voter to the raft cluster with addr %s", raftAddr)
		err := b.Raft.AddVoter(raft.ServerID(m.Tags["raft_server_id"]), raft.ServerAddress(m.Tags["raft_addr"]), 0, 0).Error()
		if err != nil {
			log.Error("Failed to add voter: %s", err)
			return err
		}
	}
	return nil
}

func (b *Broker) handleSerfMemberLeft(event serf.MemberEvent) error {
	_, leaderID := b.Raft.LeaderWithID()
	if leaderID == "" {
		log.Info("handleSerfMemberLeft: there is no leader. Nothing to do.")
		return nil
	} else if !b.IsController() {
		log.Debug("handleSerfMemberLeft: node is not the controller, ignoring left/reap event")
		return nil
	}

	eventMembers := make(map[string]serf.Member)
	for _, m := range event.Members {
		if m.Tags["role"] != "broker" {
			continue
		}
		eventMembers[m.Tags["raft_addr"]] = m
	}

	raftServers, err := b.getRaftServers()
	if err != nil {
		return err
	}
	for _, server := range raftServers {
		for raftAddr := range eventMembers {
			if server.Address == raft.ServerAddress(raftAddr) {
				log.Info("handleSerfMemberLeft: removing member [%v] from raft cluster", raftAddr)
				future := b.Raft.RemoveServer(server.ID, 0, 0)
				if err := future.Error(); err != nil {
					log.Error("handleSerfMemberLeft: remove server [%v] error: %s", server.Address, err)
					return err
				}
			}
		}
	}
	return nil
}

func (b *Broker) monitorLeadership() {
	for {
		select {
		case isLeader := <-b.RaftNotifyCh:
			log.Info("monitorLeadership: leadership change, isLeader: %v", isLeader)
		case <-b.ShutDownSignal:
			return
		}
	}
}

// CreateTopicPartitions commits a topic and its partition assignments to
// the cluster state. Only the controller assigns chain heads; brokers pick
// partitions up when the FSM applies the commands.
func (b *Broker) CreateTopicPartitions(name string, numPartitions uint32) error {
	if !b.IsController() {
		return fmt.Errorf("only the controller can create topics")
	}
	if numPartitions == 0 {
		return fmt.Errorf("invalid number of partitions")
	}
	nodes, err := b.GetClusterNodes()
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no live brokers to assign partitions to")
	}

	if _, err = b.AppendClusterEntry(cluster.AddTopic, types.Topic{Name: name}); err != nil {
		return fmt.Errorf("committing topic %v: %w", name, err)
	}
	for i := uint32(0); i < numPartitions; i++ {
		// chain heads spread round-robin over the live brokers
		head := nodes[int(i)%len(nodes)]
		partition := types.PartitionState{
			Topic:          name,
			PartitionIndex: i,
			LeaderID:       head.NodeID,
			Chain:          []uint32{head.NodeID},
		}
		if _, err = b.AppendClusterEntry(cluster.AddPartition, partition); err != nil {
			return fmt.Errorf("committing partition %v-%v: %w", name, i, err)
		}
	}
	log.Info("created topic %v with %d partition(s)", name, numPartitions)
	return nil
}
