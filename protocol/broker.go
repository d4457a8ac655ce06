package protocol

import (
	"fmt"
	"io"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/hashicorp/serf/serf"

	"github.com/vonnegut/vonnegut/cluster"
	log "github.com/vonnegut/vonnegut/logging"
	"github.com/vonnegut/vonnegut/serde"
	"github.com/vonnegut/vonnegut/storage"
	"github.com/vonnegut/vonnegut/types"
	"github.com/vonnegut/vonnegut/utils"
)

const (
	// serfEventChSize is the size of the buffered channel to get Serf
	// events. If this is exhausted we will block Serf and Memberlist.
	serfEventChSize = 2048
)

// Broker is one vonnegut node: the TCP acceptor, the partition log engine
// underneath it, and the raft/serf cluster manager.
type Broker struct {
	Config         *types.Configuration
	ShutDownSignal chan bool
	Serf           *serf.Serf
	Raft           *hraft.Raft
	FSM            *cluster.FSM

	// RaftNotifyCh delivers reliable leader transition notifications from
	// the raft layer.
	RaftNotifyCh <-chan bool

	SerfEventCh chan serf.Event
}

// NewBroker creates a new Broker instance with the provided configuration
func NewBroker(config *types.Configuration) *Broker {
	return &Broker{
		Config:         config,
		ShutDownSignal: make(chan bool),
		RaftNotifyCh:   make(<-chan bool),
		SerfEventCh:    make(chan serf.Event, serfEventChSize),
	}
}

// Startup initializes the cluster layer and the storage engine, then
// listens for incoming connections.
func (b *Broker) Startup() error {
	if err := b.Config.Validate(); err != nil {
		return fmt.Errorf("refusing to start: %v", err)
	}
	b.FSM = cluster.NewFSM(uint32(b.Config.NodeID))

	// storage must be ready before raft: replaying the cluster log on
	// startup spawns partition writers for locally led partitions
	if err := storage.Startup(*b.Config, b.ShutDownSignal); err != nil {
		return err
	}

	if err := b.SetupRaft(); err != nil {
		return fmt.Errorf("raft setup failed: %v", err)
	}
	if err := b.SetupSerf(); err != nil {
		return fmt.Errorf("serf setup failed: %v", err)
	}

	go b.handleSerfEvent()
	go b.monitorLeadership()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", b.Config.BrokerPort))
	if err != nil {
		return fmt.Errorf("error starting server: %v", err)
	}
	defer listener.Close()
	log.Info("Server is listening on port %d...", b.Config.BrokerPort)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-b.ShutDownSignal:
				return nil
			default:
			}
			log.Error("Error accepting connection: %v", err)
			continue
		}
		go b.HandleConnection(conn)
	}
}

// HandleConnection processes request frames from a client connection until
// it closes or a frame cannot be read.
func (b *Broker) HandleConnection(conn net.Conn) {
	defer conn.Close()
	connectionAddr := conn.RemoteAddr().String()
	log.Debug("Connection established with %s", connectionAddr)

	for {
		// First the length, then a ReadFull of exactly that many bytes.
		// A connection dying mid-frame surfaces here and mutates nothing.
		lengthBuffer := make([]byte, serde.FrameSize)
		if _, err := io.ReadFull(conn, lengthBuffer); err != nil {
			if err != io.EOF {
				log.Debug("failed to read request's length from %v: %v", connectionAddr, err)
			}
			break
		}
		length := int32(serde.Encoding.Uint32(lengthBuffer))
		if length <= 0 || length > MaxRequestSize {
			log.Error("invalid frame size %d from %v, closing connection", length, connectionAddr)
			break
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			log.Error("error reading %d-byte frame from %v: %v", length, connectionAddr, err)
			break
		}

		req, err := serde.ParseHeader(payload, connectionAddr)
		if err != nil {
			log.Error("corrupt request header from %v: %v", connectionAddr, err)
			break
		}
		apiKeyHandler := b.APIDispatcher(req.APIKey)
		if apiKeyHandler.Handler == nil {
			log.Error("unknown api key %d from %v, closing connection", req.APIKey, connectionAddr)
			break
		}
		log.Debug("Received %v | CorrelationID: %v | Length: %v", apiKeyHandler.Name, req.CorrelationID, length)
		response := apiKeyHandler.Handler(req)

		if _, err := conn.Write(response); err != nil {
			log.Error("Error writing to connection: %v", err)
			break
		}
	}
	log.Debug("Connection with %s closed.", connectionAddr)
}

// Shutdown gracefully shuts down the broker and its components
func (b *Broker) Shutdown() {
	close(b.ShutDownSignal)
	log.Info("Broker shutting down...")

	if b.IsController() {
		raftServers, err := b.getRaftServers()
		if err != nil {
			log.Error("failed to get raft servers: %v", err)
		} else if len(raftServers) > 2 {
			log.Info("Node is raft leader with >2 raft servers, removing self")
			future := b.Raft.RemoveServer(hraft.ServerID(b.Config.RaftID), 0, 0)
			if err := future.Error(); err != nil {
				log.Error("failed to remove self from raft cluster: %v", err)
			}
		}
	}

	if b.Serf != nil {
		if err := b.Serf.Leave(); err != nil {
			log.Error("Serf leave failed: %s", err)
		}
		// give other members a moment to observe the leave
		time.Sleep(5 * time.Second)
	}

	storage.Shutdown()

	if b.Serf != nil {
		b.Serf.Shutdown()
	}
	if b.Raft != nil {
		future := b.Raft.Shutdown()
		if err := future.Error(); err != nil {
			log.Warn("error shutting down raft: %v", err)
		}
	}
}

func (b *Broker) getRaftServers() ([]hraft.Server, error) {
	configFuture := b.Raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return nil, fmt.Errorf("can't get raft configuration: %s", err)
	}
	return configFuture.Configuration().Servers, nil
}

// AppendClusterEntry commits a new entry to the replicated cluster state
func (b *Broker) AppendClusterEntry(entryType cluster.CommandType, entry any) (any, error) {
	bytes, err := cluster.EncodeLogEntry(entryType, entry)
	if err != nil {
		return nil, err
	}
	future := b.Raft.Apply(bytes, 10*time.Second)
	if err := future.Error(); err != nil {
		return nil, err
	}
	log.Debug("added entry to the cluster log: %+v", entry)
	return future.Response(), nil
}

// IsController reports whether this broker is the cluster's controller,
// which is also the raft leader.
func (b *Broker) IsController() bool {
	return b.Raft != nil && b.Raft.State() == hraft.Leader
}

// SetupRaft inits raft for the broker
func (b *Broker) SetupRaft() error {
	raftAddress := b.Config.RaftAddress
	dir := path.Join(b.Config.LogDirs[0], "raft-"+b.Config.RaftID)
	if err := utils.EnsurePath(dir, true); err != nil {
		return fmt.Errorf("could not create raft directory: %s", err)
	}

	store, err := raftboltdb.NewBoltStore(path.Join(dir, "bolt"))
	if err != nil {
		return fmt.Errorf("could not create bolt store: %s", err)
	}
	snapshots, err := hraft.NewFileSnapshotStoreWithLogger(path.Join(dir, "snapshot"), 2, log.Logger())
	if err != nil {
		return fmt.Errorf("could not create snapshot store: %s", err)
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", raftAddress)
	if err != nil {
		return fmt.Errorf("could not resolve address: %s", err)
	}
	transport, err := hraft.NewTCPTransportWithLogger(raftAddress, tcpAddr, 10, time.Second*10, log.Logger())
	if err != nil {
		return fmt.Errorf("could not create tcp transport: %s", err)
	}

	raftCfg := hraft.DefaultConfig()
	raftCfg.Logger = log.Logger()
	if b.Config.RaftID == "" {
		b.Config.RaftID = fmt.Sprintf("chain-node-%d", b.Config.NodeID)
	}
	raftCfg.LocalID = hraft.ServerID(b.Config.RaftID)

	raftNotifyCh := make(chan bool, 1)
	raftCfg.NotifyCh = raftNotifyCh
	b.RaftNotifyCh = raftNotifyCh

	b.Raft, err = hraft.NewRaft(raftCfg, b.FSM, store, store, snapshots, transport)
	if err != nil {
		return fmt.Errorf("could not create raft instance: %s", err)
	}

	if b.Config.Bootstrap {
		hasState, err := hraft.HasExistingState(store, store, snapshots)
		if err != nil {
			return err
		}
		log.Info("bootstrapping raft with node ID %v (existing state: %v)", b.Config.RaftID, hasState)
		if !hasState {
			future := b.Raft.BootstrapCluster(hraft.Configuration{
				Servers: []hraft.Server{
					{
						ID:      hraft.ServerID(b.Config.RaftID),
						Address: transport.LocalAddr(),
					},
				},
			})
			if err := future.Error(); err != nil {
				log.Error("bootstrap cluster error: %s", err)
			}
		}
	}
	return nil
}

// SetupSerf sets up the serf agent and maybe joins a serf cluster
func (b *Broker) SetupSerf() error {
	conf := b.Config.SerfConfig
	if conf == nil {
		conf = serf.DefaultConfig()
		b.Config.SerfConfig = conf
	}
	conf.Init()
	conf.NodeName = b.Config.RaftID
	bindIP, bindPort, err := net.SplitHostPort(b.Config.SerfAddress)
	if err != nil {
		return err
	}
	log.Debug("SetupSerf: bindIP=%v bindPort=%v", bindIP, bindPort)
	conf.MemberlistConfig.BindAddr = bindIP
	conf.MemberlistConfig.BindPort, err = strconv.Atoi(bindPort)
	if err != nil {
		return err
	}
	conf.Tags["role"] = "broker"
	conf.Tags["ID"] = strconv.Itoa(b.Config.NodeID)
	conf.Tags["broker_addr"] = fmt.Sprintf("%s:%d", b.Config.BrokerHost, b.Config.BrokerPort)
	conf.Tags["raft_server_id"] = b.Config.RaftID
	conf.Tags["raft_addr"] = b.Config.RaftAddress
	conf.Tags["serf_addr"] = b.Config.SerfAddress

	conf.EventCh = b.SerfEventCh
	conf.SnapshotPath = filepath.Join(b.Config.LogDirs[0], "serf-snapshot")
	if err = utils.EnsurePath(conf.SnapshotPath, false); err != nil {
		return fmt.Errorf("could not create serf snapshot dir: %s", err)
	}

	b.Serf, err = serf.Create(conf)
	if err != nil {
		return err
	}

	if len(b.Config.SerfJoinAddress) > 0 {
		existingSerfNodes := strings.Split(b.Config.SerfJoinAddress, ",")
		log.Info("joining serf nodes: %v", existingSerfNodes)
		n, err := b.Serf.Join(existingSerfNodes, true)
		if err != nil {
			log.Error("Couldn't join cluster, starting own: %v", err)
		} else {
			log.Info("Serf join: successfully contacted %v node(s). Members: %v", n, b.Serf.Members())
		}
	}
	return nil
}

func (b *Broker) handleSerfEvent() {
	for {
		select {
		case e := <-b.SerfEventCh:
			log.Debug("serf EventType: %v", e.EventType())
			switch e.EventType() {
			case serf.EventMemberJoin:
				b.handleSerfMemberJoin(e.(serf.MemberEvent))
			case serf.EventMemberFailed:
				// a failed node moves to reap only after reconnect_timeout;
				// raft membership is reconciled on reap/leave
				log.Warn("serf member failed: %v", e)
			case serf.EventMemberReap, serf.EventMemberLeave:
				b.handleSerfMemberLeft(e.(serf.MemberEvent))
			}
		case <-b.ShutDownSignal:
			return
		}
	}
}

// GetClusterNodes returns the raft cluster nodes, each representing a broker
func (b *Broker) GetClusterNodes() ([]*types.Node, error) {
	configFuture := b.Raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return nil, fmt.Errorf("can't get raft configuration: %s", err)
	}
	nodes := make(map[string]*types.Node)
	for _, server := range configFuture.Configuration().Servers {
		nodes[string(server.ID)] = &types.Node{}
	}

	_, leaderID := b.Raft.LeaderWithID()
	for _, m := range b.Serf.Members() {
		raftServerID := m.Tags["raft_server_id"]
		n, ok := nodes[raftServerID]
		if !ok {
			continue
		}
		id, err := strconv.Atoi(m.Tags["ID"])
		if err != nil {
			log.Error("GetClusterNodes: unable to parse serf ID tag: %v", err)
			continue
		}
		n.NodeID = uint32(id)
		host, port, err := net.SplitHostPort(m.Tags["broker_addr"])
		if err != nil {
			log.Error("GetClusterNodes: unable to parse broker_addr: %v", err)
			continue
		}
		portInt, _ := strconv.Atoi(port)
		n.Host, n.Port = host, uint32(portInt)
		n.IsController = string(leaderID) == raftServerID
	}
	var res []*types.Node
	for _, n := range nodes {
		res = append(res, n)
	}
	return res, nil
}
