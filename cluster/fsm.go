package cluster

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	"github.com/vonnegut/vonnegut/logging"
)

// Apply applies a raft.Log to the FSM
func (fsm *FSM) Apply(log *raft.Log) any {
	switch log.Type {
	case raft.LogCommand:
		var cmd Command
		if err := json.Unmarshal(log.Data, &cmd); err != nil {
			return fmt.Errorf("could not parse payload: %s", err)
		}
		if err := fsm.ApplyCommand(cmd); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown raft log type: %#v", log.Type)
	}
	return nil
}

type snapshotNoop struct{}

func (sn snapshotNoop) Persist(_ raft.SnapshotSink) error { return nil }
func (sn snapshotNoop) Release()                          {}

// Snapshot snapshots the FSM into a struct that implements the raft.FSMSnapshot interface
func (fsm *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return snapshotNoop{}, nil
}

// Restore is used to restore an FSM from a snapshot
func (fsm *FSM) Restore(rc io.ReadCloser) error {
	decoder := json.NewDecoder(rc)
	for decoder.More() {
		var cmd Command
		if err := decoder.Decode(&cmd); err != nil {
			return fmt.Errorf("could not decode entry during restore: %s", err)
		}
		logging.Debug("restore: applying command %+v", cmd)
		if err := fsm.ApplyCommand(cmd); err != nil {
			return err
		}
	}
	return rc.Close()
}
