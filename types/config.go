package types

import (
	"fmt"

	"github.com/hashicorp/serf/serf"
)

// MaxSegmentBytes is the largest usable segment size. Index entries store
// the file position in a signed 24-bit field, so a segment past 2^23-1
// bytes can no longer be indexed.
const MaxSegmentBytes = 1<<23 - 1

// Configuration holds every process-wide setting. It is populated once at
// startup and treated as read-only afterwards.
type Configuration struct {
	NodeID     int
	BrokerHost string
	BrokerPort uint32

	// LogDirs is the ordered list of base directories. Each partition is
	// pinned to one of them for its whole life.
	LogDirs []string

	SegmentBytes       uint32 // per-segment log file soft cap
	IndexMaxBytes      uint32 // per-segment index file cap
	IndexIntervalBytes uint32 // log bytes between sparse index entries
	FlushIntervalMs    int

	// TopicsAPIKey is the api key the deployment assigns to the Topics
	// request. Zero means DefaultTopicsAPIKey.
	TopicsAPIKey int16

	LogLevel string

	RaftID          string
	RaftAddress     string
	SerfAddress     string
	SerfJoinAddress string
	Bootstrap       bool
	SerfConfig      *serf.Config
}

// DefaultTopicsAPIKey is used when the deployment does not pick its own.
const DefaultTopicsAPIKey = int16(64)

// Validate refuses configurations the engine cannot honor. A segment larger
// than MaxSegmentBytes would silently corrupt the 24-bit index fields, so we
// fail at startup instead.
func (c *Configuration) Validate() error {
	if len(c.LogDirs) == 0 {
		return fmt.Errorf("at least one log dir is required")
	}
	if c.SegmentBytes == 0 || c.SegmentBytes > MaxSegmentBytes {
		return fmt.Errorf("segment.bytes must be in (0, %d], got %d", MaxSegmentBytes, c.SegmentBytes)
	}
	if c.IndexIntervalBytes == 0 {
		return fmt.Errorf("index.interval.bytes must be positive")
	}
	if c.IndexMaxBytes < 6 {
		return fmt.Errorf("index.max.bytes must hold at least one entry (6 bytes), got %d", c.IndexMaxBytes)
	}
	return nil
}
