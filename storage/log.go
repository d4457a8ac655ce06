package storage

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/vonnegut/vonnegut/logging"
	"github.com/vonnegut/vonnegut/types"
)

// Config is the storage configuration. It is set once by Startup and
// read-only afterwards.
var Config types.Configuration

// ErrPartitionClosed is returned by operations on a partition whose writer
// has shut down.
var ErrPartitionClosed = errors.New("partition is closed")

// appendQueueDepth bounds the per-partition request queue. Producers beyond
// it block until the writer catches up.
const appendQueueDepth = 128

type appendRequest struct {
	payloads [][]byte
	resp     chan appendResult
}

type appendResult struct {
	firstOffset int64
	count       int
	err         error
}

// Partition owns one partition's segments. All writes are serialized
// through a single worker goroutine consuming a bounded queue; fetches read
// concurrently with positional reads bounded by the committed sizes.
type Partition struct {
	TopicName string
	Index     uint32
	Dir       string

	mu       sync.RWMutex // guards segments
	segments []*Segment

	nextOffset atomic.Int64

	reqCh   chan appendRequest
	done    chan struct{}
	failed  chan struct{}
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// NewPartition opens (or creates) the partition stored in dir, runs
// recovery, and starts the writer.
func NewPartition(topic string, index uint32, dir string) (*Partition, error) {
	p := &Partition{
		TopicName: topic,
		Index:     index,
		Dir:       dir,
		reqCh:     make(chan appendRequest, appendQueueDepth),
		done:      make(chan struct{}),
		failed:    make(chan struct{}),
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	p.wg.Add(1)
	go p.serveAppends()
	return p, nil
}

// String provides a string representation of the partition, combining the
// topic name and partition index.
func (p *Partition) String() string {
	return fmt.Sprintf("%v-%v", p.TopicName, p.Index)
}

// load opens every segment in the partition directory and recovers the
// active one. The largest base offset names the active segment; an empty
// directory gets a fresh base-0 pair.
func (p *Partition) load() error {
	bases, err := listSegmentBases(p.Dir)
	if err != nil {
		return fmt.Errorf("listing segments of %v: %w", p, err)
	}
	if len(bases) == 0 {
		seg, err := createSegment(p.Dir, 0)
		if err != nil {
			return fmt.Errorf("creating first segment of %v: %w", p, err)
		}
		p.setSegments([]*Segment{seg})
		p.nextOffset.Store(0)
		return nil
	}

	segments := make([]*Segment, 0, len(bases))
	for _, base := range bases[:len(bases)-1] {
		seg, err := openSealedSegment(p.Dir, base)
		if err != nil {
			closeSegments(segments)
			return fmt.Errorf("opening sealed segment %d of %v: %w", base, p, err)
		}
		segments = append(segments, seg)
	}
	active, nextOffset, err := openSegment(p.Dir, bases[len(bases)-1])
	if err != nil {
		closeSegments(segments)
		return fmt.Errorf("recovering active segment of %v: %w", p, err)
	}
	segments = append(segments, active)
	p.setSegments(segments)
	p.nextOffset.Store(nextOffset)
	log.Info("loaded partition %v: %d segment(s), next offset %d", p, len(segments), nextOffset)
	return nil
}

// openSealedSegment opens a non-active segment. Sealed segments are
// immutable, so there is nothing to recover beyond sizes and index data.
func openSealedSegment(partitionDir string, baseOffset int64) (*Segment, error) {
	seg, _, err := openSegment(partitionDir, baseOffset)
	return seg, err
}

func closeSegments(segments []*Segment) {
	for _, s := range segments {
		s.Close()
	}
}

func (p *Partition) setSegments(segments []*Segment) {
	p.mu.Lock()
	p.segments = segments
	p.mu.Unlock()
}

// snapshotSegments returns the current segment list for readers. The slice
// is append-only, so a snapshot stays valid while new segments roll in.
func (p *Partition) snapshotSegments() []*Segment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.segments
}

func (p *Partition) activeSegment() *Segment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.segments[len(p.segments)-1]
}

// HighWaterMark returns the next offset that will be assigned.
func (p *Partition) HighWaterMark() int64 {
	return p.nextOffset.Load()
}

// StartOffset returns the offset of the first retained record.
func (p *Partition) StartOffset() int64 {
	segs := p.snapshotSegments()
	if len(segs) == 0 {
		return 0
	}
	return segs[0].BaseOffset
}

// Append hands a batch of payloads to the partition writer and waits for
// the assigned offsets. Batches are totally ordered; the first assigned
// offset and the record count are returned.
func (p *Partition) Append(payloads [][]byte) (int64, int, error) {
	if len(payloads) == 0 {
		return 0, 0, fmt.Errorf("append of an empty batch to %v", p)
	}
	req := appendRequest{payloads: payloads, resp: make(chan appendResult, 1)}

	p.closeMu.RLock()
	if p.closed {
		p.closeMu.RUnlock()
		return 0, 0, ErrPartitionClosed
	}
	select {
	case p.reqCh <- req:
		p.closeMu.RUnlock()
	case <-p.failed:
		p.closeMu.RUnlock()
		return 0, 0, ErrPartitionClosed
	}

	select {
	case res := <-req.resp:
		return res.firstOffset, res.count, res.err
	case <-p.failed:
		return 0, 0, ErrPartitionClosed
	}
}

// serveAppends is the partition writer. Requests are serviced in FIFO
// order; a write failure aborts the writer, recovery re-runs, and the
// writer resumes. Appends are never retried internally.
func (p *Partition) serveAppends() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			p.drainAppends()
			return
		case req := <-p.reqCh:
			first, n, err := p.doAppend(req.payloads)
			req.resp <- appendResult{firstOffset: first, count: n, err: err}
			if err != nil {
				log.Error("writer of %v failed, restarting: %v", p, err)
				if rerr := p.reload(); rerr != nil {
					log.Error("recovery of %v failed, abandoning partition: %v", p, rerr)
					close(p.failed)
					return
				}
			}
		}
	}
}

// drainAppends answers every request still queued after shutdown began with
// ErrPartitionClosed; none of them is written. No new sends
// can arrive: Close flips the closed flag before closing done.
func (p *Partition) drainAppends() {
	for {
		select {
		case req := <-p.reqCh:
			req.resp <- appendResult{err: ErrPartitionClosed}
		default:
			return
		}
	}
}

// doAppend implements the append/roll state machine: decide rolling before
// writing, write the batch, then maybe write one index entry pointing at
// the batch's first record.
func (p *Partition) doAppend(payloads [][]byte) (int64, int, error) {
	firstOffset := p.nextOffset.Load()
	encoded := EncodeBatch(firstOffset, payloads)
	s := int64(len(encoded))

	active := p.activeSegment()
	pos := active.LogSize()
	wantsEntry := active.byteCount+s >= int64(Config.IndexIntervalBytes)
	// Roll before writing when the batch would push the log past the
	// segment cap, or when the entry it earns would overflow the index
	// cap. An oversized batch landing on an empty segment is written
	// anyway: rolling would recreate the same base offset.
	if pos > 0 &&
		(pos+s > int64(Config.SegmentBytes) ||
			(wantsEntry && active.indexPos+IndexEntrySize > int64(Config.IndexMaxBytes))) {
		if err := p.roll(firstOffset); err != nil {
			return 0, 0, err
		}
		active = p.activeSegment()
		pos = 0
	}

	if err := active.writeBatch(encoded); err != nil {
		return 0, 0, err
	}
	p.nextOffset.Store(firstOffset + int64(len(payloads)))

	if active.byteCount >= int64(Config.IndexIntervalBytes) {
		rel := firstOffset - active.BaseOffset
		if err := active.writeIndexEntry(int32(rel), int32(pos)); err != nil {
			return 0, 0, err
		}
	}
	return firstOffset, len(payloads), nil
}

// roll seals the active segment and makes a fresh one, named by the offset
// about to be assigned, the new active. Registering it in the segment list
// is what lets concurrent fetches discover it.
func (p *Partition) roll(newBase int64) error {
	active := p.activeSegment()
	if err := active.Sync(); err != nil {
		log.Warn("sync of %v before roll: %v", active.LogFile.Name(), err)
	}
	seg, err := createSegment(p.Dir, newBase)
	if err != nil {
		return fmt.Errorf("rolling %v to base %d: %w", p, newBase, err)
	}
	p.mu.Lock()
	p.segments = append(p.segments, seg)
	p.mu.Unlock()
	log.Debug("rolled %v to segment %020d", p, newBase)
	return nil
}

// reload drops all in-memory segment state and re-runs recovery from disk.
func (p *Partition) reload() error {
	p.mu.Lock()
	segments := p.segments
	p.segments = nil
	p.mu.Unlock()
	closeSegments(segments)
	return p.load()
}

// Sync flushes every segment of the partition to disk.
func (p *Partition) Sync() error {
	for _, s := range p.snapshotSegments() {
		if err := s.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the writer, then flushes and closes all segment files.
func (p *Partition) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	p.closeMu.Unlock()
	close(p.done)
	p.wg.Wait()

	p.mu.Lock()
	segments := p.segments
	p.segments = nil
	p.mu.Unlock()
	var firstErr error
	for _, s := range segments {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ---- process-wide registry ----

var (
	topicsMu   sync.RWMutex
	topicState = make(map[string]map[uint32]*Partition)
)

// GetPartition returns the registered partition or nil.
func GetPartition(topic string, partition uint32) *Partition {
	topicsMu.RLock()
	defer topicsMu.RUnlock()
	return topicState[topic][partition]
}

// PartitionExists reports whether (topic, partition) is served locally.
func PartitionExists(topic string, partition uint32) bool {
	return GetPartition(topic, partition) != nil
}

// TopicExists reports whether any partition of topic is served locally.
func TopicExists(topic string) bool {
	topicsMu.RLock()
	defer topicsMu.RUnlock()
	return len(topicState[topic]) > 0
}

// TopicNames returns the locally served topics.
func TopicNames() []string {
	topicsMu.RLock()
	defer topicsMu.RUnlock()
	names := make([]string, 0, len(topicState))
	for name := range topicState {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TopicPartitions returns the locally served partition indexes of topic.
func TopicPartitions(topic string) []uint32 {
	topicsMu.RLock()
	defer topicsMu.RUnlock()
	indexes := make([]uint32, 0, len(topicState[topic]))
	for index := range topicState[topic] {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes
}

// GetPartitionDir returns the directory a partition lives in. The partition
// is pinned to one of the configured log dirs by name hash.
func GetPartitionDir(topic string, partition uint32) string {
	name := topic + "-" + strconv.Itoa(int(partition))
	h := fnv.New32a()
	h.Write([]byte(name))
	base := Config.LogDirs[int(h.Sum32())%len(Config.LogDirs)]
	return filepath.Join(base, name)
}

// EnsurePartition creates the partition directory and spawns its writer if
// the partition is not registered yet.
func EnsurePartition(topic string, partition uint32) error {
	topicsMu.Lock()
	defer topicsMu.Unlock()
	if topicState[topic][partition] != nil {
		return nil
	}
	dir := GetPartitionDir(topic, partition)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating partition dir %v: %w", dir, err)
	}
	p, err := NewPartition(topic, partition, dir)
	if err != nil {
		return err
	}
	if topicState[topic] == nil {
		topicState[topic] = make(map[uint32]*Partition)
	}
	topicState[topic][partition] = p
	return nil
}

// CreateTopic ensures numPartitions partitions of the topic exist locally.
func CreateTopic(name string, numPartitions uint32) error {
	if numPartitions == 0 {
		return fmt.Errorf("invalid number of partitions")
	}
	for i := uint32(0); i < numPartitions; i++ {
		if err := EnsurePartition(name, i); err != nil {
			return err
		}
	}
	log.Info("created topic %v with %d partition(s)", name, numPartitions)
	return nil
}

// LoadTopicsState scans every configured log dir and starts a writer for
// each partition directory found.
func LoadTopicsState() error {
	for _, logDir := range Config.LogDirs {
		if err := os.MkdirAll(logDir, 0750); err != nil {
			return err
		}
		entries, err := os.ReadDir(logDir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			// the cluster layer keeps its raft state under the first log
			// dir; those are not partition directories
			if strings.HasPrefix(entry.Name(), "raft-") || strings.HasPrefix(entry.Name(), "serf-") {
				continue
			}
			lastIndex := strings.LastIndex(entry.Name(), "-")
			if lastIndex == -1 {
				continue
			}
			topicName := entry.Name()[:lastIndex]
			index, err := strconv.Atoi(entry.Name()[lastIndex+1:])
			if err != nil {
				log.Warn("skipping dir %v: partition index is not a number", entry.Name())
				continue
			}
			if err := EnsurePartition(topicName, uint32(index)); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushDataToDisk syncs every registered partition.
func FlushDataToDisk() {
	topicsMu.RLock()
	defer topicsMu.RUnlock()
	for topicName, partitionMap := range topicState {
		for i, partition := range partitionMap {
			if err := partition.Sync(); err != nil {
				log.Error("error while flushing partition %v-%v to disk: %v", topicName, i, err)
			}
		}
	}
}

// Startup validates the configuration, loads every partition found on disk,
// and starts the periodic flush loop.
func Startup(config types.Configuration, shutdown chan bool) error {
	if err := config.Validate(); err != nil {
		return err
	}
	Config = config
	if err := LoadTopicsState(); err != nil {
		return fmt.Errorf("loading topics state: %w", err)
	}
	if Config.FlushIntervalMs > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(Config.FlushIntervalMs) * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					FlushDataToDisk()
				case <-shutdown:
					return
				}
			}
		}()
	}
	return nil
}

// Shutdown flushes and closes every partition and empties the registry.
func Shutdown() {
	topicsMu.Lock()
	defer topicsMu.Unlock()
	for topicName, partitionMap := range topicState {
		for i, partition := range partitionMap {
			if err := partition.Close(); err != nil {
				log.Error("error closing partition %v-%v: %v", topicName, i, err)
			}
		}
	}
	topicState = make(map[string]map[uint32]*Partition)
}
