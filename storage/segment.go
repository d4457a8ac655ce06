package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/vonnegut/vonnegut/logging"
)

// LogSuffix is the extension of the record data file of a segment
const LogSuffix = ".log"

// IndexSuffix is the extension of the sparse index file of a segment
const IndexSuffix = ".index"

// IndexEntrySize is the on-disk size of one index entry: a 24-bit relative
// offset followed by a 24-bit file position, both big-endian signed.
const IndexEntrySize = 6

// A segment with a base offset of [base_offset] is stored in two files,
// [base_offset].log and [base_offset].index, the base zero-padded to 20
// decimal digits.
func logFilePath(partitionDir string, baseOffset int64) string {
	return filepath.Join(partitionDir, fmt.Sprintf("%020d", baseOffset)+LogSuffix)
}

func indexFilePath(partitionDir string, baseOffset int64) string {
	return filepath.Join(partitionDir, fmt.Sprintf("%020d", baseOffset)+IndexSuffix)
}

func putInt24(b []byte, v int32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func int24(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	// sign-extend from 24 bits
	return (v << 8) >> 8
}

// Segment is one log/index file pair. The partition writer is the only
// mutator; fetches read concurrently through logSize and the index copy.
type Segment struct {
	LogFile    *os.File
	IndexFile  *os.File
	BaseOffset int64

	// logSize is the committed byte size of the log file. It only advances
	// once a whole record batch has been written, so a bounded positional
	// read never observes a torn record.
	logSize atomic.Int64

	indexMu   sync.RWMutex
	indexData []byte

	// writer-owned bookkeeping
	indexPos  int64
	byteCount int64 // log bytes appended since the last index entry
}

// LogSize returns the committed size of the log file.
func (s *Segment) LogSize() int64 {
	return s.logSize.Load()
}

// IndexSize returns the current size of the index file.
func (s *Segment) IndexSize() int64 {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return int64(len(s.indexData))
}

// writeBatch appends an encoded record batch at the committed end of the log.
func (s *Segment) writeBatch(encoded []byte) error {
	pos := s.logSize.Load()
	if _, err := s.LogFile.WriteAt(encoded, pos); err != nil {
		return fmt.Errorf("writing %d bytes to %v at %d: %w", len(encoded), s.LogFile.Name(), pos, err)
	}
	s.logSize.Store(pos + int64(len(encoded)))
	s.byteCount += int64(len(encoded))
	return nil
}

// writeIndexEntry appends one sparse index entry pointing at the record with
// the given offset relative to the segment base.
func (s *Segment) writeIndexEntry(relOffset, filePos int32) error {
	var entry [IndexEntrySize]byte
	putInt24(entry[:3], relOffset)
	putInt24(entry[3:], filePos)
	if _, err := s.IndexFile.WriteAt(entry[:], s.indexPos); err != nil {
		return fmt.Errorf("writing index entry to %v: %w", s.IndexFile.Name(), err)
	}
	s.indexPos += IndexEntrySize
	s.byteCount = 0
	s.indexMu.Lock()
	s.indexData = append(s.indexData, entry[:]...)
	s.indexMu.Unlock()
	return nil
}

// searchIndex returns the file position of the largest index entry whose
// relative offset is <= rel, or 0 when the index has no such entry.
func (s *Segment) searchIndex(rel int32) int32 {
	s.indexMu.RLock()
	data := s.indexData
	s.indexMu.RUnlock()

	n := len(data) / IndexEntrySize
	// find the first entry with rel_offset > rel; the answer precedes it
	i := sort.Search(n, func(i int) bool {
		return int24(data[i*IndexEntrySize:]) > rel
	})
	if i == 0 {
		return 0
	}
	return int24(data[(i-1)*IndexEntrySize+3:])
}

// Sync flushes both files to stable storage.
func (s *Segment) Sync() error {
	if err := s.LogFile.Sync(); err != nil {
		return err
	}
	return s.IndexFile.Sync()
}

// Close flushes and closes both files.
func (s *Segment) Close() error {
	if err := s.Sync(); err != nil {
		log.Error("Error syncing segment %v on close: %v", s.LogFile.Name(), err)
	}
	if err := s.LogFile.Close(); err != nil {
		return err
	}
	return s.IndexFile.Close()
}

// createSegment creates the empty file pair of a fresh segment.
func createSegment(partitionDir string, baseOffset int64) (*Segment, error) {
	logFile, err := os.OpenFile(logFilePath(partitionDir, baseOffset), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	indexFile, err := os.OpenFile(indexFilePath(partitionDir, baseOffset), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating index file: %w", err)
	}
	return &Segment{LogFile: logFile, IndexFile: indexFile, BaseOffset: baseOffset}, nil
}

// openSegment opens an existing segment and recovers its end state: the
// last index entry bounds the scan, a linear header walk finds the last
// complete record, and a torn tail is truncated before the segment is
// reopened for append.
//
// It returns the segment and the offset that follows its last record
// (the base offset itself when the segment is empty).
func openSegment(partitionDir string, baseOffset int64) (*Segment, int64, error) {
	logFile, err := os.OpenFile(logFilePath(partitionDir, baseOffset), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("opening log file: %w", err)
	}
	indexFile, err := os.OpenFile(indexFilePath(partitionDir, baseOffset), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		logFile.Close()
		return nil, 0, fmt.Errorf("opening index file: %w", err)
	}
	seg := &Segment{LogFile: logFile, IndexFile: indexFile, BaseOffset: baseOffset}

	indexData, err := io.ReadAll(indexFile)
	if err != nil {
		seg.Close()
		return nil, 0, fmt.Errorf("reading index %v: %w", indexFile.Name(), err)
	}
	if tail := len(indexData) % IndexEntrySize; tail != 0 {
		// a crash mid index write left a torn entry; drop it
		indexData = indexData[:len(indexData)-tail]
		if err = indexFile.Truncate(int64(len(indexData))); err != nil {
			seg.Close()
			return nil, 0, fmt.Errorf("truncating torn index entry in %v: %w", indexFile.Name(), err)
		}
	}

	stat, err := logFile.Stat()
	if err != nil {
		seg.Close()
		return nil, 0, fmt.Errorf("reading log file info: %w", err)
	}
	logFileSize := stat.Size()

	var scanFrom int64
	if len(indexData) > 0 {
		last := indexData[len(indexData)-IndexEntrySize:]
		scanFrom = int64(int24(last[3:]))
		if scanFrom > logFileSize {
			// the hint outruns the log (lost writeback); fall back to a full scan
			log.Warn("index hint %d past log size %d in %v, scanning from 0", scanFrom, logFileSize, logFile.Name())
			scanFrom = 0
		}
	}

	end, lastOffset, found, err := scanRecords(logFile, scanFrom, logFileSize)
	if err != nil {
		seg.Close()
		return nil, 0, err
	}
	if end < logFileSize {
		log.Warn("truncating %v from %d to %d to drop a torn record", logFile.Name(), logFileSize, end)
		if err = logFile.Truncate(end); err != nil {
			seg.Close()
			return nil, 0, fmt.Errorf("truncating %v: %w", logFile.Name(), err)
		}
	}

	seg.logSize.Store(end)
	seg.indexData = indexData
	seg.indexPos = int64(len(indexData))

	nextOffset := baseOffset
	if found {
		nextOffset = lastOffset + 1
	}
	return seg, nextOffset, nil
}

// scanRecords walks record headers from pos to size. It returns the byte
// position after the last complete record, that record's offset, and
// whether any complete record was seen at all.
func scanRecords(f *os.File, pos, size int64) (end int64, lastOffset int64, found bool, err error) {
	var hdr [RecordHeaderSize]byte
	end = pos
	for {
		if end+RecordHeaderSize > size {
			return end, lastOffset, found, nil
		}
		if _, err = f.ReadAt(hdr[:], end); err != nil {
			return 0, 0, false, fmt.Errorf("reading record header in %v at %d: %w", f.Name(), end, err)
		}
		h := parseRecordHeader(hdr[:])
		if h.size < 0 || end+RecordHeaderSize+int64(h.size) > size {
			// short payload: the record is torn
			return end, lastOffset, found, nil
		}
		lastOffset = h.offset
		found = true
		end += RecordHeaderSize + int64(h.size)
	}
}

// listSegmentBases returns the base offsets of every segment in the
// partition directory, in increasing order.
func listSegmentBases(partitionDir string) ([]int64, error) {
	entries, err := os.ReadDir(partitionDir)
	if err != nil {
		return nil, err
	}
	var bases []int64
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), LogSuffix) {
			continue
		}
		base, err := strconv.ParseInt(strings.TrimSuffix(entry.Name(), LogSuffix), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("segment file %v has a non-numeric base offset: %w", entry.Name(), err)
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}
