package storage

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOffsetOutOfRange is returned when a fetch starts below the first
// retained offset or past the high-water mark.
var ErrOffsetOutOfRange = errors.New("offset out of range")

// Fetch returns a contiguous record set starting at the record whose offset
// equals startOffset. Up to maxBytes of whole records are returned
// (0 = to the committed end of the segment); the set never crosses a
// segment boundary, and the first record is always included even when it
// alone exceeds maxBytes. Fetching exactly the high-water mark yields an
// empty set and no error.
func (p *Partition) Fetch(startOffset int64, maxBytes int32) ([]byte, error) {
	segments := p.snapshotSegments()
	if len(segments) == 0 {
		return nil, ErrPartitionClosed
	}
	highWaterMark := p.HighWaterMark()
	if startOffset == highWaterMark {
		return nil, nil
	}
	if startOffset < segments[0].BaseOffset || startOffset > highWaterMark {
		return nil, ErrOffsetOutOfRange
	}
	// the segment holding startOffset is the one with the largest base <= it
	i := sort.Search(len(segments), func(i int) bool {
		return segments[i].BaseOffset > startOffset
	})
	if i == 0 {
		return nil, ErrOffsetOutOfRange
	}

	for _, seg := range segments[i-1:] {
		start, found, err := seg.locate(startOffset)
		if err != nil {
			return nil, err
		}
		if !found {
			// the record rolled into the next segment while we were
			// resolving; keep walking
			continue
		}
		return seg.readRecords(start, maxBytes)
	}
	return nil, ErrOffsetOutOfRange
}

// locate resolves offset to the byte position of its record header inside
// the segment: binary-search the sparse index for a starting hint, then
// scan headers forward.
func (s *Segment) locate(offset int64) (int64, bool, error) {
	committed := s.LogSize()
	pos := int64(s.searchIndex(int32(offset - s.BaseOffset)))
	var hdr [RecordHeaderSize]byte
	for pos+RecordHeaderSize <= committed {
		if _, err := s.LogFile.ReadAt(hdr[:], pos); err != nil {
			return 0, false, fmt.Errorf("reading header in %v at %d: %w", s.LogFile.Name(), pos, err)
		}
		h := parseRecordHeader(hdr[:])
		if h.offset == offset {
			return pos, true, nil
		}
		if h.offset > offset {
			return 0, false, nil
		}
		pos += RecordHeaderSize + int64(h.size)
	}
	return 0, false, nil
}

// readRecords returns whole records from start, stopping at maxBytes
// (0 = unbounded) or the committed end of the segment, whichever comes
// first. At least one record is always returned.
func (s *Segment) readRecords(start int64, maxBytes int32) ([]byte, error) {
	committed := s.LogSize()
	end := start
	var hdr [RecordHeaderSize]byte
	for end+RecordHeaderSize <= committed {
		if _, err := s.LogFile.ReadAt(hdr[:], end); err != nil {
			return nil, fmt.Errorf("reading header in %v at %d: %w", s.LogFile.Name(), end, err)
		}
		h := parseRecordHeader(hdr[:])
		recordEnd := end + RecordHeaderSize + int64(h.size)
		if recordEnd > committed {
			break
		}
		if maxBytes > 0 && recordEnd-start > int64(maxBytes) && end > start {
			break
		}
		end = recordEnd
		if maxBytes > 0 && end-start >= int64(maxBytes) {
			break
		}
	}
	if end == start {
		return nil, nil
	}
	out := make([]byte, end-start)
	if _, err := s.LogFile.ReadAt(out, start); err != nil {
		return nil, fmt.Errorf("reading %d record bytes from %v at %d: %w", len(out), s.LogFile.Name(), start, err)
	}
	return out, nil
}
