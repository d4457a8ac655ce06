package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt24RoundTrip(t *testing.T) {
	var b [3]byte
	for _, v := range []int32{0, 1, 77, 1<<23 - 1, -1, -(1 << 23), -42} {
		putInt24(b[:], v)
		assert.Equal(t, v, int24(b[:]))
	}
}

func TestIndexEntriesStrictlyIncrease(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(dir, 0)
	require.NoError(t, err)
	defer seg.Close()

	require.NoError(t, seg.writeIndexEntry(0, 0))
	require.NoError(t, seg.writeIndexEntry(3, 120))
	require.NoError(t, seg.writeIndexEntry(9, 400))

	seg.indexMu.RLock()
	data := seg.indexData
	seg.indexMu.RUnlock()
	require.Len(t, data, 3*IndexEntrySize)
	prevRel, prevPos := int32(-1), int32(-1)
	for i := 0; i < 3; i++ {
		rel := int24(data[i*IndexEntrySize:])
		pos := int24(data[i*IndexEntrySize+3:])
		assert.Greater(t, rel, prevRel)
		assert.Greater(t, pos, prevPos)
		prevRel, prevPos = rel, pos
	}
}

func TestSearchIndexFindsFloorEntry(t *testing.T) {
	seg := &Segment{}
	entries := []struct{ rel, pos int32 }{{0, 0}, {5, 110}, {12, 264}}
	for _, e := range entries {
		var b [IndexEntrySize]byte
		putInt24(b[:3], e.rel)
		putInt24(b[3:], e.pos)
		seg.indexData = append(seg.indexData, b[:]...)
	}

	assert.Equal(t, int32(0), seg.searchIndex(0))
	assert.Equal(t, int32(0), seg.searchIndex(4))
	assert.Equal(t, int32(110), seg.searchIndex(5))
	assert.Equal(t, int32(110), seg.searchIndex(11))
	assert.Equal(t, int32(264), seg.searchIndex(12))
	assert.Equal(t, int32(264), seg.searchIndex(1000))
}

func TestSearchIndexEmpty(t *testing.T) {
	seg := &Segment{}
	assert.Equal(t, int32(0), seg.searchIndex(7))
}

func TestOpenSegmentDropsTornIndexEntry(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(dir, 0)
	require.NoError(t, err)
	require.NoError(t, seg.writeBatch(EncodeBatch(0, [][]byte{[]byte("hello")})))
	require.NoError(t, seg.writeIndexEntry(0, 0))
	require.NoError(t, seg.Close())

	// simulate a crash mid index write
	f, err := os.OpenFile(indexFilePath(dir, 0), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, nextOffset, err := openSegment(dir, 0)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, int64(1), nextOffset)
	assert.Equal(t, int64(IndexEntrySize), reopened.IndexSize())
}

func TestScanRecordsStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.log")
	encoded := EncodeBatch(0, [][]byte{[]byte("first"), []byte("second")})
	// drop the last 3 bytes of the second record
	require.NoError(t, os.WriteFile(path, encoded[:len(encoded)-3], 0644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	stat, err := f.Stat()
	require.NoError(t, err)
	end, lastOffset, found, err := scanRecords(f, 0, stat.Size())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(0), lastOffset)
	assert.Equal(t, int64(RecordHeaderSize+len("first")), end)
}

func TestListSegmentBasesSorted(t *testing.T) {
	dir := t.TempDir()
	for _, base := range []int64{42, 0, 7} {
		require.NoError(t, os.WriteFile(logFilePath(dir, base), nil, 0644))
	}
	// unrelated files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644))

	bases, err := listSegmentBases(dir)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 7, 42}, bases)
}
