package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonnegut/vonnegut/types"
)

func testConfig(t *testing.T) types.Configuration {
	t.Helper()
	return types.Configuration{
		LogDirs:            []string{t.TempDir()},
		SegmentBytes:       types.MaxSegmentBytes,
		IndexMaxBytes:      1 << 20,
		IndexIntervalBytes: 4096,
	}
}

func startStorage(t *testing.T, cfg types.Configuration) {
	t.Helper()
	require.NoError(t, Startup(cfg, make(chan bool)))
	t.Cleanup(Shutdown)
}

func payloadsOf(values ...string) [][]byte {
	payloads := make([][]byte, len(values))
	for i, v := range values {
		payloads[i] = []byte(v)
	}
	return payloads
}

func fetchValues(t *testing.T, p *Partition, offset int64, maxBytes int32) []string {
	t.Helper()
	recordSet, err := p.Fetch(offset, maxBytes)
	require.NoError(t, err)
	if len(recordSet) == 0 {
		return nil
	}
	payloads, err := DecodeBatch(recordSet)
	require.NoError(t, err)
	values := make([]string, len(payloads))
	for i, p := range payloads {
		values[i] = string(p)
	}
	return values
}

func TestAppendAssignsContiguousOffsets(t *testing.T) {
	startStorage(t, testConfig(t))
	require.NoError(t, EnsurePartition("orders", 0))
	p := GetPartition("orders", 0)
	require.NotNil(t, p)

	first, n, err := p.Append(payloadsOf("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), first)
	assert.Equal(t, 3, n)

	first, n, err = p.Append(payloadsOf("d"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), first)
	assert.Equal(t, 1, n)

	assert.Equal(t, int64(4), p.HighWaterMark())
	assert.Equal(t, []string{"a", "b", "c", "d"}, fetchValues(t, p, 0, 0))
}

func TestFetchBoundaries(t *testing.T) {
	startStorage(t, testConfig(t))
	require.NoError(t, EnsurePartition("orders", 0))
	p := GetPartition("orders", 0)
	_, _, err := p.Append(payloadsOf("a", "b"))
	require.NoError(t, err)

	// fetching exactly the high-water mark is empty with no error
	recordSet, err := p.Fetch(2, 0)
	require.NoError(t, err)
	assert.Empty(t, recordSet)

	_, err = p.Fetch(3, 0)
	assert.ErrorIs(t, err, ErrOffsetOutOfRange)
	_, err = p.Fetch(-1, 0)
	assert.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func TestFetchHonorsMaxBytesWithProgress(t *testing.T) {
	startStorage(t, testConfig(t))
	require.NoError(t, EnsurePartition("orders", 0))
	p := GetPartition("orders", 0)
	_, _, err := p.Append(payloadsOf("0123456789", "0123456789", "0123456789"))
	require.NoError(t, err)

	// two whole records fit into 44 bytes, the third does not
	assert.Len(t, fetchValues(t, p, 0, 44), 2)
	// a cap smaller than one record still returns that record
	assert.Len(t, fetchValues(t, p, 0, 10), 1)
}

// Ten 10-byte records in two-record batches with a 40-byte segment cap must
// land in segments based 0, 2, 4, 6, 8, and the index files must stay
// within their 12-byte cap.
func TestSegmentRolling(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentBytes = 40
	cfg.IndexIntervalBytes = 20
	cfg.IndexMaxBytes = 12
	startStorage(t, cfg)
	require.NoError(t, EnsurePartition("rolling", 0))
	p := GetPartition("rolling", 0)

	for i := 0; i < 5; i++ {
		first, _, err := p.Append(payloadsOf("0123456789", "0123456789"))
		require.NoError(t, err)
		assert.Equal(t, int64(2*i), first)
	}

	segments := p.snapshotSegments()
	var bases []int64
	for _, s := range segments {
		bases = append(bases, s.BaseOffset)
		assert.LessOrEqual(t, s.IndexSize(), int64(12))
	}
	assert.Equal(t, []int64{0, 2, 4, 6, 8}, bases)

	// segment k+1's base must equal segment k's base plus its record count
	for i, s := range segments[:len(segments)-1] {
		values := fetchValues(t, p, s.BaseOffset, 0)
		assert.Equal(t, segments[i+1].BaseOffset, s.BaseOffset+int64(len(values)))
	}

	// offset 5 lives in the base-4 segment; the response stops at its end
	assert.Equal(t, []string{"0123456789"}, fetchValues(t, p, 5, 0))
}

func TestRollBeforeOversizedWrite(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentBytes = 40
	startStorage(t, cfg)
	require.NoError(t, EnsurePartition("boundary", 0))
	p := GetPartition("boundary", 0)

	_, _, err := p.Append(payloadsOf("0123456789"))
	require.NoError(t, err)
	// 44 encoded bytes cannot follow 22 in a 40-byte segment: roll first
	_, _, err = p.Append(payloadsOf("0123456789", "0123456789"))
	require.NoError(t, err)

	segments := p.snapshotSegments()
	require.Len(t, segments, 2)
	assert.Equal(t, int64(1), segments[1].BaseOffset)
	// pos after the write equals the encoded batch size
	assert.Equal(t, int64(44), segments[1].LogSize())
}

func TestIndexCapTriggersRoll(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentBytes = 1000
	cfg.IndexIntervalBytes = 10
	cfg.IndexMaxBytes = 6
	startStorage(t, cfg)
	require.NoError(t, EnsurePartition("indexcap", 0))
	p := GetPartition("indexcap", 0)

	for i := 0; i < 3; i++ {
		_, _, err := p.Append(payloadsOf("0123456789"))
		require.NoError(t, err)
	}
	// every record earns an entry and the second entry never fits, so each
	// segment holds exactly one record
	var bases []int64
	for _, s := range p.snapshotSegments() {
		bases = append(bases, s.BaseOffset)
		assert.LessOrEqual(t, s.IndexSize(), int64(6))
	}
	assert.Equal(t, []int64{0, 1, 2}, bases)
}

func TestRecoveryTruncatesTornRecord(t *testing.T) {
	cfg := testConfig(t)
	startStorage(t, cfg)
	require.NoError(t, EnsurePartition("recovery", 0))
	p := GetPartition("recovery", 0)
	for i := 0; i < 100; i++ {
		_, _, err := p.Append(payloadsOf(fmt.Sprintf("payload-%02d", i)))
		require.NoError(t, err)
	}
	dir := p.Dir
	Shutdown()

	logPath := logFilePath(dir, 0)
	stat, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath, stat.Size()-5))

	startStorage(t, cfg)
	p = GetPartition("recovery", 0)
	require.NotNil(t, p)
	assert.Equal(t, int64(99), p.HighWaterMark())

	first, _, err := p.Append(payloadsOf("payload-99"))
	require.NoError(t, err)
	assert.Equal(t, int64(99), first)
	assert.Equal(t, []string{"payload-98", "payload-99"}, fetchValues(t, p, 98, 0))
}

func TestRecoveryWithoutIndexRescansLog(t *testing.T) {
	cfg := testConfig(t)
	cfg.IndexIntervalBytes = 10 // every batch earns an index entry
	startStorage(t, cfg)
	require.NoError(t, EnsurePartition("noindex", 0))
	p := GetPartition("noindex", 0)
	for i := 0; i < 10; i++ {
		_, _, err := p.Append(payloadsOf(fmt.Sprintf("payload-%02d", i)))
		require.NoError(t, err)
	}
	dir := p.Dir
	Shutdown()

	require.NoError(t, os.Remove(indexFilePath(dir, 0)))

	startStorage(t, cfg)
	p = GetPartition("noindex", 0)
	require.NotNil(t, p)
	assert.Equal(t, int64(10), p.HighWaterMark())
	assert.Len(t, fetchValues(t, p, 0, 0), 10)
}

func readPartitionFiles(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	files := make(map[string][]byte)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		require.NoError(t, err)
		files[entry.Name()] = data
	}
	return files
}

// Starting the engine, stopping it, and restarting must not change the
// high-water mark or a single on-disk byte.
func TestRecoveryFixedPoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentBytes = 100
	cfg.IndexIntervalBytes = 30
	startStorage(t, cfg)
	require.NoError(t, EnsurePartition("fixedpoint", 0))
	p := GetPartition("fixedpoint", 0)
	for i := 0; i < 20; i++ {
		_, _, err := p.Append(payloadsOf(fmt.Sprintf("payload-%02d", i)))
		require.NoError(t, err)
	}
	dir := p.Dir
	highWaterMark := p.HighWaterMark()
	Shutdown()
	before := readPartitionFiles(t, dir)

	startStorage(t, cfg)
	p = GetPartition("fixedpoint", 0)
	require.NotNil(t, p)
	assert.Equal(t, highWaterMark, p.HighWaterMark())
	Shutdown()
	assert.Equal(t, before, readPartitionFiles(t, dir))

	// and once more to make sure recovery itself is idempotent
	startStorage(t, cfg)
	assert.Equal(t, highWaterMark, GetPartition("fixedpoint", 0).HighWaterMark())
}

// A fetch racing ten single-record produces must only ever observe a prefix
// of whole committed records.
func TestConcurrentFetchSeesNoTornRecords(t *testing.T) {
	startStorage(t, testConfig(t))
	require.NoError(t, EnsurePartition("race", 0))
	p := GetPartition("race", 0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if _, _, err := p.Append(payloadsOf(fmt.Sprintf("payload-%02d", i))); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		recordSet, err := p.Fetch(0, 0)
		require.NoError(t, err)
		if len(recordSet) == 0 {
			continue
		}
		payloads, err := DecodeBatch(recordSet)
		require.NoError(t, err)
		for j, payload := range payloads {
			assert.Equal(t, fmt.Sprintf("payload-%02d", j), string(payload))
		}
	}
	wg.Wait()
	assert.Len(t, fetchValues(t, p, 0, 0), 10)
}

func TestAppendAfterCloseFails(t *testing.T) {
	startStorage(t, testConfig(t))
	require.NoError(t, EnsurePartition("closed", 0))
	p := GetPartition("closed", 0)
	require.NoError(t, p.Close())
	_, _, err := p.Append(payloadsOf("a"))
	assert.ErrorIs(t, err, ErrPartitionClosed)
}

func TestStartupRejectsOversizedSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.SegmentBytes = types.MaxSegmentBytes + 1
	err := Startup(cfg, make(chan bool))
	require.Error(t, err)
}

func TestLoadTopicsStateDiscoversPartitions(t *testing.T) {
	cfg := testConfig(t)
	startStorage(t, cfg)
	require.NoError(t, CreateTopic("discovered", 3))
	for i := uint32(0); i < 3; i++ {
		p := GetPartition("discovered", i)
		require.NotNil(t, p)
		_, _, err := p.Append(payloadsOf("x"))
		require.NoError(t, err)
	}
	Shutdown()

	startStorage(t, cfg)
	assert.Equal(t, []uint32{0, 1, 2}, TopicPartitions("discovered"))
	for i := uint32(0); i < 3; i++ {
		assert.Equal(t, int64(1), GetPartition("discovered", i).HighWaterMark())
	}
}
