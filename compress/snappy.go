package compress

// xerial snappy is the Java framing of Google's snappy algorithm used by
// Kafka producers. go-xerial-snappy wraps github.com/golang/snappy and
// handles that framing.
import snappy "github.com/eapache/go-xerial-snappy"

// SnappyCompressor implements the Compressor interface
type SnappyCompressor struct{}

// Compress takes in data and applies snappy to it
func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(data), nil
}

// Decompress decompresses snappy-compressed data
func (c *SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(data)
}
