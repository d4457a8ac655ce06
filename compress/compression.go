package compress

import "fmt"

// CompressionType identifies a payload codec. The producer prefixes each
// compressed payload with this byte so consumers can pick the matching
// decompressor.
type CompressionType uint8

// Supported compression types
const (
	NONE   CompressionType = 0
	GZIP   CompressionType = 1
	SNAPPY CompressionType = 2
	LZ4    CompressionType = 3
	ZSTD   CompressionType = 4
)

var compressors = map[CompressionType]Compressor{
	NONE:   nil,
	GZIP:   &GzipCompressor{},
	SNAPPY: &SnappyCompressor{},
	LZ4:    &LZ4Compressor{},
	ZSTD:   &ZSTDCompressor{},
}

// Compressor represents one of the supported compressors
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// GetCompressor returns the Compressor for a codec byte, nil for NONE, and
// an error for a codec this build does not know.
func GetCompressor(t CompressionType) (Compressor, error) {
	c, ok := compressors[t]
	if !ok {
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
	return c, nil
}

// Parse maps a codec name from configuration to its type.
func Parse(name string) (CompressionType, error) {
	switch name {
	case "", "none":
		return NONE, nil
	case "gzip":
		return GZIP, nil
	case "snappy":
		return SNAPPY, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	default:
		return NONE, fmt.Errorf("unknown compression codec %q", name)
	}
}
