package compress

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZSTDCompressor implements the Compressor interface
type ZSTDCompressor struct{}

var (
	zstdWriterPool, zstdReaderPool sync.Pool
)

// Compress takes in data and applies zstd to it
func (c *ZSTDCompressor) Compress(data []byte) ([]byte, error) {
	encoder, found := zstdWriterPool.Get().(*zstd.Encoder)
	if !found {
		var err error
		// WithZeroFrames encodes empty input as a full frame, matching
		// stock zstandard output
		encoder, err = zstd.NewWriter(nil, zstd.WithZeroFrames(true))
		if err != nil {
			return nil, err
		}
	}
	defer zstdWriterPool.Put(encoder)
	return encoder.EncodeAll(data, nil), nil
}

// Decompress decompresses zstd-compressed data
func (c *ZSTDCompressor) Decompress(data []byte) ([]byte, error) {
	decoder, found := zstdReaderPool.Get().(*zstd.Decoder)
	if !found {
		var err error
		decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	defer zstdReaderPool.Put(decoder)
	return decoder.DecodeAll(data, nil)
}
