package compress

import (
	"bytes"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface
type LZ4Compressor struct{}

// Writers and readers are pooled instead of letting the GC churn through
// one instance per call.
var (
	lz4WriterPool = sync.Pool{
		New: func() any {
			return lz4.NewWriter(nil)
		},
	}
	lz4ReaderPool = sync.Pool{
		New: func() any {
			return lz4.NewReader(nil)
		},
	}
)

// Compress takes in data and applies LZ4 to it
func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4WriterPool.Get().(*lz4.Writer)
	writer.Reset(&buf)
	defer lz4WriterPool.Put(writer)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress decompresses LZ4-compressed data
func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	reader := lz4ReaderPool.Get().(*lz4.Reader)
	reader.Reset(bytes.NewReader(data))
	defer lz4ReaderPool.Put(reader)

	var decompressed bytes.Buffer
	if _, err := decompressed.ReadFrom(reader); err != nil {
		return nil, err
	}
	return decompressed.Bytes(), nil
}
