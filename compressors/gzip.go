package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/wellrelay/core"
	"github.com/klauspost/compress/gzip"
)

// GzipCompressor implements core.Compressor with gzip framing, for consumers
// that can only inflate standard formats.
type GzipCompressor struct {
	level int
}

var _ core.Compressor = (*GzipCompressor)(nil)

func NewGzipCompressor() *GzipCompressor {
	return &GzipCompressor{level: gzip.DefaultCompression}
}

func (c *GzipCompressor) Compress(data []byte) ([]byte, error) {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	w, err := gzip.NewWriterLevel(buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gzip compress write error: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress close error: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress error: %w", err)
	}
	return out, nil
}

func (c *GzipCompressor) Name() string { return "gzip" }
