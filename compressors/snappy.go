package compressors

import (
	"fmt"

	"github.com/INLOpen/wellrelay/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements core.Compressor using the Snappy block format.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return out, nil
}

func (c *SnappyCompressor) Name() string { return "snappy" }
