package compressors

import (
	"github.com/INLOpen/wellrelay/core"
)

// NoCompressionCompressor passes payloads through unchanged.
type NoCompressionCompressor struct{}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompressionCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompressionCompressor) Name() string { return "none" }
