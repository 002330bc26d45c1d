package compressors

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/wellrelay/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements core.Compressor using the LZ4 block format. The
// block format does not record the decoded size, so every frame starts with
// a header: the uncompressed length (little-endian uint32) and a mode byte.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

const (
	lz4HeaderSize = 5
	lz4ModeRaw    = 0
	lz4ModeBlock  = 1
	// maxLZ4Decoded bounds the size a frame may claim.
	maxLZ4Decoded = 64 * 1024 * 1024
)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, lz4HeaderSize+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(dst, uint32(len(data)))

	n := 0
	if len(data) > 0 {
		var err error
		n, err = lz4.CompressBlock(data, dst[lz4HeaderSize:], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress error: %w", err)
		}
	}
	if n == 0 {
		// Incompressible (or empty) input is stored raw.
		dst[4] = lz4ModeRaw
		return append(dst[:lz4HeaderSize], data...), nil
	}
	dst[4] = lz4ModeBlock
	return dst[:lz4HeaderSize+n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < lz4HeaderSize {
		return nil, errors.New("lz4 frame too short")
	}
	size := int(binary.LittleEndian.Uint32(data))
	body := data[lz4HeaderSize:]
	if size > maxLZ4Decoded {
		return nil, fmt.Errorf("lz4 frame claims %d bytes, limit is %d", size, maxLZ4Decoded)
	}

	switch data[4] {
	case lz4ModeRaw:
		if len(body) != size {
			return nil, fmt.Errorf("lz4 raw frame has %d bytes, header declared %d", len(body), size)
		}
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	case lz4ModeBlock:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompressed %d bytes, header declared %d", n, size)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("lz4 frame has unknown mode %d", data[4])
	}
}

func (c *LZ4Compressor) Name() string { return "lz4" }
