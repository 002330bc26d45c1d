package compressors

import (
	"fmt"
	"log"
	"sync"

	"github.com/INLOpen/wellrelay/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements core.Compressor using zstd with pooled coders.
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		encoderPool: sync.Pool{
			New: func() interface{} {
				// The writer is attached per call via Reset.
				enc, err := zstd.NewWriter(nil)
				if err != nil {
					log.Printf("Error creating new zstd encoder: %v", err)
					return nil
				}
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64*1024*1024))
				if err != nil {
					log.Printf("Error creating new zstd decoder: %v", err)
					return nil
				}
				return dec
			},
		},
	}
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if !ok || enc == nil {
		return nil, fmt.Errorf("zstd encoder unavailable")
	}
	defer c.encoderPool.Put(enc)

	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	enc.Reset(buf)
	if _, err := enc.Write(data); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd compress write error: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("zstd compress close error: %w", err)
	}

	// The pooled buffer is reused, hand out a copy.
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		return nil, fmt.Errorf("zstd decoder unavailable")
	}
	defer c.decoderPool.Put(dec)

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Name() string { return "zstd" }
