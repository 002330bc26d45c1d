// Package compressors provides the payload framing used on the wire: a batch
// is serialised to JSON and then compressed by one of the registered
// compressors.
package compressors

import (
	"fmt"
	"strings"

	"github.com/INLOpen/wellrelay/core"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// New returns the compressor registered under name.
func New(name string) (core.Compressor, error) {
	switch strings.ToLower(name) {
	case "zstd", "":
		return NewZstdCompressor(), nil
	case "lz4":
		return NewLz4Compressor(), nil
	case "snappy":
		return NewSnappyCompressor(), nil
	case "gzip":
		return NewGzipCompressor(), nil
	case "none":
		return &NoCompressionCompressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}

// Codec turns values into compressed wire payloads and back.
type Codec struct {
	compressor core.Compressor
}

// NewCodec wraps c. A nil compressor means no compression.
func NewCodec(c core.Compressor) *Codec {
	if c == nil {
		c = &NoCompressionCompressor{}
	}
	return &Codec{compressor: c}
}

// Name returns the name of the underlying compressor.
func (c *Codec) Name() string { return c.compressor.Name() }

// Encode serialises v as JSON and compresses the result.
func (c *Codec) Encode(v any) ([]byte, error) {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to serialise payload: %w", err)
	}
	// Drop the newline json.Encoder appends.
	raw := buf.Bytes()
	if n := len(raw); n > 0 && raw[n-1] == '\n' {
		raw = raw[:n-1]
	}

	out, err := c.compressor.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress payload with %s: %w", c.compressor.Name(), err)
	}
	// Compressors that pass data through would otherwise alias the pooled buffer.
	if len(out) > 0 && len(raw) > 0 && &out[0] == &raw[0] {
		out = append([]byte(nil), out...)
	}
	return out, nil
}

// Decode decompresses data and unmarshals the JSON into v.
func (c *Codec) Decode(data []byte, v any) error {
	raw, err := c.compressor.Decompress(data)
	if err != nil {
		return fmt.Errorf("failed to decompress payload with %s: %w", c.compressor.Name(), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to deserialise payload: %w", err)
	}
	return nil
}
