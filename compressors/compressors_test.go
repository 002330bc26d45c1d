package compressors

import (
	"bytes"
	"testing"

	"github.com/INLOpen/wellrelay/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressors(t *testing.T) {
	payloads := []struct {
		name string
		data []byte
	}{
		{name: "simple string", data: []byte("hello world, this is a test of the compressor")},
		{name: "repetitive data", data: bytes.Repeat([]byte(`{"Id":1,"Text":"pump off"},`), 200)},
		{name: "empty data", data: []byte{}},
		{name: "random data (less compressible)", data: []byte("82f7b5a3e1d9c0f4b8a6d2c1e0f3a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e3f2")},
	}

	for _, name := range []string{"zstd", "lz4", "snappy", "gzip", "none"} {
		c, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())

		for _, p := range payloads {
			t.Run(name+"/"+p.name, func(t *testing.T) {
				compressed, err := c.Compress(p.data)
				require.NoError(t, err)

				out, err := c.Decompress(compressed)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(p.data, out), "round trip mismatch: got %q", out)

				if p.name == "repetitive data" && name != "none" {
					assert.Less(t, len(compressed), len(p.data), "repetitive data should shrink")
				}
			})
		}
	}
}

func TestNew_Unknown(t *testing.T) {
	_, err := New("brotli")
	assert.Error(t, err)

	c, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "zstd", c.Name(), "zstd is the default")
}

func TestLZ4_CorruptFrame(t *testing.T) {
	c := NewLz4Compressor()
	_, err := c.Decompress([]byte{1, 2})
	assert.Error(t, err)

	frame, err := c.Compress(bytes.Repeat([]byte("abc"), 100))
	require.NoError(t, err)
	frame[4] = 9
	_, err = c.Decompress(frame)
	assert.Error(t, err)
}

func TestCodec(t *testing.T) {
	batch := []core.DeltaRecord{
		{ID: 1, Fields: map[string]any{"Id": 1, "Text": "a"}},
		{ID: 2, Fields: map[string]any{"Id": 2, "Text": "b"}},
	}

	for _, name := range []string{"zstd", "none"} {
		t.Run(name, func(t *testing.T) {
			c, err := New(name)
			require.NoError(t, err)
			codec := NewCodec(c)

			payload, err := codec.Encode(batch)
			require.NoError(t, err)

			var got []map[string]any
			require.NoError(t, codec.Decode(payload, &got))
			require.Len(t, got, 2)
			assert.Equal(t, "a", got[0]["Text"])
			assert.Equal(t, float64(2), got[1]["Id"])

			// A second encode must not clobber the first payload.
			first := append([]byte(nil), payload...)
			_, err = codec.Encode([]int{9, 9, 9})
			require.NoError(t, err)
			assert.Equal(t, first, payload)
		})
	}
}

func TestCodec_NilCompressor(t *testing.T) {
	codec := NewCodec(nil)
	assert.Equal(t, "none", codec.Name())
	payload, err := codec.Encode([]int64{3, 4})
	require.NoError(t, err)
	assert.Equal(t, "[3,4]", string(payload))
}
