package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// DefaultPayloadBufferSize is the initial capacity of pooled payload buffers.
const DefaultPayloadBufferSize = 16 * 1024

// BufferPool holds the buffers batches are serialised and compressed into.
var BufferPool = NewBufferPool(DefaultPayloadBufferSize)

// bufferPool is a sync.Pool of *bytes.Buffer that keeps hit/miss counters.
type bufferPool struct {
	pool     sync.Pool
	capacity int

	hits    atomic.Uint64
	created atomic.Uint64
}

// NewBufferPool creates a buffer pool whose new buffers start with the given
// capacity.
func NewBufferPool(capacity int) *bufferPool {
	bp := &bufferPool{capacity: capacity}
	bp.pool.New = func() interface{} {
		bp.created.Add(1)
		return bytes.NewBuffer(make([]byte, 0, bp.capacity))
	}
	return bp
}

// Get retrieves an empty buffer.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.hits.Add(1)
	return bp.pool.Get().(*bytes.Buffer)
}

// Put resets buf and returns it to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	bp.pool.Put(buf)
}

// GetMetrics returns the number of Get calls and buffers allocated so far.
func (bp *bufferPool) GetMetrics() (gets, created uint64) {
	return bp.hits.Load(), bp.created.Load()
}
