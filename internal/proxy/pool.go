package proxy

import "sync"

// DefaultBufferSize is the initial-read size and per-direction relay buffer
// size used when Config.BufferSize is unset.
const DefaultBufferSize = 4096

// BufferPool hands out fixed-size transfer buffers.
type BufferPool interface {
	Get() []byte
	Put([]byte)
}

type bufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns a BufferPool of size-byte buffers.
func NewBufferPool(size int) BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}

	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *bufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	// This &b forces a 32-byte heap allocation.  There's no way to avoid this when converting a non-pointer to an interface{}.
	p.pool.Put(&b)
}
