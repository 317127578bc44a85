package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// Pool is a thread-safe pool of byte buffers backed by valyala/bytebufferpool.
// It is used for segment prefetch bodies and upstream copy buffers so the
// relay does not allocate a fresh slice for every chunk it moves.
type Pool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewPool creates a Pool whose buffers are pre-grown to the given size.
func NewPool(bufferSize int64) *Pool {
	return &Pool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a reset buffer from the pool, grown to the configured size
// when the pooled buffer is smaller.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	buf.Reset()
	if cap(buf.B) < p.bufferSize {
		buf.B = make([]byte, 0, p.bufferSize)
	}
	return buf
}

// Put returns a buffer to the pool. Nil buffers are ignored.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}
