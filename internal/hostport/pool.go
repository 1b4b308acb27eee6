package hostport

import "sync"

// BufferPool is the alloc/free host port: an amortized O(1) source of
// reusable byte buffers sized for one maximum-length PDU, avoiding a
// heap allocation per packet on the hot path.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a pool whose buffers are sized size bytes.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		},
	}
}

// Alloc returns a buffer resliced to the pool's configured capacity
// (len == cap). A reused buffer's bytes are not cleared.
func (p *BufferPool) Alloc() *[]byte {
	buf := p.pool.Get().(*[]byte)
	*buf = (*buf)[:cap(*buf)]
	return buf
}

// Free returns buf to the pool. Callers must not retain buf after
// calling Free.
func (p *BufferPool) Free(buf *[]byte) {
	p.pool.Put(buf)
}
