package pump

import "sync"

// bufferPool hands out fixed-size byte slices for the copy loops.
type bufferPool struct {
	size int
	pool *sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{
		size: size,
		pool: &sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	if b == nil || len(*b) != p.size {
		// Invalid buffer size, discard the buffer
		return
	}
	p.pool.Put(b)
}
