// Package generic holds small type-safe helpers shared across packages.
package generic

import (
	"bytes"
	"sync"
)

// Pool is a typed wrapper around sync.Pool. Values are passed through reset
// before they are put back so callers always get a clean value.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

func NewPool[T any](generate func() T, reset func(T)) *Pool[T] {
	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				return generate()
			},
		},
		reset: reset,
	}
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	if p.reset != nil {
		p.reset(value)
	}
	p.pool.Put(value)
}

// maxPooledBuffer keeps oversized buffers from pinning memory in the pool.
const maxPooledBuffer = 1 << 20

// NewBufferPool returns a pool of bytes.Buffer. Buffers that grew beyond
// 1 MiB are truncated to a fresh allocation when returned.
func NewBufferPool() *Pool[*bytes.Buffer] {
	return NewPool(
		func() *bytes.Buffer { return new(bytes.Buffer) },
		func(b *bytes.Buffer) {
			if b.Cap() > maxPooledBuffer {
				*b = bytes.Buffer{}
				return
			}
			b.Reset()
		},
	)
}
