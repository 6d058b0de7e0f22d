// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bufpool provides fixed-size byte buffers that are recycled
// between serialization and network transport. A buffer is owned by
// exactly one pipeline stage at a time; stages that need to share a
// buffer take an additional reference with Retain. The buffer returns
// to its pool when the last reference is released.
package bufpool

import (
	"fmt"
	"sync/atomic"

	bpool "github.com/libp2p/go-buffer-pool"
)

// A Pool is a source of fixed-capacity buffers. Pools are safe for
// concurrent use; they are the only resource shared between
// operations progressed by different goroutines.
type Pool struct {
	size int
	max  int64

	outstanding int64
	allocs      int64

	bytes bpool.BufferPool
}

// New returns a pool of buffers with the given capacity. At most max
// buffers may be checked out through TryGet at any time; max <= 0
// means no limit.
func New(size, max int) *Pool {
	if size <= 0 {
		panic(fmt.Sprintf("bufpool.New: invalid buffer size %d", size))
	}
	return &Pool{size: size, max: int64(max)}
}

// Size returns the capacity of the buffers in this pool.
func (p *Pool) Size() int { return p.size }

// Outstanding returns the number of buffers that are currently
// checked out and not yet released.
func (p *Pool) Outstanding() int { return int(atomic.LoadInt64(&p.outstanding)) }

// Allocs returns the total number of buffers handed out by the pool.
func (p *Pool) Allocs() int64 { return atomic.LoadInt64(&p.allocs) }

// Get returns a buffer from the pool regardless of the outstanding
// limit.
func (p *Pool) Get() *Buffer {
	atomic.AddInt64(&p.outstanding, 1)
	return p.get()
}

// TryGet returns a buffer from the pool, or false if the pool's
// outstanding limit has been reached. Callers treat false as
// backpressure and retry once buffers are released.
func (p *Pool) TryGet() (*Buffer, bool) {
	for {
		n := atomic.LoadInt64(&p.outstanding)
		if p.max > 0 && n >= p.max {
			return nil, false
		}
		if atomic.CompareAndSwapInt64(&p.outstanding, n, n+1) {
			return p.get(), true
		}
	}
}

func (p *Pool) get() *Buffer {
	atomic.AddInt64(&p.allocs, 1)
	return &Buffer{pool: p, data: p.bytes.Get(p.size), refs: 1}
}

func (p *Pool) put(b *Buffer) {
	p.bytes.Put(b.data)
	b.data = nil
	atomic.AddInt64(&p.outstanding, -1)
}

// A Buffer is a fixed-capacity byte region drawn from a Pool. Its
// length is the number of bytes written into it so far.
type Buffer struct {
	pool *Pool
	data []byte
	n    int
	refs int32
}

// Data returns the full capacity of the buffer.
func (b *Buffer) Data() []byte { return b.data }

// Bytes returns the written portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Len returns the number of bytes written into the buffer.
func (b *Buffer) Len() int { return b.n }

// SetLen sets the number of bytes written into the buffer.
func (b *Buffer) SetLen(n int) {
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("bufpool.Buffer.SetLen: length %d out of range [0, %d]", n, len(b.data)))
	}
	b.n = n
}

// Cap returns the capacity of the buffer.
func (b *Buffer) Cap() int { return len(b.data) }

// Refs returns the buffer's current reference count.
func (b *Buffer) Refs() int { return int(atomic.LoadInt32(&b.refs)) }

// Retain adds a reference to the buffer. Each call to Retain must be
// matched by a call to Release.
func (b *Buffer) Retain() {
	if atomic.AddInt32(&b.refs, 1) <= 1 {
		panic("bufpool.Buffer.Retain: buffer already returned to pool")
	}
}

// Release drops a reference to the buffer. When the last reference is
// dropped the buffer is returned to its pool and must not be used
// again.
func (b *Buffer) Release() {
	switch n := atomic.AddInt32(&b.refs, -1); {
	case n == 0:
		b.n = 0
		b.pool.put(b)
	case n < 0:
		panic("bufpool.Buffer.Release: buffer released too many times")
	}
}
