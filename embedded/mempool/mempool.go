/*
Copyright 2025 The KNV Proto Engine Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mempool implements a bucketed buffer pool with power-of-two size
// classes and shrinkage under memory pressure. Tree operations allocate
// many short-lived intermediate buffers (re-folded values, key copies);
// the pool caps their steady-state footprint.
package mempool

import (
	"errors"

	"github.com/knvproto/knvengine/embedded/metrics"
)

var ErrOutOfMemory = errors.New("mempool: out of memory")

// DefaultMaxSize is the soft cap of the default pool.
const DefaultMaxSize = 1 << 30

var classSizes = []int{
	64,
	256,
	1 << 10,
	4 << 10,
	16 << 10,
	64 << 10,
	256 << 10,
	1 << 20,
	4 << 20,
	16 << 20,
}

// MaxClassSize is the largest pooled buffer; bigger requests are served
// directly and not retained.
const MaxClassSize = 16 << 20

// Mem is an allocation handle. Its slice has the requested length and the
// class capacity; the extra capacity may be used by the holder.
type Mem struct {
	buf   []byte
	class int
}

func (m *Mem) Bytes() []byte {
	return m.buf
}

func (m *Mem) Len() int {
	return len(m.buf)
}

// Cap returns the size class capacity, which may exceed the requested
// length.
func (m *Mem) Cap() int {
	return cap(m.buf)
}

type classPool struct {
	each  int64
	total int64 // in use
	free  int64 // retained on the free list
	max   int64
	list  [][]byte
}

func (c *classPool) alloc() ([]byte, bool) {
	if n := len(c.list); n > 0 {
		b := c.list[n-1]
		c.list = c.list[:n-1]
		c.free -= c.each
		c.total += c.each
		return b, true
	}
	if c.total+c.each > c.max {
		return nil, false
	}
	c.total += c.each
	return make([]byte, c.each), true
}

func (c *classPool) release(b []byte) {
	c.list = append(c.list, b[:cap(b)])
	c.free += c.each
	if c.total >= c.each {
		c.total -= c.each
	}
}

// shrink releases retained space from this class and returns the number
// of bytes reclaimed. Unallocated headroom is halved first; only then are
// free buffers dropped, down to min(max/4, total).
func (c *classPool) shrink() int64 {
	allocated := c.total + c.free
	if c.max > allocated*2 {
		shk := ((c.max - allocated) / 2) &^ (c.each - 1)
		if shk > c.each {
			c.max -= shk
			return shk
		}
	}

	var shk int64
	maxFree := c.max / 4
	if maxFree > c.total {
		maxFree = c.total
	}

	for c.free > maxFree && len(c.list) > 0 {
		c.list = c.list[:len(c.list)-1]
		c.free -= c.each
		shk += c.each
	}

	if c.max >= shk {
		c.max -= shk
	}
	return shk
}

// Pool is the single-goroutine variant: no locking, no atomics. Use
// SharedPool when buffers cross goroutines.
type Pool struct {
	classes []classPool
}

func New(maxSize int64) *Pool {
	p := &Pool{classes: make([]classPool, len(classSizes))}
	for i, sz := range classSizes {
		p.classes[i].each = int64(sz)
		p.classes[i].max = maxSize / int64(len(classSizes))
	}
	return p
}

// SetMaxSize redistributes the soft cap over the size classes.
func (p *Pool) SetMaxSize(maxSize int64) {
	for i := range p.classes {
		p.classes[i].max = maxSize / int64(len(p.classes))
	}
}

func classFor(n int) int {
	for i, sz := range classSizes {
		if n <= sz {
			return i
		}
	}
	return -1
}

// Alloc returns a buffer of length n. Requests above MaxClassSize fall
// through to a direct allocation that is not pooled.
func (p *Pool) Alloc(n int) (*Mem, error) {
	if n < 0 {
		return nil, ErrOutOfMemory
	}

	ci := classFor(n)
	if ci < 0 {
		metrics.IncPoolDirectAllocs()
		return &Mem{buf: make([]byte, n), class: -1}, nil
	}

	c := &p.classes[ci]
	b, ok := c.alloc()
	if !ok {
		// under pressure: reclaim at least one buffer worth of space,
		// larger classes first, then retry once
		if p.shrinkFor(ci) > 0 {
			b, ok = c.alloc()
		}
		if !ok {
			metrics.IncPoolAllocFailures()
			return nil, ErrOutOfMemory
		}
	}

	metrics.SetPoolBytes(int(c.each), c.total, c.free)
	return &Mem{buf: b[:n], class: ci}, nil
}

// Free returns the buffer to its class free list. Direct allocations are
// simply dropped.
func (p *Pool) Free(m *Mem) {
	if m == nil || m.class < 0 {
		return
	}
	c := &p.classes[m.class]
	c.release(m.buf)
	m.buf = nil
	metrics.SetPoolBytes(int(c.each), c.total, c.free)
}

func (p *Pool) shrinkFor(ci int) int64 {
	metrics.IncPoolShrinks()

	needed := p.classes[ci].each
	var shk int64

	for i := len(p.classes) - 1; i > ci; i-- {
		shk += p.classes[i].shrink()
		if shk >= needed {
			p.classes[ci].max += shk
			return shk
		}
	}
	for i := ci - 1; i >= 0; i-- {
		shk += p.classes[i].shrink()
	}

	p.classes[ci].max += shk
	return shk
}

// InUse returns the total bytes currently handed out.
func (p *Pool) InUse() int64 {
	var t int64
	for i := range p.classes {
		t += p.classes[i].total
	}
	return t
}

// Retained returns the total bytes held on free lists.
func (p *Pool) Retained() int64 {
	var t int64
	for i := range p.classes {
		t += p.classes[i].free
	}
	return t
}
