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

package knv

import (
	"encoding/binary"
	"errors"
)

const defaultIndexSize = 32

// growth tiers; the table never shrinks
var indexTiers = []int{256, 8192}

const maxIndexSize = 8192

var errIndexNotFound = errors.New("knv: tag/key not found in index")

// childIndex is a per-node hash table over direct children, keyed by
// (tag, key bytes). Buckets chain through Node.htNext. The occupancy
// bitmap makes clearing O(bitmap): bucket slots may hold stale pointers,
// only slots with their bit set are live.
type childIndex struct {
	n    int
	size int

	inline   [defaultIndexSize]*Node
	inlineBM [1]uint64

	buckets []*Node
	bm      []uint64
}

func hashKey(tag uint32, key []byte, size int) uint32 {
	t := tag
	for len(key) >= 4 {
		t += binary.LittleEndian.Uint32(key)
		key = key[4:]
	}
	for i, rem := 0, len(key); i < rem; i++ {
		t += uint32(key[i]) << uint((rem-1-i)*8)
	}
	return t & uint32(size-1)
}

func bmGet(bm []uint64, i uint32) bool {
	return bm[i/64]&(1<<(i%64)) != 0
}

func bmSet(bm []uint64, i uint32) {
	bm[i/64] |= 1 << (i % 64)
}

func (ix *childIndex) lazyInit() {
	if ix.size == 0 {
		ix.size = defaultIndexSize
		ix.buckets = ix.inline[:]
		ix.bm = ix.inlineBM[:]
	}
}

// clear resets the table to the inline tier, touching only the bitmap.
func (ix *childIndex) clear() {
	ix.n = 0
	ix.size = defaultIndexSize
	ix.buckets = ix.inline[:]
	ix.bm = ix.inlineBM[:]
	ix.inlineBM[0] = 0
}

func (ix *childIndex) get(tag uint32, key []byte) *Node {
	ix.lazyInit()

	hi := hashKey(tag, key, ix.size)
	if !bmGet(ix.bm, hi) {
		return nil
	}
	for c := ix.buckets[hi]; c != nil; c = c.htNext {
		if c.matches(tag, key) {
			return c
		}
	}
	return nil
}

func (ix *childIndex) put(n *Node) {
	ix.lazyInit()

	if ix.n+1 > ix.size {
		ix.grow()
	}

	hi := hashKey(n.tag, n.key.val, ix.size)
	if !bmGet(ix.bm, hi) {
		bmSet(ix.bm, hi)
		n.htNext = nil
	} else {
		n.htNext = ix.buckets[hi]
	}
	ix.buckets[hi] = n
	ix.n++
}

func (ix *childIndex) remove(n *Node) error {
	ix.lazyInit()

	hi := hashKey(n.tag, n.key.val, ix.size)
	if bmGet(ix.bm, hi) {
		var prev *Node
		for c := ix.buckets[hi]; c != nil; c = c.htNext {
			if c == n {
				if prev != nil {
					prev.htNext = c.htNext
				} else {
					ix.buckets[hi] = c.htNext
				}
				c.htNext = nil
				ix.n--
				return nil
			}
			prev = c
		}
	}
	return errIndexNotFound
}

func (ix *childIndex) grow() {
	if ix.size >= maxIndexSize {
		return
	}

	newSize := maxIndexSize
	for _, tier := range indexTiers {
		if tier > ix.size {
			newSize = tier
			break
		}
	}

	newBuckets := make([]*Node, newSize)
	newBM := make([]uint64, (newSize+63)/64)

	n := 0
	for i := 0; i < ix.size; i++ {
		if !bmGet(ix.bm, uint32(i)) {
			continue
		}
		c := ix.buckets[i]
		for c != nil {
			next := c.htNext
			hi := hashKey(c.tag, c.key.val, newSize)
			if !bmGet(newBM, hi) {
				bmSet(newBM, hi)
				c.htNext = nil
			} else {
				c.htNext = newBuckets[hi]
			}
			newBuckets[hi] = c
			c = next
			n++
		}
	}

	ix.buckets = newBuckets
	ix.bm = newBM
	ix.size = newSize
	ix.n = n
}
