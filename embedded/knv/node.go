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

// Package knv implements Key-N-Value trees: a structured overlay on the
// protobuf wire format where every node is addressed by (tag, key). The
// key is the value of the tag-1 sub-field. Tags 1..10 are metas; data
// children start at tag 11.
//
// Nodes are lazily expanded from their serialized buffer and folded back
// on demand; serialized sizes are cached and maintained incrementally so
// sizing never re-encodes. Trees are not safe for concurrent use; hand a
// tree to another goroutine by serializing and reparsing.
package knv

import (
	"errors"

	"github.com/knvproto/knvengine/embedded/mempool"
	"github.com/knvproto/knvengine/embedded/wire"
)

// MaxMetaTag is the highest tag reserved for metas; children start at
// MaxMetaTag+1.
const MaxMetaTag = 10

var (
	ErrInvalidFormat       = errors.New("knv: invalid buffer format")
	ErrInvalidArgument     = errors.New("knv: invalid argument")
	ErrTypeMismatch        = errors.New("knv: node type mismatch")
	ErrKeyConflict         = errors.New("knv: key differs from existing data")
	ErrLeafCannotHaveChild = errors.New("knv: leaf cannot have child")
	ErrNotFound            = errors.New("knv: not found")
	ErrTagOutOfRange       = errors.New("knv: meta tag out of range")
	ErrSizeMismatch        = errors.New("knv: eval size differs from encoded size")
)

// value is the raw payload: i64 for the int wire types, str for bytes.
type value struct {
	i64 uint64
	str []byte
}

func valueOf(f *wire.Field) value {
	if f.Type == wire.Bytes {
		return value{str: f.Bytes}
	}
	return value{i64: f.Uint()}
}

func fieldLength(tag uint32, t wire.Type, v value) int {
	switch t {
	case wire.Varint:
		return wire.SizeVarintField(tag, v.i64)
	case wire.Fixed32:
		return wire.SizeFixed32Field(tag)
	case wire.Fixed64:
		return wire.SizeFixed64Field(tag)
	}
	return wire.SizeBytesField(tag, len(v.str))
}

// Node is a KNV tree, or one node of it. A composite node is either
// folded (childNum == -1, the buffer is authoritative) or expanded
// (children and metas are authoritative when subnodeDirty).
type Node struct {
	tag uint32
	typ wire.Type
	key Key
	val value
	mem *mempool.Mem // pool-owned backing of val.str, if any

	parent *Node
	next   *Node
	prev   *Node
	htNext *Node

	childNum  int // -1: not expanded; >=0: expanded child count
	childHead *Node
	metaHead  *Node
	metas     [MaxMetaTag + 1]*Node
	index     childIndex

	subnodeDirty bool
	childHasKey  bool
	noKey        bool

	evalSize    int // cached encoded size incl. header; -1 when stale
	evalValSize int // cached value size; meaningful for composite nodes
}

// Parse constructs a tree from a buffer holding one tag-wrapped message.
// With copyBuf false the tree borrows buf, which must then outlive it.
func Parse(buf []byte, copyBuf bool) (*Node, error) {
	d := wire.NewDecoder(buf)
	var f wire.Field

	ok, err := d.Next(&f)
	if err != nil || !ok {
		return nil, ErrInvalidFormat
	}

	n := &Node{}
	if err := n.init(f.Tag, f.Type, valueOf(&f), copyBuf, true, f.Size, false); err != nil {
		return nil, err
	}
	return n, nil
}

func newTyped(tag uint32, typ wire.Type, key Key, v value, copyBuf bool) (*Node, error) {
	if tag == 0 {
		return nil, ErrInvalidArgument
	}

	n := &Node{}
	if err := n.init(tag, typ, v, copyBuf, true, 0, false); err != nil {
		return nil, err
	}

	if !key.IsEmpty() {
		n.key = key
		if copyBuf {
			n.key = key.clone()
		}
		if err := n.setMeta(1, n.key.typ, n.key.fieldValue(), false, true); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// NewTree builds an empty composite node; key may be NoKey.
func NewTree(tag uint32, key Key) (*Node, error) {
	return newTyped(tag, wire.Bytes, key, value{}, true)
}

// NewUint builds an integer leaf of the given wire type.
func NewUint(tag uint32, typ wire.Type, v uint64) (*Node, error) {
	if typ == wire.Bytes || !typ.Valid() {
		return nil, ErrTypeMismatch
	}
	return newTyped(tag, typ, NoKey, value{i64: v}, true)
}

// NewBytes builds a bytes node. Whether it acts as a leaf string or a
// composite sub-message is structural: it expands on first structured
// access.
func NewBytes(tag uint32, b []byte, copyBuf bool) (*Node, error) {
	return newTyped(tag, wire.Bytes, NoKey, value{str: b}, copyBuf)
}

// NewKeyedBytes builds a bytes node carrying an explicit key.
func NewKeyedBytes(tag uint32, key Key, b []byte, copyBuf bool) (*Node, error) {
	return newTyped(tag, wire.Bytes, key, value{str: b}, copyBuf)
}

// init is the only initialization entry for Node.
func (n *Node) init(tag uint32, typ wire.Type, v value, copyBuf, updateEval bool, fieldSz int, forceNoKey bool) error {
	n.tag = tag
	n.typ = typ
	n.parent = nil

	strLen := 0
	if typ == wire.Bytes {
		strLen = len(v.str)
		n.val.str = v.str
		if copyBuf && strLen > 0 {
			m, err := mempool.Alloc(strLen)
			if err != nil {
				return err
			}
			copy(m.Bytes(), v.str)
			n.mem = m
			n.val.str = m.Bytes()
		}
	} else {
		n.val.i64 = v.i64
	}

	chNum := -1
	if updateEval {
		n.evalValSize = strLen
		if fieldSz > 0 {
			n.evalSize = fieldSz
		} else {
			n.evalSize = fieldLength(tag, typ, n.val)
		}

		if strLen > 0 {
			if !forceNoKey {
				d := wire.NewDecoder(n.val.str)
				var f wire.Field
				ok, err := d.Next(&f)
				if ok && f.Tag == 1 {
					n.key = keyFromField(&f)
				} else {
					n.key = NoKey
					if err != nil || !ok {
						chNum = 0
					}
				}
			} else {
				n.key = NoKey
			}
		} else {
			n.key = NoKey
			chNum = 0
		}
	} else {
		n.evalSize = 0
		n.evalValSize = 0
		chNum = 0
	}

	n.noKey = forceNoKey || typ != wire.Bytes
	n.childNum = chNum
	n.childHead = nil
	n.metaHead = nil
	return nil
}

func (n *Node) Tag() uint32 {
	return n.tag
}

func (n *Node) Type() wire.Type {
	return n.typ
}

func (n *Node) Key() Key {
	return n.key
}

func (n *Node) Parent() *Node {
	return n.parent
}

func (n *Node) IsValid() bool {
	return n.tag != 0
}

func (n *Node) IsExpanded() bool {
	return n.childNum >= 0
}

func (n *Node) IsLeaf() bool {
	if n.typ != wire.Bytes {
		return true
	}
	if n.childNum < 0 && n.Expand() != nil {
		return true
	}
	return n.childNum == 0 && n.metaHead == nil
}

func (n *Node) bufferValid() bool {
	return len(n.val.str) > 0
}

func (n *Node) matches(tag uint32, key []byte) bool {
	if n.tag != tag || len(key) != n.key.Len() {
		return false
	}
	return len(key) == 0 || string(key) == string(n.key.val)
}

// Expand deserializes the buffer into children and metas. It is invoked
// implicitly by every structured access; malformed residue rolls the
// expansion back to an empty node.
func (n *Node) Expand() error {
	if n.tag == 0 {
		return ErrInvalidArgument
	}
	return n.innerExpand(false)
}

func (n *Node) innerExpand(forceNoKey bool) error {
	if n.childNum >= 0 {
		return nil
	}

	n.childNum = 0
	n.childHead = nil
	n.metaHead = nil
	n.childHasKey = false

	if n.typ != wire.Bytes {
		return nil
	}

	// a tag-1 child of a keyed parent is the key itself: not expandable
	if n.tag == 1 && n.parent != nil && !n.parent.key.IsEmpty() {
		return nil
	}

	d := wire.NewDecoder(n.val.str)
	var f wire.Field

	ok, err := d.Next(&f)
	if err != nil || !ok {
		// non-message: this is a leaf
		return nil
	}

	for ok {
		if f.Tag <= MaxMetaTag {
			if n.metaHead == nil {
				n.metas = [MaxMetaTag + 1]*Node{}
			}
			m := &Node{}
			if err := m.init(f.Tag, f.Type, valueOf(&f), false, true, f.Size, true); err != nil {
				n.rollbackExpand()
				return err
			}
			m.parent = n
			listAppend(&n.metaHead, m)
			n.metas[f.Tag] = m
		} else {
			c := &Node{}
			if err := c.init(f.Tag, f.Type, valueOf(&f), false, true, f.Size, forceNoKey); err != nil {
				n.rollbackExpand()
				return err
			}
			if !c.key.IsEmpty() {
				n.childHasKey = true
			}
			c.parent = n
			listAppend(&n.childHead, c)
			n.index.put(c)
			n.childNum++
		}

		ok, err = d.Next(&f)
	}

	n.subnodeDirty = false
	if err != nil || !d.EOM() {
		// message not ending correctly
		n.rollbackExpand()
	}
	return nil
}

func (n *Node) rollbackExpand() {
	n.releaseChildren()
	n.childNum = 0
}

// EvaluateSize returns the encoded size of the node including its header,
// computing and caching it if stale.
func (n *Node) EvaluateSize() int {
	if n.evalSize >= 0 {
		return n.evalSize
	}

	if n.typ != wire.Bytes || n.childNum < 0 || (n.childNum == 0 && n.metaHead == nil) ||
		(n.bufferValid() && !n.subnodeDirty) {
		if n.typ != wire.Bytes {
			n.evalValSize = 0
		} else {
			n.evalValSize = len(n.val.str)
		}
		n.evalSize = fieldLength(n.tag, n.typ, n.val)
		return n.evalSize
	}

	n.evalValSize = 0
	hasKey := false

	if !n.noKey && !n.key.IsEmpty() {
		hasKey = true
		n.evalValSize = n.key.fieldSize()
	}

	for m := n.metaHead; m != nil; m = m.next {
		if m == n.metaHead && hasKey && m.tag == 1 {
			continue
		}
		n.evalValSize += m.EvaluateSize()
	}

	for c := n.childHead; c != nil; c = c.next {
		n.evalValSize += c.EvaluateSize()
	}

	n.evalSize = wire.SizeBytesField(n.tag, n.evalValSize)
	return n.evalSize
}

// fold re-serializes children and metas into a fresh buffer and releases
// the expanded state. It is a no-op when the buffer is still valid.
// References into the subtree are invalidated.
func (n *Node) fold() error {
	if n.tag == 0 {
		return ErrInvalidArgument
	}

	if n.typ != wire.Bytes || n.childNum < 0 || (n.childNum == 0 && n.metaHead == nil) {
		return nil
	}
	if n.bufferValid() && !n.subnodeDirty {
		return nil
	}

	n.EvaluateSize()

	m, err := mempool.Alloc(n.evalValSize)
	if err != nil {
		return err
	}

	ln, err := n.serializeTo(m.Bytes(), false)
	if err != nil {
		mempool.Free(m)
		return err
	}
	if ln != n.evalValSize {
		mempool.Free(m)
		return ErrSizeMismatch
	}

	old := n.mem
	n.mem = m
	n.val.str = m.Bytes()[:ln]
	n.subnodeDirty = false

	// the key serialized first: renew its slice so it no longer aliases
	// the buffer being recycled
	if !n.noKey && !n.key.IsEmpty() {
		d := wire.NewDecoder(n.val.str)
		var f wire.Field
		if ok, _ := d.Next(&f); ok && f.Tag == 1 {
			n.key = keyFromField(&f)
		}
	}

	n.releaseChildren()
	n.childNum = -1

	if old != nil {
		mempool.Free(old)
	}
	return nil
}

// Serialize encodes the whole tree, folding transparently. With
// withHeader false only the value portion is emitted (composite nodes
// only).
func (n *Node) Serialize(withHeader bool) ([]byte, error) {
	sz := n.EvaluateSize()
	if !withHeader {
		sz = n.evalValSize
	}

	buf := make([]byte, sz)
	ln, err := n.SerializeTo(buf, withHeader)
	if err != nil {
		return nil, err
	}
	return buf[:ln], nil
}

// SerializeTo encodes into a caller-supplied buffer and returns the
// number of bytes written.
func (n *Node) SerializeTo(buf []byte, withHeader bool) (int, error) {
	return n.serializeTo(buf, withHeader)
}

func (n *Node) serializeTo(buf []byte, withHeader bool) (int, error) {
	if n.tag == 0 {
		return 0, ErrInvalidArgument
	}

	e := wire.NewEncoder(buf)

	if n.typ != wire.Bytes || n.childNum < 0 || (n.childNum == 0 && n.metaHead == nil) ||
		(n.bufferValid() && !n.subnodeDirty) {
		if withHeader {
			if err := addValueField(e, n.tag, n.typ, n.val); err != nil {
				return 0, err
			}
			return e.Len(), nil
		}
		// value only
		if n.typ != wire.Bytes {
			return 0, ErrTypeMismatch
		}
		if len(buf) < len(n.val.str) {
			return 0, wire.ErrBufferFull
		}
		copy(buf, n.val.str)
		return len(n.val.str), nil
	}

	evalSize := n.EvaluateSize()

	if withHeader {
		if err := e.AddBytesHeader(n.tag, n.evalValSize); err != nil {
			return 0, err
		}
	}

	hasKey := false

	// key goes first
	if !n.noKey && !n.key.IsEmpty() {
		if err := addValueField(e, 1, n.key.typ, n.key.fieldValue()); err != nil {
			return 0, err
		}
		hasKey = true
	}

	m := n.metaHead
	if hasKey && m != nil && m.tag == 1 {
		m = m.next
	}

	cur := e.Len()

	for ; m != nil; m = m.next {
		ln, err := m.serializeTo(buf[cur:], true)
		if err != nil {
			return 0, err
		}
		cur += ln
	}

	for c := n.childHead; c != nil; c = c.next {
		ln, err := c.serializeTo(buf[cur:], true)
		if err != nil {
			return 0, err
		}
		cur += ln
	}

	if (withHeader && cur != evalSize) || (!withHeader && cur != n.evalValSize) {
		return 0, ErrSizeMismatch
	}
	return cur, nil
}

func addValueField(e *wire.Encoder, tag uint32, t wire.Type, v value) error {
	switch t {
	case wire.Varint:
		return e.AddVarint(tag, v.i64)
	case wire.Fixed32:
		return e.AddFixed32(tag, uint32(v.i64))
	case wire.Fixed64:
		return e.AddFixed64(tag, v.i64)
	}
	return e.AddBytes(tag, v.str)
}

// Value folds the node and returns the raw value bytes. Only meaningful
// for bytes-typed nodes.
func (n *Node) Value() ([]byte, error) {
	if err := n.fold(); err != nil {
		return nil, err
	}
	return n.val.str, nil
}

// Uint returns the integer value of an int-typed leaf, 0 otherwise.
func (n *Node) Uint() uint64 {
	if n.typ == wire.Bytes {
		return 0
	}
	return n.val.i64
}

// StringVal folds and returns the value as a string; empty for int types.
func (n *Node) StringVal() string {
	if n.typ != wire.Bytes {
		return ""
	}
	b, err := n.Value()
	if err != nil {
		return ""
	}
	return string(b)
}

// updateEvalSize folds delta into the cached value size, re-derives the
// header size and returns the adjusted delta to propagate further. The
// length prefix may change byte count at a varint boundary, so the delta
// must be re-derived at every level rather than just added.
func (n *Node) updateEvalSize(delta int) int {
	if delta == 0 {
		return 0
	}
	n.evalValSize += delta
	newEval := wire.SizeBytesField(n.tag, n.evalValSize)
	delta = newEval - n.evalSize
	n.evalSize = newEval
	return delta
}

func (n *Node) setValueDirty() {
	n.val.str = nil
	n.subnodeDirty = true
}

// updateParentEvalAndSetDirty walks to the root adjusting cached sizes
// and marking ancestors dirty. Size updates stop at an uncached ancestor
// or when the delta reaches zero; dirtying stops at the first ancestor
// already dirty.
func (n *Node) updateParentEvalAndSetDirty(delta int) {
	updateDirty := true
	updateEval := delta != 0

	for p := n.parent; p != nil && (updateDirty || updateEval); p = p.parent {
		if updateEval {
			if p.evalSize < 0 || delta == 0 {
				updateEval = false
			} else {
				delta = p.updateEvalSize(delta)
			}
		}
		if updateDirty {
			if p.subnodeDirty {
				updateDirty = false
			} else {
				p.setValueDirty()
			}
		}
	}
}

// Duplicate returns an independent copy of the tree. A dirty composite
// node is folded first.
func (n *Node) Duplicate(copyBuf bool) (*Node, error) {
	if n.tag == 0 {
		return nil, ErrInvalidArgument
	}
	return n.innerDuplicate(copyBuf, false)
}

func (n *Node) innerDuplicate(copyBuf, forceNoKey bool) (*Node, error) {
	var v value
	var m *mempool.Mem

	if n.typ == wire.Bytes && len(n.val.str) == 0 && n.childNum >= 0 {
		// serialize the expanded state to obtain the value
		n.EvaluateSize()

		mm, err := mempool.Alloc(n.evalValSize)
		if err != nil {
			return nil, err
		}

		ln, err := n.serializeTo(mm.Bytes(), false)
		if err != nil {
			mempool.Free(mm)
			return nil, err
		}
		if ln != n.evalValSize {
			mempool.Free(mm)
			return nil, ErrSizeMismatch
		}

		v.str = mm.Bytes()[:ln]
		m = mm
	} else {
		v = n.val
	}

	d := &Node{}
	own := copyBuf && m == nil
	if err := d.init(n.tag, n.typ, v, own, true, n.evalSize, forceNoKey); err != nil {
		if m != nil {
			mempool.Free(m)
		}
		return nil, err
	}

	if m != nil {
		d.mem = m
	}
	return d, nil
}

// dupEmptyNode copies tag, type and key only; eval sizes are settled by
// the caller once children are attached.
func (n *Node) dupEmptyNode() (*Node, error) {
	d := &Node{}
	if err := d.init(n.tag, n.typ, value{}, false, false, 0, false); err != nil {
		return nil, err
	}
	d.key = Key{typ: n.key.typ, val: n.key.val}
	if !n.key.IsEmpty() {
		d.evalValSize = n.key.fieldSize()
	}
	return d, nil
}

// Release returns pooled buffers of the whole subtree to the allocator
// and invalidates the tree. Releasing is optional: an unreferenced tree
// is collected either way, only the pooled buffers then bypass reuse.
func (n *Node) Release() {
	if n.childNum >= 0 {
		n.releaseChildren()
	}
	if n.mem != nil {
		mempool.Free(n.mem)
		n.mem = nil
	}
	n.val = value{}
	n.key = NoKey
	n.tag = 0
	n.childNum = -1
	n.subnodeDirty = false
}

func (n *Node) releaseChildren() {
	for c := n.childHead; c != nil; {
		next := c.next
		c.Release()
		c = next
	}
	for m := n.metaHead; m != nil; {
		next := m.next
		m.Release()
		m = next
	}
	n.childHead = nil
	n.metaHead = nil
	n.metas = [MaxMetaTag + 1]*Node{}
	n.index.clear()
	n.childHasKey = false
}
