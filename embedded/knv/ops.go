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
	"github.com/knvproto/knvengine/embedded/mempool"
	"github.com/knvproto/knvengine/embedded/wire"
)

// SetBytesValue replaces the raw value of a bytes node. If the node
// carries a key, the new buffer must encode the same key in its tag-1
// field, otherwise ErrKeyConflict is returned and nothing changes.
// Expanded children are discarded: the buffer becomes authoritative.
func (n *Node) SetBytesValue(data []byte, copyBuf bool) error {
	if n.tag == 0 {
		return ErrInvalidArgument
	}
	if n.typ != wire.Bytes {
		return ErrTypeMismatch
	}

	if !n.noKey && !n.key.IsEmpty() {
		nk := NoKey
		d := wire.NewDecoder(data)
		var f wire.Field
		if ok, _ := d.Next(&f); ok && f.Tag == 1 {
			nk = keyFromField(&f)
		}
		if !nk.EqualBytes(n.key) {
			return ErrKeyConflict
		}
	}

	old := n.mem
	n.mem = nil

	if copyBuf && len(data) > 0 {
		m, err := mempool.Alloc(len(data))
		if err != nil {
			n.mem = old
			return err
		}
		copy(m.Bytes(), data)
		n.mem = m
		n.val.str = m.Bytes()
	} else {
		n.val.str = nil
		if len(data) > 0 {
			n.val.str = data
		}
	}

	// renew the key slice: the old one may point into the replaced buffer
	if !n.noKey && !n.key.IsEmpty() {
		if n.parent != nil {
			n.parent.index.remove(n)
		}

		n.key = NoKey
		d := wire.NewDecoder(n.val.str)
		var f wire.Field
		if ok, _ := d.Next(&f); ok && f.Tag == 1 {
			n.key = keyFromField(&f)
		}

		if n.parent != nil {
			n.parent.index.put(n)
		}
	}

	// expanded data is no longer up to date
	if n.childNum >= 0 {
		n.releaseChildren()
		n.childNum = -1
	}

	if old != nil {
		mempool.Free(old)
	}

	n.subnodeDirty = true
	delta := 0
	if n.evalSize >= 0 {
		delta = len(n.val.str) - n.evalValSize
		delta = n.updateEvalSize(delta)
	}
	n.updateParentEvalAndSetDirty(delta)
	return nil
}

// SetUintValue replaces the value of an int-typed leaf.
func (n *Node) SetUintValue(v uint64) error {
	if n.tag == 0 {
		return ErrInvalidArgument
	}
	if n.typ == wire.Bytes {
		return ErrTypeMismatch
	}

	n.val.i64 = v

	old := n.evalSize
	n.evalSize = fieldLength(n.tag, n.typ, n.val)
	n.evalValSize = 0

	n.subnodeDirty = true
	n.updateParentEvalAndSetDirty(n.evalSize - old)
	return nil
}

// SetTag renames the node. Its position among siblings is kept; the
// parent index is updated.
func (n *Node) SetTag(tag uint32) error {
	if tag == 0 || n.tag == 0 {
		return ErrInvalidArgument
	}

	if n.parent != nil {
		n.parent.index.remove(n)
	}

	n.tag = tag

	if n.parent != nil {
		n.parent.index.put(n)
	}

	delta := 0
	if n.evalSize >= 0 {
		old := n.evalSize
		if n.typ == wire.Bytes {
			n.evalSize = wire.SizeBytesField(tag, n.evalValSize)
		} else {
			n.evalSize = fieldLength(tag, n.typ, n.val)
		}
		delta = n.evalSize - old
	}

	n.subnodeDirty = true
	n.updateParentEvalAndSetDirty(delta)
	return nil
}

// SetKey replaces the node key, keeping the tag-1 meta in sync. An empty
// key removes it.
func (n *Node) SetKey(k Key) error {
	if n.tag == 0 {
		return ErrInvalidArgument
	}
	if n.typ != wire.Bytes {
		return ErrTypeMismatch
	}

	if n.parent != nil {
		n.parent.index.remove(n)
	}

	n.key = k.clone()

	var err error
	if !n.key.IsEmpty() {
		err = n.setMeta(1, n.key.typ, n.key.fieldValue(), false, true)
	} else {
		err = n.removeSingleMeta(1)
	}
	n.noKey = false

	if n.parent != nil {
		n.parent.index.put(n)
		if !n.key.IsEmpty() {
			n.parent.childHasKey = true
		}
	}
	return err
}

// ---- metas ----

// Meta returns the direct-indexed meta for tag, expanding first.
func (n *Node) Meta(tag uint32) *Node {
	if n.tag == 0 || tag == 0 || tag > MaxMetaTag {
		return nil
	}
	if n.childNum < 0 && n.Expand() != nil {
		return nil
	}
	if n.metaHead == nil {
		return nil
	}
	return n.metas[tag]
}

func (n *Node) MetaUint(tag uint32) uint64 {
	if m := n.Meta(tag); m != nil {
		return m.Uint()
	}
	return 0
}

func (n *Node) MetaString(tag uint32) string {
	if m := n.Meta(tag); m != nil {
		return m.StringVal()
	}
	return ""
}

// FirstMeta starts meta iteration in serialization order.
func (n *Node) FirstMeta() *Node {
	if n.Expand() != nil || n.childNum < 0 {
		return nil
	}
	return n.metaHead
}

func NextMeta(cur *Node) *Node {
	if cur == nil {
		return nil
	}
	return cur.next
}

// SetMetaUint sets a varint meta; tag 1 routes through SetKey.
func (n *Node) SetMetaUint(tag uint32, v uint64) error {
	if !n.noKey && tag == 1 {
		return n.SetKey(IntKey(v))
	}
	return n.setMeta(tag, wire.Varint, value{i64: v}, true, true)
}

// SetMetaBytes sets a bytes meta; tag 1 routes through SetKey.
func (n *Node) SetMetaBytes(tag uint32, b []byte) error {
	if !n.noKey && tag == 1 {
		return n.SetKey(BytesKey(b))
	}
	return n.setMeta(tag, wire.Bytes, value{str: b}, true, true)
}

func (n *Node) setMetaTyped(tag uint32, typ wire.Type, v uint64) error {
	if !n.noKey && tag == 1 {
		return n.SetKey(keyOfTyped(typ, v))
	}
	return n.setMeta(tag, typ, value{i64: v}, true, true)
}

func keyOfTyped(typ wire.Type, v uint64) Key {
	switch typ {
	case wire.Fixed32:
		return Fixed32Key(uint32(v))
	case wire.Fixed64:
		return Fixed64Key(v)
	}
	return IntKey(v)
}

func (n *Node) setMeta(tag uint32, typ wire.Type, v value, copyBuf, updateParent bool) error {
	if n.tag == 0 {
		return ErrInvalidArgument
	}
	if n.typ != wire.Bytes {
		return ErrTypeMismatch
	}
	if tag == 0 || tag > MaxMetaTag {
		return ErrTagOutOfRange
	}
	if n.childNum < 0 {
		if err := n.Expand(); err != nil {
			return err
		}
	}

	var m *Node
	if n.metaHead != nil {
		m = n.metas[tag]
	}

	oldSz := 0
	if m != nil {
		oldSz = m.EvaluateSize()
	}

	if m == nil {
		if n.metaHead == nil {
			n.metas = [MaxMetaTag + 1]*Node{}
		}
		m = &Node{}
		if err := m.init(tag, typ, v, copyBuf, true, 0, true); err != nil {
			return err
		}
		// the key must serialize first
		if tag == 1 {
			listPrepend(&n.metaHead, m)
		} else {
			listAppend(&n.metaHead, m)
		}
		m.parent = n
		n.metas[tag] = m
	} else {
		m.typ = typ
		if typ == wire.Bytes {
			if copyBuf && len(v.str) > 0 {
				b := make([]byte, len(v.str))
				copy(b, v.str)
				m.val = value{str: b}
			} else {
				m.val = value{str: v.str}
			}
		} else {
			m.val = value{i64: v.i64}
		}

		if m.childNum >= 0 {
			m.releaseChildren()
			if !n.noKey && tag == 1 {
				m.childNum = 0
			} else {
				m.childNum = -1
			}
		}
	}

	m.evalValSize = 0
	if typ == wire.Bytes {
		m.evalValSize = len(m.val.str)
	}
	m.evalSize = fieldLength(tag, typ, m.val)

	// internal call: eval and dirty state settled by the caller
	if !updateParent {
		n.evalValSize += m.evalSize - oldSz
		return nil
	}

	delta := 0
	if n.evalSize >= 0 {
		delta = m.evalSize - oldSz
		delta = n.updateEvalSize(delta)
	}

	n.setValueDirty()
	n.updateParentEvalAndSetDirty(delta)
	return nil
}

// AddMetaUint appends a varint meta, allowing repetition.
func (n *Node) AddMetaUint(tag uint32, v uint64) error {
	return n.addMeta(tag, wire.Varint, value{i64: v})
}

// AddMetaBytes appends a bytes meta, allowing repetition.
func (n *Node) AddMetaBytes(tag uint32, b []byte) error {
	return n.addMeta(tag, wire.Bytes, value{str: b})
}

func (n *Node) addMeta(tag uint32, typ wire.Type, v value) error {
	if tag == 0 || tag > MaxMetaTag {
		return ErrTagOutOfRange
	}
	if n.Meta(tag) == nil {
		return n.setMeta(tag, typ, v, true, true)
	}

	m := &Node{}
	if err := m.init(tag, typ, v, true, true, 0, true); err != nil {
		return err
	}
	listAppend(&n.metaHead, m)
	m.parent = n

	delta := 0
	if n.evalSize >= 0 {
		delta = fieldLength(tag, typ, m.val)
		delta = n.updateEvalSize(delta)
	}

	n.setValueDirty()
	n.updateParentEvalAndSetDirty(delta)
	return nil
}

// RemoveMeta removes every meta carrying tag; tag 1 clears the key too.
func (n *Node) RemoveMeta(tag uint32) error {
	if n.tag == 0 {
		return ErrInvalidArgument
	}
	if tag == 0 || tag > MaxMetaTag {
		return ErrTagOutOfRange
	}
	if n.childNum < 0 {
		if err := n.Expand(); err != nil {
			return err
		}
	}
	if n.metaHead == nil || n.metas[tag] == nil {
		return nil
	}

	if !n.noKey && tag == 1 {
		return n.SetKey(NoKey)
	}

	delta := 0
	for m := n.metaHead; m != nil; {
		next := m.next
		if m.tag == tag {
			if n.evalSize >= 0 {
				delta -= m.EvaluateSize()
			}
			listRemove(&n.metaHead, m)
			m.Release()
		}
		m = next
	}
	n.metas[tag] = nil

	if n.evalSize >= 0 {
		delta = n.updateEvalSize(delta)
	}

	n.setValueDirty()
	n.updateParentEvalAndSetDirty(delta)
	return nil
}

// removeSingleMeta removes only the direct-indexed meta, used when the
// key is cleared.
func (n *Node) removeSingleMeta(tag uint32) error {
	if tag == 0 || tag > MaxMetaTag {
		return ErrTagOutOfRange
	}
	if n.childNum < 0 {
		if err := n.Expand(); err != nil {
			return err
		}
	}
	if n.metaHead == nil || n.metas[tag] == nil {
		return nil
	}

	m := n.metas[tag]
	delta := 0
	if n.evalSize >= 0 {
		delta = -m.EvaluateSize()
	}

	listRemove(&n.metaHead, m)
	m.Release()
	n.metas[tag] = nil

	if n.evalSize >= 0 {
		delta = n.updateEvalSize(delta)
	}

	n.setValueDirty()
	n.updateParentEvalAndSetDirty(delta)
	return nil
}

// ---- children ----

// ChildNum expands and returns the number of direct children.
func (n *Node) ChildNum() int {
	n.Expand()
	if n.childNum < 0 {
		return 0
	}
	return n.childNum
}

func (n *Node) FirstChild() *Node {
	if n.Expand() != nil || n.childNum <= 0 {
		return nil
	}
	return n.childHead
}

func (n *Node) LastChild() *Node {
	if n.Expand() != nil || n.childHead == nil {
		return nil
	}
	return n.childHead.prev
}

// NextSibling returns the parent's next child.
func (n *Node) NextSibling() *Node {
	return n.next
}

// PrevSibling never returns nil inside a tree: the first child's prev is
// the last child.
func (n *Node) PrevSibling() *Node {
	return n.prev
}

// FindChild locates a child by tag and key bytes, expanding first. An
// empty key matches only un-keyed children unless no child has a key.
func (n *Node) FindChild(tag uint32, key []byte) *Node {
	if n.tag == 0 || n.Expand() != nil || n.childNum <= 0 {
		return nil
	}
	return n.index.get(tag, key)
}

// FindChildByTag returns the first child carrying tag regardless of key.
// When children carry keys the hash degenerates and a linear scan is
// required.
func (n *Node) FindChildByTag(tag uint32) *Node {
	if n.tag == 0 || n.ChildNum() <= 0 {
		return nil
	}

	if n.childHasKey {
		for c := n.childHead; c != nil; c = c.next {
			if c.tag == tag {
				return c
			}
		}
		return nil
	}

	return n.index.get(tag, nil)
}

// InsertChild attaches c, taking ownership. c must be a detached root.
func (n *Node) InsertChild(c *Node) error {
	if err := n.checkInsert(c); err != nil {
		return err
	}
	_, err := n.innerInsertChild(c, true, false, true, true)
	return err
}

// InsertChildFront attaches c as the first child.
func (n *Node) InsertChildFront(c *Node) error {
	if err := n.checkInsert(c); err != nil {
		return err
	}
	_, err := n.innerInsertChild(c, true, false, true, false)
	return err
}

// InsertChildCopy attaches an independent duplicate of c and returns it.
func (n *Node) InsertChildCopy(c *Node, copyBuf bool) (*Node, error) {
	if err := n.checkInsert(c); err != nil {
		return nil, err
	}
	return n.innerInsertChild(c, false, copyBuf, true, true)
}

func (n *Node) checkInsert(c *Node) error {
	if n.tag == 0 || c == nil || c.tag == 0 {
		return ErrInvalidArgument
	}
	if n.typ != wire.Bytes {
		return ErrLeafCannotHaveChild
	}
	if n.childNum < 0 {
		if err := n.Expand(); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) innerInsertChild(c *Node, own, copyBuf, updateParent, atTail bool) (*Node, error) {
	if !own {
		var err error
		if updateParent {
			c, err = c.innerDuplicate(copyBuf, false)
		} else {
			c, err = c.innerDuplicate(false, true)
		}
		if err != nil {
			return nil, err
		}
	}

	c.parent = n

	if atTail {
		listAppend(&n.childHead, c)
	} else {
		listPrepend(&n.childHead, c)
	}
	n.index.put(c)
	if !n.childHasKey && !c.key.IsEmpty() {
		n.childHasKey = true
	}
	n.childNum++

	if !updateParent {
		n.evalValSize += c.EvaluateSize()
		return c, nil
	}

	delta := 0
	if n.evalSize >= 0 {
		delta = c.EvaluateSize()
		delta = n.updateEvalSize(delta)
	}
	n.setValueDirty()
	n.updateParentEvalAndSetDirty(delta)
	return c, nil
}

// AddTree inserts a new empty composite child.
func (n *Node) AddTree(tag uint32, key Key) (*Node, error) {
	c, err := NewTree(tag, key)
	if err != nil {
		return nil, err
	}
	if err := n.InsertChild(c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddUint inserts a varint leaf child.
func (n *Node) AddUint(tag uint32, v uint64) (*Node, error) {
	c, err := NewUint(tag, wire.Varint, v)
	if err != nil {
		return nil, err
	}
	if err := n.InsertChild(c); err != nil {
		return nil, err
	}
	return c, nil
}

// AddBytes inserts a bytes leaf child, copying b.
func (n *Node) AddBytes(tag uint32, b []byte) (*Node, error) {
	c, err := NewBytes(tag, b, true)
	if err != nil {
		return nil, err
	}
	if err := n.InsertChild(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SetChildUint updates the first child with tag, inserting it if absent.
func (n *Node) SetChildUint(tag uint32, v uint64) error {
	return n.setChild(tag, wire.Varint, value{i64: v})
}

func (n *Node) SetChildBytes(tag uint32, b []byte) error {
	return n.setChild(tag, wire.Bytes, value{str: b})
}

func (n *Node) setChild(tag uint32, typ wire.Type, v value) error {
	c := n.FindChildByTag(tag)
	if c == nil {
		nc, err := newTyped(tag, typ, NoKey, v, true)
		if err != nil {
			return err
		}
		return n.InsertChild(nc)
	}

	if (typ == wire.Bytes) != (c.typ == wire.Bytes) {
		return ErrTypeMismatch
	}
	if typ == wire.Bytes {
		return c.SetBytesValue(v.str, true)
	}
	return c.SetUintValue(v.i64)
}

func (n *Node) ChildUint(tag uint32) uint64 {
	if c := n.FindChildByTag(tag); c != nil {
		return c.Uint()
	}
	return 0
}

func (n *Node) ChildString(tag uint32) string {
	if c := n.FindChildByTag(tag); c != nil {
		return c.StringVal()
	}
	return ""
}

// RemoveChild removes and releases the child matching tag and key.
func (n *Node) RemoveChild(tag uint32, key []byte) bool {
	c := n.FindChild(tag, key)
	if c == nil {
		return false
	}
	return n.removeChild(c, true)
}

// RemoveChildrenByTag removes every child with tag and returns the count.
func (n *Node) RemoveChildrenByTag(tag uint32) int {
	if n.tag == 0 || n.ChildNum() <= 0 {
		return 0
	}

	matched := 0
	delta := 0

	for c := n.childHead; c != nil; {
		next := c.next
		if c.tag == tag {
			if n.evalSize >= 0 {
				delta -= c.EvaluateSize()
			}
			n.index.remove(c)
			listRemove(&n.childHead, c)
			n.childNum--
			c.parent = nil
			c.Release()
			matched++
		}
		c = next
	}

	if matched > 0 {
		if n.evalSize >= 0 {
			delta = n.updateEvalSize(delta)
		}
		n.setValueDirty()
		n.updateParentEvalAndSetDirty(delta)
	}
	return matched
}

func (n *Node) removeChild(c *Node, release bool) bool {
	if c == nil {
		return false
	}

	delta := 0
	if n.evalSize >= 0 {
		delta = -c.EvaluateSize()
	}

	if n.index.remove(c) != nil {
		return false
	}
	listRemove(&n.childHead, c)
	n.childNum--
	c.parent = nil

	if n.evalSize >= 0 {
		delta = n.updateEvalSize(delta)
	}
	n.setValueDirty()
	n.updateParentEvalAndSetDirty(delta)

	if release {
		c.Release()
	}
	return true
}

// DetachChild unlinks c without releasing it; c becomes an independent
// root.
func (n *Node) DetachChild(c *Node) bool {
	if c == nil || c.parent != n {
		return false
	}
	return n.removeChild(c, false)
}

// Remove deletes this node from its parent tree; a detached node is
// released directly.
func (n *Node) Remove() error {
	if n.parent == nil {
		n.Release()
		return nil
	}
	if !n.parent.removeChild(n, true) {
		return ErrNotFound
	}
	return nil
}

// Detach unlinks this node from its parent tree.
func (n *Node) Detach() error {
	if n.parent == nil {
		return nil
	}
	if !n.parent.DetachChild(n) {
		return ErrNotFound
	}
	return nil
}
