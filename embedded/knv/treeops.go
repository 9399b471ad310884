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
	"bytes"

	"github.com/knvproto/knvengine/embedded/wire"
)

// Tree algebra: structural operations driven by a request tree. A request
// node matches data nodes by (tag, key); without a key it matches every
// sibling with the same tag. An integer request leaf with value 0 opts
// out; a composite request with no children selects the whole subtree;
// a composite with children refines recursively.

// GetSubTree projects this data tree through req. The projection borrows
// leaf buffers from the data tree, which must outlive it. The second tree
// collects the request portions that found no match (nil when noEmpty is
// set or everything matched).
func (n *Node) GetSubTree(req *Node, noEmpty bool) (out *Node, empty *Node, err error) {
	if req == nil || req.tag == 0 {
		return nil, nil, ErrInvalidArgument
	}

	if n.tag != req.tag || (!req.key.IsEmpty() && !n.key.Equal(req.key)) {
		return nil, nil, nil
	}

	return n.innerGetSubTree(req, noEmpty)
}

func (n *Node) innerGetSubTree(req *Node, noEmpty bool) (out *Node, empty *Node, err error) {
	if req.typ != wire.Bytes && req.val.i64 == 0 {
		// not requesting this node
		return nil, nil, nil
	}

	if e := req.innerExpand(false); e != nil || req.childNum <= 0 {
		// request the whole subtree
		out, err = n.innerDuplicate(false, true)
		if err != nil {
			return nil, nil, err
		}
		if !n.key.IsEmpty() {
			out.key = Key{typ: n.key.typ, val: n.key.val}
		}
		return out, nil, nil
	}

	if e := n.innerExpand(!req.childHasKey); e != nil || n.childNum <= 0 {
		// data is a leaf but the request goes deeper: nothing matches
		if noEmpty {
			return nil, nil, nil
		}
		empty, err = req.innerDuplicate(false, true)
		if err != nil {
			return nil, nil, err
		}
		if !req.key.IsEmpty() {
			empty.key = Key{typ: req.key.typ, val: req.key.val}
		}
		return nil, empty, nil
	}

	fail := func(e error) (*Node, *Node, error) {
		if out != nil {
			out.Release()
		}
		if empty != nil {
			empty.Release()
		}
		return nil, nil, e
	}

	// a non-zero varint meta in the request selects the data meta
	for m := req.metaHead; m != nil; m = m.next {
		if m.tag == 1 || m.typ != wire.Varint || m.val.i64 == 0 {
			continue
		}
		var md *Node
		if n.metaHead != nil {
			md = n.metas[m.tag]
		}
		if md == nil {
			continue
		}
		if out == nil {
			if out, err = n.dupEmptyNode(); err != nil {
				return fail(err)
			}
		}
		if err = md.fold(); err != nil {
			return fail(err)
		}
		if err = out.setMeta(md.tag, md.typ, md.val, false, false); err != nil {
			return fail(err)
		}
	}

	collect := func(subData, subReq *Node) error {
		o, e, err := subData.innerGetSubTree(subReq, noEmpty)
		if err != nil {
			return err
		}
		if o != nil {
			if out == nil {
				if out, err = n.dupEmptyNode(); err != nil {
					return err
				}
			}
			if _, err = out.innerInsertChild(o, true, false, false, true); err != nil {
				return err
			}
		}
		if !noEmpty && e != nil {
			if empty == nil {
				if empty, err = req.dupEmptyNode(); err != nil {
					return err
				}
			}
			if _, err = empty.innerInsertChild(e, true, false, false, true); err != nil {
				return err
			}
		}
		return nil
	}

	for subReq := req.childHead; subReq != nil; subReq = subReq.next {
		matched := false

		if !subReq.key.IsEmpty() {
			// keyed: at most one match
			if subData := n.index.get(subReq.tag, subReq.key.val); subData != nil {
				if err = collect(subData, subReq); err != nil {
					return fail(err)
				}
				matched = true
			}
		} else if !n.childHasKey {
			// the index degenerates to by-tag: walk the bucket chain
			for subData := n.index.get(subReq.tag, nil); subData != nil; subData = subData.htNext {
				if subData.tag == subReq.tag {
					if err = collect(subData, subReq); err != nil {
						return fail(err)
					}
					matched = true
				}
			}
		} else {
			for subData := n.childHead; subData != nil; subData = subData.next {
				if subData.tag == subReq.tag {
					if err = collect(subData, subReq); err != nil {
						return fail(err)
					}
					matched = true
				}
			}
		}

		if !matched && !noEmpty {
			if empty == nil {
				if empty, err = req.dupEmptyNode(); err != nil {
					return fail(err)
				}
			}
			if _, err = empty.innerInsertChild(subReq, false, false, false, true); err != nil {
				return fail(err)
			}
		}
	}

	// settle the header sizes deferred by the internal inserts
	if empty != nil {
		empty.evalSize = wire.SizeBytesField(empty.tag, empty.evalValSize)
	}
	if out != nil {
		out.evalSize = wire.SizeBytesField(out.tag, out.evalValSize)
	}
	return out, empty, nil
}

// DeleteSubTree prunes this data tree in place by req. The returned tree
// describes what was actually removed, in request form, for invalidation
// callbacks. removeWhole signals the caller to drop the entire node one
// level up.
func (n *Node) DeleteSubTree(req *Node) (matched *Node, removeWhole bool, err error) {
	return n.deleteSubTree(req)
}

func (n *Node) deleteSubTree(req *Node) (*Node, bool, error) {
	if req == nil || req.tag == 0 {
		return nil, false, ErrInvalidArgument
	}

	if n.tag != req.tag || (!req.key.IsEmpty() && !n.key.Equal(req.key)) {
		return nil, false, nil
	}

	if e := req.innerExpand(false); e != nil || req.childNum <= 0 {
		// the request stops here: the whole subtree goes
		if !req.key.IsEmpty() {
			m, err := NewTree(req.tag, req.key)
			return m, true, err
		}
		m, err := NewUint(req.tag, wire.Varint, 1)
		return m, true, err
	}

	if e := n.innerExpand(!req.childHasKey); e != nil || n.childNum <= 0 {
		// no such structure here
		return nil, false, nil
	}

	var matched *Node

	fail := func(e error) (*Node, bool, error) {
		if matched != nil {
			matched.Release()
		}
		return nil, false, e
	}

	appendMatch := func(subMatch *Node) error {
		if matched == nil {
			var err error
			if matched, err = NewTree(req.tag, req.key); err != nil {
				return err
			}
		}
		_, err := matched.innerInsertChild(subMatch, true, false, true, true)
		return err
	}

	for subReq := req.childHead; subReq != nil; subReq = subReq.next {
		if !subReq.key.IsEmpty() {
			subData := n.index.get(subReq.tag, subReq.key.val)
			if subData == nil {
				continue
			}

			subMatch, whole, err := subData.deleteSubTree(subReq)
			if err != nil {
				return fail(err)
			}
			if subMatch != nil {
				if err = appendMatch(subMatch); err != nil {
					return fail(err)
				}
			}
			if whole || subData.ChildNum() <= 0 {
				n.removeChild(subData, true)
			}
		} else if e := subReq.innerExpand(false); e != nil || subReq.childNum <= 0 {
			// un-keyed request leaf: remove every child with this tag
			if subReq.typ == wire.Bytes || (subReq.typ == wire.Varint && subReq.val.i64 != 0) {
				n.RemoveChildrenByTag(subReq.tag)
				if matched == nil {
					var err error
					if matched, err = NewTree(req.tag, req.key); err != nil {
						return fail(err)
					}
				}
				if _, err := matched.innerInsertChild(subReq, false, false, true, true); err != nil {
					return fail(err)
				}
			}
		} else {
			subData := n.childHead
			for subData != nil {
				if subData.tag == subReq.tag {
					subMatch, whole, err := subData.deleteSubTree(subReq)
					if err != nil {
						return fail(err)
					}
					if subMatch != nil {
						if err = appendMatch(subMatch); err != nil {
							return fail(err)
						}
					}
					if whole || subData.ChildNum() <= 0 {
						// emptied children are removed too
						sib := subData.next
						n.removeChild(subData, true)
						subData = sib
						continue
					}
				}
				subData = subData.next
			}
		}
	}

	if n.ChildNum() <= 0 {
		// what was removed stays in the match tree; the caller drops us
		return matched, true, nil
	}
	return matched, false, nil
}

// UpdateSubTree upserts upd into this tree. Matching (tag, key) children
// recurse with maxLevel decremented; unmatched ones are inserted. At the
// final level every tag present in upd is first removed, so repeated
// fields are replaced as a set instead of merged per element. Metas above
// tag 1 are copied unconditionally; the key is never overwritten.
func (n *Node) UpdateSubTree(upd *Node, maxLevel int) error {
	if upd == nil || upd.tag == 0 {
		return ErrInvalidArgument
	}

	if n.tag != upd.tag || !n.key.Equal(upd.key) {
		return nil
	}

	if maxLevel == 0 {
		// the last level has no key handling
		n.innerExpand(true)
		upd.innerExpand(true)
	}

	if maxLevel < 0 || upd.ChildNum() <= 0 || n.ChildNum() <= 0 {
		if err := upd.fold(); err != nil {
			return err
		}
		if upd.typ == wire.Bytes {
			return n.SetBytesValue(upd.val.str, true)
		}
		return n.SetUintValue(upd.val.i64)
	}

	for m := upd.metaHead; m != nil; m = m.next {
		if m.tag > 1 {
			if err := n.setMeta(m.tag, m.typ, m.val, false, true); err != nil {
				return err
			}
		}
	}

	maxLevel--

	if maxLevel < 0 {
		// final level: old and new values of a tag must not coexist
		tags := make(map[uint32]struct{})
		for su := upd.childHead; su != nil; su = su.next {
			tags[su.tag] = struct{}{}
		}
		for tag := range tags {
			n.RemoveChildrenByTag(tag)
		}
	}

	for su := upd.childHead; su != nil; su = su.next {
		var subData *Node
		if maxLevel >= 0 {
			subData = n.index.get(su.tag, su.key.val)
		}

		if subData != nil {
			if err := subData.UpdateSubTree(su, maxLevel); err != nil {
				return err
			}
		} else {
			if _, err := n.innerInsertChild(su, false, false, true, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// MakeRequestTree derives a request tree from this data tree: value-less
// leaves and nodes past maxLevel become integer-1 stubs, composite
// internal nodes keep their keys but drop values.
func (n *Node) MakeRequestTree(maxLevel int) (*Node, error) {
	if n.tag == 0 {
		return nil, ErrInvalidArgument
	}

	if maxLevel < 0 || n.ChildNum() <= 0 {
		if n.childNum < 0 || n.metaHead == nil {
			return NewUint(n.tag, wire.Varint, 1)
		}
		return NewTree(n.tag, n.key)
	}

	var tr *Node
	for c := n.childHead; c != nil; c = c.next {
		if tr == nil {
			var err error
			if tr, err = NewTree(n.tag, n.key); err != nil {
				return nil, err
			}
		}

		subReq, err := c.MakeRequestTree(maxLevel - 1)
		if err != nil {
			tr.Release()
			return nil, err
		}
		if _, err = tr.innerInsertChild(subReq, true, false, true, true); err != nil {
			tr.Release()
			return nil, err
		}
	}
	return tr, nil
}

// Compare returns the portion of this tree absent or unequal in other,
// or nil when everything is present and equal. Children pair up by
// (tag, key); leaves compare by value bytes.
func (n *Node) Compare(other *Node) (*Node, error) {
	if n.tag == 0 {
		return nil, ErrInvalidArgument
	}

	if other == nil || !n.key.Equal(other.key) {
		return n.Duplicate(true)
	}

	if n.IsLeaf() || other.IsLeaf() {
		eq, err := n.valueEqual(other)
		if err != nil {
			return nil, err
		}
		if eq {
			return nil, nil
		}
		return n.Duplicate(true)
	}

	var ret *Node

	fail := func(e error) (*Node, error) {
		if ret != nil {
			ret.Release()
		}
		return nil, e
	}

	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		cmp := other.FindChild(c.tag, c.key.val)

		var sub *Node
		var err error

		if cmp == nil {
			sub, err = c.Duplicate(true)
		} else {
			sub, err = c.Compare(cmp)
		}
		if err != nil {
			return fail(err)
		}
		if sub == nil {
			continue
		}

		if ret == nil {
			if ret, err = NewTree(n.tag, n.key); err != nil {
				sub.Release()
				return fail(err)
			}
		}
		if err = ret.InsertChild(sub); err != nil {
			sub.Release()
			return fail(err)
		}
	}
	return ret, nil
}

func (n *Node) valueEqual(other *Node) (bool, error) {
	if (n.typ == wire.Bytes) != (other.typ == wire.Bytes) {
		return false, nil
	}
	if n.typ != wire.Bytes {
		return n.val.i64 == other.val.i64, nil
	}

	a, err := n.Value()
	if err != nil {
		return false, err
	}
	b, err := other.Value()
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}
