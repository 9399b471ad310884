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
	"math"

	"github.com/knvproto/knvengine/embedded/wire"
)

// Field-level accessors route tags 1..10 to metas and everything above to
// children, so callers can address a message position without caring
// which side of the reserved range it falls on.

func (n *Node) FieldUint(tag uint32) uint64 {
	if tag <= MaxMetaTag {
		return n.MetaUint(tag)
	}
	return n.ChildUint(tag)
}

func (n *Node) FieldSint(tag uint32) int64 {
	return wire.DecodeZigZag(n.FieldUint(tag))
}

func (n *Node) FieldFloat(tag uint32) float32 {
	return math.Float32frombits(uint32(n.FieldUint(tag)))
}

func (n *Node) FieldDouble(tag uint32) float64 {
	return math.Float64frombits(n.FieldUint(tag))
}

func (n *Node) FieldString(tag uint32) string {
	if tag <= MaxMetaTag {
		return n.MetaString(tag)
	}
	return n.ChildString(tag)
}

// Field returns the meta or first child carrying tag.
func (n *Node) Field(tag uint32) *Node {
	if tag <= MaxMetaTag {
		return n.Meta(tag)
	}
	return n.FindChildByTag(tag)
}

func (n *Node) SetFieldUint(tag uint32, v uint64) error {
	if tag <= MaxMetaTag {
		return n.SetMetaUint(tag, v)
	}
	return n.SetChildUint(tag, v)
}

func (n *Node) SetFieldSint(tag uint32, v int64) error {
	return n.SetFieldUint(tag, wire.EncodeZigZag(v))
}

func (n *Node) SetFieldFloat(tag uint32, v float32) error {
	bits := uint64(math.Float32bits(v))
	if tag <= MaxMetaTag {
		return n.setMetaTyped(tag, wire.Fixed32, bits)
	}
	return n.setChild(tag, wire.Fixed32, value{i64: bits})
}

func (n *Node) SetFieldDouble(tag uint32, v float64) error {
	bits := math.Float64bits(v)
	if tag <= MaxMetaTag {
		return n.setMetaTyped(tag, wire.Fixed64, bits)
	}
	return n.setChild(tag, wire.Fixed64, value{i64: bits})
}

func (n *Node) SetFieldBytes(tag uint32, b []byte) error {
	if tag <= MaxMetaTag {
		return n.SetMetaBytes(tag, b)
	}
	return n.SetChildBytes(tag, b)
}

// AddFieldUint appends a repeated varint field.
func (n *Node) AddFieldUint(tag uint32, v uint64) error {
	if tag <= MaxMetaTag {
		return n.AddMetaUint(tag, v)
	}
	_, err := n.AddUint(tag, v)
	return err
}

func (n *Node) AddFieldSint(tag uint32, v int64) error {
	return n.AddFieldUint(tag, wire.EncodeZigZag(v))
}

func (n *Node) AddFieldBytes(tag uint32, b []byte) error {
	if tag <= MaxMetaTag {
		return n.AddMetaBytes(tag, b)
	}
	_, err := n.AddBytes(tag, b)
	return err
}

// RemoveField removes every meta or child carrying tag.
func (n *Node) RemoveField(tag uint32) error {
	if tag <= MaxMetaTag {
		return n.RemoveMeta(tag)
	}
	n.RemoveChildrenByTag(tag)
	return nil
}

// FirstField starts iteration over fields with the given tag; tag 0
// iterates metas first, then children.
func (n *Node) FirstField(tag uint32) *Node {
	var f *Node
	if tag != 0 {
		if tag <= MaxMetaTag {
			f = n.FirstMeta()
		} else {
			f = n.FirstChild()
		}
		for f != nil && f.tag != tag {
			f = f.next
		}
		return f
	}

	f = n.FirstMeta()
	if f == nil {
		f = n.FirstChild()
	}
	return f
}

// NextField continues a FirstField iteration.
func (n *Node) NextField(cur *Node, tag uint32) *Node {
	if cur == nil {
		return nil
	}

	if tag != 0 {
		cur = cur.next
		for cur != nil && cur.tag != tag {
			cur = cur.next
		}
		return cur
	}

	if cur.next != nil {
		return cur.next
	}
	// the last meta continues into the first child
	if n.metaHead != nil && n.metaHead.prev == cur {
		return n.FirstChild()
	}
	return nil
}

// FieldsUint collects the int values of every field carrying tag.
func (n *Node) FieldsUint(tag uint32) []uint64 {
	var vals []uint64
	for f := n.FirstField(tag); f != nil; f = n.NextField(f, tag) {
		if f.typ != wire.Bytes {
			vals = append(vals, f.val.i64)
		}
	}
	return vals
}

// FieldsString collects the string values of every field carrying tag.
func (n *Node) FieldsString(tag uint32) []string {
	var vals []string
	for f := n.FirstField(tag); f != nil; f = n.NextField(f, tag) {
		if f.typ == wire.Bytes {
			vals = append(vals, f.StringVal())
		}
	}
	return vals
}

// Fields collects every field node carrying tag.
func (n *Node) Fields(tag uint32) []*Node {
	var fields []*Node
	for f := n.FirstField(tag); f != nil; f = n.NextField(f, tag) {
		fields = append(fields, f)
	}
	return fields
}
