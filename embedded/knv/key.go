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
	"encoding/binary"

	"github.com/knvproto/knvengine/embedded/wire"
)

// Key identifies a node among repeated siblings with the same tag. It is
// the value of the tag-1 meta. Integer keys are materialized as their
// little-endian bytes so hashing and equality treat every key as a byte
// sequence.
type Key struct {
	typ wire.Type
	val []byte
}

// IntKey builds a varint-typed key.
func IntKey(v uint64) Key {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return Key{typ: wire.Varint, val: b}
}

func Fixed64Key(v uint64) Key {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return Key{typ: wire.Fixed64, val: b}
}

func Fixed32Key(v uint32) Key {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return Key{typ: wire.Fixed32, val: b}
}

// BytesKey builds a string-typed key borrowing b.
func BytesKey(b []byte) Key {
	return Key{typ: wire.Bytes, val: b}
}

func StringKey(s string) Key {
	return Key{typ: wire.Bytes, val: []byte(s)}
}

// NoKey is the zero key that marks un-keyed nodes. A child lookup with an
// empty key finds un-keyed children; in a request tree a node without a
// key matches every sibling with the same tag.
var NoKey = Key{typ: wire.Bytes}

func (k Key) IsEmpty() bool {
	return len(k.val) == 0
}

func (k Key) Type() wire.Type {
	return k.typ
}

func (k Key) Bytes() []byte {
	return k.val
}

func (k Key) Len() int {
	return len(k.val)
}

// Uint decodes the key bytes as a little-endian integer, truncating to 8
// bytes. Use with care on string keys.
func (k Key) Uint() uint64 {
	var b [8]byte
	copy(b[:], k.val)
	return binary.LittleEndian.Uint64(b[:])
}

func (k Key) String() string {
	return string(k.val)
}

func (k Key) Equal(o Key) bool {
	return k.typ == o.typ && bytes.Equal(k.val, o.val)
}

// EqualBytes compares key content only; the child index matches keys this
// way, regardless of wire type.
func (k Key) EqualBytes(o Key) bool {
	return bytes.Equal(k.val, o.val)
}

func (k Key) clone() Key {
	if len(k.val) == 0 {
		return Key{typ: k.typ}
	}
	v := make([]byte, len(k.val))
	copy(v, k.val)
	return Key{typ: k.typ, val: v}
}

// fieldValue returns the key as a wire value for serialization.
func (k Key) fieldValue() value {
	if k.typ == wire.Bytes {
		return value{str: k.val}
	}
	return value{i64: k.Uint()}
}

// fieldSize is the encoded size of the tag-1 key field.
func (k Key) fieldSize() int {
	switch k.typ {
	case wire.Varint:
		return wire.SizeVarintField(1, k.Uint())
	case wire.Fixed32:
		return wire.SizeFixed32Field(1)
	case wire.Fixed64:
		return wire.SizeFixed64Field(1)
	}
	return wire.SizeBytesField(1, len(k.val))
}

// keyFromField derives a key from a decoded tag-1 field, borrowing bytes
// for string keys and materializing little-endian bytes for int keys.
func keyFromField(f *wire.Field) Key {
	switch f.Type {
	case wire.Bytes:
		return Key{typ: wire.Bytes, val: f.Bytes}
	case wire.Fixed32:
		return Fixed32Key(f.I32)
	case wire.Varint:
		return IntKey(f.I64)
	case wire.Fixed64:
		return Fixed64Key(f.I64)
	}
	return NoKey
}
