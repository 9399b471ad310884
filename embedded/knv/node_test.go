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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knvproto/knvengine/embedded/wire"
)

// buildSampleTree builds {tag=3501, key=12345678} with an un-keyed child
// {11} holding {101:"Shaneyu", 102:19801010, 103:"Boy"}.
func buildSampleTree(t *testing.T) *Node {
	t.Helper()

	root, err := NewTree(3501, IntKey(12345678))
	require.NoError(t, err)

	c11, err := root.AddTree(11, NoKey)
	require.NoError(t, err)

	_, err = c11.AddBytes(101, []byte("Shaneyu"))
	require.NoError(t, err)
	_, err = c11.AddUint(102, 19801010)
	require.NoError(t, err)
	_, err = c11.AddBytes(103, []byte("Boy"))
	require.NoError(t, err)

	return root
}

func TestBuildSerializeParse(t *testing.T) {
	root := buildSampleTree(t)

	b, err := root.Serialize(true)
	require.NoError(t, err)
	require.Equal(t, root.EvaluateSize(), len(b))

	parsed, err := Parse(b, true)
	require.NoError(t, err)
	require.Equal(t, uint32(3501), parsed.Tag())
	require.Equal(t, uint64(12345678), parsed.Key().Uint())

	c11 := parsed.FindChild(11, nil)
	require.NotNil(t, c11)

	c102 := c11.FindChildByTag(102)
	require.NotNil(t, c102)
	require.Equal(t, uint64(19801010), c102.Uint())

	require.Equal(t, "Shaneyu", c11.ChildString(101))
	require.Equal(t, "Boy", c11.ChildString(103))
}

func TestRoundTrip(t *testing.T) {
	root := buildSampleTree(t)

	require.NoError(t, root.SetMetaUint(2, 77))
	require.NoError(t, root.SetMetaBytes(5, []byte("meta")))

	b1, err := root.Serialize(true)
	require.NoError(t, err)

	parsed, err := Parse(b1, true)
	require.NoError(t, err)

	b2, err := parsed.Serialize(true)
	require.NoError(t, err)
	require.Equal(t, b1, b2)

	// the key must serialize first, before other metas
	d := wire.NewDecoder(b1)
	var f wire.Field
	ok, err := d.Next(&f)
	require.NoError(t, err)
	require.True(t, ok)

	inner := wire.NewDecoder(f.Bytes)
	ok, err = inner.Next(&f)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1), f.Tag)
	require.Equal(t, uint64(12345678), f.I64)
}

func TestExpandFoldIdempotence(t *testing.T) {
	root := buildSampleTree(t)

	orig, err := root.Serialize(true)
	require.NoError(t, err)

	parsed, err := Parse(orig, true)
	require.NoError(t, err)

	// force a full expansion without mutating anything
	c11 := parsed.FindChild(11, nil)
	require.NotNil(t, c11)
	require.Equal(t, 3, c11.ChildNum())

	again, err := parsed.Serialize(true)
	require.NoError(t, err)
	require.Equal(t, orig, again)
}

func TestEvalSizeAfterMutations(t *testing.T) {
	root := buildSampleTree(t)
	c11 := root.FindChild(11, nil)
	require.NotNil(t, c11)

	checkEval := func() {
		b, err := root.Serialize(true)
		require.NoError(t, err)
		require.Equal(t, root.EvaluateSize(), len(b))
	}

	c102 := c11.FindChildByTag(102)
	require.NoError(t, c102.SetUintValue(1))
	checkEval()

	require.NoError(t, c102.SetUintValue(1<<56))
	checkEval()

	_, err := c11.AddBytes(104, bytes.Repeat([]byte{0xab}, 300))
	require.NoError(t, err)
	checkEval()

	require.Equal(t, 1, c11.RemoveChildrenByTag(104))
	checkEval()

	require.NoError(t, root.SetMetaUint(3, 9999))
	checkEval()

	require.NoError(t, root.RemoveMeta(3))
	checkEval()
}

func TestEvalSizeVarintBoundary(t *testing.T) {
	// grow the child's value size across the 127-byte length-prefix
	// boundary so every ancestor's header gains a byte
	root, err := NewTree(3501, NoKey)
	require.NoError(t, err)

	c, err := root.AddTree(11, NoKey)
	require.NoError(t, err)

	leaf, err := c.AddBytes(101, bytes.Repeat([]byte{'x'}, 120))
	require.NoError(t, err)

	b, err := root.Serialize(true)
	require.NoError(t, err)
	require.Equal(t, root.EvaluateSize(), len(b))

	require.NoError(t, leaf.SetBytesValue(bytes.Repeat([]byte{'y'}, 200), true))

	b, err = root.Serialize(true)
	require.NoError(t, err)
	require.Equal(t, root.EvaluateSize(), len(b))
}

func TestIndexConsistency(t *testing.T) {
	root, err := NewTree(20, NoKey)
	require.NoError(t, err)

	// enough keyed children to force the index through both growth tiers
	for i := uint64(0); i < 500; i++ {
		c, err := NewTree(11, IntKey(i))
		require.NoError(t, err)
		require.NoError(t, root.InsertChild(c))
	}

	for i := uint64(0); i < 500; i++ {
		c := root.FindChild(11, IntKey(i).Bytes())
		require.NotNil(t, c, "key %d", i)
		require.Equal(t, i, c.Key().Uint())
	}

	// index consistency survives serialization
	b, err := root.Serialize(true)
	require.NoError(t, err)

	parsed, err := Parse(b, true)
	require.NoError(t, err)
	require.Equal(t, 500, parsed.ChildNum())

	for i := uint64(0); i < 500; i++ {
		require.NotNil(t, parsed.FindChild(11, IntKey(i).Bytes()))
	}
}

func TestFindChildByTagWithKeyedChildren(t *testing.T) {
	root, err := NewTree(20, NoKey)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		c, err := NewTree(11, IntKey(i))
		require.NoError(t, err)
		require.NoError(t, root.InsertChild(c))
	}
	_, err = root.AddUint(12, 7)
	require.NoError(t, err)

	// keyed children force the linear scan path
	c := root.FindChildByTag(11)
	require.NotNil(t, c)
	require.Equal(t, uint64(1), c.Key().Uint())

	require.NotNil(t, root.FindChildByTag(12))
	require.Nil(t, root.FindChildByTag(13))
}

func TestSetTagKeepsPosition(t *testing.T) {
	root := buildSampleTree(t)
	c11 := root.FindChild(11, nil)

	first := c11.FirstChild()
	require.Equal(t, uint32(101), first.Tag())

	require.NoError(t, first.SetTag(150))

	// position among siblings is unchanged, the index is updated
	require.Equal(t, uint32(150), c11.FirstChild().Tag())
	require.NotNil(t, c11.FindChildByTag(150))
	require.Nil(t, c11.FindChildByTag(101))

	b, err := root.Serialize(true)
	require.NoError(t, err)
	require.Equal(t, root.EvaluateSize(), len(b))
}

func TestSetBytesValueKeyConflict(t *testing.T) {
	root := buildSampleTree(t)

	// a buffer whose tag-1 value differs from the existing key
	other, err := NewTree(3501, IntKey(999))
	require.NoError(t, err)
	ob, err := other.Value()
	require.NoError(t, err)

	err = root.SetBytesValue(ob, true)
	require.ErrorIs(t, err, ErrKeyConflict)

	// the same key is accepted
	same, err := NewTree(3501, IntKey(12345678))
	require.NoError(t, err)
	_, err = same.AddUint(11, 5)
	require.NoError(t, err)
	sb, err := same.Value()
	require.NoError(t, err)

	require.NoError(t, root.SetBytesValue(sb, true))
	require.Equal(t, uint64(5), root.ChildUint(11))
	require.Equal(t, uint64(12345678), root.Key().Uint())
}

func TestSetValueTypeMismatch(t *testing.T) {
	n, err := NewUint(11, wire.Varint, 42)
	require.NoError(t, err)
	require.ErrorIs(t, n.SetBytesValue([]byte("x"), true), ErrTypeMismatch)

	s, err := NewBytes(11, []byte("x"), true)
	require.NoError(t, err)
	require.ErrorIs(t, s.SetUintValue(1), ErrTypeMismatch)
}

func TestMetaKeySync(t *testing.T) {
	root, err := NewTree(3501, IntKey(42))
	require.NoError(t, err)

	// the key is materialized both as Key and as the tag-1 meta
	m := root.Meta(1)
	require.NotNil(t, m)
	require.Equal(t, uint64(42), m.Uint())

	require.NoError(t, root.SetKey(IntKey(43)))
	require.Equal(t, uint64(43), root.Meta(1).Uint())
	require.Equal(t, uint64(43), root.Key().Uint())

	require.NoError(t, root.SetKey(NoKey))
	require.Nil(t, root.Meta(1))
	require.True(t, root.Key().IsEmpty())
}

func TestMetas(t *testing.T) {
	root, err := NewTree(3501, NoKey)
	require.NoError(t, err)

	require.NoError(t, root.SetMetaUint(2, 100))
	require.NoError(t, root.SetMetaBytes(8, []byte("err")))
	require.Equal(t, uint64(100), root.MetaUint(2))
	require.Equal(t, "err", root.MetaString(8))

	require.ErrorIs(t, root.SetMetaUint(11, 1), ErrTagOutOfRange)

	// AddMeta allows repetition
	require.NoError(t, root.AddMetaUint(2, 200))
	require.Len(t, root.Fields(2), 2)

	require.NoError(t, root.RemoveMeta(2))
	require.Nil(t, root.Meta(2))
	require.Empty(t, root.Fields(2))

	b, err := root.Serialize(true)
	require.NoError(t, err)
	require.Equal(t, root.EvaluateSize(), len(b))

	parsed, err := Parse(b, true)
	require.NoError(t, err)
	require.Equal(t, "err", parsed.MetaString(8))
	require.Zero(t, parsed.MetaUint(2))
}

func TestFieldAccessors(t *testing.T) {
	root, err := NewTree(3501, NoKey)
	require.NoError(t, err)

	require.NoError(t, root.SetFieldUint(2, 7))     // meta
	require.NoError(t, root.SetFieldUint(20, 8))    // child
	require.NoError(t, root.SetFieldSint(21, -5))   // zigzag child
	require.NoError(t, root.SetFieldFloat(22, 1.5)) // fixed32
	require.NoError(t, root.SetFieldDouble(23, -2.25))
	require.NoError(t, root.SetFieldBytes(24, []byte("abc")))

	require.Equal(t, uint64(7), root.FieldUint(2))
	require.Equal(t, uint64(8), root.FieldUint(20))
	require.Equal(t, int64(-5), root.FieldSint(21))
	require.Equal(t, float32(1.5), root.FieldFloat(22))
	require.Equal(t, -2.25, root.FieldDouble(23))
	require.Equal(t, "abc", root.FieldString(24))

	b, err := root.Serialize(true)
	require.NoError(t, err)

	parsed, err := Parse(b, true)
	require.NoError(t, err)
	require.Equal(t, int64(-5), parsed.FieldSint(21))
	require.Equal(t, float32(1.5), parsed.FieldFloat(22))
	require.Equal(t, -2.25, parsed.FieldDouble(23))

	require.NoError(t, parsed.RemoveField(22))
	require.Nil(t, parsed.Field(22))
}

func TestRepeatedFields(t *testing.T) {
	root, err := NewTree(3501, NoKey)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, root.AddFieldUint(30, i*10))
	}
	require.Equal(t, []uint64{10, 20, 30}, root.FieldsUint(30))

	require.NoError(t, root.AddFieldBytes(31, []byte("a")))
	require.NoError(t, root.AddFieldBytes(31, []byte("b")))
	require.Equal(t, []string{"a", "b"}, root.FieldsString(31))

	require.NoError(t, root.RemoveField(30))
	require.Empty(t, root.FieldsUint(30))
}

func TestRemoveAndDetach(t *testing.T) {
	root := buildSampleTree(t)
	c11 := root.FindChild(11, nil)

	c103 := c11.FindChildByTag(103)
	require.NotNil(t, c103)
	require.True(t, c11.DetachChild(c103))
	require.Nil(t, c103.Parent())
	require.Nil(t, c11.FindChildByTag(103))
	require.Equal(t, 2, c11.ChildNum())

	// the detached node is an independent root
	require.Equal(t, "Boy", c103.StringVal())

	c102 := c11.FindChildByTag(102)
	require.NoError(t, c102.Remove())
	require.Nil(t, c11.FindChildByTag(102))
	require.Equal(t, 1, c11.ChildNum())

	b, err := root.Serialize(true)
	require.NoError(t, err)
	require.Equal(t, root.EvaluateSize(), len(b))
}

func TestInsertIntoLeafFails(t *testing.T) {
	n, err := NewUint(11, wire.Varint, 1)
	require.NoError(t, err)

	c, err := NewTree(12, NoKey)
	require.NoError(t, err)

	require.ErrorIs(t, n.InsertChild(c), ErrLeafCannotHaveChild)
}

func TestDuplicate(t *testing.T) {
	root := buildSampleTree(t)

	dup, err := root.Duplicate(true)
	require.NoError(t, err)

	b1, err := root.Serialize(true)
	require.NoError(t, err)
	b2, err := dup.Serialize(true)
	require.NoError(t, err)
	require.Equal(t, b1, b2)

	// mutating the duplicate leaves the original alone
	require.NoError(t, dup.FindChild(11, nil).FindChildByTag(102).SetUintValue(1))
	b3, err := root.Serialize(true)
	require.NoError(t, err)
	require.Equal(t, b1, b3)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(nil, true)
	require.ErrorIs(t, err, ErrInvalidFormat)

	_, err = Parse([]byte{0x00, 0x01}, true)
	require.ErrorIs(t, err, ErrInvalidFormat)

	_, err = Parse([]byte{0x08}, true) // truncated varint field
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestMalformedBufferExpandsEmpty(t *testing.T) {
	// valid first field, malformed residue: the expansion rolls back
	var buf []byte
	e := wire.NewEncoder(make([]byte, 32))
	require.NoError(t, e.AddVarint(11, 5))
	buf = append(buf, e.Bytes()...)
	buf = append(buf, 0xff, 0xff) // truncated trailing field

	n, err := NewBytes(42, buf, true)
	require.NoError(t, err)
	require.Equal(t, 0, n.ChildNum())
	require.True(t, n.IsLeaf())
}

func TestConstructorErrors(t *testing.T) {
	_, err := NewTree(0, NoKey)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewUint(11, wire.Bytes, 1)
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestByteKeyedChildren(t *testing.T) {
	root, err := NewTree(20, NoKey)
	require.NoError(t, err)

	c, err := NewTree(11, StringKey("alice"))
	require.NoError(t, err)
	require.NoError(t, root.InsertChild(c))

	c2, err := NewTree(11, StringKey("bob"))
	require.NoError(t, err)
	require.NoError(t, root.InsertChild(c2))

	b, err := root.Serialize(true)
	require.NoError(t, err)

	parsed, err := Parse(b, true)
	require.NoError(t, err)

	found := parsed.FindChild(11, []byte("bob"))
	require.NotNil(t, found)
	require.Equal(t, "bob", found.Key().String())
	require.Nil(t, parsed.FindChild(11, []byte("carol")))
}

func TestPrint(t *testing.T) {
	root := buildSampleTree(t)

	var sb bytes.Buffer
	root.Print(&sb, "")
	out := sb.String()
	require.Contains(t, out, "tag=3501")
	require.Contains(t, out, "Shaneyu")
	require.Contains(t, out, "19801010")
}
