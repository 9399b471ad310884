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

package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/knvproto/knvengine/embedded/knv"
	"github.com/knvproto/knvengine/embedded/logger"
)

func TestNewEncodeDecode(t *testing.T) {
	p, err := New(0x1001, 3, 42)
	require.NoError(t, err)
	require.True(t, p.IsValid())
	require.Equal(t, uint32(0x1001), p.Command())
	require.Equal(t, uint32(3), p.SubCommand())
	require.Equal(t, uint64(42), p.Sequence())

	body, err := p.AddBodyWithKey(knv.IntKey(777))
	require.NoError(t, err)
	_, err = body.AddBytes(11, []byte("payload"))
	require.NoError(t, err)

	enc, err := p.Encode()
	require.NoError(t, err)

	dec, err := Decode(enc, true)
	require.NoError(t, err)
	require.True(t, dec.IsValid())
	require.Equal(t, uint32(0x1001), dec.Command())
	require.Equal(t, uint32(3), dec.SubCommand())
	require.Equal(t, uint64(42), dec.Sequence())
	require.Zero(t, dec.RetCode())
	require.True(t, dec.IsComplete())

	b := dec.Body()
	require.NotNil(t, b)
	require.Equal(t, uint64(777), dec.Key().Uint())
	require.Equal(t, "payload", b.ChildString(11))
}

func TestBatchBodies(t *testing.T) {
	p, err := New(1, 0, 1)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		_, err = p.AddBodyWithKey(knv.IntKey(i))
		require.NoError(t, err)
	}

	enc, err := p.Encode()
	require.NoError(t, err)

	dec, err := Decode(enc, true)
	require.NoError(t, err)

	var keys []uint64
	for b := dec.FirstBody(); b != nil; b = dec.NextBody() {
		keys = append(keys, b.Key().Uint())
	}
	require.Equal(t, []uint64{1, 2, 3}, keys)
}

func TestErrorEncoding(t *testing.T) {
	p, err := New(7, 0, 9)
	require.NoError(t, err)

	body, err := p.AddBodyWithKey(knv.IntKey(5))
	require.NoError(t, err)
	_, err = body.AddBytes(11, []byte("data"))
	require.NoError(t, err)

	enc, err := p.EncodeWithError(1004, "no such record")
	require.NoError(t, err)

	dec, err := Decode(enc, true)
	require.NoError(t, err)
	require.Equal(t, uint32(1004), dec.RetCode())
	require.Equal(t, "no such record", dec.RetMsg())
	// a failed packet carries no body
	require.Nil(t, dec.Body())
	require.True(t, dec.IsComplete())
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil, true)
	require.Error(t, err)

	// valid tree but wrong wrapper tag
	n, err := knv.NewTree(99, knv.NoKey)
	require.NoError(t, err)
	b, err := n.Serialize(true)
	require.NoError(t, err)
	_, err = Decode(b, true)
	require.ErrorIs(t, err, ErrInvalidProtocol)

	// wrapper without a header
	n, err = knv.NewTree(PkgTag, knv.NoKey)
	require.NoError(t, err)
	_, err = n.AddTree(BdyTag, knv.NoKey)
	require.NoError(t, err)
	b, err = n.Serialize(true)
	require.NoError(t, err)
	_, err = Decode(b, true)
	require.ErrorIs(t, err, ErrNoHeader)
}

func TestLegacyFrameLayout(t *testing.T) {
	p, err := New(0x4f0, 1, 77)
	require.NoError(t, err)

	body, err := p.AddBodyWithKey(knv.IntKey(12))
	require.NoError(t, err)
	_, err = body.AddBytes(11, []byte("legacy"))
	require.NoError(t, err)

	enc, err := p.EncodeLegacySingle()
	require.NoError(t, err)

	require.Equal(t, byte(0x28), enc[0])
	require.Equal(t, byte(0x29), enc[len(enc)-1])

	hlen := binary.BigEndian.Uint32(enc[1:])
	blen := binary.BigEndian.Uint32(enc[5:])
	require.Equal(t, 10+int(hlen)+int(blen), len(enc))

	hdr, err := p.Header().Value()
	require.NoError(t, err)
	require.Equal(t, hdr, enc[9:9+hlen])

	bdy, err := p.Body().Value()
	require.NoError(t, err)
	require.Equal(t, bdy, enc[9+hlen:9+hlen+blen])

	// auto-detected on decode by the first byte
	dec, err := Decode(enc, true)
	require.NoError(t, err)
	require.Equal(t, uint32(0x4f0), dec.Command())
	require.Equal(t, uint64(77), dec.Sequence())
	require.NotNil(t, dec.Body())
	require.Equal(t, "legacy", dec.Body().ChildString(11))
}

func TestLegacyMultiBody(t *testing.T) {
	p, err := New(2, 0, 5)
	require.NoError(t, err)

	for i := uint64(1); i <= 2; i++ {
		b, err := p.AddBodyWithKey(knv.IntKey(i))
		require.NoError(t, err)
		_, err = b.AddUint(11, i*100)
		require.NoError(t, err)
	}

	enc, err := p.EncodeLegacy()
	require.NoError(t, err)
	require.Equal(t, byte(0x28), enc[0])
	require.Equal(t, byte(0x29), enc[len(enc)-1])

	// the legacy body starts with the KNV body tag bytes
	hlen := binary.BigEndian.Uint32(enc[1:])
	require.Equal(t, byte(0xea), enc[9+hlen])
	require.Equal(t, byte(0xda), enc[9+hlen+1])

	dec, err := Decode(enc, true)
	require.NoError(t, err)

	var keys []uint64
	for b := dec.FirstBody(); b != nil; b = dec.NextBody() {
		keys = append(keys, b.Key().Uint())
	}
	require.Equal(t, []uint64{1, 2}, keys)
	require.Equal(t, uint64(100), dec.FirstBody().ChildUint(11))
}

func TestLegacyBadFrames(t *testing.T) {
	_, err := Decode([]byte{0x28, 0, 0}, true)
	require.ErrorIs(t, err, ErrBadFrame)

	// lengths exceeding the buffer
	buf := make([]byte, 10)
	buf[0] = 0x28
	binary.BigEndian.PutUint32(buf[1:], 100)
	_, err = Decode(buf, true)
	require.ErrorIs(t, err, ErrBadFrame)

	// missing ETX
	p, err := New(1, 0, 1)
	require.NoError(t, err)
	enc, err := p.EncodeLegacySingle()
	require.NoError(t, err)
	enc[len(enc)-1] = 0x00
	_, err = Decode(enc, true)
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestDomains(t *testing.T) {
	p, err := New(3, 0, 8)
	require.NoError(t, err)

	_, err = p.AddBodyWithKey(knv.IntKey(1))
	require.NoError(t, err)

	d, err := p.AddDomain(21)
	require.NoError(t, err)
	require.NoError(t, d.SetChildUint(101, 5))

	// adding again returns the existing domain
	d2, err := p.AddDomain(21)
	require.NoError(t, err)
	require.Same(t, d, d2)
	require.Equal(t, 1, p.DomainNum())

	require.NotNil(t, p.Domain(21))
	require.NoError(t, p.RemoveDomain(21))
	require.Nil(t, p.Domain(21))
}

func TestHeaderFields(t *testing.T) {
	p, err := New(1, 2, 3)
	require.NoError(t, err)

	require.NoError(t, p.SetRspAddr([]byte{127, 0, 0, 1, 0x1f, 0x90}))
	require.NoError(t, p.SetReqSplit(true, 9000))

	enc, err := p.Encode()
	require.NoError(t, err)

	dec, err := Decode(enc, true)
	require.NoError(t, err)
	require.Equal(t, []byte{127, 0, 0, 1, 0x1f, 0x90}, dec.RspAddr())
	require.True(t, dec.AllowSplit())
	require.Equal(t, uint32(9000), dec.MaxPkgSize())

	require.NoError(t, dec.SetHeaderUint(HdrSeqTag, 99))
	require.Equal(t, uint64(99), dec.Sequence())
	require.Equal(t, uint64(99), dec.HeaderUint(HdrSeqTag))
}

func TestSplitReassembly(t *testing.T) {
	p, err := New(0x4001, 0, 42)
	require.NoError(t, err)

	body, err := p.AddBodyWithKey(knv.IntKey(1))
	require.NoError(t, err)

	blob := bytes.Repeat([]byte{0x5a}, 200000)
	_, err = body.AddBytes(11, blob)
	require.NoError(t, err)

	origBody, err := body.Value()
	require.NoError(t, err)
	origBodyCopy := append([]byte(nil), origBody...)

	p.SetAllowSplit(true, 8000)

	encoded, err := p.Encode()
	require.NoError(t, err)
	szPart := 8000 - (p.Header().EvaluateSize() + splitHeaderSlack)
	expectedParts := (len(encoded) + szPart - 1) / szPart

	require.NoError(t, p.Split(nil))
	require.Equal(t, expectedParts, p.TotalPartNum())
	require.Greater(t, p.TotalPartNum(), 1)

	parts := make([][]byte, p.TotalPartNum())
	for i := range parts {
		parts[i], err = p.EncodePart(i)
		require.NoError(t, err)
	}

	// feed the parts in reversed order to a fresh receiver
	recv := &Protocol{}
	for i := len(parts) - 1; i >= 0; i-- {
		part, err := Decode(parts[i], true)
		require.NoError(t, err)
		require.False(t, part.IsComplete())
		require.NoError(t, recv.AddPartial(part, true))

		if i > 0 {
			require.False(t, recv.IsComplete())
		}
	}

	require.True(t, recv.IsComplete())
	require.Equal(t, uint32(0x4001), recv.Command())
	require.Equal(t, uint64(42), recv.Sequence())

	rb := recv.Body()
	require.NotNil(t, rb)
	got, err := rb.Value()
	require.NoError(t, err)
	require.Equal(t, origBodyCopy, got)
}

func TestSplitNotNeeded(t *testing.T) {
	p, err := New(1, 0, 1)
	require.NoError(t, err)

	body, err := p.AddBodyWithKey(knv.IntKey(1))
	require.NoError(t, err)
	_, err = body.AddBytes(11, []byte("small"))
	require.NoError(t, err)

	p.SetAllowSplit(true, 8000)
	require.NoError(t, p.Split(nil))
	require.Equal(t, 1, p.TotalPartNum())

	enc, err := p.EncodePart(0)
	require.NoError(t, err)

	dec, err := Decode(enc, true)
	require.NoError(t, err)
	require.True(t, dec.IsComplete())
	require.Equal(t, "small", dec.Body().ChildString(11))
}

func TestAddPartialDuplicate(t *testing.T) {
	p := makeSplitPacket(t)

	parts := make([][]byte, p.TotalPartNum())
	var err error
	for i := range parts {
		parts[i], err = p.EncodePart(i)
		require.NoError(t, err)
	}

	recv := &Protocol{}

	part0, err := Decode(parts[0], true)
	require.NoError(t, err)
	require.NoError(t, recv.AddPartial(part0, true))

	dup, err := Decode(parts[0], true)
	require.NoError(t, err)
	require.ErrorIs(t, recv.AddPartial(dup, true), ErrPartialDuplicate)
}

func TestAddPartialOverwrite(t *testing.T) {
	p := makeSplitPacket(t)

	part0bytes, err := p.EncodePart(0)
	require.NoError(t, err)

	log := logger.NewMemoryLoggerWithLevel(logger.LogWarn)

	recv := &Protocol{}
	recv.SetLogger(log)

	part0, err := Decode(part0bytes, true)
	require.NoError(t, err)
	require.NoError(t, recv.AddPartial(part0, true))
	require.False(t, recv.IsComplete())

	// a complete packet replaces the incomplete accumulation
	whole, err := New(9, 0, 100)
	require.NoError(t, err)
	_, err = whole.AddBodyWithKey(knv.IntKey(3))
	require.NoError(t, err)

	enc, err := whole.Encode()
	require.NoError(t, err)
	dec, err := Decode(enc, true)
	require.NoError(t, err)

	require.NoError(t, recv.AddPartial(dec, true))
	require.True(t, recv.IsComplete())
	require.Equal(t, uint32(9), recv.Command())

	logs := log.GetLogs()
	require.NotEmpty(t, logs)
	require.Contains(t, logs[0], "incomplete packet overwritten")
}

func makeSplitPacket(t *testing.T) *Protocol {
	t.Helper()

	p, err := New(0x4001, 0, 42)
	require.NoError(t, err)

	body, err := p.AddBodyWithKey(knv.IntKey(1))
	require.NoError(t, err)
	_, err = body.AddBytes(11, bytes.Repeat([]byte{0x77}, 50000))
	require.NoError(t, err)

	p.SetAllowSplit(true, 8000)
	require.NoError(t, p.Split(nil))
	require.Greater(t, p.TotalPartNum(), 1)
	return p
}

func TestUnfinishedKeys(t *testing.T) {
	p, err := New(5, 0, 11)
	require.NoError(t, err)

	require.Empty(t, p.UnfinishedKeys())

	require.NoError(t, p.AddUnfinishedKey(knv.IntKey(100)))
	require.NoError(t, p.AddUnfinishedKey(knv.StringKey("pending")))

	enc, err := p.Encode()
	require.NoError(t, err)

	dec, err := Decode(enc, true)
	require.NoError(t, err)

	keys := dec.UnfinishedKeys()
	require.Len(t, keys, 2)
	require.Equal(t, uint64(100), keys[0].Uint())
	require.Equal(t, "pending", keys[1].StringVal())
}

func TestPrint(t *testing.T) {
	p, err := New(0x11, 0, 4)
	require.NoError(t, err)
	_, err = p.AddBodyWithKey(knv.StringKey("k"))
	require.NoError(t, err)

	var sb bytes.Buffer
	require.NoError(t, p.Print(&sb, ""))
	require.Contains(t, sb.String(), "cmd=0x11")
}
