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
	"github.com/knvproto/knvengine/embedded/knv"
	"github.com/knvproto/knvengine/embedded/mempool"
	"github.com/knvproto/knvengine/embedded/metrics"
	"github.com/knvproto/knvengine/embedded/wire"
)

// splitting slack: room for the wrapper and the split-related header
// children that are added during the process
const (
	splitEnvelopeSlack = 32
	splitHeaderSlack   = 16
)

func (p *Protocol) AllowSplit() bool {
	return p.allowSplit
}

// SetAllowSplit configures splitting for packets sent from this side.
func (p *Protocol) SetAllowSplit(allow bool, pkgSize uint32) {
	p.allowSplit = allow
	if pkgSize != 0 {
		p.maxPkgSize = pkgSize
	}
}

// SetReqSplit advertises in the header whether the peer may split its
// reply, and with which size cap.
func (p *Protocol) SetReqSplit(allow bool, pkgSize uint32) error {
	if !p.IsValid() {
		return ErrInvalidProtocol
	}

	if allow {
		if err := p.header.SetChildUint(HdrAllowSplitTag, 1); err != nil {
			return err
		}
	} else {
		p.header.RemoveChildrenByTag(HdrAllowSplitTag)
	}

	if pkgSize != 0 {
		return p.header.SetChildUint(HdrMaxPkgSizeTag, uint64(pkgSize))
	}
	return nil
}

// MaxPkgSize returns the effective split threshold.
func (p *Protocol) MaxPkgSize() uint32 {
	if p.maxPkgSize < MinPkgSize || p.maxPkgSize > DefaultMaxPkgSize {
		return DefaultMaxPkgSize
	}
	return p.maxPkgSize
}

func (p *Protocol) TotalPartNum() int {
	return int(p.totalSplitCount)
}

// IsComplete reports whether the packet needs no further parts.
func (p *Protocol) IsComplete() bool {
	return p.IsValid() && (p.retcode != 0 || p.totalSplitCount == 0 || p.Body() != nil)
}

// Split partitions the serialized packet into part children when it
// exceeds the size cap. With b nil the packet's own bodies are split;
// otherwise b is used as the body. After splitting, encode each part
// with EncodePart.
func (p *Protocol) Split(b *knv.Node) error {
	if !p.IsValid() {
		return ErrInvalidProtocol
	}

	// these fields must not survive from a previous reassembly
	p.totalSplitCount = 1
	p.header.RemoveChildrenByTag(HdrTotalSplitTag)
	p.header.RemoveChildrenByTag(HdrCurrIndexTag)

	var curSz int
	if b != nil {
		curSz = p.header.EvaluateSize() + b.EvaluateSize() + splitEnvelopeSlack
	} else {
		curSz = p.tree.EvaluateSize() + splitEnvelopeSlack
	}
	maxSz := int(p.MaxPkgSize())

	if !p.allowSplit || (b == nil && p.body == nil) || curSz <= maxSz {
		return p.noSplit(b)
	}

	var encoded []byte
	var err error
	if b != nil {
		encoded, err = p.EncodeWithBody(b)
	} else {
		encoded, err = p.Encode()
	}
	if err != nil {
		return err
	}

	if len(encoded) <= maxSz {
		// the eval-based estimate was pessimistic; one encoding wasted
		metrics.IncProtoUndersizedEncodes()
		return p.noSplit(b)
	}

	hdrSz := p.header.EvaluateSize() + splitHeaderSlack
	if hdrSz >= maxSz {
		return ErrHeaderTooLarge
	}

	szPart := maxSz - hdrSz
	nrPkgs := (len(encoded) + szPart - 1) / szPart
	if nrPkgs <= 1 {
		metrics.IncProtoUndersizedEncodes()
		return p.noSplit(b)
	}

	p.totalSplitCount = uint32(nrPkgs)
	if err := p.header.SetChildUint(HdrTotalSplitTag, uint64(nrPkgs)); err != nil {
		return err
	}

	for i := 0; i < nrPkgs; i++ {
		off := i * szPart
		end := off + szPart
		if end > len(encoded) {
			end = len(encoded)
		}

		part, err := knv.NewBytes(uint32(PartTagBase+i), encoded[off:end], true)
		if err != nil {
			return err
		}

		p.tree.RemoveChildrenByTag(uint32(PartTagBase + i))
		if err := p.tree.InsertChild(part); err != nil {
			part.Release()
			return err
		}
	}

	metrics.IncProtoSplits()
	return nil
}

// noSplit keeps the packet whole; an external body still becomes a
// part-0 child so EncodePart works uniformly.
func (p *Protocol) noSplit(b *knv.Node) error {
	if b == nil {
		return nil
	}

	part, err := b.Duplicate(false)
	if err != nil {
		return err
	}
	if err := part.SetTag(PartTagBase); err != nil {
		part.Release()
		return err
	}
	if err := p.tree.InsertChild(part); err != nil {
		part.Release()
		return err
	}
	return nil
}

// EncodePart serializes the index-th part as a standalone packet with
// curr_split_index stamped into its header.
func (p *Protocol) EncodePart(index int) ([]byte, error) {
	if !p.IsValid() {
		return nil, ErrInvalidProtocol
	}
	if index < 0 || (p.totalSplitCount > 0 && index >= int(p.totalSplitCount)) {
		return nil, ErrBadPartIndex
	}

	if p.totalSplitCount <= 1 {
		b := p.tree.FindChildByTag(PartTagBase)
		if b == nil {
			return p.Encode()
		}
		if err := b.SetTag(BdyTag); err != nil {
			return nil, err
		}
		out, err := p.EncodeWithBody(b)
		if err2 := b.SetTag(PartTagBase); err == nil && err2 != nil {
			err = err2
		}
		return out, err
	}

	b := p.tree.FindChildByTag(uint32(PartTagBase + index))
	if b == nil {
		return nil, ErrPartMissing
	}
	if err := p.header.SetChildUint(HdrCurrIndexTag, uint64(index)); err != nil {
		return nil, err
	}
	return p.EncodeWithBody(b)
}

// AddPartial merges one received part into the accumulated packet.
// A complete packet on either side, a split-count mismatch or an index
// out of range discards the accumulated state in favour of part. A
// duplicate part is an error; a still-missing part returns nil without
// completing. Once the last part arrives the concatenated body is
// reparsed in place.
func (p *Protocol) AddPartial(part *Protocol, copyBuf bool) error {
	if part == nil || !part.IsValid() {
		return ErrInvalidProtocol
	}

	if p.tree == nil {
		return p.assign(part, copyBuf)
	}

	thisComplete := p.IsComplete()
	if thisComplete || part.IsComplete() ||
		p.totalSplitCount != part.totalSplitCount ||
		part.currSplitIndex >= p.totalSplitCount {
		if !thisComplete {
			p.warnf("incomplete packet overwritten: seq=%d parts=%d/%d",
				p.seq, p.partCount(), p.totalSplitCount)
			metrics.IncProtoIncompleteOverwritten()
		}
		return p.assign(part, copyBuf)
	}

	src := part.tree.FindChildByTag(uint32(PartTagBase + part.currSplitIndex))
	if src == nil {
		return ErrPartMissing
	}
	if src.Type() != wire.Bytes {
		return ErrPartEmpty
	}

	if p.tree.FindChildByTag(uint32(PartTagBase+part.currSplitIndex)) != nil {
		return ErrPartialDuplicate
	}
	if _, err := p.tree.InsertChildCopy(src, copyBuf); err != nil {
		return err
	}

	// completed yet?
	totalLen := 0
	for i := 0; i < int(p.totalSplitCount); i++ {
		c := p.tree.FindChildByTag(uint32(PartTagBase + i))
		if c == nil {
			return nil
		}
		v, err := c.Value()
		if err != nil || len(v) == 0 {
			return ErrPartEmpty
		}
		totalLen += len(v)
	}

	m, err := mempool.Alloc(totalLen)
	if err != nil {
		return err
	}

	cur := 0
	for i := 0; i < int(p.totalSplitCount); i++ {
		c := p.tree.FindChildByTag(uint32(PartTagBase + i))
		v, err := c.Value()
		if err != nil {
			mempool.Free(m)
			return err
		}
		copy(m.Bytes()[cur:], v)
		cur += len(v)
	}

	if err := p.assignBytes(m.Bytes()[:cur], true); err != nil {
		mempool.Free(m)
		return err
	}
	mempool.Free(m)

	metrics.IncProtoPartsMerged()
	return nil
}

func (p *Protocol) partCount() int {
	n := 0
	for i := 0; i < int(p.totalSplitCount); i++ {
		if p.tree.FindChildByTag(uint32(PartTagBase+i)) != nil {
			n++
		}
	}
	return n
}

// assign replaces this protocol's state with part's. With copyBuf the
// tree is deep-copied; otherwise ownership moves.
func (p *Protocol) assign(part *Protocol, copyBuf bool) error {
	old := p.tree
	log := p.log

	if copyBuf {
		tree, err := part.tree.Duplicate(true)
		if err != nil {
			return err
		}
		*p = Protocol{tree: tree, log: log}
		if err := p.initProtocol(); err != nil {
			return err
		}
	} else {
		*p = Protocol{
			tree:   part.tree,
			header: part.header,
			body:   part.body,
			log:    log,
		}
		part.tree = nil
		part.header = nil
		part.body = nil
		p.initHeaderInfo()
	}

	if old != nil && old != p.tree {
		old.Release()
	}
	return nil
}

// assignBytes reparses buf as this protocol's new tree.
func (p *Protocol) assignBytes(buf []byte, copyBuf bool) error {
	tree, err := knv.Parse(buf, copyBuf)
	if err != nil {
		return err
	}

	old := p.tree
	log := p.log
	*p = Protocol{tree: tree, log: log}
	if err := p.initProtocol(); err != nil {
		return err
	}

	if old != nil {
		old.Release()
	}
	return nil
}
