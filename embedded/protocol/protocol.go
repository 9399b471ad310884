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

// Package protocol implements the framed envelope built on KNV trees: a
// packet is itself a tree with fixed tags for header and bodies, plus
// packet splitting and reassembly and an alternative legacy framing.
package protocol

import (
	"errors"

	"github.com/knvproto/knvengine/embedded/knv"
	"github.com/knvproto/knvengine/embedded/logger"
	"github.com/knvproto/knvengine/embedded/wire"
)

// Wrapper tags and header fields of the KNV packet tree.
const (
	PkgTag        = 0xdb3 // outer wrapper; first bytes on the wire: 9A DB 01
	HdrTag        = 0xbad // header subtree; EA BA 01
	BdyTag        = 0xdad // body subtree, repeatable for batches; EA DA 01
	UnfinishedTag = 0xddd // keys not completed in a batch response
	PartTagBase   = 0x1ee // k-th part of a split packet has tag PartTagBase+k
	PartTagMax    = 0x2ee // tags up to here are reserved for parts
)

// Header metas (reserved range) and children.
const (
	HdrKeyTag    = 1
	HdrCmdTag    = 2
	HdrSubCmdTag = 3
	HdrSeqTag    = 4
	HdrRetTag    = 7
	HdrErrTag    = 8

	HdrRspAddrTag    = 2001
	HdrAllowSplitTag = 2002
	HdrMaxPkgSizeTag = 2003
	HdrTotalSplitTag = 2004
	HdrCurrIndexTag  = 2005
)

const (
	DefaultMaxPkgSize = 64000
	MinPkgSize        = 128

	legacySTX = 0x28
	legacyETX = 0x29
)

var (
	ErrInvalidProtocol  = errors.New("protocol: invalid protocol tree")
	ErrNoHeader         = errors.New("protocol: no header part")
	ErrInvalidBody      = errors.New("protocol: request body is invalid")
	ErrBadFrame         = errors.New("protocol: bad legacy frame")
	ErrBadPartIndex     = errors.New("protocol: bad part index")
	ErrPartMissing      = errors.New("protocol: no such part")
	ErrPartEmpty        = errors.New("protocol: part is empty")
	ErrPartialDuplicate = errors.New("protocol: part already added")
	ErrHeaderTooLarge   = errors.New("protocol: header exceeds max package size")
	ErrDomainExists     = errors.New("protocol: domain already present")
)

// Protocol wraps a KNV packet tree. The tree is invisible to callers
// except through the header and body accessors.
type Protocol struct {
	tree   *knv.Node
	header *knv.Node
	// for batches body points at the current request; iterate with
	// FirstBody/NextBody
	body *knv.Node

	cmd     uint32
	subcmd  uint32
	seq     uint64
	retcode uint32
	retmsg  []byte
	rspAddr []byte

	allowSplit      bool
	maxPkgSize      uint32
	totalSplitCount uint32
	currSplitIndex  uint32

	log logger.Logger
}

// New builds a fresh protocol carrying only a header.
func New(cmd, subcmd uint32, seq uint64) (*Protocol, error) {
	tree, err := knv.NewTree(PkgTag, knv.NoKey)
	if err != nil {
		return nil, err
	}

	header, err := tree.AddTree(HdrTag, knv.NoKey)
	if err != nil {
		tree.Release()
		return nil, err
	}

	p := &Protocol{tree: tree, header: header}

	if err := p.SetCommand(cmd); err != nil {
		tree.Release()
		return nil, err
	}
	if err := p.SetSubCommand(subcmd); err != nil {
		tree.Release()
		return nil, err
	}
	if err := p.SetSequence(seq); err != nil {
		tree.Release()
		return nil, err
	}
	return p, nil
}

// Decode parses a packet, auto-detecting the legacy framing by its first
// byte. With copyBuf false the protocol borrows buf.
func Decode(buf []byte, copyBuf bool) (*Protocol, error) {
	p := &Protocol{}

	if len(buf) > 0 && buf[0] == legacySTX {
		if err := p.initFromLegacy(buf, copyBuf); err != nil {
			return nil, err
		}
	} else {
		tree, err := knv.Parse(buf, copyBuf)
		if err != nil {
			return nil, err
		}
		p.tree = tree
	}

	if err := p.initProtocol(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetLogger attaches a diagnostics logger. It reports an incomplete packet
// being overwritten during reassembly; framing errors are returned, not
// logged.
func (p *Protocol) SetLogger(l logger.Logger) {
	p.log = l
}

func (p *Protocol) warnf(f string, args ...interface{}) {
	if p.log != nil {
		p.log.Warningf(f, args...)
	}
}

// initFromLegacy decodes the legacy frame:
//
//	0x28 | u32 header_len BE | u32 body_len BE | header | body | 0x29
//
// A body starting with the KNV body tag bytes holds concatenated KNV
// bodies; anything else is wrapped as a single opaque body.
func (p *Protocol) initFromLegacy(buf []byte, copyBuf bool) error {
	if len(buf) < 10 {
		return ErrBadFrame
	}

	hlen := int(uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4]))
	blen := int(uint32(buf[5])<<24 | uint32(buf[6])<<16 | uint32(buf[7])<<8 | uint32(buf[8]))
	total := hlen + blen + 10

	if total > len(buf) || buf[total-1] != legacyETX {
		return ErrBadFrame
	}

	hdrBytes := buf[9 : 9+hlen]
	bdyBytes := buf[9+hlen : 9+hlen+blen]

	header, err := knv.NewBytes(HdrTag, hdrBytes, copyBuf)
	if err != nil {
		return err
	}

	// multiple KNV bodies are concatenated inside the legacy body;
	// detect them by the body tag byte sequence
	if len(bdyBytes) >= 2 && bdyBytes[0] == 0xea && bdyBytes[1] == 0xda {
		tree, err := knv.NewBytes(PkgTag, bdyBytes, copyBuf)
		if err != nil {
			header.Release()
			return err
		}
		if err := tree.InsertChildFront(header); err != nil {
			header.Release()
			tree.Release()
			return err
		}
		p.tree = tree
		return nil
	}

	// single opaque body
	body, err := knv.NewBytes(BdyTag, bdyBytes, copyBuf)
	if err != nil {
		header.Release()
		return err
	}
	tree, err := knv.NewTree(PkgTag, knv.NoKey)
	if err != nil {
		header.Release()
		body.Release()
		return err
	}
	if err := tree.InsertChild(header); err != nil {
		tree.Release()
		body.Release()
		return err
	}
	if err := tree.InsertChild(body); err != nil {
		tree.Release()
		return err
	}
	p.tree = tree
	return nil
}

func (p *Protocol) initProtocol() error {
	if p.tree == nil {
		return ErrInvalidProtocol
	}
	if p.tree.Tag() != PkgTag {
		p.tree.Release()
		p.tree = nil
		return ErrInvalidProtocol
	}

	p.body = findFirstBody(p.tree.FirstChild())
	p.header = p.tree.FindChildByTag(HdrTag)
	if p.header == nil {
		// a body may be absent but the header may not
		p.tree.Release()
		p.tree = nil
		p.body = nil
		return ErrNoHeader
	}

	p.initHeaderInfo()
	return nil
}

func (p *Protocol) initHeaderInfo() {
	p.cmd = 0
	p.subcmd = 0
	p.seq = 0
	p.retcode = 0
	p.retmsg = nil
	p.rspAddr = nil
	p.allowSplit = false
	p.maxPkgSize = 0
	p.totalSplitCount = 0
	p.currSplitIndex = 0

	h := p.header
	if h == nil {
		return
	}

	p.cmd = uint32(h.MetaUint(HdrCmdTag))
	p.subcmd = uint32(h.MetaUint(HdrSubCmdTag))
	p.seq = h.MetaUint(HdrSeqTag)
	p.retcode = uint32(h.MetaUint(HdrRetTag))

	if m := h.Meta(HdrErrTag); m != nil && m.Type() == wire.Bytes {
		if b, err := m.Value(); err == nil {
			p.retmsg = b
		}
	}

	if c := h.FindChildByTag(HdrRspAddrTag); c != nil && c.Type() == wire.Bytes {
		if b, err := c.Value(); err == nil {
			p.rspAddr = b
		}
	}
	if c := h.FindChildByTag(HdrAllowSplitTag); c != nil && c.Uint() != 0 {
		p.allowSplit = true
	}
	if c := h.FindChildByTag(HdrMaxPkgSizeTag); c != nil {
		p.maxPkgSize = uint32(c.Uint())
	}
	if c := h.FindChildByTag(HdrTotalSplitTag); c != nil {
		p.totalSplitCount = uint32(c.Uint())
	}
	if c := h.FindChildByTag(HdrCurrIndexTag); c != nil {
		p.currSplitIndex = uint32(c.Uint())
	}
}

func findFirstBody(b *knv.Node) *knv.Node {
	for b != nil && b.Tag() != BdyTag {
		b = b.NextSibling()
	}
	return b
}

func (p *Protocol) IsValid() bool {
	return p.tree != nil && p.tree.Tag() == PkgTag
}

func (p *Protocol) Header() *knv.Node {
	if !p.IsValid() {
		return nil
	}
	return p.header
}

func (p *Protocol) Body() *knv.Node {
	if !p.IsValid() || p.body == nil || !p.body.IsValid() {
		return nil
	}
	return p.body
}

// Key returns the current body's key.
func (p *Protocol) Key() knv.Key {
	if b := p.Body(); b != nil {
		return b.Key()
	}
	return knv.NoKey
}

func (p *Protocol) Command() uint32    { return p.cmd }
func (p *Protocol) SubCommand() uint32 { return p.subcmd }
func (p *Protocol) Sequence() uint64   { return p.seq }
func (p *Protocol) RetCode() uint32    { return p.retcode }
func (p *Protocol) RetMsg() string     { return string(p.retmsg) }
func (p *Protocol) RspAddr() []byte    { return p.rspAddr }

// FirstBody rewinds body iteration for batch packets.
func (p *Protocol) FirstBody() *knv.Node {
	if p.tree == nil {
		return nil
	}
	b := findFirstBody(p.tree.FirstChild())
	if b != nil {
		p.body = b
	}
	return b
}

// NextBody advances to the next body of a batch.
func (p *Protocol) NextBody() *knv.Node {
	if p.body == nil {
		return nil
	}
	b := findFirstBody(p.body.NextSibling())
	if b != nil {
		p.body = b
	}
	return b
}

// AddBody appends a body subtree, taking ownership. The body becomes the
// current one.
func (p *Protocol) AddBody(b *knv.Node) error {
	if !p.IsValid() {
		return ErrInvalidProtocol
	}
	if b == nil || b.Tag() != BdyTag {
		return ErrInvalidBody
	}
	if err := p.tree.InsertChild(b); err != nil {
		return err
	}
	p.body = b
	return nil
}

// AddBodyWithKey builds and appends an empty keyed body.
func (p *Protocol) AddBodyWithKey(key knv.Key) (*knv.Node, error) {
	b, err := knv.NewTree(BdyTag, key)
	if err != nil {
		return nil, err
	}
	if err := p.AddBody(b); err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}

// RemoveAllBodies removes every body child, allowing tree reuse. The
// header and any part or unfinished-key children stay.
func (p *Protocol) RemoveAllBodies() error {
	if !p.IsValid() {
		return ErrInvalidProtocol
	}
	p.tree.RemoveChildrenByTag(BdyTag)
	p.body = nil
	return nil
}

// ReassignBody replaces every body with newBody (nil just clears).
func (p *Protocol) ReassignBody(newBody *knv.Node) error {
	if err := p.RemoveAllBodies(); err != nil {
		return err
	}
	if newBody != nil {
		return p.AddBody(newBody)
	}
	return nil
}

// ---- domains: un-keyed children of the current body ----

func (p *Protocol) DomainNum() int {
	if p.IsValid() && p.body != nil {
		return p.body.ChildNum()
	}
	return 0
}

func (p *Protocol) FirstDomain() *knv.Node {
	if p.body != nil {
		return p.body.FirstChild()
	}
	return nil
}

func (p *Protocol) Domain(id uint32) *knv.Node {
	if !p.IsValid() || p.body == nil || !p.body.IsValid() {
		return nil
	}
	return p.body.FindChild(id, nil)
}

// AddDomain returns the domain with id, creating it if absent.
func (p *Protocol) AddDomain(id uint32) (*knv.Node, error) {
	if !p.IsValid() || p.body == nil || !p.body.IsValid() {
		return nil, ErrInvalidProtocol
	}
	if n := p.body.FindChild(id, nil); n != nil {
		return n, nil
	}
	return p.body.AddTree(id, knv.NoKey)
}

// AddDomainNode attaches an existing domain subtree, taking ownership.
func (p *Protocol) AddDomainNode(d *knv.Node) error {
	if !p.IsValid() || p.body == nil || !p.body.IsValid() {
		return ErrInvalidProtocol
	}
	if p.body.FindChild(d.Tag(), nil) != nil {
		return ErrDomainExists
	}
	return p.body.InsertChild(d)
}

func (p *Protocol) RemoveDomain(id uint32) error {
	if !p.IsValid() || p.body == nil || !p.body.IsValid() {
		return ErrInvalidProtocol
	}
	p.body.RemoveChildrenByTag(id)
	return nil
}

// ---- header fields ----

func (p *Protocol) HeaderUint(tag uint32) uint64 {
	if p.header != nil {
		return p.header.FieldUint(tag)
	}
	return 0
}

func (p *Protocol) HeaderString(tag uint32) string {
	if p.header != nil {
		return p.header.FieldString(tag)
	}
	return ""
}

func (p *Protocol) SetHeaderUint(tag uint32, v uint64) error {
	if !p.IsValid() {
		return ErrInvalidProtocol
	}
	if err := p.header.SetFieldUint(tag, v); err != nil {
		return err
	}
	switch tag {
	case HdrCmdTag:
		p.cmd = uint32(v)
	case HdrSubCmdTag:
		p.subcmd = uint32(v)
	case HdrSeqTag:
		p.seq = v
	case HdrRetTag:
		p.retcode = uint32(v)
	}
	return nil
}

func (p *Protocol) SetHeaderBytes(tag uint32, b []byte) error {
	if !p.IsValid() {
		return ErrInvalidProtocol
	}

	var err error
	if len(b) > 0 {
		err = p.header.SetFieldBytes(tag, b)
	} else {
		err = p.header.RemoveField(tag)
	}
	if err != nil {
		return err
	}

	if tag == HdrErrTag {
		p.retmsg = b
	}
	return nil
}

func (p *Protocol) SetCommand(cmd uint32) error {
	return p.SetHeaderUint(HdrCmdTag, uint64(cmd))
}

func (p *Protocol) SetSubCommand(subcmd uint32) error {
	return p.SetHeaderUint(HdrSubCmdTag, uint64(subcmd))
}

func (p *Protocol) SetSequence(seq uint64) error {
	return p.SetHeaderUint(HdrSeqTag, seq)
}

func (p *Protocol) SetRetCode(ret uint32) error {
	return p.SetHeaderUint(HdrRetTag, uint64(ret))
}

func (p *Protocol) SetRetErrorMsg(msg []byte) error {
	return p.SetHeaderBytes(HdrErrTag, msg)
}

// SetRspAddr stores the reply address in the header.
func (p *Protocol) SetRspAddr(addr []byte) error {
	if !p.IsValid() {
		return ErrInvalidProtocol
	}

	p.rspAddr = addr

	if n := p.header.FindChildByTag(HdrRspAddrTag); n != nil {
		return n.SetBytesValue(addr, true)
	}
	_, err := p.header.AddBytes(HdrRspAddrTag, addr)
	return err
}

// AddUnfinishedKey records a batch key the responder did not complete.
// The keys accumulate as repeated tag-1 fields of the 0xddd subtree.
func (p *Protocol) AddUnfinishedKey(k knv.Key) error {
	if !p.IsValid() {
		return ErrInvalidProtocol
	}

	u := p.tree.FindChildByTag(UnfinishedTag)
	if u == nil {
		var err error
		if u, err = p.tree.AddTree(UnfinishedTag, knv.NoKey); err != nil {
			return err
		}
	}

	if k.Type() == wire.Bytes {
		return u.AddMetaBytes(1, k.Bytes())
	}
	return u.AddMetaUint(1, k.Uint())
}

// UnfinishedKeys returns the keys of a batch response that were not
// completed.
func (p *Protocol) UnfinishedKeys() []*knv.Node {
	if !p.IsValid() {
		return nil
	}
	u := p.tree.FindChildByTag(UnfinishedTag)
	if u == nil {
		return nil
	}
	return u.Fields(1)
}

// EvalMaxSize returns the encoded size of the whole packet tree.
func (p *Protocol) EvalMaxSize() (int, error) {
	if !p.IsValid() {
		return 0, ErrInvalidProtocol
	}
	return p.tree.EvaluateSize(), nil
}
