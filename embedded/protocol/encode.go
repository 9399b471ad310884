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
	"encoding/binary"

	"github.com/knvproto/knvengine/embedded/knv"
	"github.com/knvproto/knvengine/embedded/wire"
)

// Encode serializes the packet in KNV framing. A non-zero retcode encodes
// header and error only, with no body.
func (p *Protocol) Encode() ([]byte, error) {
	if p.retcode != 0 {
		return p.encode(p.retcode, p.retmsg, nil, false, false)
	}
	return p.encodeAll()
}

// EncodeWithError forces the given result code and message.
func (p *Protocol) EncodeWithError(ret uint32, msg string) ([]byte, error) {
	return p.encode(ret, []byte(msg), nil, false, false)
}

// EncodeWithBody serializes header plus the given body subtree instead of
// the packet's own bodies.
func (p *Protocol) EncodeWithBody(b *knv.Node) ([]byte, error) {
	return p.encode(0, nil, b, false, false)
}

// EncodeLegacy emits the legacy frame with every body concatenated inside
// the legacy body section (the default framing for batch peers).
func (p *Protocol) EncodeLegacy() ([]byte, error) {
	if p.retcode != 0 {
		return p.encode(p.retcode, p.retmsg, nil, true, false)
	}
	if !p.IsValid() {
		return nil, ErrInvalidProtocol
	}
	return p.encodeLegacyAll()
}

// EncodeLegacySingle emits the legacy frame with a single body's value
// embedded verbatim, for peers that do not understand KNV bodies.
func (p *Protocol) EncodeLegacySingle() ([]byte, error) {
	if p.retcode != 0 {
		return p.encode(p.retcode, p.retmsg, nil, true, true)
	}
	if !p.IsValid() {
		return nil, ErrInvalidProtocol
	}
	return p.encodeLegacySingle(p.body)
}

// EncodeLegacyWithBody emits the legacy frame around the given body.
func (p *Protocol) EncodeLegacyWithBody(b *knv.Node) ([]byte, error) {
	return p.encode(0, nil, b, true, false)
}

func (p *Protocol) encode(ret uint32, errmsg []byte, bodyTree *knv.Node, legacy, compat bool) ([]byte, error) {
	if !p.IsValid() {
		return nil, ErrInvalidProtocol
	}

	if ret != p.retcode {
		if err := p.SetRetCode(ret); err != nil {
			return nil, err
		}
	}
	if string(errmsg) != string(p.retmsg) {
		if err := p.SetRetErrorMsg(errmsg); err != nil {
			return nil, err
		}
	}

	if legacy {
		if compat {
			return p.encodeLegacySingle(bodyTree)
		}
		return p.encodeLegacyBody(bodyTree)
	}

	// tag + length + header + body
	hdrSz := p.header.EvaluateSize()
	bdySz := 0
	if bodyTree != nil {
		bdySz = bodyTree.EvaluateSize()
	}
	totalValSz := hdrSz + bdySz
	totalSz := wire.SizeBytesField(PkgTag, totalValSz)

	buf := make([]byte, totalSz)
	e := wire.NewEncoder(buf)

	if err := e.AddBytesHeader(PkgTag, totalValSz); err != nil {
		return nil, err
	}

	cur := e.Len()

	n, err := p.header.SerializeTo(buf[cur:], true)
	if err != nil {
		return nil, err
	}
	cur += n

	if bdySz > 0 {
		n, err = bodyTree.SerializeTo(buf[cur:], true)
		if err != nil {
			return nil, err
		}
		cur += n
	}

	return buf[:cur], nil
}

func (p *Protocol) encodeAll() ([]byte, error) {
	if !p.IsValid() {
		return nil, ErrInvalidProtocol
	}

	sz := p.tree.EvaluateSize()
	buf := make([]byte, sz)

	n, err := p.tree.SerializeTo(buf, true)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func legacyFrame(hdr []byte, bodyLen int) []byte {
	buf := make([]byte, 10+len(hdr)+bodyLen)
	buf[0] = legacySTX
	binary.BigEndian.PutUint32(buf[1:], uint32(len(hdr)))
	binary.BigEndian.PutUint32(buf[5:], uint32(bodyLen))
	copy(buf[9:], hdr)
	buf[len(buf)-1] = legacyETX
	return buf
}

// encodeLegacyBody frames the header value and one body (with its KNV
// tag) inside the legacy envelope.
func (p *Protocol) encodeLegacyBody(bodyTree *knv.Node) ([]byte, error) {
	hdr, err := p.header.Value()
	if err != nil {
		return nil, err
	}

	bdySz := 0
	if bodyTree != nil {
		bdySz = bodyTree.EvaluateSize()
	}

	buf := legacyFrame(hdr, bdySz)

	if bdySz > 0 {
		if _, err := bodyTree.SerializeTo(buf[9+len(hdr):9+len(hdr)+bdySz], true); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// encodeLegacySingle embeds the body's raw value without its KNV tag.
func (p *Protocol) encodeLegacySingle(bodyTree *knv.Node) ([]byte, error) {
	hdr, err := p.header.Value()
	if err != nil {
		return nil, err
	}

	var bdy []byte
	if bodyTree != nil {
		if bdy, err = bodyTree.Value(); err != nil {
			return nil, err
		}
	}

	buf := legacyFrame(hdr, len(bdy))
	copy(buf[9+len(hdr):], bdy)
	return buf, nil
}

// encodeLegacyAll frames the header value and every non-header child,
// each with its own KNV tag, inside one legacy body.
func (p *Protocol) encodeLegacyAll() ([]byte, error) {
	hdr, err := p.header.Value()
	if err != nil {
		return nil, err
	}

	maxBdySz := p.tree.EvaluateSize()
	buf := make([]byte, 10+len(hdr)+maxBdySz)

	buf[0] = legacySTX
	binary.BigEndian.PutUint32(buf[1:], uint32(len(hdr)))
	copy(buf[9:], hdr)

	bdySz := 0
	bdy := buf[9+len(hdr):]
	for n := p.tree.FirstChild(); n != nil; n = n.NextSibling() {
		if n.Tag() == HdrTag {
			continue
		}
		ln, err := n.SerializeTo(bdy[bdySz:], true)
		if err != nil {
			return nil, err
		}
		bdySz += ln
	}

	binary.BigEndian.PutUint32(buf[5:], uint32(bdySz))
	buf[9+len(hdr)+bdySz] = legacyETX
	return buf[:10+len(hdr)+bdySz], nil
}
