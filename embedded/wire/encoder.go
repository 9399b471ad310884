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

package wire

import "encoding/binary"

// Encoder appends fields to a caller-supplied buffer. It never grows the
// buffer; callers size it upfront via the Size* evaluators.
type Encoder struct {
	buf []byte
	off int
}

func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Len returns the number of bytes encoded so far.
func (e *Encoder) Len() int {
	return e.off
}

// Bytes returns the encoded prefix of the underlying buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf[:e.off]
}

func (e *Encoder) AddVarint(tag uint32, v uint64) error {
	if err := e.putVarint(uint64(tag)<<3 | uint64(Varint)); err != nil {
		return err
	}
	return e.putVarint(v)
}

func (e *Encoder) AddFixed32(tag uint32, v uint32) error {
	if err := e.putVarint(uint64(tag)<<3 | uint64(Fixed32)); err != nil {
		return err
	}
	if len(e.buf)-e.off < 4 {
		return ErrBufferFull
	}
	binary.LittleEndian.PutUint32(e.buf[e.off:], v)
	e.off += 4
	return nil
}

func (e *Encoder) AddFixed64(tag uint32, v uint64) error {
	if err := e.putVarint(uint64(tag)<<3 | uint64(Fixed64)); err != nil {
		return err
	}
	if len(e.buf)-e.off < 8 {
		return ErrBufferFull
	}
	binary.LittleEndian.PutUint64(e.buf[e.off:], v)
	e.off += 8
	return nil
}

func (e *Encoder) AddBytes(tag uint32, b []byte) error {
	if err := e.AddBytesHeader(tag, len(b)); err != nil {
		return err
	}
	return e.AddRaw(b)
}

// AddBytesHeader emits only tag, wire type and length. The caller appends
// the value bytes afterwards; composite nodes serialize children directly
// into the remaining space.
func (e *Encoder) AddBytesHeader(tag uint32, size int) error {
	if err := e.putVarint(uint64(tag)<<3 | uint64(Bytes)); err != nil {
		return err
	}
	return e.putVarint(uint64(size))
}

// AddRaw appends pre-encoded bytes.
func (e *Encoder) AddRaw(b []byte) error {
	if len(e.buf)-e.off < len(b) {
		return ErrBufferFull
	}
	copy(e.buf[e.off:], b)
	e.off += len(b)
	return nil
}

// AddField re-encodes a decoded field.
func (e *Encoder) AddField(f *Field) error {
	switch f.Type {
	case Varint:
		return e.AddVarint(f.Tag, f.I64)
	case Fixed64:
		return e.AddFixed64(f.Tag, f.I64)
	case Bytes:
		return e.AddBytes(f.Tag, f.Bytes)
	case Fixed32:
		return e.AddFixed32(f.Tag, f.I32)
	}
	return ErrUnknownWireType
}

func (e *Encoder) putVarint(v uint64) error {
	for {
		if e.off >= len(e.buf) {
			return ErrBufferFull
		}
		if v < 0x80 {
			e.buf[e.off] = byte(v)
			e.off++
			return nil
		}
		e.buf[e.off] = byte(v&0x7f | 0x80)
		e.off++
		v >>= 7
	}
}
