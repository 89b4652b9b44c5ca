// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"errors"
	"fmt"
)

// ErrTruncated is returned by Unpacker methods when fewer bytes
// remain than the field being read requires.
var ErrTruncated = errors.New("wire: truncated packet")

// Packer accumulates bytes for an outgoing packet. It is grounded on
// the teacher's utils/wrappers.Packer, extended with length-prefixed
// strings so trailing fields can be appended without breaking old
// readers (§4.3: "a receiver ignoring unknown tail bytes MUST NOT
// reject the packet").
type Packer struct {
	Bytes []byte
	Err   error
}

// NewPacker returns a new Packer with the given initial capacity.
func NewPacker(size int) *Packer {
	return &Packer{Bytes: make([]byte, 0, size)}
}

func (p *Packer) PackByte(b byte) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes, b)
}

func (p *Packer) PackBytes(b []byte) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes, b...)
}

// PackShort packs a uint16 as 2 bytes, big-endian.
func (p *Packer) PackShort(s uint16) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes, byte(s>>8), byte(s))
}

// PackInt packs a uint32 as 4 bytes, big-endian.
func (p *Packer) PackInt(i uint32) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes, byte(i>>24), byte(i>>16), byte(i>>8), byte(i))
}

// PackLong packs a uint64 as 8 bytes, big-endian.
func (p *Packer) PackLong(l uint64) {
	if p.Err != nil {
		return
	}
	p.Bytes = append(p.Bytes,
		byte(l>>56), byte(l>>48), byte(l>>40), byte(l>>32),
		byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
}

// PackString packs a length-prefixed (2-byte length) UTF-8 string.
func (p *Packer) PackString(s string) {
	if p.Err != nil {
		return
	}
	if len(s) > 0xFFFF {
		p.Err = fmt.Errorf("wire: string too long (%d bytes)", len(s))
		return
	}
	p.PackShort(uint16(len(s)))
	p.PackBytes([]byte(s))
}

// Unpacker reads fields back off a byte slice in the same order they
// were packed.
type Unpacker struct {
	Bytes  []byte
	offset int
	Err    error
}

// NewUnpacker wraps b for sequential field reads.
func NewUnpacker(b []byte) *Unpacker {
	return &Unpacker{Bytes: b}
}

// Remaining returns the number of unread bytes.
func (u *Unpacker) Remaining() int {
	return len(u.Bytes) - u.offset
}

func (u *Unpacker) need(n int) bool {
	if u.Err != nil {
		return false
	}
	if u.Remaining() < n {
		u.Err = ErrTruncated
		return false
	}
	return true
}

func (u *Unpacker) UnpackByte() byte {
	if !u.need(1) {
		return 0
	}
	b := u.Bytes[u.offset]
	u.offset++
	return b
}

func (u *Unpacker) UnpackBytes(n int) []byte {
	if !u.need(n) {
		return nil
	}
	b := u.Bytes[u.offset : u.offset+n]
	u.offset += n
	return b
}

func (u *Unpacker) UnpackShort() uint16 {
	if !u.need(2) {
		return 0
	}
	b := u.Bytes[u.offset : u.offset+2]
	u.offset += 2
	return uint16(b[0])<<8 | uint16(b[1])
}

func (u *Unpacker) UnpackInt() uint32 {
	if !u.need(4) {
		return 0
	}
	b := u.Bytes[u.offset : u.offset+4]
	u.offset += 4
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (u *Unpacker) UnpackLong() uint64 {
	if !u.need(8) {
		return 0
	}
	b := u.Bytes[u.offset : u.offset+8]
	u.offset += 8
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func (u *Unpacker) UnpackString() string {
	n := int(u.UnpackShort())
	b := u.UnpackBytes(n)
	if b == nil {
		return ""
	}
	return string(b)
}
