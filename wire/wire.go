// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire implements the UDP election protocol's self-describing
// Ping/Pong/Vote packets (spec §4.3, §6).
package wire

import (
	"fmt"

	"github.com/tailhook/verwalter/id"
)

// MaxPacketSize is the hard ceiling on a single UDP datagram.
const MaxPacketSize = 4096

type tag byte

const (
	tagPing tag = 1
	tagPong tag = 2
	tagVote tag = 3
)

const hasStamp byte = 1
const noStamp byte = 0

// Stamp is the compact schedule pointer attached to election traffic.
type Stamp struct {
	TimestampMs int64
	Hash        string
	Origin      id.Id
}

// Packet is the tagged union of messages carried over the election
// socket. Exactly one of Ping/Pong/Vote is non-nil.
type Packet struct {
	Ping *Ping
	Pong *Pong
	Vote *Vote
}

// Ping announces a leader's (or candidate's) epoch to all peers.
type Ping struct {
	Source id.Id
	Epoch  uint64
	Stamp  *Stamp
}

// Pong answers a Ping, echoing the follower's view plus its error count.
type Pong struct {
	Source id.Id
	Epoch  uint64
	Stamp  *Stamp
	Errors uint32
}

// Vote casts (or confirms) a vote for target during an election.
type Vote struct {
	Source id.Id
	Epoch  uint64
	Target id.Id
	Stamp  *Stamp
}

func packStamp(p *Packer, s *Stamp) {
	if s == nil {
		p.PackByte(noStamp)
		return
	}
	p.PackByte(hasStamp)
	p.PackLong(uint64(s.TimestampMs))
	p.PackString(s.Hash)
	p.PackBytes(s.Origin[:])
}

func unpackStamp(u *Unpacker) *Stamp {
	present := u.UnpackByte()
	if present != hasStamp {
		return nil
	}
	ts := int64(u.UnpackLong())
	hash := u.UnpackString()
	idBytes := u.UnpackBytes(id.Size)
	if u.Err != nil {
		return nil
	}
	return &Stamp{TimestampMs: ts, Hash: hash, Origin: id.New(idBytes)}
}

// Encode serializes a Packet into a length-prefixed-field binary
// datagram no larger than MaxPacketSize.
func Encode(pkt Packet) ([]byte, error) {
	p := NewPacker(64)
	switch {
	case pkt.Ping != nil:
		p.PackByte(byte(tagPing))
		p.PackBytes(pkt.Ping.Source[:])
		p.PackLong(pkt.Ping.Epoch)
		packStamp(p, pkt.Ping.Stamp)
	case pkt.Pong != nil:
		p.PackByte(byte(tagPong))
		p.PackBytes(pkt.Pong.Source[:])
		p.PackLong(pkt.Pong.Epoch)
		packStamp(p, pkt.Pong.Stamp)
		p.PackInt(pkt.Pong.Errors)
	case pkt.Vote != nil:
		p.PackByte(byte(tagVote))
		p.PackBytes(pkt.Vote.Source[:])
		p.PackLong(pkt.Vote.Epoch)
		p.PackBytes(pkt.Vote.Target[:])
		packStamp(p, pkt.Vote.Stamp)
	default:
		return nil, fmt.Errorf("wire: empty packet")
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Bytes) > MaxPacketSize {
		return nil, fmt.Errorf("wire: packet too large (%d bytes)", len(p.Bytes))
	}
	return p.Bytes, nil
}

// Decode parses a datagram produced by Encode. Unknown trailing bytes
// (from a newer sender) are ignored rather than rejected, per §4.3.
func Decode(b []byte) (Packet, error) {
	if len(b) > MaxPacketSize {
		return Packet{}, fmt.Errorf("wire: packet too large (%d bytes)", len(b))
	}
	u := NewUnpacker(b)
	t := tag(u.UnpackByte())

	var pkt Packet
	switch t {
	case tagPing:
		src := u.UnpackBytes(id.Size)
		epoch := u.UnpackLong()
		stamp := unpackStamp(u)
		if u.Err != nil {
			return Packet{}, u.Err
		}
		pkt.Ping = &Ping{Source: id.New(src), Epoch: epoch, Stamp: stamp}
	case tagPong:
		src := u.UnpackBytes(id.Size)
		epoch := u.UnpackLong()
		stamp := unpackStamp(u)
		errs := u.UnpackInt()
		if u.Err != nil {
			return Packet{}, u.Err
		}
		pkt.Pong = &Pong{Source: id.New(src), Epoch: epoch, Stamp: stamp, Errors: errs}
	case tagVote:
		src := u.UnpackBytes(id.Size)
		epoch := u.UnpackLong()
		target := u.UnpackBytes(id.Size)
		stamp := unpackStamp(u)
		if u.Err != nil {
			return Packet{}, u.Err
		}
		pkt.Vote = &Vote{Source: id.New(src), Epoch: epoch, Target: id.New(target), Stamp: stamp}
	default:
		return Packet{}, fmt.Errorf("wire: unknown packet tag %d", t)
	}
	return pkt, nil
}
