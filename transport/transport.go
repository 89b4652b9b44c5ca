// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport implements the Election Transport (spec §4.2-4.3,
// C3): it carries election.Machine's abstract Actions onto the wire
// as UDP packets, decodes inbound packets back into election.Inbound
// events, and drives the Machine's timer on a fixed tick.
package transport

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/tailhook/verwalter/election"
	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/log"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/wire"
)

// TickInterval is how often the election timer is evaluated; it must
// be well under election's shortest timer (heartbeat, 600ms) so
// deadlines are never missed by more than one tick.
const TickInterval = 100 * time.Millisecond

// InfoSource supplies the current Info the Machine needs to evaluate
// timers and messages (peers, self id, staleness bounds).
type InfoSource func() election.Info

// StampSource supplies the Stamp this node should attach to outgoing
// Ping/Pong/Vote packets, letting peers learn about this node's
// current schedule without a separate gossip round (spec §4.4).
type StampSource func() *wire.Stamp

// StateSink receives every published election.State transition.
type StateSink func(election.State, time.Time)

// StampSink is notified whenever an inbound packet carries a Stamp,
// feeding the prefetch coordinator.
type StampSink func(from peer.Peer, stamp wire.Stamp)

// Transport owns the UDP socket and the election.Machine it drives.
type Transport struct {
	conn    *net.UDPConn
	self    id.Id
	machine *election.Machine
	log     log.Logger

	info     InfoSource
	stamp    StampSource
	onState  StateSink
	onStamp  StampSink
}

// New binds a UDP listener on addr and wraps machine.
func New(addr *net.UDPAddr, self id.Id, machine *election.Machine, l log.Logger, info InfoSource, stamp StampSource, onState StateSink, onStamp StampSink) (*Transport, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Transport{
		conn:    conn,
		self:    self,
		machine: machine,
		log:     l,
		info:    info,
		stamp:   stamp,
		onState: onState,
		onStamp: onStamp,
	}, nil
}

// Run drives both the timer tick and the receive loop until ctx is
// done.
func (t *Transport) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- t.recvLoop(ctx)
	}()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.conn.Close()
			<-errCh
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			now := time.Now()
			actions, _ := t.machine.TimePassed(t.info(), now)
			t.dispatch(actions, now)
			t.publishState(now)
		}
	}
}

func (t *Transport) recvLoop(ctx context.Context) error {
	buf := make([]byte, wire.MaxPacketSize)
	for {
		t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, srcAddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.log.Warn("udp read error", zap.Error(err))
			continue
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			t.log.Warn("dropping malformed packet", zap.Stringer("from", srcAddr), zap.Error(err))
			continue
		}

		in, stamp, source, ok := toInbound(pkt)
		if !ok || source == t.self {
			continue
		}

		now := time.Now()
		actions, _ := t.machine.OnMessage(t.info(), in, now)
		t.dispatch(actions, now)
		t.publishState(now)

		if stamp != nil && t.onStamp != nil {
			p, known := t.info().Peers.Get(source)
			if !known {
				p = peer.Peer{Id: source, Addr: srcAddr}
			}
			t.onStamp(p, *stamp)
		}
	}
}

func toInbound(pkt wire.Packet) (election.Inbound, *wire.Stamp, id.Id, bool) {
	switch {
	case pkt.Ping != nil:
		return election.Inbound{Kind: election.InboundPing, Source: pkt.Ping.Source, Epoch: pkt.Ping.Epoch}, pkt.Ping.Stamp, pkt.Ping.Source, true
	case pkt.Pong != nil:
		return election.Inbound{Kind: election.InboundPong, Source: pkt.Pong.Source, Epoch: pkt.Pong.Epoch}, pkt.Pong.Stamp, pkt.Pong.Source, true
	case pkt.Vote != nil:
		return election.Inbound{Kind: election.InboundVote, Source: pkt.Vote.Source, Epoch: pkt.Vote.Epoch, Target: pkt.Vote.Target}, pkt.Vote.Stamp, pkt.Vote.Source, true
	default:
		return election.Inbound{}, nil, id.Id{}, false
	}
}

func (t *Transport) dispatch(actions []election.Action, now time.Time) {
	info := t.info()
	for _, a := range actions {
		switch a.Kind {
		case election.ActionPingAll:
			for _, peerID := range info.Peers.Mapping {
				if peerID.Id == t.self || peerID.Addr == nil {
					continue
				}
				t.send(peerID.Addr, wire.Packet{Ping: &wire.Ping{Source: t.self, Epoch: t.machine.Snapshot().Epoch, Stamp: t.stampNow()}})
			}
		case election.ActionVote:
			for _, peerID := range info.Peers.Mapping {
				if peerID.Id == t.self || peerID.Addr == nil {
					continue
				}
				t.send(peerID.Addr, wire.Packet{Vote: &wire.Vote{Source: t.self, Epoch: t.machine.Snapshot().Epoch, Target: a.Target, Stamp: t.stampNow()}})
			}
		case election.ActionConfirmVote:
			if p, ok := info.Peers.Get(a.Target); ok && p.Addr != nil {
				t.send(p.Addr, wire.Packet{Vote: &wire.Vote{Source: t.self, Epoch: t.machine.Snapshot().Epoch, Target: a.Target, Stamp: t.stampNow()}})
			}
		case election.ActionPong:
			if p, ok := info.Peers.Get(a.Target); ok && p.Addr != nil {
				t.send(p.Addr, wire.Packet{Pong: &wire.Pong{Source: t.self, Epoch: t.machine.Snapshot().Epoch, Stamp: t.stampNow()}})
			}
		}
	}
}

func (t *Transport) stampNow() *wire.Stamp {
	if t.stamp == nil {
		return nil
	}
	return t.stamp()
}

func (t *Transport) send(addr *net.UDPAddr, pkt wire.Packet) {
	b, err := wire.Encode(pkt)
	if err != nil {
		t.log.Warn("failed to encode outgoing packet", zap.Error(err))
		return
	}
	if _, err := t.conn.WriteToUDP(b, addr); err != nil {
		t.log.Warn("failed to send packet", zap.Stringer("to", addr), zap.Error(err))
	}
}

func (t *Transport) publishState(now time.Time) {
	if t.onState == nil {
		return
	}
	s := t.machine.Snapshot()
	if s.IsLeader && s.LeaderID == nil {
		self := t.self
		s.LeaderID = &self
	}
	t.onState(s, now)
}

// Close releases the UDP socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}
