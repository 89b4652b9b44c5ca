// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/tailhook/verwalter/id"
	verwalterlog "github.com/tailhook/verwalter/log"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/utils/wrappers"
)

const (
	serviceName   = "_verwalter._tcp"
	serviceDomain = "local."
	browseTimeout = 2 * time.Second
)

// MDNS discovers peers by browsing for zeroconf/DNS-SD announcements
// on the local network. It is the out-of-band discovery service spec
// §1 calls for when no external registry (Static) is configured.
type MDNS struct {
	resolver *zeroconf.Resolver
	log      verwalterlog.Logger
}

// NewMDNS builds an MDNS discoverer.
func NewMDNS() (*MDNS, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: mdns resolver: %w", err)
	}
	return &MDNS{resolver: r, log: verwalterlog.NoOp()}, nil
}

// SetLogger overrides the no-op default so malformed-entry warnings
// surface through the daemon's usual logging sink.
func (m *MDNS) SetLogger(l verwalterlog.Logger) {
	if l != nil {
		m.log = l
	}
}

// Discover browses for verwalter announcements for browseTimeout and
// returns every peer seen. A malformed entry (missing or unparsable
// "id=" TXT record) doesn't fail the whole browse — spec §4.1 keeps
// the last good Peers published on discovery trouble, and one bad
// announcement shouldn't hide the rest of the cluster — but every
// such entry is collected and logged together so an operator sees the
// full extent of the trouble in one line rather than one-by-one.
func (m *MDNS) Discover(ctx context.Context) ([]peer.DiscoveredPeer, error) {
	ctx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	var out []peer.DiscoveredPeer
	var skipped wrappers.Errs
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			dp, err := entryToPeer(entry)
			if err != nil {
				skipped.Add(fmt.Errorf("entry from host %q: %w", entry.HostName, err))
				continue
			}
			out = append(out, dp)
		}
	}()

	if err := m.resolver.Browse(ctx, serviceName, serviceDomain, entries); err != nil {
		return nil, fmt.Errorf("discovery: mdns browse: %w", err)
	}
	<-ctx.Done()
	<-done

	if skipped.Errored() {
		m.log.Warn("ignored malformed mdns announcements", zap.Int("count", skipped.Len()), zap.String("detail", skipped.String()))
	}
	return out, nil
}

var errMissingID = fmt.Errorf("no id= TXT record")

func entryToPeer(entry *zeroconf.ServiceEntry) (peer.DiscoveredPeer, error) {
	var nodeID id.Id
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, "id=") {
			parsed, err := id.FromHex(strings.TrimPrefix(txt, "id="))
			if err != nil {
				return peer.DiscoveredPeer{}, fmt.Errorf("parsing id= TXT record: %w", err)
			}
			nodeID = parsed
		}
	}
	if nodeID.IsEmpty() {
		return peer.DiscoveredPeer{}, errMissingID
	}

	var addr *net.UDPAddr
	if len(entry.AddrIPv4) > 0 {
		addr = &net.UDPAddr{IP: entry.AddrIPv4[0], Port: entry.Port}
	}

	return peer.DiscoveredPeer{
		Id:       nodeID,
		Addr:     addr,
		Hostname: entry.HostName,
	}, nil
}

// Publish announces this node via mDNS so peers running MDNS discover
// it. The returned server must be Shutdown on exit.
func Publish(self peer.Peer, port int) (*zeroconf.Server, error) {
	txt := []string{fmt.Sprintf("id=%s", self.Id.String())}
	server, err := zeroconf.Register(self.Id.String(), serviceName, serviceDomain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: mdns publish: %w", err)
	}
	return server, nil
}
