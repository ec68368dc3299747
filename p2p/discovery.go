package p2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

const (
	discoveredChannelSize = 32
	dialTimeout           = 10 * time.Second
)

// discoveryNotifee hands peers found by local discovery over to the reactor.
type discoveryNotifee struct {
	found   chan<- peer.AddrInfo
	closeCh <-chan struct{}
}

// HandlePeerFound implements mdns.Notifee.
func (d *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	select {
	case d.found <- info:
	case <-d.closeCh:
	}
}

func (n *Network) startDiscovery() error {
	if !n.cfg.MDNS {
		return nil
	}

	n.mdns = mdns.NewMdnsService(n.host, n.cfg.MDNSServiceName, n.notifee)
	return n.mdns.Start()
}

// peerFound logs the discovered peer and dials it asynchronously.
func (n *Network) peerFound(ctx context.Context, info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}

	n.log.InfoContext(ctx, "peer discovered", "peer", info.ID, "addrs", info.Addrs)
	n.cfg.Metrics.PeersDiscovered.Inc()
	n.dial(ctx, info)
}

func (n *Network) dial(ctx context.Context, info peer.AddrInfo) {
	n.dials.Add(1)
	go func() {
		defer n.dials.Done()

		ctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		if err := n.host.Connect(ctx, info); err != nil {
			n.log.DebugContext(ctx, "dialing peer", "peer", info.ID, "err", err)
		}
	}()
}
