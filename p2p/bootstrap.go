package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// BootstrapProtocol exchanges the peers a bootstrapper is connected to.
const BootstrapProtocol protocol.ID = "/civicverse/bootstrap/1.0.0"

// maxBootstrapResponse bounds the peer list a bootstrapper may send.
const maxBootstrapResponse = 1 << 20

// bootstrapSettleDelay gives connections time to settle on the bootstrapper,
// so that the response covers peers bootstrapping simultaneously.
var bootstrapSettleDelay = time.Second

// Bootstrap connects to the bootstrapper, fetches the peers it knows and dials them.
func (n *Network) Bootstrap(ctx context.Context, bootstrapper peer.AddrInfo) error {
	err := n.host.Connect(ctx, bootstrapper)
	if err != nil {
		return fmt.Errorf("connecting to bootstrapper: %w", err)
	}
	n.log.DebugContext(ctx, "connected to bootstrapper", "peer", bootstrapper.ID)

	select {
	case <-time.After(bootstrapSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	s, err := n.host.NewStream(ctx, bootstrapper.ID, BootstrapProtocol)
	if err != nil {
		return fmt.Errorf("opening bootstrap stream: %w", err)
	}
	defer s.Close()

	bytes, err := io.ReadAll(io.LimitReader(s, maxBootstrapResponse))
	if err != nil {
		return fmt.Errorf("reading bootstrap response: %w", err)
	}

	var peers []peer.AddrInfo
	err = json.Unmarshal(bytes, &peers)
	if err != nil {
		return fmt.Errorf("decoding bootstrap response: %w", err)
	}

	for _, p := range peers {
		if p.ID == n.host.ID() {
			continue
		}
		n.dial(ctx, p)
	}

	n.log.InfoContext(ctx, "bootstrapped", "bootstrapper", bootstrapper.ID, "peers", len(peers))
	return nil
}

// serveBootstrap starts answering bootstrap requests.
func (n *Network) serveBootstrap() {
	n.host.SetStreamHandler(BootstrapProtocol, func(stream network.Stream) {
		defer stream.Close()

		requester := stream.Conn().RemotePeer()
		store := n.host.Peerstore()
		peerIDs := n.host.Network().Peers()

		peers := make([]peer.AddrInfo, 0, len(peerIDs))
		for _, p := range peerIDs {
			if p == requester {
				continue
			}
			peers = append(peers, store.PeerInfo(p))
		}

		bytes, err := json.Marshal(peers)
		if err != nil {
			n.log.Error("encoding bootstrap response", "err", err)
			return
		}

		_, err = stream.Write(bytes)
		if err != nil {
			n.log.Debug("writing bootstrap response", "peer", requester, "err", err)
			return
		}

		err = stream.CloseWrite()
		if err != nil {
			n.log.Debug("closing bootstrap stream", "peer", requester, "err", err)
			return
		}
	})
}

// bootstrapAll bootstraps from every bootstrapper in the background, logging failures.
func (n *Network) bootstrapAll(ctx context.Context, bootstrappers []peer.AddrInfo) {
	for _, b := range bootstrappers {
		n.dials.Add(1)
		go func(b peer.AddrInfo) {
			defer n.dials.Done()
			if err := n.Bootstrap(ctx, b); err != nil {
				n.log.WarnContext(ctx, "bootstrapping", "bootstrapper", b.ID, "err", err)
			}
		}(b)
	}
}
