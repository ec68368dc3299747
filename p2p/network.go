// Package p2p implements the node's gossip network.
//
// A Network owns a libp2p host speaking TCP with Noise and Yamux, a GossipSub router and
// local discovery. All router state is owned by a single reactor goroutine. Publishing only
// enqueues the request, and every inbound gossip payload is fanned out verbatim to all
// subscribers.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"

	"github.com/civicverse/node/fanout"
	"github.com/civicverse/node/identity"
)

// ErrClosed is returned when the Network is used after being closed.
var ErrClosed = errors.New("p2p: network closed")

const gossipChannelSize = 32

// Network is the publish/subscribe facade over the gossip network.
type Network struct {
	host      host.Host
	ownsHost  bool
	pubsub    *pubsub.PubSub
	cfg       Config
	bootstrap []peer.AddrInfo

	outbox  *outbox
	inbound *fanout.Channel[[]byte]

	// owned by the reactor
	topics map[string]*pubsub.Topic
	subs   []*pubsub.Subscription

	gossipCh chan *pubsub.Message
	foundCh  chan peer.AddrInfo
	notifee  *discoveryNotifee
	mdns     mdns.Service
	connSub  event.Subscription

	readers sync.WaitGroup
	dials   sync.WaitGroup

	log               *slog.Logger
	cancel            context.CancelFunc
	closing           atomic.Bool
	closeCh, closedCh chan struct{}
}

// New creates a libp2p host from the Config and starts a Network over it.
// The host is closed together with the Network.
func New(ctx context.Context, cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid p2p config: %w", err)
	}

	id, err := identity.Load(cfg.Secret, identity.Transport)
	if err != nil {
		return nil, err
	}

	key, err := id.Libp2pKey()
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ResourceManager(&network.NullResourceManager{}),
	)
	if err != nil {
		return nil, fmt.Errorf("starting libp2p host: %w", err)
	}

	// on failure the host is closed by newNetwork
	return newNetwork(ctx, h, cfg, true)
}

// NewFromHost starts a Network over the given host, which stays owned by the caller.
// The Config's ListenPort and Secret are ignored.
func NewFromHost(ctx context.Context, h host.Host, cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid p2p config: %w", err)
	}
	return newNetwork(ctx, h, cfg, false)
}

func newNetwork(ctx context.Context, h host.Host, cfg Config, ownsHost bool) (_ *Network, err error) {
	cfg = cfg.withDefaults()
	n := &Network{
		host:     h,
		ownsHost: ownsHost,
		cfg:      cfg,
		outbox:   newOutbox(),
		inbound:  fanout.New[[]byte](cfg.InboundCapacity),
		topics:   make(map[string]*pubsub.Topic),
		gossipCh: make(chan *pubsub.Message, gossipChannelSize),
		foundCh:  make(chan peer.AddrInfo, discoveredChannelSize),
		log:      cfg.Logger,
		closeCh:  make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	n.notifee = &discoveryNotifee{found: n.foundCh, closeCh: n.closeCh}

	// the network outlives the construction context
	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	defer func() {
		if err != nil {
			n.closing.Store(true)
			close(n.closeCh)
			err = errors.Join(err, n.teardown())
		}
	}()

	n.bootstrap, err = parseBootstrappers(cfg.Bootstrappers)
	if err != nil {
		return nil, err
	}

	params := pubsub.DefaultGossipSubParams()
	params.HeartbeatInterval = cfg.HeartbeatInterval
	n.pubsub, err = pubsub.NewGossipSub(lifetime, h,
		pubsub.WithGossipSubParams(params),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithMessageIdFn(messageID),
	)
	if err != nil {
		return nil, fmt.Errorf("starting gossipsub: %w", err)
	}

	for _, name := range cfg.Topics {
		topic, err := n.join(name)
		if err != nil {
			return nil, err
		}

		sub, err := topic.Subscribe()
		if err != nil {
			return nil, fmt.Errorf("subscribing to topic %s: %w", name, err)
		}
		n.subs = append(n.subs, sub)
	}

	n.connSub, err = h.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return nil, fmt.Errorf("subscribing to connectedness events: %w", err)
	}

	if err = n.startDiscovery(); err != nil {
		return nil, fmt.Errorf("starting local discovery: %w", err)
	}

	if cfg.ServeBootstrap {
		n.serveBootstrap()
	}

	for _, sub := range n.subs {
		n.readers.Add(1)
		go n.read(lifetime, sub)
	}
	go n.run(lifetime)
	n.bootstrapAll(lifetime, n.bootstrap)

	n.log.InfoContext(ctx, "network started", "peer", h.ID(), "addrs", h.Addrs(), "topics", cfg.Topics)
	return n, nil
}

// Publish asynchronously publishes the data on the topic.
// It never blocks on the network and fails only with ErrClosed.
func (n *Network) Publish(topic string, data []byte) error {
	return n.outbox.Push(publishRequest{topic: topic, data: data})
}

// Subscribe returns an independent Receiver of every inbound gossip payload,
// starting with the next one to arrive.
func (n *Network) Subscribe() *fanout.Receiver[[]byte] {
	return n.inbound.Subscribe()
}

// Close stops the Network. Publish requests enqueued before Close are still published.
func (n *Network) Close(ctx context.Context) error {
	if !n.closing.CompareAndSwap(false, true) {
		return ErrClosed
	}

	close(n.closeCh)
	select {
	case <-n.closedCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := n.teardown()
	n.log.DebugContext(ctx, "network closed")
	return err
}

// teardown releases everything but the reactor-owned state.
func (n *Network) teardown() (err error) {
	if n.mdns != nil {
		err = errors.Join(err, n.mdns.Close())
	}
	if n.connSub != nil {
		err = errors.Join(err, n.connSub.Close())
	}
	if n.cfg.ServeBootstrap {
		n.host.RemoveStreamHandler(BootstrapProtocol)
	}

	n.cancel()
	n.readers.Wait()
	n.dials.Wait()
	n.inbound.Close()

	if n.ownsHost {
		err = errors.Join(err, n.host.Close())
	}
	return err
}

// ID returns the transport identity of the node.
func (n *Network) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the addresses the node listens on.
func (n *Network) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// AddrInfo returns the ID together with the listen addresses, as peers need it to dial the node.
func (n *Network) AddrInfo() peer.AddrInfo {
	return *host.InfoFromHost(n.host)
}

// Peers returns the peers known to be subscribed to the topic.
func (n *Network) Peers(topic string) []peer.ID {
	return n.pubsub.ListPeers(topic)
}

// ConnectedPeers returns the peers the node has open connections to.
func (n *Network) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}
