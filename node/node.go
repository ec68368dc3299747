// Package node composes the gossip network, the attestation producer and the aggregator
// into a civicverse node.
package node

import (
	"context"
	"errors"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"

	"github.com/civicverse/node/aggregator"
	"github.com/civicverse/node/attestation"
	"github.com/civicverse/node/identity"
	"github.com/civicverse/node/metrics"
	"github.com/civicverse/node/p2p"
)

// Config configures the Node and its parts.
type Config struct {
	// Secret seeds both the transport and the attestation identity. Empty means random ones.
	Secret string

	P2P        p2p.Config
	Producer   attestation.ProducerConfig
	Aggregator aggregator.Config

	// Logger and Metrics are handed down to the parts lacking their own.
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the Config used when nothing is specified.
func DefaultConfig() Config {
	cfg := Config{
		P2P:        p2p.DefaultConfig(),
		Producer:   attestation.DefaultProducerConfig(),
		Aggregator: aggregator.DefaultConfig(),
	}
	// the shared Logger and Metrics are handed down on construction
	cfg.P2P.Logger, cfg.P2P.Metrics = nil, nil
	cfg.Producer.Logger, cfg.Producer.Metrics = nil, nil
	cfg.Aggregator.Logger, cfg.Aggregator.Metrics = nil, nil
	return cfg
}

func (cfg Config) Validate() error {
	return errors.Join(
		cfg.P2P.Validate(),
		cfg.Producer.Validate(),
		cfg.Aggregator.Validate(),
	)
}

// Node is a running civicverse node.
type Node struct {
	network    *p2p.Network
	identity   *identity.Identity
	producer   *attestation.Producer
	aggregator *aggregator.Aggregator

	log *slog.Logger
}

// New creates the Node together with its libp2p host.
func New(ctx context.Context, cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.propagate()

	id, err := identity.Load(cfg.Secret, identity.Attestation)
	if err != nil {
		return nil, err
	}

	cfg.P2P.Secret = cfg.Secret
	network, err := p2p.New(ctx, cfg.P2P)
	if err != nil {
		return nil, err
	}
	return newNode(ctx, network, id, cfg)
}

// NewWithHost creates the Node over an existing libp2p host.
func NewWithHost(ctx context.Context, h host.Host, cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.propagate()

	id, err := identity.Load(cfg.Secret, identity.Attestation)
	if err != nil {
		return nil, err
	}

	network, err := p2p.NewFromHost(ctx, h, cfg.P2P)
	if err != nil {
		return nil, err
	}
	return newNode(ctx, network, id, cfg)
}

func newNode(ctx context.Context, network *p2p.Network, id *identity.Identity, cfg Config) (*Node, error) {
	signer, err := id.Signer()
	if err != nil {
		return nil, errors.Join(err, network.Close(ctx))
	}

	return &Node{
		network:    network,
		identity:   id,
		producer:   attestation.NewProducer(signer, network, cfg.Producer),
		aggregator: aggregator.New(network, cfg.Aggregator),
		log:        cfg.Logger,
	}, nil
}

// propagate hands the shared Logger and Metrics down to the parts.
func (cfg Config) propagate() Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	if cfg.P2P.Logger == nil {
		cfg.P2P.Logger = cfg.Logger.With("module", "p2p")
	}
	if cfg.P2P.Metrics == nil {
		cfg.P2P.Metrics = cfg.Metrics
	}
	if cfg.Producer.Logger == nil {
		cfg.Producer.Logger = cfg.Logger.With("module", "attestation")
	}
	if cfg.Producer.Metrics == nil {
		cfg.Producer.Metrics = cfg.Metrics
	}
	if cfg.Aggregator.Logger == nil {
		cfg.Aggregator.Logger = cfg.Logger.With("module", "aggregator")
	}
	if cfg.Aggregator.Metrics == nil {
		cfg.Aggregator.Metrics = cfg.Metrics
	}

	cfg.Logger = cfg.Logger.With("module", "node")
	return cfg
}

// Start starts the aggregator and the producer.
func (n *Node) Start(ctx context.Context) error {
	if err := n.aggregator.Start(ctx); err != nil {
		return err
	}
	if err := n.producer.Start(ctx); err != nil {
		return errors.Join(err, n.aggregator.Stop(ctx))
	}

	n.log.InfoContext(ctx, "node started", "peer", n.network.ID(), "issuer", n.producer.Issuer())
	return nil
}

// Stop stops the parts and closes the network.
func (n *Node) Stop(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return n.producer.Stop(ctx) })
	g.Go(func() error { return n.aggregator.Stop(ctx) })

	err := errors.Join(g.Wait(), n.network.Close(ctx))
	n.log.InfoContext(ctx, "node stopped")
	return err
}

// ID returns the transport identity of the node.
func (n *Node) ID() peer.ID {
	return n.network.ID()
}

// Identity returns the identity signing the node's attestations.
func (n *Node) Identity() *identity.Identity {
	return n.identity
}

func (n *Node) Network() *p2p.Network {
	return n.network
}

func (n *Node) Producer() *attestation.Producer {
	return n.producer
}

func (n *Node) Aggregator() *aggregator.Aggregator {
	return n.aggregator
}
