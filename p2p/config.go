package p2p

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/civicverse/node/attestation"
	"github.com/civicverse/node/fanout"
	"github.com/civicverse/node/metrics"
)

const (
	DefaultListenPort        = 4001
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultMDNSServiceName   = "civicverse"
)

// Config configures the Network.
// Zero fields other than ListenPort and the flags take the DefaultConfig values.
type Config struct {
	// ListenPort is the TCP port listened on all IPv4 interfaces. 0 picks a random port.
	ListenPort int
	// Secret is the base64 of a 32 byte ed25519 seed or a 64 byte ed25519 private key
	// the transport identity is derived from. Empty means a random identity.
	Secret string
	// Topics subscribed to on start. Other topics are joined lazily on first publish.
	Topics []string
	// InboundCapacity is the number of inbound payloads retained for lagging subscribers.
	InboundCapacity int
	// HeartbeatInterval of the gossip router.
	HeartbeatInterval time.Duration

	// MDNS enables local network discovery under MDNSServiceName.
	MDNS            bool
	MDNSServiceName string

	// ServeBootstrap answers peer exchange requests of bootstrapping nodes.
	ServeBootstrap bool
	// Bootstrappers are /p2p/ multiaddrs of nodes to fetch the initial peers from.
	Bootstrappers []string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the Config used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		ListenPort:        DefaultListenPort,
		Topics:            []string{attestation.Topic},
		InboundCapacity:   fanout.DefaultCapacity,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MDNS:              true,
		MDNSServiceName:   DefaultMDNSServiceName,
		Logger:            slog.With("module", "p2p"),
		Metrics:           metrics.New(nil),
	}
}

// Validate checks the Config for values the Network cannot run with.
func (cfg Config) Validate() error {
	var err error
	if cfg.ListenPort < 0 || cfg.ListenPort > 65535 {
		err = errors.Join(err, fmt.Errorf("listen port out of range: %d", cfg.ListenPort))
	}
	if cfg.InboundCapacity < 0 {
		err = errors.Join(err, fmt.Errorf("inbound capacity must not be negative: %d", cfg.InboundCapacity))
	}
	if cfg.HeartbeatInterval < 0 {
		err = errors.Join(err, fmt.Errorf("heartbeat interval must not be negative: %v", cfg.HeartbeatInterval))
	}
	for _, topic := range cfg.Topics {
		if topic == "" {
			err = errors.Join(err, errors.New("empty topic"))
		}
	}
	if _, perr := parseBootstrappers(cfg.Bootstrappers); perr != nil {
		err = errors.Join(err, perr)
	}
	return err
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Topics == nil {
		cfg.Topics = def.Topics
	}
	if cfg.InboundCapacity == 0 {
		cfg.InboundCapacity = def.InboundCapacity
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MDNSServiceName == "" {
		cfg.MDNSServiceName = def.MDNSServiceName
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = def.Metrics
	}
	return cfg
}

func parseBootstrappers(addrs []string) ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(addrs))
	for _, addr := range addrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("wrong bootstrapper multiaddr %q: %w", addr, err)
		}

		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("wrong bootstrapper multiaddr %q: %w", addr, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}
