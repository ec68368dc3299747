package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/civicverse/node/genesis"
	"github.com/civicverse/node/metrics"
	"github.com/civicverse/node/node"
	"github.com/civicverse/node/p2p"
)

const shutdownTimeout = 10 * time.Second

var (
	genesisPath    string
	port           int
	secret         string
	logLevel       string
	metricsAddr    string
	heartbeat      time.Duration
	flushInterval  time.Duration
	enableMDNS     bool
	bootstrappers  []string
	serveBootstrap bool
)

func init() {
	flag.StringVar(&genesisPath, "genesis", "genesis.json", "Path to the genesis JSON file")
	flag.IntVar(&port, "port", p2p.DefaultListenPort, "TCP port to listen on")
	flag.StringVar(&secret, "secret", os.Getenv("CIVICVERSE_SECRET"),
		"Base64 ed25519 seed or private key the node identities are derived from. Random if empty",
	)
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flag.StringVar(&metricsAddr, "metrics-addr", "",
		"Address to serve Prometheus metrics on, e.g. :9090. Disabled if empty",
	)
	flag.DurationVar(&heartbeat, "heartbeat", time.Second*30, "Interval between heartbeat attestations")
	flag.DurationVar(&flushInterval, "flush", time.Second*60, "Interval between aggregate batches")
	flag.BoolVar(&enableMDNS, "mdns", true, "Discover peers on the local network")
	flag.Func("bootstrapper", "Bootstrapper /p2p/ multiaddr to fetch peers from. Repeatable", func(s string) error {
		bootstrappers = append(bootstrappers, s)
		return nil
	})
	flag.BoolVar(&serveBootstrap, "serve-bootstrap", false, "Answer peer exchange requests of bootstrapping nodes")
	flag.Parse()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx)
	if err != nil {
		fmt.Println(err)
		defer os.Exit(1)
		return
	}
}

func run(ctx context.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("wrong log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting civicverse node")

	gen, err := genesis.Load(genesisPath)
	if err != nil {
		return err
	}
	gen.LogSummary(slog.Default())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg := node.DefaultConfig()
	cfg.Secret = secret
	cfg.Metrics = metrics.New(reg)
	cfg.P2P.ListenPort = port
	cfg.P2P.MDNS = enableMDNS
	cfg.P2P.MDNSServiceName = gen.NetworkName
	cfg.P2P.Bootstrappers = bootstrappers
	cfg.P2P.ServeBootstrap = serveBootstrap
	cfg.Producer.Interval = heartbeat
	cfg.Aggregator.FlushInterval = flushInterval

	n, err := node.New(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.Stop(ctx); err != nil {
			slog.Error("stopping node", "err", err)
		}
	}()

	info := n.Network().AddrInfo()
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return err
	}

	fmt.Println("The p2p host is listening on:")
	for _, addr := range addrs {
		fmt.Println("* ", addr.String())
	}
	fmt.Println()

	if metricsAddr != "" {
		srv := metrics.NewServer(metricsAddr, reg)
		addr, err := srv.Start()
		if err != nil {
			return fmt.Errorf("serving metrics: %w", err)
		}
		slog.Info("serving metrics", "addr", addr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Stop(ctx)
		}()
	}

	if err := n.Start(ctx); err != nil {
		return err
	}

	slog.Info("node running, press Ctrl+C to stop")
	<-ctx.Done()
	slog.Info("shutdown requested")
	return nil
}
