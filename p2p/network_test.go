package p2p

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicverse/node/attestation"
	"github.com/civicverse/node/fanout"
	"github.com/civicverse/node/identity"
	"github.com/civicverse/node/metrics"
)

func testConfig() Config {
	return Config{
		HeartbeatInterval: time.Millisecond * 100,
		Metrics:           metrics.New(nil),
	}
}

func TestNetwork_PublishSubscribe(t *testing.T) {
	const nodeCount = 3

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	nets, _ := newTestNetworks(ctx, t, testConfig(), testConfig(), testConfig())
	waitTopicPeers(t, nets, attestation.Topic, nodeCount-1)

	subs := make([]*fanout.Receiver[[]byte], nodeCount)
	for i, n := range nets {
		subs[i] = n.Subscribe()
	}
	// a second subscriber gets its own copy
	extra := nets[1].Subscribe()

	require.NoError(t, nets[0].Publish(attestation.Topic, []byte("hello")))

	for _, sub := range append(subs[1:], extra) {
		payload, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(payload))
	}

	// the publisher does not receive its own gossip
	time.Sleep(time.Millisecond * 100)
	_, ok, err := subs[0].TryRecv()
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(nets[0].cfg.Metrics.PublishedTotal.WithLabelValues(attestation.Topic)))
	assert.Equal(t, 1.0, testutil.ToFloat64(nets[1].cfg.Metrics.InboundMessages))
}

func TestNetwork_LazyJoin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	receiverCfg := testConfig()
	receiverCfg.Topics = []string{attestation.Topic, attestation.AggregateTopic}
	nets, _ := newTestNetworks(ctx, t, testConfig(), receiverCfg)
	publisher, receiver := nets[0], nets[1]

	require.Eventually(t, func() bool {
		return len(publisher.Peers(attestation.AggregateTopic)) == 1
	}, time.Second*5, time.Millisecond*50)

	sub := receiver.Subscribe()
	require.NoError(t, publisher.Publish(attestation.AggregateTopic, []byte("[]")))

	payload, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(payload))
}

func TestNetwork_Close(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	mn := mocknet.New()
	t.Cleanup(func() { mn.Close() })
	h, err := mn.GenPeer()
	require.NoError(t, err)

	cfg := testConfig()
	n, err := NewFromHost(ctx, h, cfg)
	require.NoError(t, err)
	sub := n.Subscribe()

	// requests still queued on Close are published before it returns
	const pending = 50
	for i := 0; i < pending; i++ {
		require.NoError(t, n.Publish(attestation.Topic, []byte{byte(i)}))
	}
	require.NoError(t, n.Close(ctx))
	assert.Equal(t, float64(pending), testutil.ToFloat64(cfg.Metrics.PublishedTotal.WithLabelValues(attestation.Topic)))
	assert.Zero(t, testutil.ToFloat64(cfg.Metrics.PublishFailures.WithLabelValues(attestation.Topic)))

	assert.ErrorIs(t, n.Publish(attestation.Topic, []byte("late")), ErrClosed)
	assert.ErrorIs(t, n.Close(ctx), ErrClosed)

	_, err = sub.Recv(ctx)
	assert.ErrorIs(t, err, fanout.ErrClosed)

	// the host is owned by the caller
	assert.NotEmpty(t, h.Addrs())
}

func TestNetwork_Discovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	mn := mocknet.New()
	t.Cleanup(func() { mn.Close() })
	a, err := mn.GenPeer()
	require.NoError(t, err)
	b, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())

	cfg := testConfig()
	n, err := NewFromHost(ctx, a, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close(context.Background()) })

	// discovering itself is ignored
	n.notifee.HandlePeerFound(peer.AddrInfo{ID: a.ID(), Addrs: a.Addrs()})
	n.notifee.HandlePeerFound(peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()})

	require.Eventually(t, func() bool {
		return a.Network().Connectedness(b.ID()) == network.Connected
	}, time.Second*5, time.Millisecond*50)
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.PeersDiscovered))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(cfg.Metrics.ConnectedPeers) == 1
	}, time.Second*5, time.Millisecond*50)
	assert.Equal(t, []peer.ID{b.ID()}, n.ConnectedPeers())
}

func TestNew(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)
	secret := base64.StdEncoding.EncodeToString(seed)

	n, err := New(ctx, Config{Secret: secret, Metrics: metrics.New(nil)})
	require.NoError(t, err)

	id, err := identity.FromSecret(secret, identity.Transport)
	require.NoError(t, err)
	assert.Equal(t, id.ID(), n.ID())
	assert.NotEmpty(t, n.Addrs())
	assert.Equal(t, n.ID(), n.AddrInfo().ID)

	require.NoError(t, n.Close(ctx))
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Config{Secret: "not base64!"})
	assert.ErrorIs(t, err, identity.ErrMalformedSecret)

	_, err = New(ctx, Config{Secret: base64.StdEncoding.EncodeToString(make([]byte, 16))})
	assert.ErrorIs(t, err, identity.ErrMalformedSecret)

	_, err = New(ctx, Config{ListenPort: 70000})
	assert.Error(t, err)

	_, err = New(ctx, Config{Bootstrappers: []string{"/not/a/multiaddr"}})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := map[string]func(*Config){
		"negative port":        func(c *Config) { c.ListenPort = -1 },
		"port out of range":    func(c *Config) { c.ListenPort = 65536 },
		"negative capacity":    func(c *Config) { c.InboundCapacity = -1 },
		"negative heartbeat":   func(c *Config) { c.HeartbeatInterval = -time.Second },
		"empty topic":          func(c *Config) { c.Topics = []string{""} },
		"bootstrapper no peer": func(c *Config) { c.Bootstrappers = []string{"/ip4/127.0.0.1/tcp/4001"} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// newTestNetworks starts a Network per Config over a fully connected mocknet.
func newTestNetworks(ctx context.Context, t *testing.T, cfgs ...Config) ([]*Network, mocknet.Mocknet) {
	mn, err := mocknet.FullMeshLinked(len(cfgs))
	require.NoError(t, err)

	nets := make([]*Network, len(cfgs))
	for i, h := range mn.Hosts() {
		nets[i], err = NewFromHost(ctx, h, cfgs[i])
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		for _, n := range nets {
			assert.NoError(t, n.Close(context.Background()))
		}
		mn.Close()
	})

	connect(ctx, t, mn)
	return nets, mn
}

func connect(ctx context.Context, t *testing.T, net mocknet.Mocknet) {
	hs := net.Hosts()
	subs := make([]event.Subscription, len(hs))
	for i, h := range hs {
		subs[i], _ = h.EventBus().Subscribe(&event.EvtPeerIdentificationCompleted{})
	}

	err := net.ConnectAllButSelf()
	require.NoError(t, err)

	for _, sub := range subs {
		select {
		case <-sub.Out():
		case <-ctx.Done():
			require.Fail(t, "timeout waiting for peers to connect")
		}
		sub.Close()
	}
}

func waitTopicPeers(t *testing.T, nets []*Network, topic string, want int) {
	require.Eventually(t, func() bool {
		for _, n := range nets {
			if len(n.Peers(topic)) < want {
				return false
			}
		}
		return true
	}, time.Second*5, time.Millisecond*50)
}
