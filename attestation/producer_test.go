package attestation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicverse/node/attestation/attestationtest"
	"github.com/civicverse/node/metrics"
)

func newTestProducer(t *testing.T, ps PubSub) (*Producer, *clock.Mock, *metrics.Metrics) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	m := metrics.New(nil)

	p := NewProducer(newSigner(t), ps, ProducerConfig{
		Clock:   clk,
		Metrics: m,
	})
	return p, clk, m
}

func TestProducer_Heartbeats(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	ps := attestationtest.NewPubSub()
	p, clk, m := newTestProducer(t, ps)

	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, p.Stop(context.Background()))
	})

	// the first heartbeat goes out right away
	require.Eventually(t, func() bool {
		return len(ps.Published()) == 1
	}, time.Second, time.Millisecond*10)

	clk.Add(30 * time.Second)
	require.Eventually(t, func() bool {
		return len(ps.Published()) == 2
	}, time.Second, time.Millisecond*10)

	for i, pub := range ps.Published() {
		assert.Equal(t, Topic, pub.Topic)

		msg, err := Decode(pub.Data)
		require.NoError(t, err)
		require.NoError(t, msg.Verify())
		assert.Equal(t, p.Issuer(), msg.Issuer)

		want := []string{"heartbeat:1700000000", "heartbeat:1700000030"}[i]
		assert.Equal(t, want, msg.Payload)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HeartbeatsTotal))
}

func TestProducer_EncodeFailure(t *testing.T) {
	ctx := context.Background()
	ps := attestationtest.NewPubSub()
	p, _, m := newTestProducer(t, ps)
	p.encode = func(Message) ([]byte, error) {
		return nil, errors.New("encoding broke")
	}

	require.NoError(t, p.Heartbeat(ctx))

	pubs := ps.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "{}", string(pubs[0].Data))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatEncodeFailures))
}

func TestProducer_PublishFailure(t *testing.T) {
	ps := attestationtest.NewPubSub()
	ps.Close()
	p, _, m := newTestProducer(t, ps)

	err := p.Heartbeat(context.Background())
	assert.ErrorIs(t, err, attestationtest.ErrClosed)
	assert.Zero(t, testutil.ToFloat64(m.HeartbeatsTotal))
}

func TestProducer_Stop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	ps := attestationtest.NewPubSub()
	p, clk, _ := newTestProducer(t, ps)

	require.NoError(t, p.Start(ctx))
	require.Error(t, p.Start(ctx))
	require.Eventually(t, func() bool {
		return len(ps.Published()) == 1
	}, time.Second, time.Millisecond*10)

	require.NoError(t, p.Stop(ctx))

	clk.Add(5 * time.Minute)
	time.Sleep(time.Millisecond * 50)
	assert.Len(t, ps.Published(), 1)
}

func TestProducer_Diagnostics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ps := attestationtest.NewPubSub()
	p := NewProducer(newSigner(t), ps, ProducerConfig{
		Clock:  clock.NewMock(),
		Logger: logger,
	})
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, p.Stop(context.Background()))
	})

	ps.Inject([]byte("hello civicverse"))
	ps.Inject([]byte{0xff, 0xfe, 0xfd})

	require.Eventually(t, func() bool {
		logs := out.String()
		return strings.Contains(logs, "hello civicverse") &&
			strings.Contains(logs, "non-utf8")
	}, time.Second, time.Millisecond*10)
}

func TestProducerConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultProducerConfig().Validate())

	cfg := DefaultProducerConfig()
	cfg.Interval = -time.Second
	assert.Error(t, cfg.Validate())

	p := NewProducer(newSigner(t), attestationtest.NewPubSub(), cfg)
	assert.Error(t, p.Start(context.Background()))
}
