package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"

	"github.com/civicverse/node/crypto"
	"github.com/civicverse/node/fanout"
	"github.com/civicverse/node/internal/lifecycle"
	"github.com/civicverse/node/metrics"
)

// placeholder is published in place of a heartbeat that could not be encoded.
var placeholder = []byte("{}")

// ProducerConfig configures the Producer. Zero fields take the DefaultProducerConfig values.
type ProducerConfig struct {
	// Topic heartbeats are published on.
	Topic string
	// Interval between heartbeats.
	Interval time.Duration
	// DisableDiagnostics turns off logging of every inbound payload.
	DisableDiagnostics bool

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultProducerConfig returns the ProducerConfig used when nothing is specified.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Topic:    Topic,
		Interval: 30 * time.Second,
		Clock:    clock.New(),
		Logger:   slog.With("module", "attestation"),
		Metrics:  metrics.New(nil),
	}
}

// Validate checks the ProducerConfig for values the Producer cannot run with.
func (cfg ProducerConfig) Validate() error {
	if cfg.Interval < 0 {
		return fmt.Errorf("heartbeat interval must not be negative: %v", cfg.Interval)
	}
	return nil
}

func (cfg ProducerConfig) withDefaults() ProducerConfig {
	def := DefaultProducerConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = def.Metrics
	}
	return cfg
}

// Producer periodically publishes signed heartbeat attestations and observes inbound traffic.
type Producer struct {
	signer crypto.Signer
	pubsub PubSub
	cfg    ProducerConfig
	encode func(Message) ([]byte, error)

	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProducer instantiates a new Producer signing heartbeats with the given Signer.
func NewProducer(signer crypto.Signer, ps PubSub, cfg ProducerConfig) *Producer {
	cfg = cfg.withDefaults()
	return &Producer{
		signer: signer,
		pubsub: ps,
		cfg:    cfg,
		encode: Message.Marshal,
		log:    cfg.Logger,
	}
}

// Start spawns the heartbeat and the diagnostic loops.
func (p *Producer) Start(ctx context.Context) error {
	if p.cancel != nil {
		return errors.New("producer already started")
	}
	if err := p.cfg.Validate(); err != nil {
		return err
	}

	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.heartbeatLoop(ctx)
	}()

	if !p.cfg.DisableDiagnostics {
		// subscribe before returning, so nothing published after Start goes unobserved
		sub := p.pubsub.Subscribe()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.diagnosticLoop(ctx, sub)
		}()
	}

	p.log.Debug("started", "interval", p.cfg.Interval, "issuer", p.Issuer())
	return nil
}

// Stop cancels both loops and waits for them to return.
func (p *Producer) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	return lifecycle.Wait(ctx, &p.wg)
}

// Issuer returns the issuer string heartbeats of this Producer carry.
func (p *Producer) Issuer() string {
	return encodeKey(p.signer.ID())
}

// Heartbeat signs and publishes a single heartbeat attestation for the current time.
func (p *Producer) Heartbeat(ctx context.Context) error {
	payload := fmt.Sprintf("heartbeat:%d", p.cfg.Clock.Now().Unix())
	msg, err := NewMessage(p.signer, payload)
	if err != nil {
		p.log.ErrorContext(ctx, "signing heartbeat", "err", err)
		return err
	}

	data, err := p.encode(msg)
	if err != nil {
		p.log.WarnContext(ctx, "encoding heartbeat, publishing placeholder", "err", err)
		p.cfg.Metrics.HeartbeatEncodeFailures.Inc()
		data = placeholder
	}

	if err := p.pubsub.Publish(p.cfg.Topic, data); err != nil {
		p.log.WarnContext(ctx, "publishing heartbeat", "err", err)
		return err
	}

	p.cfg.Metrics.HeartbeatsTotal.Inc()
	p.log.DebugContext(ctx, "heartbeat published", "payload", payload)
	return nil
}

// heartbeatLoop publishes a heartbeat right away and then on every tick.
func (p *Producer) heartbeatLoop(ctx context.Context) {
	ticker := p.cfg.Clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		_ = p.Heartbeat(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// diagnosticLoop logs every inbound payload.
func (p *Producer) diagnosticLoop(ctx context.Context, sub *fanout.Receiver[[]byte]) {
	for {
		payload, err := sub.Recv(ctx)
		var lagErr *fanout.LagError
		switch {
		case errors.As(err, &lagErr):
			p.log.WarnContext(ctx, "diagnostics lagged behind", "skipped", lagErr.Skipped)
			p.cfg.Metrics.SubscriberLagged.WithLabelValues("diagnostics").Add(float64(lagErr.Skipped))
			continue
		case err != nil:
			return
		}

		if utf8.Valid(payload) {
			p.log.DebugContext(ctx, "inbound payload", "payload", string(payload))
		} else {
			p.log.DebugContext(ctx, "inbound payload (non-utf8)", "size", len(payload))
		}
	}
}
