// Package aggregator collects verified attestations and periodically re-publishes them as batches.
//
// Every inbound payload passes a chain of gates: it must decode as an attestation, its issuer
// must be an ed25519 public key, and its signature must be well-formed and verify over the payload.
// Payloads passing all gates are appended to an in-memory buffer, which is flushed on a timer
// as a single JSON array onto the aggregate topic. There is no deduplication and no threshold.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/civicverse/node/attestation"
	"github.com/civicverse/node/fanout"
	"github.com/civicverse/node/internal/lifecycle"
	"github.com/civicverse/node/metrics"
)

// placeholder is published in place of a batch that could not be encoded.
var placeholder = []byte("[]")

// Config configures the Aggregator. Zero fields take the DefaultConfig values.
type Config struct {
	// Topic batches are published on.
	Topic string
	// FlushInterval between batches.
	FlushInterval time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the Config used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		Topic:         attestation.AggregateTopic,
		FlushInterval: 60 * time.Second,
		Clock:         clock.New(),
		Logger:        slog.With("module", "aggregator"),
		Metrics:       metrics.New(nil),
	}
}

func (cfg Config) Validate() error {
	if cfg.FlushInterval < 0 {
		return fmt.Errorf("flush interval must not be negative: %v", cfg.FlushInterval)
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = def.FlushInterval
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

// Aggregator verifies inbound attestations, buffers them and flushes them in batches.
type Aggregator struct {
	pubsub attestation.PubSub
	cfg    Config
	encode func([]attestation.Message) ([]byte, error)

	bufferLk sync.Mutex
	buffer   []attestation.Message

	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New instantiates a new Aggregator over the PubSub.
func New(ps attestation.PubSub, cfg Config) *Aggregator {
	cfg = cfg.withDefaults()
	return &Aggregator{
		pubsub: ps,
		cfg:    cfg,
		encode: attestation.MarshalBatch,
		log:    cfg.Logger,
	}
}

// Start spawns the verify-and-append and the flush loops.
func (a *Aggregator) Start(ctx context.Context) error {
	if a.cancel != nil {
		return errors.New("aggregator already started")
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	ctx, a.cancel = context.WithCancel(ctx)
	sub := a.pubsub.Subscribe()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.verifyLoop(ctx, sub)
	}()
	go func() {
		defer a.wg.Done()
		a.flushLoop(ctx)
	}()

	a.log.Debug("started", "flush_interval", a.cfg.FlushInterval)
	return nil
}

// Stop cancels both loops and waits for them to return.
// Attestations still buffered are dropped.
func (a *Aggregator) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	return lifecycle.Wait(ctx, &a.wg)
}

// Handle runs the payload through the verification gates and appends it to the buffer
// if it passes them all. The returned error tells why the payload was discarded.
func (a *Aggregator) Handle(ctx context.Context, payload []byte) error {
	msg, err := attestation.Decode(payload)
	if err != nil {
		a.log.DebugContext(ctx, "discarding non-attestation payload", "err", err)
		a.cfg.Metrics.AttestationsDiscarded.WithLabelValues(metrics.ReasonMalformed).Inc()
		return err
	}

	if err := msg.Verify(); err != nil {
		a.log.WarnContext(ctx, "discarding attestation", "issuer", msg.Issuer, "err", err)
		a.cfg.Metrics.AttestationsDiscarded.WithLabelValues(discardReason(err)).Inc()
		return err
	}

	a.bufferLk.Lock()
	a.buffer = append(a.buffer, msg)
	size := len(a.buffer)
	a.bufferLk.Unlock()

	a.cfg.Metrics.AttestationsVerified.Inc()
	a.cfg.Metrics.BufferSize.Set(float64(size))
	a.log.DebugContext(ctx, "attestation verified", "issuer", msg.Issuer, "payload", msg.Payload)
	return nil
}

// Flush publishes the buffered attestations as one batch and clears the buffer.
// It returns the number of attestations published. An empty buffer publishes nothing.
// If the batch cannot be handed over to the PubSub the buffer is kept for the next Flush.
func (a *Aggregator) Flush(ctx context.Context) int {
	a.bufferLk.Lock()
	defer a.bufferLk.Unlock()

	size := len(a.buffer)
	if size == 0 {
		return 0
	}

	data, err := a.encode(a.buffer)
	if err != nil {
		a.log.WarnContext(ctx, "encoding batch, publishing placeholder", "size", size, "err", err)
		a.cfg.Metrics.BatchEncodeFailures.Inc()
		data = placeholder
	}

	if err := a.pubsub.Publish(a.cfg.Topic, data); err != nil {
		a.log.WarnContext(ctx, "publishing batch, keeping buffer", "size", size, "err", err)
		return 0
	}

	a.buffer = nil
	a.cfg.Metrics.BatchesTotal.Inc()
	a.cfg.Metrics.BatchSize.Observe(float64(size))
	a.cfg.Metrics.BufferSize.Set(0)
	a.log.InfoContext(ctx, "published batch", "size", size)
	return size
}

// Len returns the number of buffered attestations.
func (a *Aggregator) Len() int {
	a.bufferLk.Lock()
	defer a.bufferLk.Unlock()
	return len(a.buffer)
}

// Snapshot returns a copy of the buffered attestations in arrival order.
func (a *Aggregator) Snapshot() []attestation.Message {
	a.bufferLk.Lock()
	defer a.bufferLk.Unlock()
	return append([]attestation.Message(nil), a.buffer...)
}

func (a *Aggregator) verifyLoop(ctx context.Context, sub *fanout.Receiver[[]byte]) {
	for {
		payload, err := sub.Recv(ctx)
		var lagErr *fanout.LagError
		switch {
		case errors.As(err, &lagErr):
			a.log.WarnContext(ctx, "aggregator lagged behind", "skipped", lagErr.Skipped)
			a.cfg.Metrics.SubscriberLagged.WithLabelValues("aggregator").Add(float64(lagErr.Skipped))
			continue
		case err != nil:
			return
		}

		_ = a.Handle(ctx, payload)
	}
}

func (a *Aggregator) flushLoop(ctx context.Context) {
	ticker := a.cfg.Clock.Ticker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// both cases may be ready, never start a flush once cancelled
			if ctx.Err() != nil {
				return
			}
			a.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func discardReason(err error) string {
	switch {
	case errors.Is(err, attestation.ErrIssuerEncoding):
		return metrics.ReasonIssuerEncoding
	case errors.Is(err, attestation.ErrIssuerKey):
		return metrics.ReasonIssuerKey
	case errors.Is(err, attestation.ErrSignatureEncoding):
		return metrics.ReasonSignatureEncoding
	case errors.Is(err, attestation.ErrSignatureLength):
		return metrics.ReasonSignatureLength
	default:
		return metrics.ReasonSignatureInvalid
	}
}
