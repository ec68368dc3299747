// Package attestationtest provides an in-memory PubSub for testing attestation protocol parts
// without a network.
package attestationtest

import (
	"errors"
	"sync"

	"github.com/civicverse/node/fanout"
)

// ErrClosed is returned by Publish once the PubSub is closed.
var ErrClosed = errors.New("pubsub closed")

// Published is a single recorded publish.
type Published struct {
	Topic string
	Data  []byte
}

// PubSub records everything published on it and lets tests inject inbound payloads.
type PubSub struct {
	mu        sync.Mutex
	published []Published
	closed    bool

	inbound *fanout.Channel[[]byte]
}

func NewPubSub() *PubSub {
	return &PubSub{inbound: fanout.New[[]byte](fanout.DefaultCapacity)}
}

func (ps *PubSub) Publish(topic string, data []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return ErrClosed
	}
	ps.published = append(ps.published, Published{Topic: topic, Data: data})
	return nil
}

func (ps *PubSub) Subscribe() *fanout.Receiver[[]byte] {
	return ps.inbound.Subscribe()
}

// Inject delivers the payload to every subscriber as if it came from the network.
func (ps *PubSub) Inject(payload []byte) {
	ps.inbound.Send(payload)
}

// Published returns a copy of everything published so far.
func (ps *PubSub) Published() []Published {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]Published(nil), ps.published...)
}

// Close fails every following Publish and closes the inbound channel.
func (ps *PubSub) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return
	}
	ps.closed = true
	ps.inbound.Close()
}
