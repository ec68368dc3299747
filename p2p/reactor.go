package p2p

import (
	"context"
	"errors"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
)

// run is the reactor. It owns the joined topics and the subscriptions, processing one
// ready event per iteration until the Network is closed.
func (n *Network) run(ctx context.Context) {
	defer close(n.closedCh)
	defer n.shutdown(ctx)

	for {
		select {
		case <-n.outbox.Ready():
			if req, ok := n.outbox.Pop(); ok {
				n.publish(ctx, req)
			}
		case msg := <-n.gossipCh:
			n.deliver(msg)
		case info := <-n.foundCh:
			n.peerFound(ctx, info)
		case evt, ok := <-n.connSub.Out():
			if ok {
				n.connectednessChanged(ctx, evt.(event.EvtPeerConnectednessChanged))
			}
		case <-n.closeCh:
			return
		}
	}
}

// shutdown publishes the requests still pending and releases the reactor-owned state.
func (n *Network) shutdown(ctx context.Context) {
	pending := n.outbox.Close()
	for _, req := range pending {
		n.publish(ctx, req)
	}
	if len(pending) > 0 {
		n.log.DebugContext(ctx, "flushed pending publishes", "count", len(pending))
	}

	for _, sub := range n.subs {
		sub.Cancel()
	}

	for name, topic := range n.topics {
		if err := topic.Close(); err != nil {
			n.log.DebugContext(ctx, "closing topic", "topic", name, "err", err)
		}
	}
}

// publish publishes the request, joining its topic first if needed.
// Failures are logged and counted, never returned.
func (n *Network) publish(ctx context.Context, req publishRequest) {
	topic, err := n.join(req.topic)
	if err == nil {
		err = topic.Publish(ctx, req.data)
	}
	if err != nil {
		n.log.WarnContext(ctx, "publishing", "topic", req.topic, "size", len(req.data), "err", err)
		n.cfg.Metrics.PublishFailures.WithLabelValues(req.topic).Inc()
		return
	}

	n.cfg.Metrics.PublishedTotal.WithLabelValues(req.topic).Inc()
}

// join returns the topic handle, joining the topic on first use.
func (n *Network) join(name string) (*pubsub.Topic, error) {
	if topic, ok := n.topics[name]; ok {
		return topic, nil
	}

	topic, err := n.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("joining topic %s: %w", name, err)
	}
	n.topics[name] = topic
	return topic, nil
}

// deliver fans the payload of a gossip message out to all subscribers.
func (n *Network) deliver(msg *pubsub.Message) {
	// gossip published by this node is not delivered back to it
	if msg.ReceivedFrom == n.host.ID() {
		return
	}

	n.inbound.Send(msg.Data)
	n.cfg.Metrics.InboundMessages.Inc()
}

func (n *Network) connectednessChanged(ctx context.Context, evt event.EvtPeerConnectednessChanged) {
	n.log.DebugContext(ctx, "peer connectedness changed", "peer", evt.Peer, "connectedness", evt.Connectedness)
	n.cfg.Metrics.ConnectedPeers.Set(float64(len(n.ConnectedPeers())))
}

// read feeds the reactor with messages of the subscription until it is cancelled.
func (n *Network) read(ctx context.Context, sub *pubsub.Subscription) {
	defer n.readers.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				n.log.WarnContext(ctx, "reading subscription", "topic", sub.Topic(), "err", err)
			}
			return
		}

		select {
		case n.gossipCh <- msg:
		case <-n.closeCh:
			return
		}
	}
}
