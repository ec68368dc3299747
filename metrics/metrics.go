// Package metrics provides Prometheus metrics for the civicverse node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "civicverse"

// Discard reasons of inbound attestations.
const (
	ReasonMalformed         = "malformed"
	ReasonIssuerEncoding    = "issuer_encoding"
	ReasonIssuerKey         = "issuer_key"
	ReasonSignatureEncoding = "signature_encoding"
	ReasonSignatureLength   = "signature_length"
	ReasonSignatureInvalid  = "signature_invalid"
)

// Metrics holds all Prometheus metrics of the node.
type Metrics struct {
	// Transport metrics
	InboundMessages  prometheus.Counter
	PublishedTotal   *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	PeersDiscovered  prometheus.Counter
	ConnectedPeers   prometheus.Gauge
	SubscriberLagged *prometheus.CounterVec

	// Producer metrics
	HeartbeatsTotal         prometheus.Counter
	HeartbeatEncodeFailures prometheus.Counter

	// Aggregator metrics
	AttestationsVerified  prometheus.Counter
	AttestationsDiscarded *prometheus.CounterVec
	BufferSize            prometheus.Gauge
	BatchesTotal          prometheus.Counter
	BatchSize             prometheus.Histogram
	BatchEncodeFailures   prometheus.Counter
}

// New creates Metrics registered on the given Registerer.
// A nil Registerer keeps the metrics unregistered, which is handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InboundMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "inbound_messages_total",
			Help:      "Total number of gossip messages fanned out to subscribers",
		}),
		PublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "published_total",
			Help:      "Total number of messages published per topic",
		}, []string{"topic"}),
		PublishFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "publish_failures_total",
			Help:      "Total number of failed publishes per topic",
		}, []string{"topic"}),
		PeersDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "peers_discovered_total",
			Help:      "Total number of peers found by local discovery",
		}),
		ConnectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "connected_peers",
			Help:      "Number of currently connected peers",
		}),
		SubscriberLagged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "subscriber_skipped_total",
			Help:      "Total number of inbound payloads skipped by lagging subscribers",
		}, []string{"subscriber"}),

		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attestation",
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeat attestations published",
		}),
		HeartbeatEncodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attestation",
			Name:      "heartbeat_encode_failures_total",
			Help:      "Total number of heartbeats replaced by a placeholder due to encoding failure",
		}),

		AttestationsVerified: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "attestations_verified_total",
			Help:      "Total number of inbound attestations verified and buffered",
		}),
		AttestationsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "attestations_discarded_total",
			Help:      "Total number of inbound payloads discarded per reason",
		}, []string{"reason"}),
		BufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "buffer_size",
			Help:      "Number of verified attestations awaiting the next flush",
		}),
		BatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "batches_total",
			Help:      "Total number of aggregate batches published",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "batch_size",
			Help:      "Number of attestations per published batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		BatchEncodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "batch_encode_failures_total",
			Help:      "Total number of batches replaced by a placeholder due to encoding failure",
		}),
	}
}

// Handler returns an HTTP handler serving the metrics of the given Gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
