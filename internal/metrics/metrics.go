// Package metrics provides Prometheus metrics for the Aether gateway.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "aether_gateway"
)

// Metrics contains all Prometheus metrics for the gateway.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Route metrics
	RoutesActive  prometheus.Gauge
	RoutesOpened  prometheus.Counter
	RoutesEvicted *prometheus.CounterVec

	// Envelope metrics
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesDropped  *prometheus.CounterVec
	EnvelopesSent     *prometheus.CounterVec
	BytesToServer     prometheus.Counter
	BytesToDevice     prometheus.Counter

	// Server stream metrics
	ServerStreamsActive prometheus.Gauge
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	ResolveLatency      prometheus.Histogram
	ResolveErrors       *prometheus.CounterVec
	ChannelDials        *prometheus.CounterVec

	// LoRa driver metrics
	ATCommands      *prometheus.CounterVec
	ATLatency       prometheus.Histogram
	ATModeResyncs   prometheus.Counter
	QueueDepth      prometheus.Gauge
	LoRaConnections prometheus.Gauge
	LoRaPackets     *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RoutesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes_active",
			Help:      "Number of live device routes",
		}),
		RoutesOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_opened_total",
			Help:      "Total number of device routes opened",
		}),
		RoutesEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_evicted_total",
			Help:      "Total device routes evicted by reason",
		}, []string{"reason"}),

		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Device envelopes received by type",
		}, []string{"type"}),
		EnvelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Device envelopes dropped by reason",
		}, []string{"reason"}),
		EnvelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes sent back to devices by type",
		}, []string{"type"}),
		BytesToServer: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_to_server_total",
			Help:      "Payload bytes forwarded from devices to servers",
		}),
		BytesToDevice: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_to_device_total",
			Help:      "Payload bytes forwarded from servers to devices",
		}),

		ServerStreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_streams_active",
			Help:      "Number of open server streams",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_cache_hits_total",
			Help:      "Server stream cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_cache_misses_total",
			Help:      "Server stream cache misses",
		}),
		ResolveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "server_resolve_latency_seconds",
			Help:      "Histogram of server resolution latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ResolveErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_resolve_errors_total",
			Help:      "Server resolution failures by stage",
		}, []string{"stage"}),
		ChannelDials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_dials_total",
			Help:      "Channel dial attempts by transport and result",
		}, []string{"transport", "result"}),

		ATCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lora_at_commands_total",
			Help:      "AT commands issued to the modem by result",
		}, []string{"result"}),
		ATLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lora_at_latency_seconds",
			Help:      "Histogram of AT exchange latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5, 10},
		}),
		ATModeResyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lora_at_mode_resyncs_total",
			Help:      "Times the AT mode became unknown and needed resync",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lora_queue_depth",
			Help:      "Operations waiting in the modem queue",
		}),
		LoRaConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lora_connections_open",
			Help:      "Open modem network connections",
		}),
		LoRaPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lora_packets_total",
			Help:      "Packets moved through the modem by direction",
		}, []string{"direction"}),
	}
}

// RecordRouteOpen records a new device route.
func (m *Metrics) RecordRouteOpen() {
	if m == nil {
		return
	}
	m.RoutesActive.Inc()
	m.RoutesOpened.Inc()
}

// RecordRouteEvict records a route removal.
func (m *Metrics) RecordRouteEvict(reason string) {
	if m == nil {
		return
	}
	m.RoutesActive.Dec()
	m.RoutesEvicted.WithLabelValues(reason).Inc()
}

// RecordEnvelopeIn records a decoded inbound envelope and its payload size.
func (m *Metrics) RecordEnvelopeIn(msgType string, payload int) {
	if m == nil {
		return
	}
	m.EnvelopesReceived.WithLabelValues(msgType).Inc()
	m.BytesToServer.Add(float64(payload))
}

// RecordEnvelopeDrop records an inbound envelope that was discarded.
func (m *Metrics) RecordEnvelopeDrop(reason string) {
	if m == nil {
		return
	}
	m.EnvelopesDropped.WithLabelValues(reason).Inc()
}

// RecordEnvelopeOut records an envelope emitted to a device.
func (m *Metrics) RecordEnvelopeOut(msgType string, payload int) {
	if m == nil {
		return
	}
	m.EnvelopesSent.WithLabelValues(msgType).Inc()
	m.BytesToDevice.Add(float64(payload))
}

// RecordServerStreamOpen records a server stream being built.
func (m *Metrics) RecordServerStreamOpen() {
	if m == nil {
		return
	}
	m.ServerStreamsActive.Inc()
}

// RecordServerStreamClose records a server stream being closed.
func (m *Metrics) RecordServerStreamClose() {
	if m == nil {
		return
	}
	m.ServerStreamsActive.Dec()
}

// RecordCacheLookup records a server cache lookup.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// RecordResolve records a completed resolution.
func (m *Metrics) RecordResolve(latencySeconds float64) {
	if m == nil {
		return
	}
	m.ResolveLatency.Observe(latencySeconds)
}

// RecordResolveError records a failed resolution stage.
func (m *Metrics) RecordResolveError(stage string) {
	if m == nil {
		return
	}
	m.ResolveErrors.WithLabelValues(stage).Inc()
}

// RecordChannelDial records a channel dial attempt.
func (m *Metrics) RecordChannelDial(transport string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ChannelDials.WithLabelValues(transport, result).Inc()
}

// RecordATCommand records one AT exchange.
func (m *Metrics) RecordATCommand(result string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.ATCommands.WithLabelValues(result).Inc()
	m.ATLatency.Observe(latencySeconds)
}

// RecordATModeResync records an AT mode desync.
func (m *Metrics) RecordATModeResync() {
	if m == nil {
		return
	}
	m.ATModeResyncs.Inc()
}

// SetQueueDepth sets the modem queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetLoRaConnections sets the number of open modem connections.
func (m *Metrics) SetLoRaConnections(n int) {
	if m == nil {
		return
	}
	m.LoRaConnections.Set(float64(n))
}

// RecordLoRaPacket records a packet sent or received through the modem.
func (m *Metrics) RecordLoRaPacket(direction string) {
	if m == nil {
		return
	}
	m.LoRaPackets.WithLabelValues(direction).Inc()
}
