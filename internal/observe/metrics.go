package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	envelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_envelopes_total",
			Help: "Total envelopes routed by type and direction",
		},
		[]string{"type", "direction"}, // direction: income|outcome
	)

	envelopesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_envelopes_dropped_total",
			Help: "Total envelopes dropped by reason",
		},
		[]string{"reason"}, // self_loop|unroutable|unknown_type|invalid|handler_error
	)

	connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnel_connection_state",
		Help: "Transport connection state (1 connected, 0 otherwise)",
	})

	reconnectAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_reconnect_attempts_total",
		Help: "Total transport reconnect attempts",
	})

	heartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_heartbeats_total",
		Help: "Total heartbeat reports sent",
	})

	heartbeatRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tunnel_heartbeat_rtt_seconds",
		Help:    "Heartbeat round trip time",
		Buckets: prometheus.DefBuckets,
	})

	streamFlushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_stream_flushes_total",
		Help: "Total incremental stream batches flushed",
	})

	streamParseErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_stream_parse_errors_total",
		Help: "Total SSE lines skipped due to parse errors",
	})

	streamBuffersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnel_stream_buffers_active",
		Help: "Number of live stream reassembly buffers",
	})

	proxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_proxy_requests_total",
			Help: "Total proxied HTTP requests by outcome",
		},
		[]string{"outcome"}, // ok|error|no_device|timeout
	)

	listenersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnel_listeners_active",
		Help: "Number of registered envelope listeners",
	})

	devicesOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tunnel_devices_online",
		Help: "Number of devices currently attached to this gateway",
	})
)

func init() {
	prometheus.MustRegister(
		envelopesTotal,
		envelopesDroppedTotal,
		connectionState,
		reconnectAttemptsTotal,
		heartbeatsTotal,
		heartbeatRTT,
		streamFlushesTotal,
		streamParseErrorsTotal,
		streamBuffersActive,
		proxyRequestsTotal,
		listenersActive,
		devicesOnline,
	)
}

func IncEnvelope(typ, direction string)   { envelopesTotal.WithLabelValues(typ, direction).Inc() }
func IncDropped(reason string)            { envelopesDroppedTotal.WithLabelValues(reason).Inc() }
func SetConnected(up bool)                { connectionState.Set(boolToFloat(up)) }
func IncReconnectAttempt()                { reconnectAttemptsTotal.Inc() }
func IncHeartbeat()                       { heartbeatsTotal.Inc() }
func ObserveHeartbeatRTT(seconds float64) { heartbeatRTT.Observe(seconds) }
func IncStreamFlush()                     { streamFlushesTotal.Inc() }
func IncStreamParseError()                { streamParseErrorsTotal.Inc() }
func AddStreamBuffers(delta float64)      { streamBuffersActive.Add(delta) }
func IncProxyRequest(outcome string)      { proxyRequestsTotal.WithLabelValues(outcome).Inc() }
func AddListeners(delta float64)          { listenersActive.Add(delta) }
func AddDevicesOnline(delta float64)      { devicesOnline.Add(delta) }

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
