package metrics

import (
	"net/http"
	"time"

	"kernelbridge/internal/wire"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector with Prometheus metrics on a
// private registry.
type PrometheusCollector struct {
	connectAttempts  *prometheus.CounterVec
	connectDuration  *prometheus.HistogramVec
	activeConns      *prometheus.GaugeVec
	disposeDuration  *prometheus.HistogramVec
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	heartbeatRTT     *prometheus.HistogramVec
	heartbeatMisses  *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector; namespace defaults to "kernelbridge".
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "kernelbridge"
	}
	pc := &PrometheusCollector{registry: prometheus.NewRegistry()}

	pc.connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Kernel connection attempts by outcome",
		},
		[]string{"kernel", "result"},
	)
	pc.connectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_establish_duration_seconds",
			Help:      "Time from resolve to a completed handshake",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kernel", "result"},
	)
	pc.activeConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently open kernel connections",
		},
		[]string{"kernel"},
	)
	pc.disposeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_dispose_duration_seconds",
			Help:      "Time taken to shut a kernel connection down",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kernel"},
	)
	pc.messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages sent to kernels",
		},
		[]string{"kernel", "channel", "msg_type"},
	)
	pc.messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Verified messages received from kernels",
		},
		[]string{"kernel", "channel", "msg_type"},
	)
	pc.messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded without reaching a consumer",
		},
		[]string{"kernel", "channel", "reason"},
	)
	pc.heartbeatRTT = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Heartbeat round trip time",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1},
		},
		[]string{"kernel"},
	)
	pc.heartbeatMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_misses_total",
			Help:      "Heartbeat probes that went unanswered",
		},
		[]string{"kernel"},
	)
	pc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_state_transitions_total",
			Help:      "Connection state transitions",
		},
		[]string{"kernel", "from_state", "to_state"},
	)

	pc.registry.MustRegister(
		pc.connectAttempts,
		pc.connectDuration,
		pc.activeConns,
		pc.disposeDuration,
		pc.messagesSent,
		pc.messagesReceived,
		pc.messagesDropped,
		pc.heartbeatRTT,
		pc.heartbeatMisses,
		pc.stateTransitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return pc
}

// Registry exposes the underlying registry.
func (pc *PrometheusCollector) Registry() *prometheus.Registry { return pc.registry }

// Handler serves the registry in the Prometheus exposition format.
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{})
}

// ConnectionAttempt records one Create call.
func (pc *PrometheusCollector) ConnectionAttempt(kernelType string, duration time.Duration, result string) {
	pc.connectAttempts.WithLabelValues(kernelType, result).Inc()
	pc.connectDuration.WithLabelValues(kernelType, result).Observe(duration.Seconds())
	if result == ResultSuccess {
		pc.activeConns.WithLabelValues(kernelType).Inc()
	}
}

// ConnectionDisposed records a teardown.
func (pc *PrometheusCollector) ConnectionDisposed(kernelType string, duration time.Duration) {
	pc.activeConns.WithLabelValues(kernelType).Dec()
	pc.disposeDuration.WithLabelValues(kernelType).Observe(duration.Seconds())
}

// ForKernel returns an observer labelled with kernelType.
func (pc *PrometheusCollector) ForKernel(kernelType string) wire.Observer {
	return &kernelObserver{pc: pc, kernel: kernelType}
}

type kernelObserver struct {
	pc     *PrometheusCollector
	kernel string
}

func (o *kernelObserver) MessageSent(ch wire.ChannelName, msgType string) {
	o.pc.messagesSent.WithLabelValues(o.kernel, string(ch), msgType).Inc()
}

func (o *kernelObserver) MessageReceived(ch wire.ChannelName, msgType string) {
	o.pc.messagesReceived.WithLabelValues(o.kernel, string(ch), msgType).Inc()
}

func (o *kernelObserver) MessageDropped(ch wire.ChannelName, reason string) {
	o.pc.messagesDropped.WithLabelValues(o.kernel, string(ch), reason).Inc()
}

func (o *kernelObserver) HeartbeatSucceeded(rtt time.Duration) {
	o.pc.heartbeatRTT.WithLabelValues(o.kernel).Observe(rtt.Seconds())
}

func (o *kernelObserver) HeartbeatMissed() {
	o.pc.heartbeatMisses.WithLabelValues(o.kernel).Inc()
}

func (o *kernelObserver) StateChanged(from, to wire.State) {
	o.pc.stateTransitions.WithLabelValues(o.kernel, from.String(), to.String()).Inc()
}
