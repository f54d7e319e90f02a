package gophxchannels

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the socket's Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "phx").
	Namespace string

	// Subsystem is the metrics subsystem (default: "socket").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "phx",
		Subsystem: "socket",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the Prometheus collectors a Socket reports to.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	framesSent        prometheus.Counter
	framesReceived    prometheus.Counter
	decodeErrors      prometheus.Counter
	reconnects        prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	pushReplies       *prometheus.CounterVec
	connected         prometheus.Gauge
	bufferedSends     prometheus.Gauge
}

// NewMetrics creates and registers the socket metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_sent_total",
			Help:        "Total frames written to the transport",
			ConstLabels: config.ConstLabels,
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_received_total",
			Help:        "Total frames read from the transport",
			ConstLabels: config.ConstLabels,
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "decode_errors_total",
			Help:        "Inbound frames that could not be decoded",
			ConstLabels: config.ConstLabels,
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnects_scheduled_total",
			Help:        "Total reconnect attempts scheduled",
			ConstLabels: config.ConstLabels,
		}),
		heartbeatTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "heartbeat_timeouts_total",
			Help:        "Connections force-closed because a heartbeat went unanswered",
			ConstLabels: config.ConstLabels,
		}),
		pushReplies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "push_replies_total",
			Help:        "Push replies by status, including synthesized timeouts",
			ConstLabels: config.ConstLabels,
		}, []string{"status"}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connected",
			Help:        "1 while the transport is open",
			ConstLabels: config.ConstLabels,
		}),
		bufferedSends: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "buffered_sends",
			Help:        "Sends waiting for the connection to open",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (m *Metrics) frameSent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) frameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) decodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) heartbeatTimeout() {
	if m != nil {
		m.heartbeatTimeouts.Inc()
	}
}

func (m *Metrics) pushReply(status string) {
	if m != nil {
		m.pushReplies.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) setBuffered(n int) {
	if m != nil {
		m.bufferedSends.Set(float64(n))
	}
}
