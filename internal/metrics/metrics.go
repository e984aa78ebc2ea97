// Package metrics provides Prometheus metrics for the dual-protocol proxy,
// backed by the observer interface the core notifies on connection and
// relay lifecycle events.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dualproxy"

// DefaultMaxRecentErrors bounds the in-memory error ring when callers don't
// override it explicitly.
const DefaultMaxRecentErrors = 50

// ErrorRecord is one entry in the bounded recent-errors ring surfaced to
// observers (e.g. a host UI). Kind is a coarse bucket derived from the
// failure description; Message is the human-readable detail passed by the
// caller.
type ErrorRecord struct {
	Kind      string
	Message   string
	Timestamp time.Time
}

// Metrics implements the core's observer interface
// (accepted/disconnected/rejected/failed/socks5ConnectionStarted/
// udpSessionStarted/udpSessionEnded/udpPacketRelayed) on top of Prometheus
// counters and gauges, plus a bounded ring of recent error records.
type Metrics struct {
	ConnectionsActive      prometheus.Gauge
	ConnectionsAccepted    prometheus.Counter
	ConnectionsRejected    prometheus.Counter
	ConnectionsFailed      prometheus.Counter
	SOCKS5ConnectionsTotal prometheus.Counter
	UDPSessionsActive      prometheus.Gauge
	UDPSessionsTotal       prometheus.Counter
	UDPPacketsRelayed      prometheus.Counter
	UDPBytesRelayed        prometheus.Counter

	maxRecentErrors int
	errMu           sync.Mutex
	recentErrors    []ErrorRecord
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide Metrics instance, registered against
// prometheus.DefaultRegisterer on first use.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer, DefaultMaxRecentErrors)
	})
	return defaultMetrics
}

// New creates a Metrics instance registered against reg, retaining up to
// maxRecentErrors failure descriptions (0 disables the ring).
func New(reg prometheus.Registerer, maxRecentErrors int) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections currently admitted past the concurrency gate",
		}),
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total connections admitted past the concurrency gate",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total connections rejected by the concurrency gate",
		}),
		ConnectionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_failed_total",
			Help:      "Total connections that ended in a reported error",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connect_total",
			Help:      "Total SOCKS5 CONNECT commands handled",
		}),
		UDPSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_sessions_active",
			Help:      "Number of active SOCKS5 UDP ASSOCIATE sessions",
		}),
		UDPSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_sessions_total",
			Help:      "Total SOCKS5 UDP ASSOCIATE sessions started",
		}),
		UDPPacketsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_relayed_total",
			Help:      "Total UDP datagrams relayed in either direction",
		}),
		UDPBytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_bytes_relayed_total",
			Help:      "Total UDP payload bytes relayed in either direction",
		}),
		maxRecentErrors: maxRecentErrors,
	}
}

// Accepted records a connection admitted past the concurrency gate.
func (m *Metrics) Accepted() {
	m.ConnectionsActive.Inc()
	m.ConnectionsAccepted.Inc()
}

// Disconnected records a previously-admitted connection closing.
func (m *Metrics) Disconnected() {
	m.ConnectionsActive.Dec()
}

// Rejected records a connection turned away by the concurrency gate.
func (m *Metrics) Rejected() {
	m.ConnectionsRejected.Inc()
}

// Failed records an error, classifying it into a coarse kind and appending
// it to the bounded recent-errors ring.
func (m *Metrics) Failed(description string) {
	m.ConnectionsFailed.Inc()
	m.recordError(description)
}

// SOCKS5ConnectionStarted records a SOCKS5 CONNECT command being accepted.
func (m *Metrics) SOCKS5ConnectionStarted() {
	m.SOCKS5ConnectionsTotal.Inc()
}

// UDPSessionStarted records a new UDP ASSOCIATE session.
func (m *Metrics) UDPSessionStarted() {
	m.UDPSessionsActive.Inc()
	m.UDPSessionsTotal.Inc()
}

// UDPSessionEnded records a UDP ASSOCIATE session tearing down.
func (m *Metrics) UDPSessionEnded() {
	m.UDPSessionsActive.Dec()
}

// UDPPacketRelayed records one datagram of the given payload size crossing
// the UDP relay in either direction.
func (m *Metrics) UDPPacketRelayed(bytes int) {
	m.UDPPacketsRelayed.Inc()
	m.UDPBytesRelayed.Add(float64(bytes))
}

func (m *Metrics) recordError(description string) {
	if m.maxRecentErrors <= 0 {
		return
	}
	rec := ErrorRecord{
		Kind:      classifyError(description),
		Message:   description,
		Timestamp: time.Now(),
	}
	m.errMu.Lock()
	defer m.errMu.Unlock()
	m.recentErrors = append(m.recentErrors, rec)
	if over := len(m.recentErrors) - m.maxRecentErrors; over > 0 {
		m.recentErrors = m.recentErrors[over:]
	}
}

// RecentErrors returns a copy of the bounded recent-errors ring, oldest
// first, for a host UI or diagnostics endpoint to display.
func (m *Metrics) RecentErrors() []ErrorRecord {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	out := make([]ErrorRecord, len(m.recentErrors))
	copy(out, m.recentErrors)
	return out
}

// classifyError buckets a free-form failure description into the kinds
// enumerated in the error-handling design (malformed, unsupported, timeout,
// upstream, other) so RecentErrors can be grouped without per-caller tagging.
func classifyError(description string) string {
	d := strings.ToLower(description)
	switch {
	case containsAny(d, "malformed", "invalid", "unsupported address", "zero-length"):
		return "malformed"
	case containsAny(d, "not supported", "command not supported", "unsupported command"):
		return "unsupported"
	case containsAny(d, "timeout", "timed out"):
		return "timeout"
	case containsAny(d, "dial", "connect", "upstream"):
		return "upstream"
	default:
		return "other"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
