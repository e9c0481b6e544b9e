// Package metrics provides Prometheus metrics for realtime-relay.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "realtime_relay"

// OverflowEventType is used as the type label when the number of unique
// event types exceeds MaxEventTypes.
const OverflowEventType = "__other__"

// UntypedEventType is the type label for upstream events without a "type".
const UntypedEventType = "__untyped__"

// Session failure reasons.
const (
	ReasonUpgradeRequired    = "upgrade_required"
	ReasonMissingCredentials = "missing_credentials"
	ReasonClientConstruction = "client_construction"
	ReasonAcceptFailed       = "accept_failed"
	ReasonHandshakeFailed    = "handshake_failed"
	ReasonHandshakeTimeout   = "handshake_timeout"
	ReasonSessionLimit       = "session_limit"
)

// Dropped message reasons.
const (
	DropMalformed  = "malformed"
	DropClosed     = "closed"
	DropSendFailed = "send_failed"
)

// Event directions.
const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
	DirectionReplay           = "replay"
)

// Metrics holds all Prometheus metrics for realtime-relay.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxEventTypes is the maximum number of unique event type label
	// values. Once exceeded, new types are recorded as OverflowEventType.
	// Zero means unlimited.
	MaxEventTypes int

	sessionsTotal   *prometheus.CounterVec
	sessionErrors   *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	queuedTotal     prometheus.Counter
	activeSessions  prometheus.Gauge
	sessionDuration prometheus.Histogram
	connectDuration prometheus.Histogram

	typeCount atomic.Int64
	types     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions that reached the relaying state and ended.",
		}, []string{"status"}),

		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total number of sessions that failed before relaying, by reason.",
		}, []string{"reason"}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total events forwarded, by direction and event type.",
		}, []string{"direction", "type"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total event bytes forwarded, by direction.",
		}, []string{"direction"}),

		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Total client messages dropped instead of forwarded, by reason.",
		}, []string{"reason"}),

		queuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queued_messages_total",
			Help:      "Total client messages buffered while the upstream session was not ready.",
		}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of currently open client sessions.",
		}),

		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of completed sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_duration_seconds",
			Help:      "Time spent on the upstream handshake in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.sessionErrors,
		m.eventsTotal,
		m.bytesTotal,
		m.droppedTotal,
		m.queuedTotal,
		m.activeSessions,
		m.sessionDuration,
		m.connectDuration,
	)

	return m
}

// SanitizeEventType returns eventType if it is within the cardinality
// budget, or OverflowEventType if the cap has been reached. Types that have
// been seen before are always returned as-is.
func (m *Metrics) SanitizeEventType(eventType string) string {
	if m == nil {
		return eventType
	}
	if m.MaxEventTypes <= 0 {
		return eventType
	}

	for {
		// Fast path: already-known type.
		if _, ok := m.types.Load(eventType); ok {
			return eventType
		}

		cur := m.typeCount.Load()
		if cur >= int64(m.MaxEventTypes) {
			// Re-check: another goroutine may have stored this type
			// between our Load and this cap check.
			if _, ok := m.types.Load(eventType); ok {
				return eventType
			}
			return OverflowEventType
		}

		if !m.typeCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		// Slot reserved. Store the type, undoing the increment if
		// another goroutine stored it first.
		if _, loaded := m.types.LoadOrStore(eventType, struct{}{}); loaded {
			m.typeCount.Add(-1)
		}

		return eventType
	}
}

// SessionOpened increments the active session gauge. It returns a
// SessionTracker that records the outcome when the session ends.
func (m *Metrics) SessionOpened() *SessionTracker {
	if m == nil {
		return nil
	}
	m.activeSessions.Inc()
	return &SessionTracker{m: m}
}

// SessionError records a session that failed before relaying.
func (m *Metrics) SessionError(reason string) {
	if m == nil {
		return
	}
	m.sessionErrors.WithLabelValues(reason).Inc()
}

// HandshakeReason returns ReasonHandshakeTimeout if err is a timeout,
// otherwise ReasonHandshakeFailed.
func HandshakeReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonHandshakeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonHandshakeTimeout
	}
	return ReasonHandshakeFailed
}

// ObserveConnectDuration records how long an upstream handshake took.
func (m *Metrics) ObserveConnectDuration(seconds float64) {
	if m == nil {
		return
	}
	m.connectDuration.Observe(seconds)
}

// EventForwarded records one event written to the other side.
func (m *Metrics) EventForwarded(direction, eventType string, size int) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = UntypedEventType
	} else {
		eventType = m.SanitizeEventType(eventType)
	}
	m.eventsTotal.WithLabelValues(direction, eventType).Inc()
	m.bytesTotal.WithLabelValues(direction).Add(float64(size))
}

// MessageDropped records a client message that was not forwarded.
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Inc()
}

// MessageQueued records a client message buffered before upstream readiness.
func (m *Metrics) MessageQueued() {
	if m == nil {
		return
	}
	m.queuedTotal.Inc()
}

// SessionTracker records the outcome of a single client session.
type SessionTracker struct {
	m *Metrics
}

// Done records the end of a session. relayed reports whether the session
// reached the relaying state; sessions that did not are only counted by
// SessionError.
func (t *SessionTracker) Done(durationSec float64, relayed bool, err error) {
	if t == nil {
		return
	}
	t.m.activeSessions.Dec()
	if !relayed {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.sessionsTotal.WithLabelValues(status).Inc()
	t.m.sessionDuration.Observe(durationSec)
}
