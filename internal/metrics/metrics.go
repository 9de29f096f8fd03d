// Package metrics holds the Prometheus instrumentation for sessions and the
// reference server. All recording methods are safe on a nil receiver.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livetree"

// Session instruments one or more sync sessions.
type Session struct {
	status          prometheus.Gauge
	patchesApplied  prometheus.Counter
	changesCaptured *prometheus.CounterVec
	changesDropped  *prometheus.CounterVec
	writes          *prometheus.CounterVec
	opens           *prometheus.CounterVec
}

// NewSession registers session metrics with reg.
func NewSession(reg prometheus.Registerer) *Session {
	f := promauto.With(reg)
	return &Session{
		status: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "status",
			Help:      "Current session status (0 not started, 1 connecting, 2 connected, 3 disconnected)",
		}),
		patchesApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "patches_applied_total",
			Help:      "Authority patches applied to the live tree, hydration included",
		}),
		// Labels: kind (rename, detach, property)
		changesCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "changes_captured_total",
			Help:      "Local changes forwarded to the authority",
		}, []string{"kind"}),
		// Labels: reason (untracked, reparent, unencodable)
		changesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "changes_dropped_total",
			Help:      "Local changes that could not be forwarded",
		}, []string{"reason"}),
		// Labels: status (success, error)
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "writes_total",
			Help:      "Outbound patch writes by result",
		}, []string{"status"}),
		opens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "external_opens_total",
			Help:      "Scripts handed to the authority for external editing",
		}, []string{"status"}),
	}
}

func (m *Session) SetStatus(code int) {
	if m == nil {
		return
	}
	m.status.Set(float64(code))
}

func (m *Session) PatchApplied() {
	if m == nil {
		return
	}
	m.patchesApplied.Inc()
}

func (m *Session) ChangeCaptured(kind string) {
	if m == nil {
		return
	}
	m.changesCaptured.WithLabelValues(kind).Inc()
}

func (m *Session) ChangeDropped(reason string) {
	if m == nil {
		return
	}
	m.changesDropped.WithLabelValues(reason).Inc()
}

func (m *Session) Write(err error) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Session) Open(err error) {
	if m == nil {
		return
	}
	m.opens.WithLabelValues(resultLabel(err)).Inc()
}

// Server instruments the reference authority.
type Server struct {
	instances        prometheus.Gauge
	subscribers      prometheus.Gauge
	messageCursor    prometheus.Gauge
	patchesPublished *prometheus.CounterVec
	requests         *prometheus.CounterVec
}

// NewServer registers server metrics with reg.
func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		instances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "instances",
			Help:      "Instances in the served tree",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "subscribers",
			Help:      "Connected message socket subscribers",
		}),
		messageCursor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "message_cursor",
			Help:      "Cursor of the newest queued message",
		}),
		// Labels: source (write, project)
		patchesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "patches_published_total",
			Help:      "Patches appended to the message queue",
		}, []string{"source"}),
		// Labels: endpoint, status (success, error)
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "API requests by endpoint and result",
		}, []string{"endpoint", "status"}),
	}
}

func (m *Server) SetInstances(n int) {
	if m == nil {
		return
	}
	m.instances.Set(float64(n))
}

func (m *Server) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Server) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Server) Published(source string, cursor int64) {
	if m == nil {
		return
	}
	m.patchesPublished.WithLabelValues(source).Inc()
	m.messageCursor.Set(float64(cursor))
}

func (m *Server) Request(endpoint string, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
