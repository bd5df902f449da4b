package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "socket_file_sync"

// Metrics holds all Prometheus metrics for the sync daemon. Every recording
// method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive         prometheus.Gauge
	SessionsTotal          prometheus.Counter
	SessionsResumedTotal   prometheus.Counter
	SessionsExpiredTotal   prometheus.Counter
	AuthFailuresTotal      prometheus.Counter
	WatchersActive         prometheus.Gauge
	WatchersReclaimedTotal prometheus.Counter

	// Protocol metrics
	MessagesReceivedTotal *prometheus.CounterVec
	TransfersTotal        *prometheus.CounterVec
	TransferBytes         *prometheus.HistogramVec
	DeletesTotal          *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently held by the server",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions created",
		}),
		SessionsResumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_resumed_total",
			Help:      "Total number of reconnects that resumed a session",
		}),
		SessionsExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total number of disconnected sessions removed by the sweep",
		}),
		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of rejected auth messages",
		}),
		WatchersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchers_active",
			Help:      "Number of open two-way file watchers",
		}),
		WatchersReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchers_reclaimed_total",
			Help:      "Total number of watchers closed after the reconnect grace period",
		}),
		MessagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of protocol messages received",
		}, []string{"event"}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total number of file transfers",
		}, []string{"direction", "status"}),
		TransferBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_bytes",
			Help:      "Size of transferred files",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"direction"}),
		DeletesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_total",
			Help:      "Total number of remote-requested deletions",
		}, []string{"origin", "status"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionsResumedTotal,
		m.SessionsExpiredTotal,
		m.AuthFailuresTotal,
		m.WatchersActive,
		m.WatchersReclaimedTotal,
		m.MessagesReceivedTotal,
		m.TransfersTotal,
		m.TransferBytes,
		m.DeletesTotal,
	)

	return m
}

// MessageReceived counts an inbound protocol message
func (m *Metrics) MessageReceived(event string) {
	if m == nil {
		return
	}
	m.MessagesReceivedTotal.WithLabelValues(event).Inc()
}

// Transfer counts a finished transfer
func (m *Metrics) Transfer(direction string, err error, size int) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(direction, status(err)).Inc()
	if err == nil {
		m.TransferBytes.WithLabelValues(direction).Observe(float64(size))
	}
}

// Delete counts a deletion. origin is "local" for deletions this side
// performed on request and "remote" for ones it asked the peer to perform.
func (m *Metrics) Delete(origin string, err error) {
	if m == nil {
		return
	}
	m.DeletesTotal.WithLabelValues(origin, status(err)).Inc()
}

// AuthFailed counts a rejected secret
func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.Inc()
}

// SessionOpened records a new or resumed session
func (m *Metrics) SessionOpened(resumed bool) {
	if m == nil {
		return
	}
	if resumed {
		m.SessionsResumedTotal.Inc()
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records a destroyed session
func (m *Metrics) SessionClosed(expired bool) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	if expired {
		m.SessionsExpiredTotal.Inc()
	}
}

// WatcherOpened records a started two-way watcher
func (m *Metrics) WatcherOpened() {
	if m == nil {
		return
	}
	m.WatchersActive.Inc()
}

// WatcherClosed records a stopped watcher
func (m *Metrics) WatcherClosed(reclaimed bool) {
	if m == nil {
		return
	}
	m.WatchersActive.Dec()
	if reclaimed {
		m.WatchersReclaimedTotal.Inc()
	}
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
