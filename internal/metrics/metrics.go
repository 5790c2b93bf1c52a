// Package metrics holds the Prometheus collectors for the sync core.
// A nil *Metrics is valid and records nothing, so library users that
// do not scrape metrics can pass nil everywhere.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dash_sync"

// Metrics groups the collectors. Every counter is labelled by role
// ("conversation" or "notifications").
type Metrics struct {
	registry *prometheus.Registry

	connectionState *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	authRejections  *prometheus.CounterVec
	pushes          *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	promotions      *prometheus.CounterVec
	sendFailures    *prometheus.CounterVec
	historyFailures *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Push channel state: 0 idle, 1 connecting, 2 connected, 3 reconnecting, 4 closed.",
		}, []string{"role"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Handshake attempts made after the first.",
		}, []string{"role"}),
		authRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejections_total",
			Help:      "Handshakes rejected because of the credential.",
		}, []string{"role"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_received_total",
			Help:      "Records received over the push channel.",
		}, []string{"role"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_discarded_total",
			Help:      "Pushed records dropped because their id was already present.",
		}, []string{"role"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_promotions_total",
			Help:      "Pending optimistic records confirmed by a server echo.",
		}, []string{"role"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Sends that failed and left a record in the failed state.",
		}, []string{"role"}),
		historyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_fetch_failures_total",
			Help:      "History fetches that returned an error.",
		}, []string{"role"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionState,
		m.reconnects,
		m.authRejections,
		m.pushes,
		m.duplicates,
		m.promotions,
		m.sendFailures,
		m.historyFailures,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

func (m *Metrics) SetConnectionState(role string, state int) {
	if m == nil {
		return
	}

	m.connectionState.WithLabelValues(role).Set(float64(state))
}

func (m *Metrics) Reconnect(role string) {
	if m == nil {
		return
	}

	m.reconnects.WithLabelValues(role).Inc()
}

func (m *Metrics) AuthRejected(role string) {
	if m == nil {
		return
	}

	m.authRejections.WithLabelValues(role).Inc()
}

func (m *Metrics) PushReceived(role string) {
	if m == nil {
		return
	}

	m.pushes.WithLabelValues(role).Inc()
}

func (m *Metrics) Duplicate(role string) {
	if m == nil {
		return
	}

	m.duplicates.WithLabelValues(role).Inc()
}

func (m *Metrics) Promoted(role string) {
	if m == nil {
		return
	}

	m.promotions.WithLabelValues(role).Inc()
}

func (m *Metrics) SendFailed(role string) {
	if m == nil {
		return
	}

	m.sendFailures.WithLabelValues(role).Inc()
}

func (m *Metrics) HistoryFailed(role string) {
	if m == nil {
		return
	}

	m.historyFailures.WithLabelValues(role).Inc()
}
