// Package metrics exposes agent health as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carenote/internal/events"
)

// Metrics holds the agent's collectors on a private registry.
//
// Metrics:
//   - carenote_connectivity_online - 1 when the upstream server is reachable
//   - carenote_probe_duration_seconds{result} - connectivity probe latency
//   - carenote_queue_pending_actions - actions waiting for replay
//   - carenote_action_replays_total{outcome} - replay attempts by outcome
//   - carenote_audio_uploads_total{outcome} - artifact submissions by outcome
//   - carenote_gateway_responses_total{class,source} - gateway answers by policy class and origin
//   - carenote_session_logouts_total - inactivity logouts
type Metrics struct {
	registry *prometheus.Registry

	ConnectivityOnline prometheus.Gauge
	ProbeDuration      *prometheus.HistogramVec
	QueuePending       prometheus.Gauge
	ActionReplays      *prometheus.CounterVec
	AudioUploads       *prometheus.CounterVec
	GatewayResponses   *prometheus.CounterVec
	SessionLogouts     prometheus.Counter
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectivityOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carenote_connectivity_online",
			Help: "1 when the last connectivity probe reached the server",
		}),
		ProbeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carenote_probe_duration_seconds",
			Help:    "Latency of connectivity probes",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"result"}),
		QueuePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carenote_queue_pending_actions",
			Help: "Number of actions waiting for replay",
		}),
		ActionReplays: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carenote_action_replays_total",
			Help: "Action replay attempts by outcome",
		}, []string{"outcome"}),
		AudioUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carenote_audio_uploads_total",
			Help: "Audio artifact submissions by outcome",
		}, []string{"outcome"}),
		GatewayResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carenote_gateway_responses_total",
			Help: "Gateway responses by policy class and source (network, cache, offline)",
		}, []string{"class", "source"}),
		SessionLogouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "carenote_session_logouts_total",
			Help: "Inactivity logouts",
		}),
	}
}

// Bind keeps the gauges in sync with bus events. The returned function
// removes the subscriptions.
func (m *Metrics) Bind(bus *events.Bus) func() {
	if m == nil {
		return func() {}
	}
	stops := []func(){
		events.Subscribe(bus, events.TopicConnectivityChanged, func(ev events.ConnectivityChanged) {
			if ev.Online {
				m.ConnectivityOnline.Set(1)
			} else {
				m.ConnectivityOnline.Set(0)
			}
		}),
		events.Subscribe(bus, events.TopicQueueDepthChanged, func(ev events.QueueDepthChanged) {
			m.QueuePending.Set(float64(ev.Pending))
		}),
		events.Subscribe(bus, events.TopicAudioProcessed, func(events.AudioProcessed) {
			m.AudioUploads.WithLabelValues("done").Inc()
		}),
		events.Subscribe(bus, events.TopicAudioFailed, func(events.AudioFailed) {
			m.AudioUploads.WithLabelValues("error").Inc()
		}),
		events.Subscribe(bus, events.TopicSessionLogout, func(events.SessionLogout) {
			m.SessionLogouts.Inc()
		}),
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// ObserveProbe records a connectivity probe.
func (m *Metrics) ObserveProbe(online bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "offline"
	if online {
		result = "online"
	}
	m.ProbeDuration.WithLabelValues(result).Observe(latency.Seconds())
}

// ObserveReplay counts one action replay attempt.
func (m *Metrics) ObserveReplay(outcome string) {
	if m == nil {
		return
	}
	m.ActionReplays.WithLabelValues(outcome).Inc()
}

// ObserveGateway counts one gateway response.
func (m *Metrics) ObserveGateway(class, source string) {
	if m == nil {
		return
	}
	m.GatewayResponses.WithLabelValues(class, source).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
