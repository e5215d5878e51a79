package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"carenote/internal/events"
	"carenote/internal/metrics"
)

func TestBindTracksEvents(t *testing.T) {
	m := metrics.New()
	bus := events.NewBus()
	stop := m.Bind(bus)
	defer stop()

	events.Publish(bus, events.TopicConnectivityChanged, events.ConnectivityChanged{Online: true})
	events.Publish(bus, events.TopicQueueDepthChanged, events.QueueDepthChanged{Pending: 7})
	events.Publish(bus, events.TopicAudioProcessed, events.AudioProcessed{ArtifactID: "a"})

	body := scrape(t, m)
	for _, line := range []string{
		"carenote_connectivity_online 1",
		"carenote_queue_pending_actions 7",
		`carenote_audio_uploads_total{outcome="done"} 1`,
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected %q in exposition", line)
		}
	}
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read exposition: %v", err)
	}
	return string(body)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := metrics.New()
	m.ObserveProbe(true, 20*time.Millisecond)
	m.ObserveReplay("acknowledged")
	m.ObserveGateway("static", "cache")

	body := scrape(t, m)
	for _, name := range []string{
		"carenote_probe_duration_seconds",
		`carenote_action_replays_total{outcome="acknowledged"} 1`,
		`carenote_gateway_responses_total{class="static",source="cache"} 1`,
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %q in exposition", name)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveProbe(false, time.Second)
	m.ObserveReplay("transient")
	m.ObserveGateway("api", "offline")
	m.Bind(events.NewBus())()
}
