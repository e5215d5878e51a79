package events_test

import (
	"testing"

	"carenote/internal/events"
)

func TestPublishDeliversTypedPayload(t *testing.T) {
	bus := events.NewBus()
	var got []int
	events.Subscribe(bus, events.TopicQueueDepthChanged, func(ev events.QueueDepthChanged) {
		got = append(got, ev.Pending)
	})
	events.Publish(bus, events.TopicQueueDepthChanged, events.QueueDepthChanged{Pending: 3})
	events.Publish(bus, events.TopicQueueDepthChanged, events.QueueDepthChanged{Pending: 2})

	if len(got) != 2 || got[0] != 3 || got[1] != 2 {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := events.NewBus()
	calls := 0
	unsubscribe := events.Subscribe(bus, events.TopicSessionLogout, func(events.SessionLogout) { calls++ })
	events.Publish(bus, events.TopicSessionLogout, events.SessionLogout{Reason: "inactivity"})
	unsubscribe()
	unsubscribe()
	events.Publish(bus, events.TopicSessionLogout, events.SessionLogout{Reason: "inactivity"})
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	bus := events.NewBus()
	var topics []string
	stop := bus.SubscribeAll(func(env events.Envelope) { topics = append(topics, env.Topic) })
	defer stop()

	events.Publish(bus, events.TopicConnectivityChanged, events.ConnectivityChanged{Online: true})
	events.Publish(bus, events.TopicSessionWarning, events.SessionWarning{SecondsLeft: 120})

	if len(topics) != 2 || topics[0] != "connectivity-changed" || topics[1] != "session-warning" {
		t.Fatalf("unexpected topics: %v", topics)
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := events.NewBus()
	events.Subscribe(bus, events.TopicAudioFailed, func(events.AudioFailed) {
		t.Fatal("audio-failed handler must not see audio-processed")
	})
	events.Publish(bus, events.TopicAudioProcessed, events.AudioProcessed{ArtifactID: "a"})
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *events.Bus
	events.Publish(bus, events.TopicAutosaveTriggered, events.AutosaveTriggered{})
	events.Subscribe(bus, events.TopicAutosaveTriggered, func(events.AutosaveTriggered) {})()
}
