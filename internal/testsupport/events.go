package testsupport

import (
	"testing"
	"time"

	"carenote/internal/events"
)

// Recorder buffers every payload published on a topic.
type Recorder[T any] struct {
	ch chan T
}

// Record subscribes to topic for the rest of the test.
func Record[T any](t testing.TB, bus *events.Bus, topic events.Topic[T]) *Recorder[T] {
	t.Helper()

	rec := &Recorder[T]{ch: make(chan T, 1024)}
	unsubscribe := events.Subscribe(bus, topic, func(payload T) {
		select {
		case rec.ch <- payload:
		default:
		}
	})
	t.Cleanup(unsubscribe)
	return rec
}

// Next waits up to timeout for the next payload.
func (r *Recorder[T]) Next(t testing.TB, timeout time.Duration) T {
	t.Helper()

	select {
	case payload := <-r.ch:
		return payload
	case <-time.After(timeout):
		var zero T
		t.Fatalf("timed out after %s waiting for event", timeout)
		return zero
	}
}

// Drain returns every payload received so far without waiting.
func (r *Recorder[T]) Drain() []T {
	var out []T
	for {
		select {
		case payload := <-r.ch:
			out = append(out, payload)
		default:
			return out
		}
	}
}
