package bgsync_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"carenote/internal/bgsync"
	"carenote/internal/gateway"
	"carenote/internal/logging"
)

type fakePort struct {
	posted   chan gateway.Message
	messages chan gateway.Message
}

func newFakePort() *fakePort {
	return &fakePort{posted: make(chan gateway.Message, 4), messages: make(chan gateway.Message, 4)}
}

func (p *fakePort) Post(msg gateway.Message)         { p.posted <- msg }
func (p *fakePort) Messages() <-chan gateway.Message { return p.messages }

type gate struct{ online atomic.Bool }

func (g *gate) Online() bool { return g.online.Load() }

type counter struct {
	calls chan string
}

func newCounter() *counter { return &counter{calls: make(chan string, 16)} }

func (c *counter) target(name string, err error) bgsync.Target {
	return bgsync.Target{Name: name, Flush: func(context.Context) error {
		c.calls <- name
		return err
	}}
}

func (c *counter) expect(t *testing.T, names ...string) {
	t.Helper()
	for _, want := range names {
		select {
		case got := <-c.calls:
			if got != want {
				t.Fatalf("flushed %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q flush", want)
		}
	}
}

func (c *counter) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-c.calls:
		t.Fatalf("unexpected flush of %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSyncMessageFlushesEveryTarget(t *testing.T) {
	port := newFakePort()
	flushes := newCounter()
	trigger := bgsync.New(port, &gate{}, logging.NewNop(), []bgsync.Target{
		flushes.target("actions", errors.New("server busy")),
		flushes.target("audio", nil),
	})
	trigger.Start(context.Background())
	defer trigger.Stop()

	select {
	case msg := <-port.posted:
		if msg.Type != gateway.MessageRegisterSync || msg.Tag != bgsync.Tag {
			t.Fatalf("unexpected registration %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("trigger did not register its tag")
	}
	if trigger.Polling() {
		t.Fatal("trigger should not poll when a port is available")
	}

	port.messages <- gateway.Message{Type: gateway.MessageSync, Tag: "other-tag"}
	flushes.expectNone(t)

	port.messages <- gateway.Message{Type: gateway.MessageSync, Tag: bgsync.Tag}
	flushes.expect(t, "actions", "audio")
}

func TestPollingFallbackFlushesOnlyWhenOnline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := &gate{}
	flushes := newCounter()
	trigger := bgsync.New(nil, g, logging.NewNop(), []bgsync.Target{flushes.target("actions", nil)},
		bgsync.WithClock(clock), bgsync.WithPollInterval(30*time.Second))
	trigger.Start(context.Background())
	defer trigger.Stop()

	if !trigger.Polling() {
		t.Fatal("trigger should fall back to polling without a port")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("poll ticker not armed: %v", err)
	}

	clock.Advance(30 * time.Second)
	flushes.expectNone(t)

	g.online.Store(true)
	clock.Advance(30 * time.Second)
	flushes.expect(t, "actions")
}
