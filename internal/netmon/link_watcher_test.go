package netmon

import (
	"sync/atomic"
	"testing"

	"github.com/pilebones/go-udev/netlink"

	"carenote/internal/logging"
)

func TestLinkWatcherTriggersOnInterfaceEvents(t *testing.T) {
	var calls atomic.Int32
	w := NewLinkWatcher(logging.NewNop(), func() { calls.Add(1) })

	w.handleEvent(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "net", "INTERFACE": "wlan0"}})
	w.handleEvent(netlink.UEvent{Action: netlink.REMOVE, Env: map[string]string{"SUBSYSTEM": "net", "INTERFACE": "lo"}})

	if calls.Load() != 1 {
		t.Fatalf("expected one trigger, got %d", calls.Load())
	}
}

func TestLinkWatcherStopIdempotent(t *testing.T) {
	var w *LinkWatcher
	w.Stop()
	if w.Running() {
		t.Fatal("nil watcher must not report running")
	}

	w = NewLinkWatcher(logging.NewNop(), nil)
	w.Stop()
	w.Stop()
	if w.Running() {
		t.Fatal("unstarted watcher must not report running")
	}
}
