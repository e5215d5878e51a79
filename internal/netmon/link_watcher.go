package netmon

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"carenote/internal/logging"
)

// LinkWatcher listens for kernel network link uevents and asks the monitor to
// probe. It is the agent's equivalent of the browser online/offline events.
type LinkWatcher struct {
	logger  *slog.Logger
	trigger func()

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewLinkWatcher creates a watcher that calls trigger on every relevant link event.
func NewLinkWatcher(logger *slog.Logger, trigger func()) *LinkWatcher {
	return &LinkWatcher{
		logger:  logging.NewComponentLogger(logger, "link-watcher"),
		trigger: trigger,
	}
}

// Start connects to the netlink socket. Connection failure is not fatal: the
// monitor keeps polling on its interval.
func (w *LinkWatcher) Start(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		w.logger.Warn("failed to connect to netlink socket; connectivity relies on polling",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the agent may open NETLINK_KOBJECT_UEVENT sockets"),
			logging.String(logging.FieldImpact, "link changes detected only on the next probe interval"),
		)
		return nil
	}

	w.conn = conn
	w.quit = make(chan struct{})
	w.running = true

	quit := w.quit
	w.wg.Add(1)
	go w.monitorLoop(ctx, conn, quit)

	w.logger.Info("link watcher started",
		logging.String(logging.FieldEventType, "link_watcher_started"),
	)
	return nil
}

// Stop closes the netlink socket and waits for the reader to exit.
func (w *LinkWatcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.quit)
	w.quit = nil
	conn := w.conn
	w.conn = nil
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	if conn != nil {
		_ = conn.Close()
	}
}

// Running reports whether the watcher is connected.
func (w *LinkWatcher) Running() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *LinkWatcher) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	defer w.wg.Done()

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			w.handleEvent(uevent)
		case err := <-errs:
			w.logger.Warn("netlink monitor error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "netlink_monitor_error"),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "link events may be missed"),
			)
		}
	}
}

// buildMatcher matches add, remove, change, online and offline events for
// network interfaces.
func buildMatcher() netlink.Matcher {
	action := "add|remove|change|online|offline|move"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "net",
		},
	})
	return rules
}

func (w *LinkWatcher) handleEvent(uevent netlink.UEvent) {
	iface := uevent.Env["INTERFACE"]
	if iface == "lo" {
		return
	}
	w.logger.Debug("network link event",
		logging.String("action", string(uevent.Action)),
		logging.String("interface", iface),
	)
	if w.trigger != nil {
		w.trigger()
	}
}
