package netmon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"carenote/internal/events"
	"carenote/internal/logging"
)

// ConnectivityState is a point-in-time snapshot of the monitor.
type ConnectivityState struct {
	Online       bool      `json:"online"`
	LastProbeAt  time.Time `json:"last_probe_at"`
	PendingCount int       `json:"pending_count"`
}

// ProbeObserver receives the outcome and latency of every probe.
type ProbeObserver func(online bool, latency time.Duration)

// Monitor tracks upstream reachability.
type Monitor struct {
	prober   Prober
	bus      *events.Bus
	logger   *slog.Logger
	clock    clockwork.Clock
	interval time.Duration
	observer ProbeObserver

	online      atomic.Bool
	lastProbeAt atomic.Int64
	pending     atomic.Int64

	probeMu sync.Mutex
	kick    chan struct{}

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
	running     bool
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock overrides the clock driving the probe interval.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithInterval overrides the probe interval.
func WithInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithProbeObserver registers a callback for probe metrics.
func WithProbeObserver(observer ProbeObserver) Option {
	return func(m *Monitor) {
		m.observer = observer
	}
}

// WithInitialState seeds the last known state before the first probe.
func WithInitialState(online bool) Option {
	return func(m *Monitor) {
		m.online.Store(online)
	}
}

// New constructs a monitor. The initial state is offline until the first
// probe succeeds, so startup with a reachable server raises one
// offline->online transition and replays anything queued.
func New(prober Prober, bus *events.Bus, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   prober,
		bus:      bus,
		logger:   logging.NewComponentLogger(logger, "netmon"),
		clock:    clockwork.NewRealClock(),
		interval: 15 * time.Second,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the last known state without probing.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// State returns a snapshot of the connectivity state.
func (m *Monitor) State() ConnectivityState {
	state := ConnectivityState{
		Online:       m.online.Load(),
		PendingCount: int(m.pending.Load()),
	}
	if ts := m.lastProbeAt.Load(); ts != 0 {
		state.LastProbeAt = time.Unix(0, ts).UTC()
	}
	return state
}

// ProbeNow runs a probe immediately, updates the state, and returns it.
func (m *Monitor) ProbeNow(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	started := m.clock.Now()
	online := m.prober != nil && m.prober.Probe(ctx)
	latency := m.clock.Since(started)
	m.lastProbeAt.Store(m.clock.Now().UnixNano())
	if m.observer != nil {
		m.observer(online, latency)
	}

	previous := m.online.Swap(online)
	if previous != online {
		m.logger.Info("connectivity changed",
			logging.String(logging.FieldEventType, "connectivity_changed"),
			logging.Bool("online", online),
			logging.Duration("probe_latency", latency),
		)
		events.Publish(m.bus, events.TopicConnectivityChanged, events.ConnectivityChanged{
			Online:     online,
			ObservedAt: m.clock.Now().UTC(),
		})
	}
	return online
}

// Trigger schedules a probe on the monitor goroutine. It never blocks; a
// trigger arriving while one is already scheduled is merged into it.
func (m *Monitor) Trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start launches the probe loop. The first probe runs immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.unsubscribe = events.Subscribe(m.bus, events.TopicQueueDepthChanged, func(ev events.QueueDepthChanged) {
		m.pending.Store(int64(ev.Pending))
	})

	m.wg.Add(1)
	go m.loop(loopCtx)
	return nil
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	unsubscribe := m.unsubscribe
	m.mu.Unlock()

	cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	m.wg.Wait()
}

// SetPending seeds the pending count before the first queue event arrives.
func (m *Monitor) SetPending(count int) {
	m.pending.Store(int64(count))
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.ProbeNow(ctx)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.ProbeNow(ctx)
		case <-m.kick:
			m.logger.Debug("probing after link event")
			m.ProbeNow(ctx)
		}
	}
}
