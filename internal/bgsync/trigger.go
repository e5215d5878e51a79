// Package bgsync turns gateway sync broadcasts into queue flushes, falling
// back to polling when no gateway port is available.
package bgsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"carenote/internal/gateway"
	"carenote/internal/logging"
)

// Tag is the sync tag the trigger registers.
const Tag = "actions-flush"

const defaultPollInterval = 30 * time.Second

// Port is the client side of a gateway connection.
type Port interface {
	Post(msg gateway.Message)
	Messages() <-chan gateway.Message
}

// Gate reports connectivity.
type Gate interface {
	Online() bool
}

// Target is one queue flushed on every trigger.
type Target struct {
	Name  string
	Flush func(ctx context.Context) error
}

// Trigger runs flushes on gateway sync messages or on a polling timer.
type Trigger struct {
	port     Port
	gate     Gate
	targets  []Target
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	polling bool
}

// Option customizes a Trigger.
type Option func(*Trigger)

// WithClock overrides the polling clock.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Trigger) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithPollInterval sets the fallback polling period.
func WithPollInterval(d time.Duration) Option {
	return func(t *Trigger) {
		if d > 0 {
			t.interval = d
		}
	}
}

// New builds a trigger. port may be nil when the gateway is disabled.
func New(port Port, gate Gate, logger *slog.Logger, targets []Target, opts ...Option) *Trigger {
	t := &Trigger{
		port:     port,
		gate:     gate,
		targets:  targets,
		interval: defaultPollInterval,
		clock:    clockwork.NewRealClock(),
		logger:   logging.NewComponentLogger(logger, "bgsync"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Polling reports whether the trigger fell back to polling.
func (t *Trigger) Polling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.polling
}

// Start begins listening. It never fails; a missing port degrades to polling.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.polling = t.port == nil
	t.mu.Unlock()

	if t.port != nil {
		t.port.Post(gateway.Message{Type: gateway.MessageRegisterSync, Tag: Tag})
		t.wg.Add(1)
		go t.listen(runCtx)
		return
	}

	logging.WarnWithContext(t.logger, "background sync unavailable; polling instead", "bgsync_polling_fallback",
		logging.Duration("poll_interval", t.interval),
		logging.String(logging.FieldErrorHint, "enable [gateway] to flush as soon as the server recovers"),
		logging.String(logging.FieldImpact, "queued work replays on the next poll"),
	)
	ticker := t.clock.NewTicker(t.interval)
	t.wg.Add(1)
	go t.poll(runCtx, ticker)
}

// Stop ends the trigger and waits for an in-progress flush.
func (t *Trigger) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

func (t *Trigger) listen(ctx context.Context) {
	defer t.wg.Done()
	messages := t.port.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Type != gateway.MessageSync || msg.Tag != Tag {
				continue
			}
			t.logger.Debug("sync message received", logging.String("tag", msg.Tag))
			t.Run(ctx)
		}
	}
}

func (t *Trigger) poll(ctx context.Context, ticker clockwork.Ticker) {
	defer t.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if t.gate != nil && !t.gate.Online() {
				continue
			}
			t.Run(ctx)
		}
	}
}

// Run flushes every target once, logging failures.
func (t *Trigger) Run(ctx context.Context) {
	for _, target := range t.targets {
		if target.Flush == nil {
			continue
		}
		if err := target.Flush(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logging.WarnWithContext(t.logger, "sync flush failed", "bgsync_flush_failed",
				logging.String("target", target.Name),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "the next sync or poll retries automatically"),
				logging.String(logging.FieldImpact, "queued work delayed"),
			)
		}
	}
}
