// Package session enforces the inactivity timeout and the periodic autosave
// for the signed-in caregiver.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"carenote/internal/events"
	"carenote/internal/logging"
)

// Activity kinds accepted by Touch.
const (
	ActivityPointer = "pointer"
	ActivityKey     = "key"
	ActivityScroll  = "scroll"
	ActivityTouch   = "touch"
)

// Logout reasons.
const (
	ReasonInactivity = "inactivity"
	ReasonUser       = "user"
)

const logoutTimeout = 10 * time.Second

// Authenticator ends the server-side session.
type Authenticator interface {
	Logout(ctx context.Context) error
	SetToken(token string)
}

// SaveFunc persists the caregiver's unsaved work.
type SaveFunc func(ctx context.Context) error

// Options configures a Guard.
type Options struct {
	Timeout          time.Duration
	Warning          time.Duration
	AutosaveInterval time.Duration
	Save             SaveFunc
	Clock            clockwork.Clock
}

type touchRequest struct {
	at   time.Time
	done chan struct{}
}

// Guard owns the session clock.
type Guard struct {
	auth   Authenticator
	bus    *events.Bus
	logger *slog.Logger
	opts   Options
	clock  clockwork.Clock

	touches chan touchRequest

	mu           sync.Mutex
	cancel       context.CancelFunc
	stopped      chan struct{}
	lastActivity time.Time
	active       bool
}

// New builds a guard. Zero durations take the defaults (20 min timeout,
// 2 min warning, 2 min autosave).
func New(auth Authenticator, bus *events.Bus, logger *slog.Logger, opts Options) *Guard {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Minute
	}
	if opts.Warning <= 0 || opts.Warning >= opts.Timeout {
		opts.Warning = 2 * time.Minute
	}
	if opts.AutosaveInterval <= 0 {
		opts.AutosaveInterval = 2 * time.Minute
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Guard{
		auth:    auth,
		bus:     bus,
		logger:  logging.NewComponentLogger(logger, "session"),
		opts:    opts,
		clock:   clock,
		touches: make(chan touchRequest),
	}
}

// Active reports whether a session is being guarded.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// LastActivity returns the time of the most recent Touch (or Start).
func (g *Guard) LastActivity() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastActivity
}

// Start begins guarding a session. Timers are armed before Start returns.
func (g *Guard) Start(ctx context.Context) {
	g.mu.Lock()
	if g.active {
		g.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.stopped = make(chan struct{})
	g.active = true
	g.lastActivity = g.clock.Now()
	stopped := g.stopped
	g.mu.Unlock()

	idle := g.clock.NewTimer(g.opts.Timeout - g.opts.Warning)
	autosave := g.clock.NewTicker(g.opts.AutosaveInterval)
	go g.run(runCtx, idle, autosave, stopped)
}

// Stop clears every timer without logging out.
func (g *Guard) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	stopped := g.stopped
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Touch records user activity. It resets the inactivity timer and cancels a
// running countdown; unknown kinds are ignored and report false.
func (g *Guard) Touch(kind string) bool {
	switch kind {
	case ActivityPointer, ActivityKey, ActivityScroll, ActivityTouch:
	default:
		return false
	}
	g.mu.Lock()
	stopped := g.stopped
	active := g.active
	g.mu.Unlock()
	if !active {
		return false
	}
	req := touchRequest{at: g.clock.Now(), done: make(chan struct{})}
	select {
	case g.touches <- req:
	case <-stopped:
		return false
	}
	select {
	case <-req.done:
	case <-stopped:
	}
	return true
}

// Logout ends the session on behalf of the user.
func (g *Guard) Logout(ctx context.Context) {
	g.Stop()
	g.endSession(ctx, ReasonUser)
}

func (g *Guard) run(ctx context.Context, idle clockwork.Timer, autosave clockwork.Ticker, stopped chan struct{}) {
	var (
		countdown  clockwork.Ticker
		countdownC <-chan time.Time
		deadline   time.Time
		saves      sync.WaitGroup
	)
	saving := make(chan struct{}, 1)
	defer func() {
		idle.Stop()
		autosave.Stop()
		if countdown != nil {
			countdown.Stop()
		}
		g.mu.Lock()
		if g.cancel != nil {
			g.cancel()
		}
		g.active = false
		g.cancel = nil
		g.mu.Unlock()
		saves.Wait()
		close(stopped)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-g.touches:
			g.mu.Lock()
			g.lastActivity = req.at
			g.mu.Unlock()
			if countdown != nil {
				countdown.Stop()
				countdown, countdownC = nil, nil
				g.logger.Debug("activity cancelled logout countdown")
			}
			idle.Reset(g.opts.Timeout - g.opts.Warning)
			close(req.done)

		case <-idle.Chan():
			deadline = g.clock.Now().Add(g.opts.Warning)
			secondsLeft := secondsUntil(deadline, g.clock.Now())
			countdown = g.clock.NewTicker(time.Second)
			countdownC = countdown.Chan()
			g.logger.Info("session expiring soon",
				logging.String(logging.FieldEventType, "session_warning"),
				logging.Int("seconds_left", secondsLeft),
			)
			events.Publish(g.bus, events.TopicSessionWarning, events.SessionWarning{SecondsLeft: secondsLeft})

		case <-countdownC:
			if secondsLeft := secondsUntil(deadline, g.clock.Now()); secondsLeft > 0 {
				events.Publish(g.bus, events.TopicSessionWarning, events.SessionWarning{SecondsLeft: secondsLeft})
				continue
			}
			g.endSession(context.WithoutCancel(ctx), ReasonInactivity)
			return

		case <-autosave.Chan():
			select {
			case saving <- struct{}{}:
			default:
				g.logger.Debug("previous autosave still running; tick skipped")
				continue
			}
			at := g.clock.Now()
			saves.Add(1)
			go func() {
				defer saves.Done()
				defer func() { <-saving }()
				g.autosave(ctx, at)
			}()
		}
	}
}

// secondsUntil rounds the remaining time up to whole seconds.
func secondsUntil(deadline, now time.Time) int {
	left := deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

func (g *Guard) autosave(ctx context.Context, at time.Time) {
	if g.opts.Save != nil {
		if err := g.opts.Save(ctx); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(g.logger, "autosave failed", "session_autosave_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "the next autosave retries"),
				logging.String(logging.FieldImpact, "unsaved changes at risk until the next save"),
			)
		}
	}
	events.Publish(g.bus, events.TopicAutosaveTriggered, events.AutosaveTriggered{At: at})
}

// endSession logs out upstream and always ends the local session, even when
// the server cannot be reached.
func (g *Guard) endSession(ctx context.Context, reason string) {
	if g.auth != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
		err := g.auth.Logout(logoutCtx)
		cancel()
		if err != nil {
			logging.WarnWithContext(g.logger, "server logout failed; ending local session anyway", "session_logout_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "the server session expires on its own"),
				logging.String(logging.FieldImpact, "local session cleared"),
			)
		}
		g.auth.SetToken("")
	}
	g.logger.Info("session ended",
		logging.String(logging.FieldEventType, "session_logout"),
		logging.String("reason", reason),
	)
	events.Publish(g.bus, events.TopicSessionLogout, events.SessionLogout{Reason: reason})
}
