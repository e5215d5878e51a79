package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"carenote/internal/events"
	"carenote/internal/logging"
	"carenote/internal/session"
	"carenote/internal/testsupport"
)

type fakeAuth struct {
	mu      sync.Mutex
	token   string
	logouts atomic.Int32
	err     error
}

func (a *fakeAuth) Logout(context.Context) error {
	a.logouts.Add(1)
	return a.err
}

func (a *fakeAuth) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

func (a *fakeAuth) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, n int) error
}

type fixture struct {
	clock     fakeClock
	auth      *fakeAuth
	guard     *session.Guard
	warnings  *testsupport.Recorder[events.SessionWarning]
	logouts   *testsupport.Recorder[events.SessionLogout]
	autosaves *testsupport.Recorder[events.AutosaveTriggered]
	saves     *atomic.Int32
	start     time.Time
}

func newFixture(t *testing.T, warning time.Duration) fixture {
	t.Helper()
	return newFixtureWithSave(t, warning, nil)
}

// newFixtureWithSave counts every save and then delegates to save when set.
func newFixtureWithSave(t *testing.T, warning time.Duration, save session.SaveFunc) fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	bus := events.NewBus()
	auth := &fakeAuth{token: "secret", err: errors.New("connection refused")}
	saves := &atomic.Int32{}
	fx := fixture{
		clock:     clock,
		auth:      auth,
		warnings:  testsupport.Record(t, bus, events.TopicSessionWarning),
		logouts:   testsupport.Record(t, bus, events.TopicSessionLogout),
		autosaves: testsupport.Record(t, bus, events.TopicAutosaveTriggered),
		saves:     saves,
		start:     clock.Now(),
	}
	fx.guard = session.New(auth, bus, logging.NewNop(), session.Options{
		Timeout:          20 * time.Minute,
		Warning:          warning,
		AutosaveInterval: 2 * time.Minute,
		Clock:            clock,
		Save: func(ctx context.Context) error {
			saves.Add(1)
			if save != nil {
				return save(ctx)
			}
			return nil
		},
	})
	fx.guard.Start(context.Background())
	t.Cleanup(fx.guard.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 2); err != nil {
		t.Fatalf("timers not armed: %v", err)
	}
	return fx
}

// advanceMinutes steps the clock one minute at a time, waiting for the
// autosave published on every even minute.
func (fx fixture) advanceMinutes(t *testing.T, from, to int) {
	t.Helper()
	for minute := from + 1; minute <= to; minute++ {
		fx.clock.Advance(time.Minute)
		if minute%2 == 0 {
			ev := fx.autosaves.Next(t, time.Second)
			if want := fx.start.Add(time.Duration(minute) * time.Minute); !ev.At.Equal(want) {
				t.Fatalf("autosave at %s, want %s", ev.At.Sub(fx.start), want.Sub(fx.start))
			}
		}
	}
}

func TestWarningAtEighteenMinutesAndLogoutAtTwenty(t *testing.T) {
	fx := newFixture(t, 2*time.Minute)

	fx.advanceMinutes(t, 0, 17)
	if got := fx.warnings.Drain(); len(got) != 0 {
		t.Fatalf("no warning expected before minute 18, got %v", got)
	}
	fx.advanceMinutes(t, 17, 18)
	first := fx.warnings.Next(t, time.Second)
	if first.SecondsLeft != 120 {
		t.Fatalf("warning should start at 120 seconds, got %d", first.SecondsLeft)
	}

	for left := 119; left >= 1; left-- {
		fx.clock.Advance(time.Second)
		ev := fx.warnings.Next(t, time.Second)
		if ev.SecondsLeft != left {
			t.Fatalf("countdown = %d, want %d", ev.SecondsLeft, left)
		}
	}
	if got := fx.logouts.Drain(); len(got) != 0 {
		t.Fatalf("logout before minute 20: %v", got)
	}

	fx.clock.Advance(time.Second)
	ev := fx.logouts.Next(t, time.Second)
	if ev.Reason != session.ReasonInactivity {
		t.Fatalf("unexpected logout reason %q", ev.Reason)
	}
	if fx.clock.Since(fx.start) != 20*time.Minute {
		t.Fatalf("logout at %s, want 20m", fx.clock.Since(fx.start))
	}
	if fx.auth.logouts.Load() != 1 {
		t.Fatalf("server logout calls = %d", fx.auth.logouts.Load())
	}
	if fx.auth.Token() != "" {
		t.Fatal("token must be cleared even when server logout fails")
	}

	deadline := time.Now().Add(time.Second)
	for fx.guard.Active() {
		if time.Now().After(deadline) {
			t.Fatal("guard still active after logout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAutosaveContinuesDuringCountdown(t *testing.T) {
	fx := newFixture(t, 5*time.Minute)

	fx.advanceMinutes(t, 0, 15)
	if ev := fx.warnings.Next(t, time.Second); ev.SecondsLeft != 300 {
		t.Fatalf("warning should start at 300 seconds, got %d", ev.SecondsLeft)
	}
	savesBefore := fx.saves.Load()

	// 15:00 -> 18:00, autosaves due at 16:00 and 18:00.
	for left := 299; left >= 120; left-- {
		fx.clock.Advance(time.Second)
		ev := fx.warnings.Next(t, time.Second)
		if ev.SecondsLeft != left {
			t.Fatalf("countdown = %d, want %d; autosave must not reset it", ev.SecondsLeft, left)
		}
	}
	saved := fx.autosaves.Drain()
	if len(saved) < 2 {
		saved = append(saved, fx.autosaves.Next(t, time.Second))
	}
	var during []time.Duration
	for _, ev := range saved {
		during = append(during, ev.At.Sub(fx.start))
	}
	if len(during) != 2 || during[0] != 16*time.Minute || during[1] != 18*time.Minute {
		t.Fatalf("autosaves during countdown at %v, want [16m 18m]", during)
	}
	if fx.saves.Load()-savesBefore != 2 {
		t.Fatalf("save callback calls during countdown = %d", fx.saves.Load()-savesBefore)
	}
}

func TestTouchCancelsCountdown(t *testing.T) {
	fx := newFixture(t, 2*time.Minute)

	fx.advanceMinutes(t, 0, 18)
	if ev := fx.warnings.Next(t, time.Second); ev.SecondsLeft != 120 {
		t.Fatalf("unexpected warning %+v", ev)
	}
	if fx.guard.Touch("wheel") {
		t.Fatal("unknown activity kinds are ignored")
	}
	if !fx.guard.Touch(session.ActivityKey) {
		t.Fatal("key activity should be accepted")
	}
	if !fx.guard.LastActivity().Equal(fx.start.Add(18 * time.Minute)) {
		t.Fatalf("last activity = %s", fx.guard.LastActivity())
	}

	fx.clock.Advance(2 * time.Minute)
	if ev := fx.autosaves.Next(t, time.Second); !ev.At.Equal(fx.start.Add(20 * time.Minute)) {
		t.Fatalf("autosave timer must keep its schedule, got %s", ev.At.Sub(fx.start))
	}
	if got := fx.logouts.Drain(); len(got) != 0 {
		t.Fatalf("touch should prevent logout, got %v", got)
	}
	if got := fx.warnings.Drain(); len(got) != 0 {
		t.Fatalf("countdown should be cancelled, got %v", got)
	}

	// A fresh 18 minutes of inactivity warns again.
	fx.clock.Advance(16 * time.Minute)
	if ev := fx.warnings.Next(t, time.Second); ev.SecondsLeft != 120 {
		t.Fatalf("expected a new warning, got %+v", ev)
	}
}

func TestUserLogoutStopsTimers(t *testing.T) {
	fx := newFixture(t, 2*time.Minute)
	fx.auth.err = nil

	fx.guard.Logout(context.Background())
	if ev := fx.logouts.Next(t, time.Second); ev.Reason != session.ReasonUser {
		t.Fatalf("unexpected reason %q", ev.Reason)
	}
	if fx.guard.Active() {
		t.Fatal("guard should stop after logout")
	}
	fx.clock.Advance(30 * time.Minute)
	if got := fx.autosaves.Drain(); len(got) != 0 {
		t.Fatalf("no autosave after logout, got %d", len(got))
	}
	if fx.guard.Touch(session.ActivityPointer) {
		t.Fatal("touch after logout should be ignored")
	}
}

// blockingSave returns a save callback that signals on started and then waits
// for its context to end.
func blockingSave(started chan<- struct{}) session.SaveFunc {
	return func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestSlowAutosaveDoesNotDelayLogout(t *testing.T) {
	started := make(chan struct{}, 1)
	fx := newFixtureWithSave(t, 2*time.Minute, blockingSave(started))

	fx.clock.Advance(2 * time.Minute)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("autosave did not start")
	}

	// Ticks at 4..18 minutes arrive while the first save is still running.
	for minute := 3; minute <= 18; minute++ {
		fx.clock.Advance(time.Minute)
	}
	if ev := fx.warnings.Next(t, time.Second); ev.SecondsLeft != 120 {
		t.Fatalf("warning should start at 120 seconds, got %d", ev.SecondsLeft)
	}
	for left := 119; left >= 1; left-- {
		fx.clock.Advance(time.Second)
		if ev := fx.warnings.Next(t, time.Second); ev.SecondsLeft != left {
			t.Fatalf("countdown = %d, want %d", ev.SecondsLeft, left)
		}
	}
	fx.clock.Advance(time.Second)
	if ev := fx.logouts.Next(t, time.Second); ev.Reason != session.ReasonInactivity {
		t.Fatalf("unexpected logout reason %q", ev.Reason)
	}
	if fx.clock.Since(fx.start) != 20*time.Minute {
		t.Fatalf("logout at %s, want 20m", fx.clock.Since(fx.start))
	}
	if got := fx.saves.Load(); got != 1 {
		t.Fatalf("overlapping saves started: %d", got)
	}
}

func TestTouchDoesNotWaitForAutosave(t *testing.T) {
	started := make(chan struct{}, 1)
	fx := newFixtureWithSave(t, 2*time.Minute, blockingSave(started))

	fx.clock.Advance(2 * time.Minute)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("autosave did not start")
	}

	done := make(chan bool, 1)
	go func() { done <- fx.guard.Touch(session.ActivityPointer) }()
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("touch should be accepted while a save runs")
		}
	case <-time.After(time.Second):
		t.Fatal("touch blocked behind a running autosave")
	}
}
