package actions_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"carenote/internal/actions"
	"carenote/internal/events"
	"carenote/internal/logging"
	"carenote/internal/services"
	"carenote/internal/store"
	"carenote/internal/testsupport"
)

type staticGate struct{ online atomic.Bool }

func (g *staticGate) Online() bool { return g.online.Load() }

func onlineGate() *staticGate {
	g := &staticGate{}
	g.online.Store(true)
	return g
}

// scriptedReplayer answers each replay from a per-target script; an exhausted
// script acknowledges.
type scriptedReplayer struct {
	mu      sync.Mutex
	calls   []string
	scripts map[string][]error
}

func (r *scriptedReplayer) Replay(_ context.Context, action *store.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, action.Target)
	script := r.scripts[action.Target]
	if len(script) == 0 {
		return nil
	}
	err := script[0]
	r.scripts[action.Target] = script[1:]
	return err
}

func (r *scriptedReplayer) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newQueue(t *testing.T, replayer actions.Replayer, gate actions.Gate, bus *events.Bus, opts ...actions.Option) *actions.Queue {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	opts = append([]actions.Option{actions.WithReplayRate(0)}, opts...)
	return actions.New(st, replayer, gate, bus, logging.NewNop(), opts...)
}

func enqueueUpdate(t *testing.T, q *actions.Queue, target string) *store.Action {
	t.Helper()
	action, err := q.Enqueue(context.Background(), actions.Draft{
		Kind:    actions.KindUpdateEntry,
		Target:  target,
		Payload: json.RawMessage(`{"text":"` + target + `"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", target, err)
	}
	return action
}

func transient() error { return &services.HTTPError{StatusCode: http.StatusServiceUnavailable} }
func permanent() error { return &services.HTTPError{StatusCode: http.StatusUnprocessableEntity} }

func TestFlushReplaysInFIFOOrder(t *testing.T) {
	replayer := &scriptedReplayer{scripts: map[string][]error{}}
	q := newQueue(t, replayer, onlineGate(), events.NewBus())
	for _, target := range []string{"a", "b", "c"} {
		enqueueUpdate(t, q, target)
	}

	result, err := q.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Replayed != 3 || result.Remaining != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	calls := replayer.Calls()
	if len(calls) != 3 || calls[0] != "a" || calls[1] != "b" || calls[2] != "c" {
		t.Fatalf("expected FIFO replay, got %v", calls)
	}
	if depth, _ := q.Depth(context.Background()); depth != 0 {
		t.Fatalf("acknowledged actions must be deleted, depth=%d", depth)
	}
}

func TestPermanentFailureAttemptedOnceAndFlushContinues(t *testing.T) {
	replayer := &scriptedReplayer{scripts: map[string][]error{"bad": {permanent()}}}
	bus := events.NewBus()
	failures := testsupport.Record(t, bus, events.TopicActionFailed)
	q := newQueue(t, replayer, onlineGate(), bus)
	bad := enqueueUpdate(t, q, "bad")
	enqueueUpdate(t, q, "good")

	ctx := context.Background()
	result, err := q.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Rejected != 1 || result.Replayed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, err := q.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	calls := replayer.Calls()
	if len(calls) != 2 || calls[0] != "bad" || calls[1] != "good" {
		t.Fatalf("rejected action must be attempted exactly once, calls=%v", calls)
	}

	ev := failures.Next(t, time.Second)
	if ev.ActionID != bad.ID || ev.Status != string(store.ActionRejected) || ev.Attempts != 1 {
		t.Fatalf("unexpected action-failed event: %+v", ev)
	}
	rejected, err := q.List(ctx, store.ActionRejected)
	if err != nil || len(rejected) != 1 || rejected[0].LastError == "" {
		t.Fatalf("expected rejected action with reason, got %v (%v)", rejected, err)
	}
}

func TestTransientFailureStopsFlushUntilSuccess(t *testing.T) {
	replayer := &scriptedReplayer{scripts: map[string][]error{"flaky": {transient(), transient()}}}
	q := newQueue(t, replayer, onlineGate(), events.NewBus())
	enqueueUpdate(t, q, "flaky")
	enqueueUpdate(t, q, "later")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := q.Flush(ctx)
		if err != nil {
			t.Fatalf("Flush %d: %v", i, err)
		}
		if result.Replayed != 0 || result.Remaining != 2 || result.StoppedBy == "" {
			t.Fatalf("flush %d should stop at the failing action: %+v", i, result)
		}
	}
	result, err := q.Flush(ctx)
	if err != nil {
		t.Fatalf("final Flush: %v", err)
	}
	if result.Replayed != 2 {
		t.Fatalf("expected both actions replayed after recovery: %+v", result)
	}
	want := []string{"flaky", "flaky", "flaky", "later"}
	calls := replayer.Calls()
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestTransientFailureAbandonedAtCeiling(t *testing.T) {
	script := make([]error, 10)
	for i := range script {
		script[i] = transient()
	}
	replayer := &scriptedReplayer{scripts: map[string][]error{"down": script}}
	bus := events.NewBus()
	failures := testsupport.Record(t, bus, events.TopicActionFailed)
	q := newQueue(t, replayer, onlineGate(), bus, actions.WithMaxAttempts(3))
	action := enqueueUpdate(t, q, "down")
	ctx := context.Background()

	var last actions.FlushResult
	for i := 0; i < 3; i++ {
		var err error
		if last, err = q.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	if last.Abandoned != 1 {
		t.Fatalf("expected abandonment on the third attempt: %+v", last)
	}
	if _, err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush after abandonment: %v", err)
	}
	if n := len(replayer.Calls()); n != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", n)
	}
	ev := failures.Next(t, time.Second)
	if ev.ActionID != action.ID || ev.Status != string(store.ActionAbandoned) || ev.Attempts != 3 {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if n, err := q.Retry(ctx, action.ID); err != nil || n != 1 {
		t.Fatalf("Retry = %d, %v", n, err)
	}
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("retried action should be pending again, depth=%d", depth)
	}
}

func TestFlushSkippedWhenOffline(t *testing.T) {
	replayer := &scriptedReplayer{scripts: map[string][]error{}}
	gate := &staticGate{}
	q := newQueue(t, replayer, gate, events.NewBus())
	enqueueUpdate(t, q, "x")

	result, err := q.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !result.Skipped || len(replayer.Calls()) != 0 {
		t.Fatalf("expected skipped flush without requests: %+v", result)
	}
}

type blockingReplayer struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (r *blockingReplayer) Replay(context.Context, *store.Action) error {
	if r.calls.Add(1) == 1 {
		close(r.entered)
	}
	<-r.release
	return nil
}

func TestConcurrentFlushesCollapse(t *testing.T) {
	replayer := &blockingReplayer{entered: make(chan struct{}), release: make(chan struct{})}
	q := newQueue(t, replayer, onlineGate(), events.NewBus())
	enqueueUpdate(t, q, "only")

	ctx := context.Background()
	results := make(chan actions.FlushResult, 2)
	go func() {
		r, _ := q.Flush(ctx)
		results <- r
	}()
	<-replayer.entered
	go func() {
		r, _ := q.Flush(ctx)
		results <- r
	}()
	time.Sleep(50 * time.Millisecond)
	close(replayer.release)

	first, second := <-results, <-results
	if first.Replayed != 1 || second.Replayed != 1 {
		t.Fatalf("both callers should see the shared run: %+v %+v", first, second)
	}
	if n := replayer.calls.Load(); n != 1 {
		t.Fatalf("expected one replay, got %d", n)
	}
}

// cancellableReplayer blocks until released or until the replay context ends.
type cancellableReplayer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *cancellableReplayer) Replay(ctx context.Context, _ *store.Action) error {
	r.once.Do(func() { close(r.entered) })
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestAbandonedCallerDoesNotCancelSharedFlush(t *testing.T) {
	replayer := &cancellableReplayer{entered: make(chan struct{}), release: make(chan struct{})}
	q := newQueue(t, replayer, onlineGate(), events.NewBus())
	enqueueUpdate(t, q, "shared")

	callerCtx, cancelCaller := context.WithCancel(context.Background())
	defer cancelCaller()
	abandoned := make(chan error, 1)
	go func() {
		_, err := q.Flush(callerCtx)
		abandoned <- err
	}()
	<-replayer.entered

	joined := make(chan actions.FlushResult, 1)
	go func() {
		r, _ := q.Flush(context.Background())
		joined <- r
	}()
	time.Sleep(50 * time.Millisecond)

	cancelCaller()
	select {
	case err := <-abandoned:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("abandoned caller should see its own cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("abandoned caller did not return")
	}

	close(replayer.release)
	select {
	case r := <-joined:
		if r.Replayed != 1 || r.Remaining != 0 {
			t.Fatalf("shared run should finish for the remaining caller: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("joined caller did not receive the result")
	}
}

func TestLifetimeEndsSharedFlush(t *testing.T) {
	replayer := &cancellableReplayer{entered: make(chan struct{}), release: make(chan struct{})}
	lifetime, end := context.WithCancel(context.Background())
	defer end()
	q := newQueue(t, replayer, onlineGate(), events.NewBus(), actions.WithLifetime(lifetime))
	enqueueUpdate(t, q, "pending")

	done := make(chan error, 1)
	go func() {
		_, err := q.Flush(context.Background())
		done <- err
	}()
	<-replayer.entered
	end()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("flush should stop with the lifetime, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("flush outlived its lifetime")
	}
	q.Wait()
	if depth, err := q.Depth(context.Background()); err != nil || depth != 1 {
		t.Fatalf("interrupted action should stay pending: depth=%d err=%v", depth, err)
	}
}

func TestEnqueueValidatesDraft(t *testing.T) {
	q := newQueue(t, &scriptedReplayer{}, onlineGate(), events.NewBus())
	ctx := context.Background()
	cases := []actions.Draft{
		{Kind: "rename_entry", Payload: json.RawMessage(`{}`)},
		{Kind: actions.KindUpdateResident, Payload: json.RawMessage(`{}`)},
		{Kind: actions.KindCreateEntry, Target: "x", Payload: json.RawMessage(`{}`)},
		{Kind: actions.KindCreateEntry, Payload: json.RawMessage(`{not json`)},
		{Kind: actions.KindCreateEntry},
	}
	for _, draft := range cases {
		if _, err := q.Enqueue(ctx, draft); !errors.Is(err, actions.ErrInvalidAction) {
			t.Fatalf("draft %+v: expected ErrInvalidAction, got %v", draft, err)
		}
	}
	if _, err := q.Enqueue(ctx, actions.Draft{Kind: actions.KindDeleteEntry, Target: "e-1"}); err != nil {
		t.Fatalf("delete without payload should be accepted: %v", err)
	}
}

func TestEnqueuePublishesDepth(t *testing.T) {
	bus := events.NewBus()
	depth := testsupport.Record(t, bus, events.TopicQueueDepthChanged)
	q := newQueue(t, &scriptedReplayer{}, onlineGate(), bus)
	enqueueUpdate(t, q, "a")
	enqueueUpdate(t, q, "b")

	if got := depth.Next(t, time.Second).Pending; got != 1 {
		t.Fatalf("first depth = %d", got)
	}
	if got := depth.Next(t, time.Second).Pending; got != 2 {
		t.Fatalf("second depth = %d", got)
	}
}

func TestDiscardRequiresDeadAction(t *testing.T) {
	replayer := &scriptedReplayer{scripts: map[string][]error{"bad": {permanent()}}}
	q := newQueue(t, replayer, onlineGate(), events.NewBus())
	pending := enqueueUpdate(t, q, "bad")
	ctx := context.Background()

	if err := q.Discard(ctx, pending.ID); !errors.Is(err, actions.ErrNotDiscardable) {
		t.Fatalf("expected ErrNotDiscardable, got %v", err)
	}
	if _, err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := q.Discard(ctx, pending.ID); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if err := q.Discard(ctx, pending.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing action, got %v", err)
	}
}
