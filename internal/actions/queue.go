package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"carenote/internal/events"
	"carenote/internal/logging"
	"carenote/internal/notifications"
	"carenote/internal/services"
	"carenote/internal/store"
)

// ErrNotDiscardable reports an attempt to discard an action that is still pending.
var ErrNotDiscardable = errors.New("only abandoned or rejected actions can be discarded")

// Gate reports whether the server is believed reachable.
type Gate interface {
	Online() bool
}

// FlushResult summarizes one replay run.
type FlushResult struct {
	Skipped   bool          `json:"skipped"`
	Replayed  int           `json:"replayed"`
	Rejected  int           `json:"rejected"`
	Abandoned int           `json:"abandoned"`
	Remaining int           `json:"remaining"`
	StoppedBy string        `json:"stopped_by,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Queue is the durable action queue.
type Queue struct {
	store       *store.Store
	replayer    Replayer
	gate        Gate
	bus         *events.Bus
	notifier    notifications.Service
	logger      *slog.Logger
	clock       clockwork.Clock
	limiter     *rate.Limiter
	maxAttempts int
	observe     func(outcome string)

	lifetime context.Context
	flights  singleflight.Group
	runs     sync.WaitGroup
}

// Option customizes a Queue.
type Option func(*Queue)

// WithMaxAttempts sets the transient failure ceiling.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithReplayRate limits replay requests per second. Zero or less disables pacing.
func WithReplayRate(perSecond float64) Option {
	return func(q *Queue) {
		if perSecond <= 0 {
			q.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		q.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithNotifier sets the notification service for dead actions.
func WithNotifier(svc notifications.Service) Option {
	return func(q *Queue) {
		if svc != nil {
			q.notifier = svc
		}
	}
}

// WithReplayObserver registers a callback receiving each attempt's outcome
// (acknowledged, rejected, transient, unauthorized, abandoned).
func WithReplayObserver(fn func(outcome string)) Option {
	return func(q *Queue) {
		q.observe = fn
	}
}

// WithLifetime bounds shared flush runs by ctx instead of by their callers.
func WithLifetime(ctx context.Context) Option {
	return func(q *Queue) {
		q.lifetime = ctx
	}
}

// New builds a queue over st. gate may be nil, in which case flushes always run.
func New(st *store.Store, replayer Replayer, gate Gate, bus *events.Bus, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:       st,
		replayer:    replayer,
		gate:        gate,
		bus:         bus,
		notifier:    notifications.NewService(nil),
		logger:      logging.NewComponentLogger(logger, "actions"),
		clock:       clockwork.NewRealClock(),
		limiter:     rate.NewLimiter(5, 1),
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates and persists a draft. The action is durable when Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, draft Draft) (*store.Action, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	action := &store.Action{
		ID:        uuid.NewString(),
		Kind:      string(draft.Kind),
		Target:    draft.Target,
		Payload:   draft.Payload,
		CreatedAt: q.clock.Now().UTC(),
		Status:    store.ActionPending,
	}
	if err := q.store.InsertAction(ctx, action); err != nil {
		return nil, services.Wrap(services.ErrResource, "actions", "enqueue", string(draft.Kind), err)
	}
	q.logger.Info("action queued",
		logging.String(logging.FieldEventType, "action_queued"),
		logging.String(logging.FieldActionID, action.ID),
		logging.String(logging.FieldActionKind, action.Kind),
	)
	q.publishDepth(ctx)
	return action, nil
}

// Flush replays pending actions. Concurrent callers share one run and all
// receive its result. The run outlives a caller that gives up; it ends with
// the queue's lifetime.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	ch := q.flights.DoChan("flush", func() (any, error) {
		q.runs.Add(1)
		defer q.runs.Done()
		runCtx, cancel := services.Detach(ctx, q.lifetime)
		defer cancel()
		return q.flush(runCtx)
	})
	select {
	case res := <-ch:
		result, _ := res.Val.(FlushResult)
		return result, res.Err
	case <-ctx.Done():
		return FlushResult{}, ctx.Err()
	}
}

// Wait blocks until running flushes return. Call it once the lifetime has
// ended.
func (q *Queue) Wait() {
	q.runs.Wait()
}

func (q *Queue) flush(ctx context.Context) (FlushResult, error) {
	var result FlushResult
	if q.gate != nil && !q.gate.Online() {
		result.Skipped = true
		return result, nil
	}
	started := q.clock.Now()

	var flushErr error
	for {
		action, err := q.store.NextPendingAction(ctx)
		if err != nil {
			flushErr = err
			break
		}
		if action == nil {
			break
		}
		if err := q.limiter.Wait(ctx); err != nil {
			flushErr = err
			break
		}
		stop, err := q.replayOne(ctx, action, &result)
		if err != nil {
			flushErr = err
			break
		}
		if stop {
			result.StoppedBy = action.ID
			break
		}
	}

	result.Duration = q.clock.Since(started)
	if remaining, err := q.store.CountActions(ctx, store.ActionPending); err == nil {
		result.Remaining = remaining
	}
	q.publishDepth(ctx)

	if result.Replayed+result.Rejected+result.Abandoned > 0 {
		q.logger.Info("action flush finished",
			logging.String(logging.FieldEventType, "action_flush_finished"),
			logging.Int("replayed", result.Replayed),
			logging.Int("rejected", result.Rejected),
			logging.Int("abandoned", result.Abandoned),
			logging.Int("remaining", result.Remaining),
			logging.Duration("duration", result.Duration),
		)
		if err := q.notifier.NotifySyncCompleted(ctx, result.Replayed, result.Rejected+result.Abandoned, result.Duration); err != nil {
			q.logger.Debug("sync notification failed", logging.Error(err))
		}
	}
	return result, flushErr
}

// replayOne sends a single action and applies the outcome. It reports whether
// the flush must stop. A returned error is a local storage failure.
func (q *Queue) replayOne(ctx context.Context, action *store.Action, result *FlushResult) (bool, error) {
	attempts, err := q.store.IncrementActionAttempts(ctx, action.ID)
	if err != nil {
		return true, err
	}
	action.Attempts = attempts

	replayErr := q.replayer.Replay(ctx, action)
	if replayErr == nil {
		if _, err := q.store.DeleteAction(ctx, action.ID); err != nil {
			return true, err
		}
		result.Replayed++
		q.observeOutcome("acknowledged")
		q.logger.Debug("action acknowledged",
			logging.String(logging.FieldActionID, action.ID),
			logging.String(logging.FieldActionKind, action.Kind),
			logging.Int("attempts", attempts),
		)
		return false, nil
	}

	message := replayErr.Error()
	if services.IsUnauthorized(replayErr) {
		storeCtx := context.WithoutCancel(ctx)
		if err := q.store.ReleaseActionAttempt(storeCtx, action.ID); err != nil {
			return true, err
		}
		if err := q.store.RecordActionFailure(storeCtx, action.ID, store.ActionPending, message); err != nil {
			return true, err
		}
		q.observeOutcome("unauthorized")
		logging.WarnWithContext(q.logger, "server refused credentials; flush paused", "action_replay_unauthorized",
			logging.String(logging.FieldActionID, action.ID),
			logging.String(logging.FieldActionKind, action.Kind),
			logging.Error(replayErr),
			logging.String(logging.FieldErrorHint, "sign in again with 'carenote session login'"),
			logging.String(logging.FieldImpact, "queued actions wait until a session is restored"),
		)
		return true, nil
	}
	if services.IsPermanent(replayErr) {
		if err := q.store.RecordActionFailure(ctx, action.ID, store.ActionRejected, message); err != nil {
			return true, err
		}
		result.Rejected++
		q.observeOutcome("rejected")
		q.reportDead(ctx, action, store.ActionRejected, message)
		return false, nil
	}

	if errors.Is(replayErr, context.Canceled) && ctx.Err() != nil {
		if err := q.store.RecordActionFailure(context.WithoutCancel(ctx), action.ID, store.ActionPending, message); err != nil {
			return true, err
		}
		return true, ctx.Err()
	}

	if attempts >= q.maxAttempts {
		if err := q.store.RecordActionFailure(ctx, action.ID, store.ActionAbandoned, message); err != nil {
			return true, err
		}
		result.Abandoned++
		q.observeOutcome("abandoned")
		q.reportDead(ctx, action, store.ActionAbandoned, message)
		return true, nil
	}

	if err := q.store.RecordActionFailure(ctx, action.ID, store.ActionPending, message); err != nil {
		return true, err
	}
	q.observeOutcome("transient")
	q.logger.Warn("action replay failed; flush paused",
		logging.String(logging.FieldEventType, "action_replay_transient"),
		logging.String(logging.FieldActionID, action.ID),
		logging.String(logging.FieldActionKind, action.Kind),
		logging.Int("attempts", attempts),
		logging.Int("max_attempts", q.maxAttempts),
		logging.Error(replayErr),
		logging.String(logging.FieldErrorHint, "the action is retried on the next connectivity change or manual sync"),
		logging.String(logging.FieldImpact, "later actions wait behind this one"),
	)
	return true, nil
}

func (q *Queue) reportDead(ctx context.Context, action *store.Action, status store.ActionStatus, message string) {
	q.logger.Error("action left the replay queue",
		logging.String(logging.FieldEventType, "action_"+string(status)),
		logging.String(logging.FieldActionID, action.ID),
		logging.String(logging.FieldActionKind, action.Kind),
		logging.Int("attempts", action.Attempts),
		logging.String("reason", message),
		logging.String(logging.FieldErrorHint, "retry or discard it with 'carenote queue'"),
		logging.String(logging.FieldImpact, "change not saved on the server"),
		logging.Alert("action_failed"),
	)
	events.Publish(q.bus, events.TopicActionFailed, events.ActionFailed{
		ActionID: action.ID,
		Kind:     action.Kind,
		Status:   string(status),
		Attempts: action.Attempts,
		Error:    message,
	})
	if err := q.notifier.NotifyActionFailed(ctx, action.Kind, string(status), action.Attempts, message); err != nil {
		q.logger.Warn("action failure notification not delivered",
			logging.Error(err),
			logging.String(logging.FieldEventType, "notification_failed"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			logging.String(logging.FieldImpact, "failure visible only in the UI and logs"),
		)
	}
}

// Retry returns abandoned or rejected actions to pending with attempts reset.
// With no ids every dead action is retried.
func (q *Queue) Retry(ctx context.Context, ids ...string) (int64, error) {
	n, err := q.store.RetryActions(ctx, ids...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.publishDepth(ctx)
	}
	return n, nil
}

// Discard deletes an abandoned or rejected action at the user's request.
func (q *Queue) Discard(ctx context.Context, id string) error {
	removed, err := q.store.DiscardAction(ctx, id)
	if err != nil {
		return err
	}
	if removed {
		q.logger.Info("action discarded",
			logging.String(logging.FieldEventType, "action_discarded"),
			logging.String(logging.FieldActionID, id),
		)
		return nil
	}
	if _, err := q.store.GetAction(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("discard %s: %w", id, ErrNotDiscardable)
}

// List returns queued actions in replay order, optionally filtered by status.
func (q *Queue) List(ctx context.Context, statuses ...store.ActionStatus) ([]*store.Action, error) {
	return q.store.ListActions(ctx, statuses...)
}

// Depth returns the number of pending actions.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.CountActions(ctx, store.ActionPending)
}

func (q *Queue) publishDepth(ctx context.Context) {
	depth, err := q.Depth(ctx)
	if err != nil {
		q.logger.Debug("queue depth unavailable", logging.Error(err))
		return
	}
	events.Publish(q.bus, events.TopicQueueDepthChanged, events.QueueDepthChanged{Pending: depth})
}

func (q *Queue) observeOutcome(outcome string) {
	if q.observe != nil {
		q.observe(outcome)
	}
}
