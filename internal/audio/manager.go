package audio

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"

	"carenote/internal/aiclient"
	"carenote/internal/events"
	"carenote/internal/logging"
	"carenote/internal/notifications"
	"carenote/internal/services"
	"carenote/internal/store"
)

// Gate reports whether the server is believed reachable.
type Gate interface {
	Online() bool
}

// Recording is a finished capture handed over for deferred processing.
type Recording struct {
	ID       string
	EntryID  string
	MimeType string
	Duration time.Duration
	Data     []byte
}

// Status summarizes the offline audio queue.
type Status struct {
	Pending      int  `json:"pending"`
	Failed       int  `json:"failed"`
	Total        int  `json:"total"`
	IsProcessing bool `json:"is_processing"`
}

// FlushResult summarizes one flush run.
type FlushResult struct {
	Skipped   bool   `json:"skipped"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Deferred  string `json:"deferred,omitempty"`
}

// Manager owns the offline audio queue.
type Manager struct {
	store     *store.Store
	blobs     *BlobStore
	submitter aiclient.Submitter
	gate      Gate
	bus       *events.Bus
	notifier  notifications.Service
	logger    *slog.Logger
	clock     clockwork.Clock
	language  language.Tag

	lifetime   context.Context
	flights    singleflight.Group
	runs       sync.WaitGroup
	processing atomic.Bool

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLifetime bounds shared flush runs by ctx instead of by their callers.
func WithLifetime(ctx context.Context) Option {
	return func(m *Manager) {
		m.lifetime = ctx
	}
}

// WithNotifier sets the notification service for failed artifacts.
func WithNotifier(svc notifications.Service) Option {
	return func(m *Manager) {
		if svc != nil {
			m.notifier = svc
		}
	}
}

// WithTargetLanguage sets the translation target sent with every upload.
func WithTargetLanguage(tag language.Tag) Option {
	return func(m *Manager) {
		m.language = tag
	}
}

// WithClock overrides the clock used for artifact timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager wires a manager. gate may be nil, in which case flushes always run.
func NewManager(st *store.Store, blobs *BlobStore, submitter aiclient.Submitter, gate Gate, bus *events.Bus, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		blobs:     blobs,
		submitter: submitter,
		gate:      gate,
		bus:       bus,
		notifier:  notifications.NewService(nil),
		logger:    logging.NewComponentLogger(logger, "audio"),
		clock:     clockwork.NewRealClock(),
		inFlight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue stores the recording and queues it for processing.
func (m *Manager) Enqueue(ctx context.Context, rec Recording) (*store.Artifact, error) {
	if strings.TrimSpace(rec.EntryID) == "" {
		return nil, services.Wrap(services.ErrPermanent, "audio", "enqueue", "entry id is required", nil)
	}
	if len(rec.Data) == 0 {
		return nil, services.Wrap(services.ErrPermanent, "audio", "enqueue", "recording is empty", nil)
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	path, err := m.blobs.Write(id, aiclient.FileExtension(rec.MimeType), rec.Data)
	if err != nil {
		return nil, err
	}
	artifact := &store.Artifact{
		ID:        id,
		EntryID:   rec.EntryID,
		MimeType:  rec.MimeType,
		Duration:  rec.Duration,
		SizeBytes: int64(len(rec.Data)),
		BlobPath:  path,
		Status:    store.ArtifactPending,
		CreatedAt: m.clock.Now().UTC(),
	}
	if err := m.store.InsertArtifact(ctx, artifact); err != nil {
		_ = m.blobs.Remove(path)
		return nil, services.Wrap(services.ErrResource, "audio", "enqueue", id, err)
	}
	m.logger.Info("recording queued for processing",
		logging.String(logging.FieldEventType, "audio_queued"),
		logging.String(logging.FieldArtifactID, id),
		logging.String(logging.FieldEntryID, rec.EntryID),
		logging.Int64("size_bytes", artifact.SizeBytes),
		logging.Duration("duration", rec.Duration),
	)
	return artifact, nil
}

// Status reports queue counts.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	summary, err := m.store.ArtifactStats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Pending:      summary.Pending,
		Failed:       summary.Failed,
		Total:        summary.Total,
		IsProcessing: m.processing.Load(),
	}, nil
}

// List returns artifacts oldest first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, statuses ...store.ArtifactStatus) ([]*store.Artifact, error) {
	return m.store.ListArtifacts(ctx, statuses...)
}

// Retry moves failed artifacts back to pending. With no ids every failed
// artifact is retried.
func (m *Manager) Retry(ctx context.Context, ids ...string) (int64, error) {
	return m.store.RetryArtifacts(ctx, ids...)
}

// Recover returns artifacts that were uploading or processing when the agent
// stopped to pending. Call once at startup before the first Flush.
func (m *Manager) Recover(ctx context.Context) (int64, error) {
	n, err := m.store.ResetInFlightArtifacts(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("recovered interrupted artifacts",
			logging.String(logging.FieldEventType, "audio_recovered"),
			logging.Int64("count", n),
		)
	}
	return n, nil
}

// Flush submits pending artifacts. Concurrent callers share one run, which
// keeps going when a caller gives up and ends with the manager's lifetime.
func (m *Manager) Flush(ctx context.Context) (FlushResult, error) {
	ch := m.flights.DoChan("flush", func() (any, error) {
		m.runs.Add(1)
		defer m.runs.Done()
		runCtx, cancel := services.Detach(ctx, m.lifetime)
		defer cancel()
		return m.flush(runCtx)
	})
	select {
	case res := <-ch:
		result, _ := res.Val.(FlushResult)
		return result, res.Err
	case <-ctx.Done():
		return FlushResult{}, ctx.Err()
	}
}

// Wait blocks until running flushes return.
func (m *Manager) Wait() {
	m.runs.Wait()
}

func (m *Manager) flush(ctx context.Context) (FlushResult, error) {
	var result FlushResult
	if m.gate != nil && !m.gate.Online() {
		result.Skipped = true
		return result, nil
	}
	m.processing.Store(true)
	defer m.processing.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		artifact, err := m.store.NextPendingArtifact(ctx, m.inFlightIDs()...)
		if err != nil {
			return result, err
		}
		if artifact == nil {
			return result, nil
		}
		if !m.claim(artifact.ID) {
			continue
		}
		outcome, err := m.process(ctx, artifact)
		m.release(artifact.ID)
		if err != nil {
			return result, err
		}
		switch outcome {
		case outcomeDone:
			result.Processed++
		case outcomeFailed:
			result.Failed++
		case outcomeDeferred:
			result.Deferred = artifact.ID
			return result, nil
		}
	}
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeFailed
	outcomeDeferred
	outcomeSkipped
)

// process submits one claimed artifact. A returned error is a local storage
// failure; submission failures are folded into the outcome.
func (m *Manager) process(ctx context.Context, artifact *store.Artifact) (outcome, error) {
	if err := m.store.TransitionArtifact(ctx, artifact.ID, store.ArtifactPending, store.ArtifactUploading, ""); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return outcomeSkipped, nil
		}
		return outcomeDeferred, err
	}
	current := store.ArtifactUploading

	submitErr := m.submit(ctx, artifact, func(report aiclient.Report) {
		if report.Stage != aiclient.StageAccepted || current != store.ArtifactUploading {
			return
		}
		if err := m.store.TransitionArtifact(ctx, artifact.ID, store.ArtifactUploading, store.ArtifactProcessing, ""); err == nil {
			current = store.ArtifactProcessing
		}
	})

	switch {
	case submitErr == nil:
		return outcomeDone, m.complete(ctx, artifact, current)
	case services.IsPermanent(submitErr):
		return outcomeFailed, m.fail(ctx, artifact, current, submitErr)
	default:
		storeCtx := context.WithoutCancel(ctx)
		if err := m.store.TransitionArtifact(storeCtx, artifact.ID, current, store.ArtifactPending, submitErr.Error()); err != nil {
			return outcomeDeferred, err
		}
		m.logger.Warn("artifact submission deferred",
			logging.String(logging.FieldEventType, "audio_deferred"),
			logging.String(logging.FieldArtifactID, artifact.ID),
			logging.String("stage", string(current)),
			logging.Error(submitErr),
			logging.String(logging.FieldErrorHint, "retried on the next connectivity change or manual sync"),
			logging.String(logging.FieldImpact, "transcript delayed"),
		)
		return outcomeDeferred, nil
	}
}

func (m *Manager) submit(ctx context.Context, artifact *store.Artifact, onReport func(aiclient.Report)) error {
	blob, err := m.blobs.Open(artifact.BlobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return services.Wrap(services.ErrPermanent, "audio", "open blob", "recording file missing", err)
		}
		return services.Wrap(services.ErrResource, "audio", "open blob", artifact.BlobPath, err)
	}
	defer blob.Close()

	return m.submitter.Submit(ctx, aiclient.Upload{
		ArtifactID:     artifact.ID,
		EntryID:        artifact.EntryID,
		MimeType:       artifact.MimeType,
		Duration:       artifact.Duration,
		TargetLanguage: m.language,
		Audio:          blob,
	}, onReport)
}

func (m *Manager) complete(ctx context.Context, artifact *store.Artifact, current store.ArtifactStatus) error {
	if err := m.store.TransitionArtifact(ctx, artifact.ID, current, store.ArtifactDone, ""); err != nil {
		return err
	}
	if err := m.blobs.Remove(artifact.BlobPath); err != nil {
		m.logger.Warn("processed recording not removed",
			logging.String(logging.FieldArtifactID, artifact.ID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "audio_blob_remove_failed"),
			logging.String(logging.FieldErrorHint, "delete the file manually"),
			logging.String(logging.FieldImpact, "disk space not reclaimed"),
		)
	} else if err := m.store.ClearArtifactBlob(ctx, artifact.ID); err != nil {
		return err
	}
	m.logger.Info("recording processed",
		logging.String(logging.FieldEventType, "audio_processed"),
		logging.String(logging.FieldArtifactID, artifact.ID),
		logging.String(logging.FieldEntryID, artifact.EntryID),
	)
	events.Publish(m.bus, events.TopicAudioProcessed, events.AudioProcessed{
		ArtifactID: artifact.ID,
		EntryID:    artifact.EntryID,
	})
	return nil
}

func (m *Manager) fail(ctx context.Context, artifact *store.Artifact, current store.ArtifactStatus, cause error) error {
	reason := cause.Error()
	if err := m.store.TransitionArtifact(ctx, artifact.ID, current, store.ArtifactError, reason); err != nil {
		return err
	}
	m.logger.Error("recording processing failed",
		logging.String(logging.FieldEventType, "audio_failed"),
		logging.String(logging.FieldArtifactID, artifact.ID),
		logging.String(logging.FieldEntryID, artifact.EntryID),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "retry with 'carenote audio retry' once the cause is fixed"),
		logging.String(logging.FieldImpact, "no transcript for this voice note"),
		logging.Alert("audio_failed"),
	)
	events.Publish(m.bus, events.TopicAudioFailed, events.AudioFailed{
		ArtifactID: artifact.ID,
		EntryID:    artifact.EntryID,
		Error:      reason,
	})
	if err := m.notifier.NotifyAudioFailed(ctx, artifact.EntryID, reason); err != nil {
		m.logger.Warn("audio failure notification not delivered",
			logging.Error(err),
			logging.String(logging.FieldEventType, "notification_failed"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			logging.String(logging.FieldImpact, "failure visible only in the UI and logs"),
		)
	}
	return nil
}

func (m *Manager) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[id]; busy {
		return false
	}
	m.inFlight[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.inFlight, id)
	m.mu.Unlock()
}

// InFlight reports whether an artifact is currently being submitted.
func (m *Manager) InFlight(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.inFlight[id]
	return busy
}

func (m *Manager) inFlightIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.inFlight))
	for id := range m.inFlight {
		ids = append(ids, id)
	}
	return ids
}
