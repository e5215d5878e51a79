package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/text/language"

	"carenote/internal/aiclient"
	"carenote/internal/audio"
	"carenote/internal/events"
	"carenote/internal/logging"
	"carenote/internal/services"
	"carenote/internal/store"
)

// Connectivity is the slice of the network monitor the pipeline needs.
type Connectivity interface {
	Online() bool
	ProbeNow(ctx context.Context) bool
}

// Offloader accepts recordings that could not be processed immediately.
type Offloader interface {
	Enqueue(ctx context.Context, rec audio.Recording) (*store.Artifact, error)
}

// Limits bounds a single recording.
type Limits struct {
	MaxDuration   time.Duration
	MaxBytes      int64
	MimeType      string
	Language      language.Tag
	UploadTimeout time.Duration
}

// Outcome describes how a capture ended.
type Outcome struct {
	State      State         `json:"state"`
	EntryID    string        `json:"entry_id"`
	ArtifactID string        `json:"artifact_id,omitempty"`
	Duration   time.Duration `json:"duration"`
	Bytes      int64         `json:"bytes"`
	AutoStop   bool          `json:"auto_stop"`
	Message    string        `json:"message,omitempty"`
}

// Snapshot is the pipeline's current state.
type Snapshot struct {
	State   State         `json:"state"`
	EntryID string        `json:"entry_id,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	Bytes   int64         `json:"bytes"`
	Message string        `json:"message,omitempty"`
}

type stopReason int

const (
	reasonStop stopReason = iota
	reasonCancel
	reasonAutoStop
	reasonOverflow
	reasonStreamEnded
	reasonShutdown
)

// recording is the state owned by one active capture.
type recording struct {
	entryID  string
	stream   Stream
	started  time.Time
	requests chan stopReason
	readDone chan struct{}
	stopped  chan struct{}

	mu       sync.Mutex
	chunks   [][]byte
	size     int64
	readErr  error
	overflow bool
}

func (r *recording) append(chunk []byte, max int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size += int64(len(chunk))
	if r.size > max {
		r.overflow = true
		return false
	}
	r.chunks = append(r.chunks, chunk)
	return true
}

func (r *recording) bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *recording) drop() {
	r.mu.Lock()
	r.chunks = nil
	r.size = 0
	r.mu.Unlock()
}

// Pipeline records and processes one voice note at a time.
type Pipeline struct {
	mic       Microphone
	device    *Device
	submitter aiclient.Submitter
	offline   Offloader
	network   Connectivity
	bus       *events.Bus
	logger    *slog.Logger
	clock     clockwork.Clock
	limits    Limits

	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	state   State
	entryID string
	message string
	active  *recording
	settled chan struct{}
	outcome Outcome
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the clock driving the duration cap.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New builds an idle pipeline.
func New(mic Microphone, device *Device, submitter aiclient.Submitter, offline Offloader, network Connectivity, bus *events.Bus, logger *slog.Logger, limits Limits, opts ...Option) *Pipeline {
	if limits.MaxDuration <= 0 {
		limits.MaxDuration = 60 * time.Second
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = 20 * 1024 * 1024
	}
	if limits.MimeType == "" {
		limits.MimeType = "audio/wav"
	}
	if device == nil {
		device = NewDevice()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		mic:       mic,
		device:    device,
		submitter: submitter,
		offline:   offline,
		network:   network,
		bus:       bus,
		logger:    logging.NewComponentLogger(logger, "capture"),
		clock:     clockwork.NewRealClock(),
		limits:    limits,
		baseCtx:   ctx,
		stopAll:   cancel,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Snapshot returns the current state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{State: p.state, EntryID: p.entryID, Message: p.message}
	if p.active != nil {
		snap.Elapsed = p.clock.Since(p.active.started)
		snap.Bytes = p.active.bytes()
	}
	return snap
}

// transition moves the pipeline to next and publishes the change. The caller
// must hold p.mu; the event is published by the returned function after the
// lock is released.
func (p *Pipeline) transitionLocked(next State, message string) (func(), error) {
	from := p.state
	if err := checkTransition(from, next); err != nil {
		return nil, err
	}
	p.state = next
	p.message = message
	entryID := p.entryID
	return func() {
		p.logger.Debug("capture state changed",
			logging.String(logging.FieldEntryID, entryID),
			logging.String("from", string(from)),
			logging.String("to", string(next)),
		)
		events.Publish(p.bus, events.TopicCaptureStateChanged, events.CaptureStateChanged{
			EntryID: entryID,
			From:    string(from),
			To:      string(next),
			Message: message,
		})
	}, nil
}

func (p *Pipeline) transition(next State, message string) error {
	p.mu.Lock()
	publish, err := p.transitionLocked(next, message)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	publish()
	return nil
}

// Start begins recording for entryID.
func (p *Pipeline) Start(ctx context.Context, entryID string) error {
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return services.Wrap(services.ErrPermanent, "capture", "start", "entry id is required", nil)
	}

	p.mu.Lock()
	if p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: capture is %s", ErrIllegalTransition, state)
	}
	if !p.device.TryAcquire() {
		p.mu.Unlock()
		return ErrMicrophoneBusy
	}
	p.entryID = entryID
	p.outcome = Outcome{}
	p.settled = make(chan struct{})
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		p.device.Release()
		p.mu.Lock()
		p.settled = nil
		p.mu.Unlock()
		return err
	}
	stream, err := p.mic.Open(p.baseCtx)
	if err != nil {
		p.device.Release()
		message := "Microphone unavailable: " + err.Error()
		p.finishWith(StateError, Outcome{EntryID: entryID, Message: message})
		p.logger.Warn("microphone open failed",
			logging.String(logging.FieldEventType, "microphone_open_failed"),
			logging.String(logging.FieldEntryID, entryID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check audio.capture_command and microphone permissions"),
			logging.String(logging.FieldImpact, "voice note not recorded"),
		)
		return services.Wrap(services.ErrResource, "capture", "start", "open microphone", err)
	}

	rec := &recording{
		entryID:  entryID,
		stream:   stream,
		started:  p.clock.Now(),
		requests: make(chan stopReason, 4),
		readDone: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	timer := p.clock.NewTimer(p.limits.MaxDuration)

	p.mu.Lock()
	p.active = rec
	publish, err := p.transitionLocked(StateRecording, "")
	p.mu.Unlock()
	if err != nil {
		timer.Stop()
		_ = stream.Close()
		p.device.Release()
		return err
	}
	publish()

	p.wg.Add(2)
	go p.read(rec)
	go p.supervise(rec, timer)

	p.logger.Info("recording started",
		logging.String(logging.FieldEventType, "capture_started"),
		logging.String(logging.FieldEntryID, entryID),
		logging.Duration("max_duration", p.limits.MaxDuration),
	)
	return nil
}

func (p *Pipeline) read(rec *recording) {
	defer p.wg.Done()
	defer close(rec.readDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := rec.stream.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !rec.append(chunk, p.limits.MaxBytes) {
				return
			}
		}
		if err != nil {
			rec.mu.Lock()
			rec.readErr = err
			rec.mu.Unlock()
			return
		}
	}
}

func (p *Pipeline) supervise(rec *recording, timer clockwork.Timer) {
	defer p.wg.Done()

	var reason stopReason
	select {
	case <-timer.Chan():
		reason = reasonAutoStop
	case reason = <-rec.requests:
	case <-rec.readDone:
		reason = reasonStreamEnded
		rec.mu.Lock()
		if rec.overflow {
			reason = reasonOverflow
		}
		rec.mu.Unlock()
	case <-p.baseCtx.Done():
		reason = reasonShutdown
	}
	timer.Stop()
	elapsed := p.clock.Since(rec.started)

	_ = rec.stream.Close()
	<-rec.readDone
	p.device.Release()

	p.conclude(rec, reason, elapsed)
	close(rec.stopped)
}

// conclude decides what happens to a finished recording. It runs with the
// microphone already released.
func (p *Pipeline) conclude(rec *recording, reason stopReason, elapsed time.Duration) {
	p.mu.Lock()
	if p.active == rec {
		p.active = nil
	}
	p.mu.Unlock()

	if reason == reasonCancel || reason == reasonShutdown {
		rec.drop()
		p.finishWith(StateIdle, Outcome{EntryID: rec.entryID, Message: "recording cancelled"})
		p.logger.Info("recording cancelled",
			logging.String(logging.FieldEventType, "capture_cancelled"),
			logging.String(logging.FieldEntryID, rec.entryID),
		)
		return
	}

	duration := elapsed
	if reason == reasonAutoStop {
		duration = p.limits.MaxDuration
	}
	rec.mu.Lock()
	data := bytes.Join(rec.chunks, nil)
	size := rec.size
	overflow := rec.overflow
	readErr := rec.readErr
	rec.chunks = nil
	rec.mu.Unlock()

	base := Outcome{EntryID: rec.entryID, Duration: duration, Bytes: size, AutoStop: reason == reasonAutoStop}

	if overflow {
		base.Message = fmt.Sprintf("Recording is larger than %s and was not uploaded.", formatBytes(p.limits.MaxBytes))
		p.reject(base)
		return
	}
	if reason == reasonStreamEnded && len(data) == 0 {
		base.Message = "The microphone stopped before any audio was captured."
		if readErr != nil && !isEOF(readErr) {
			base.Message += " " + readErr.Error()
		}
		p.reject(base)
		return
	}
	if err := validateRecording(int64(len(data)), duration, p.limits); err != nil {
		base.Message = err.Error()
		p.reject(base)
		return
	}

	p.logger.Info("recording finished",
		logging.String(logging.FieldEventType, "capture_finished"),
		logging.String(logging.FieldEntryID, rec.entryID),
		logging.Duration("duration", duration),
		logging.Int64("bytes", int64(len(data))),
		logging.Bool("auto_stop", reason == reasonAutoStop),
	)

	recording := audio.Recording{
		ID:       uuid.NewString(),
		EntryID:  rec.entryID,
		MimeType: p.limits.MimeType,
		Duration: duration,
		Data:     data,
	}
	if p.network != nil && !p.network.Online() {
		p.handOff(recording, base, "offline")
		return
	}
	if err := p.transition(StateUploading, ""); err != nil {
		base.Message = err.Error()
		p.finishWith(StateError, base)
		return
	}
	p.wg.Add(1)
	go p.upload(recording, base)
}

// validateRecording enforces the size and duration caps. Oversized
// recordings are rejected whole; nothing is truncated.
func validateRecording(size int64, duration time.Duration, limits Limits) error {
	if size == 0 {
		return errors.New("The recording is empty.")
	}
	if size > limits.MaxBytes {
		return fmt.Errorf("Recording is larger than %s and was not uploaded.", formatBytes(limits.MaxBytes))
	}
	if duration > limits.MaxDuration {
		return fmt.Errorf("Recording is longer than %s and was not uploaded.", limits.MaxDuration)
	}
	return nil
}

func (p *Pipeline) reject(outcome Outcome) {
	p.logger.Warn("recording rejected",
		logging.String(logging.FieldEventType, "capture_rejected"),
		logging.String(logging.FieldEntryID, outcome.EntryID),
		logging.String("reason", outcome.Message),
		logging.String(logging.FieldErrorHint, "record a shorter note"),
		logging.String(logging.FieldImpact, "voice note discarded"),
	)
	p.finishWith(StateError, outcome)
}

func (p *Pipeline) upload(rec audio.Recording, base Outcome) {
	defer p.wg.Done()

	ctx := p.baseCtx
	if p.limits.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.limits.UploadTimeout)
		defer cancel()
	}

	err := p.submitter.Submit(ctx, aiclient.Upload{
		ArtifactID:     rec.ID,
		EntryID:        rec.EntryID,
		MimeType:       rec.MimeType,
		Duration:       rec.Duration,
		TargetLanguage: p.limits.Language,
		Audio:          bytes.NewReader(rec.Data),
	}, func(report aiclient.Report) {
		switch report.Stage {
		case aiclient.StageAccepted:
			p.advanceTo(StateTranscribing)
		case aiclient.StageTranscribed:
			p.advanceTo(StateTranslating)
		case aiclient.StageTranslated:
			p.advanceTo(StateSummarizing)
		}
	})

	current := p.Snapshot().State
	switch {
	case err == nil:
		p.advanceTo(StateSummarizing)
		p.finishWith(StateDone, base)
		p.logger.Info("voice note processed",
			logging.String(logging.FieldEventType, "capture_processed"),
			logging.String(logging.FieldEntryID, rec.EntryID),
		)
	case services.IsPermanent(err):
		base.Message = "Processing failed: " + err.Error()
		p.logger.Error("voice note processing failed",
			logging.String(logging.FieldEventType, "capture_processing_failed"),
			logging.String(logging.FieldEntryID, rec.EntryID),
			logging.String("stage", string(current)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the AI backend logs for this entry"),
			logging.String(logging.FieldImpact, "no transcript for this voice note"),
		)
		p.finishWith(StateError, base)
	default:
		reason := "server unavailable"
		if p.network != nil && !p.network.ProbeNow(context.WithoutCancel(ctx)) {
			reason = "offline"
		}
		p.logger.Warn("voice note upload interrupted; queueing for later",
			logging.String(logging.FieldEventType, "capture_upload_deferred"),
			logging.String(logging.FieldEntryID, rec.EntryID),
			logging.String("stage", string(current)),
			logging.String("reason", reason),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the recording is processed automatically when the server is reachable"),
			logging.String(logging.FieldImpact, "transcript delayed"),
		)
		p.handOff(rec, base, reason)
	}
}

// advanceTo walks forward through the processing stages until target.
func (p *Pipeline) advanceTo(target State) {
	p.mu.Lock()
	var publishes []func()
	for stageIndex(p.state) >= 0 && stageIndex(p.state) < stageIndex(target) {
		next := processingOrder[stageIndex(p.state)+1]
		publish, err := p.transitionLocked(next, "")
		if err != nil {
			break
		}
		publishes = append(publishes, publish)
	}
	p.mu.Unlock()
	for _, publish := range publishes {
		publish()
	}
}

func (p *Pipeline) handOff(rec audio.Recording, base Outcome, reason string) {
	if p.offline == nil {
		base.Message = "Upload failed and no offline queue is available."
		p.finishWith(StateError, base)
		return
	}
	artifact, err := p.offline.Enqueue(context.WithoutCancel(p.baseCtx), rec)
	if err != nil {
		base.Message = "Could not store the recording for later: " + err.Error()
		p.logger.Error("offline hand-off failed",
			logging.String(logging.FieldEventType, "capture_handoff_failed"),
			logging.String(logging.FieldEntryID, rec.EntryID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "free disk space under paths.artifact_dir"),
			logging.String(logging.FieldImpact, "voice note lost"),
			logging.Alert("audio_lost"),
		)
		p.finishWith(StateError, base)
		return
	}
	base.ArtifactID = artifact.ID
	base.Message = fmt.Sprintf("Saved for processing when the connection returns (%s).", reason)
	p.finishWith(StateQueued, base)
}

// finishWith moves to a terminal state (or idle after a cancel) and wakes
// every waiter.
func (p *Pipeline) finishWith(state State, outcome Outcome) {
	p.mu.Lock()
	publish, err := p.transitionLocked(state, outcome.Message)
	if err != nil {
		publish = nil
		p.state = StateError
		p.message = err.Error()
		outcome.Message = err.Error()
		state = StateError
	}
	outcome.State = state
	p.outcome = outcome
	settled := p.settled
	p.mu.Unlock()

	if publish != nil {
		publish()
	}
	if settled != nil {
		select {
		case <-settled:
		default:
			close(settled)
		}
	}
}

// Stop ends the recording and waits for the outcome.
func (p *Pipeline) Stop(ctx context.Context) (Outcome, error) {
	p.mu.Lock()
	rec := p.active
	state := p.state
	p.mu.Unlock()
	if state != StateRecording || rec == nil {
		return Outcome{}, fmt.Errorf("%w: capture is %s", ErrIllegalTransition, state)
	}
	select {
	case rec.requests <- reasonStop:
	default:
	}
	return p.Wait(ctx)
}

// Wait blocks until the current capture reaches done, error, or queued (or
// idle after a cancel) and returns its outcome.
func (p *Pipeline) Wait(ctx context.Context) (Outcome, error) {
	p.mu.Lock()
	settled := p.settled
	p.mu.Unlock()
	if settled == nil {
		return Outcome{}, fmt.Errorf("%w: no capture in progress", ErrIllegalTransition)
	}
	select {
	case <-settled:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome, nil
}

// Cancel abandons a recording in progress: captured audio is dropped and the
// microphone released. Cancelling while idle is a no-op.
func (p *Pipeline) Cancel() error {
	p.mu.Lock()
	state := p.state
	rec := p.active
	p.mu.Unlock()

	switch state {
	case StateIdle:
		return nil
	case StateRecording:
	default:
		return fmt.Errorf("%w (state %s)", ErrCancelNotAllowed, state)
	}
	if rec == nil {
		return nil
	}
	select {
	case rec.requests <- reasonCancel:
	default:
	}
	<-rec.stopped

	if current := p.Snapshot().State; current != StateIdle {
		return fmt.Errorf("%w (state %s)", ErrCancelNotAllowed, current)
	}
	return nil
}

// Reset returns a finished pipeline to idle so a new capture can start.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	if p.state == StateIdle {
		p.mu.Unlock()
		return nil
	}
	if !p.state.Terminal() {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot reset while %s", ErrIllegalTransition, state)
	}
	publish, err := p.transitionLocked(StateIdle, "")
	if err == nil {
		p.entryID = ""
		p.settled = nil
		p.outcome = Outcome{}
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	publish()
	return nil
}

// Close cancels any recording, aborts uploads in flight, and waits for the
// pipeline's goroutines to exit.
func (p *Pipeline) Close() error {
	p.stopAll()
	p.wg.Wait()
	return nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed)
}

func formatBytes(n int64) string {
	const mib = 1024 * 1024
	if n%mib == 0 {
		return fmt.Sprintf("%d MB", n/mib)
	}
	return fmt.Sprintf("%d bytes", n)
}
