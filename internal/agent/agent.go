package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"

	"carenote/internal/actions"
	"carenote/internal/aiclient"
	"carenote/internal/audio"
	"carenote/internal/bgsync"
	"carenote/internal/capture"
	"carenote/internal/config"
	"carenote/internal/events"
	"carenote/internal/gateway"
	"carenote/internal/logging"
	"carenote/internal/metrics"
	"carenote/internal/netmon"
	"carenote/internal/notifications"
	"carenote/internal/session"
	"carenote/internal/store"
	"carenote/internal/upstream"
)

// ErrAlreadyRunning reports that another agent holds the lock.
var ErrAlreadyRunning = errors.New("another carenote agent instance is already running")

// Agent coordinates the carenote components and enforces single-instance execution.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clockwork.Clock

	store    *store.Store
	bus      *events.Bus
	metrics  *metrics.Metrics
	notifier notifications.Service
	creds    *credentials

	monitor  *netmon.Monitor
	links    *netmon.LinkWatcher
	queue    *actions.Queue
	blobs    *audio.BlobStore
	audio    *audio.Manager
	capture  *capture.Pipeline
	session  *session.Guard
	gateway  *gateway.Gateway
	gwCache  *gateway.Cache
	gwServer *http.Server
	gwAddr   string
	port     *gateway.Port
	sync     *bgsync.Trigger
	api      *apiServer

	lock *flock.Flock

	running     atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	life        context.Context
	endLife     context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe []func()
}

// Option customizes an Agent.
type Option func(*options)

type options struct {
	mic   capture.Microphone
	clock clockwork.Clock
}

// WithMicrophone replaces the configured capture command.
func WithMicrophone(mic capture.Microphone) Option {
	return func(o *options) { o.mic = mic }
}

// WithClock drives every component timer from clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// New constructs an agent with initialized dependencies.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("agent requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mic == nil {
		o.mic = capture.ExecMicrophone{Command: cfg.Audio.CaptureCommand}
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		clock:    o.clock,
		store:    st,
		bus:      events.NewBus(),
		metrics:  metrics.New(),
		notifier: notifications.NewService(cfg),
		lock:     flock.New(cfg.LockPath()),
	}
	a.life, a.endLife = context.WithCancel(context.Background())
	a.unsubscribe = append(a.unsubscribe, a.metrics.Bind(a.bus))

	replayClient := upstream.New(cfg.Server.BaseURL, cfg.Server.Token, cfg.RequestTimeout())
	aiUpstream := upstream.New(cfg.Server.BaseURL, cfg.Server.Token, cfg.UploadTimeout())
	a.creds = &credentials{primary: replayClient, others: []*upstream.Client{aiUpstream}}
	submitter := aiclient.New(aiUpstream)

	prober := netmon.NewHTTPProber(cfg.Network.ProbeURL, cfg.ProbeTimeout())
	prober.ExpectStatus = cfg.Network.ExpectStatus
	a.monitor = netmon.New(
		prober,
		a.bus, logger,
		netmon.WithClock(o.clock),
		netmon.WithInterval(cfg.ProbeInterval()),
		netmon.WithProbeObserver(a.metrics.ObserveProbe),
	)
	if cfg.Network.LinkEvents {
		a.links = netmon.NewLinkWatcher(logger, a.monitor.Trigger)
	}

	a.queue = actions.New(st, actions.NewHTTPReplayer(replayClient), a.monitor, a.bus, logger,
		actions.WithMaxAttempts(cfg.Queue.MaxAttempts),
		actions.WithReplayRate(cfg.Queue.ReplayRate),
		actions.WithClock(o.clock),
		actions.WithNotifier(a.notifier),
		actions.WithReplayObserver(a.metrics.ObserveReplay),
		actions.WithLifetime(a.life),
	)

	a.blobs = audio.NewBlobStore(cfg.Paths.ArtifactDir, cfg.Audio.MinFreeMiB*1024*1024)
	a.audio = audio.NewManager(st, a.blobs, submitter, a.monitor, a.bus, logger,
		audio.WithNotifier(a.notifier),
		audio.WithTargetLanguage(cfg.TargetLanguage()),
		audio.WithClock(o.clock),
		audio.WithLifetime(a.life),
	)

	a.capture = capture.New(o.mic, capture.NewDevice(), submitter, a.audio, a.monitor, a.bus, logger,
		capture.Limits{
			MaxDuration:   cfg.MaxAudioDuration(),
			MaxBytes:      cfg.Audio.MaxBytes,
			MimeType:      cfg.Audio.MimeType,
			Language:      cfg.TargetLanguage(),
			UploadTimeout: cfg.UploadTimeout(),
		},
		capture.WithClock(o.clock),
	)

	a.session = session.New(a.creds, a.bus, logger, session.Options{
		Timeout:          cfg.SessionTimeout(),
		Warning:          cfg.SessionWarning(),
		AutosaveInterval: cfg.AutosaveInterval(),
		Save:             a.autosave,
		Clock:            o.clock,
	})

	if cfg.Gateway.Enabled {
		if err := a.buildGateway(); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	var port bgsync.Port
	if a.port != nil {
		port = a.port
	}
	a.sync = bgsync.New(port, a.monitor, logger, []bgsync.Target{
		{Name: "actions", Flush: func(ctx context.Context) error { _, err := a.queue.Flush(ctx); return err }},
		{Name: "audio", Flush: func(ctx context.Context) error { _, err := a.audio.Flush(ctx); return err }},
	}, bgsync.WithClock(o.clock), bgsync.WithPollInterval(cfg.SyncPollInterval()))

	a.api = newAPIServer(cfg.Agent.APIBind, a, logger)
	return a, nil
}

func (a *Agent) buildGateway() error {
	cache, err := gateway.OpenCache(a.cfg.GatewayDBPath())
	if err != nil {
		return fmt.Errorf("open gateway cache: %w", err)
	}
	gw, err := gateway.New(cache, gateway.Options{
		Upstream:     a.cfg.Gateway.UpstreamURL,
		CacheVersion: a.cfg.Gateway.CacheVersion,
		Manifest:     a.cfg.Gateway.Manifest,
		Logger:       a.logger,
		Observer:     a.metrics,
	})
	if err != nil {
		_ = cache.Close()
		return fmt.Errorf("create gateway: %w", err)
	}
	a.gwCache = cache
	a.gateway = gw
	a.port = gw.Connect()
	a.gwServer = &http.Server{
		Handler:           gw,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return nil
}

// Start acquires the agent lock and launches every component.
func (a *Agent) Start(ctx context.Context) error {
	if a.running.Load() {
		return errors.New("agent already running")
	}

	ok, err := a.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}

	a.ctx, a.cancel = context.WithCancel(ctx)

	if n, err := a.audio.Recover(a.ctx); err != nil {
		logging.WarnWithContext(a.logger, "artifact recovery failed", "audio_recover_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run `carenote audio retry` once the agent is up"),
			logging.String(logging.FieldImpact, "interrupted uploads stay stuck until retried"),
		)
	} else if n > 0 {
		a.logger.Info("requeued interrupted uploads", logging.Int64("count", n))
	}
	if depth, err := a.queue.Depth(a.ctx); err == nil {
		a.monitor.SetPending(depth)
	}

	a.unsubscribe = append(a.unsubscribe, events.Subscribe(a.bus, events.TopicConnectivityChanged, func(ev events.ConnectivityChanged) {
		if ev.Online {
			a.flushAsync("connectivity restored")
		}
	}))

	if err := a.api.start(a.ctx); err != nil {
		a.abortStart()
		return err
	}
	if a.gateway != nil {
		if err := a.startGateway(a.ctx); err != nil {
			a.abortStart()
			return err
		}
	}
	if err := a.monitor.Start(a.ctx); err != nil {
		a.abortStart()
		return fmt.Errorf("start network monitor: %w", err)
	}
	if a.links != nil {
		_ = a.links.Start(a.ctx)
	}
	a.sync.Start(a.ctx)
	if strings.TrimSpace(a.creds.Token()) != "" {
		a.session.Start(a.ctx)
	}

	a.running.Store(true)
	a.logger.Info("carenote agent started",
		logging.String("lock", a.cfg.LockPath()),
		logging.String("api", a.api.address()),
		logging.String("gateway", a.gwAddr),
	)
	return nil
}

func (a *Agent) abortStart() {
	a.api.stop()
	a.stopGateway()
	if a.cancel != nil {
		a.cancel()
	}
	_ = a.lock.Unlock()
}

func (a *Agent) startGateway(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.cfg.Gateway.Bind)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	a.gwAddr = listener.Addr().String()
	a.gateway.Start(ctx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.gwServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("gateway server error", logging.Error(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		if err := a.gateway.Install(ctx); err != nil {
			logging.WarnWithContext(a.logger, "gateway precache incomplete", "gateway_install_incomplete",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "entries are cached as they are fetched once online"),
				logging.String(logging.FieldImpact, "some pages unavailable offline until visited"),
			)
		}
		if _, err := a.gateway.Activate(ctx); err != nil {
			logging.WarnWithContext(a.logger, "gateway cache cleanup failed", "gateway_activate_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "stale cache generations kept on disk"),
			)
		}
	}()
	a.logger.Info("gateway listening", logging.String("address", a.gwAddr))
	return nil
}

func (a *Agent) stopGateway() {
	if a.gwServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.gwServer.Shutdown(shutdownCtx)
		cancel()
	}
}

// flushAsync replays both queues in the background.
func (a *Agent) flushAsync(reason string) {
	ctx := a.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Debug("flushing queues", logging.String("reason", reason))
		_, _ = a.Sync(ctx)
	}()
}

// Sync flushes the action queue, then the audio queue.
func (a *Agent) Sync(ctx context.Context) (SyncResult, error) {
	var (
		result SyncResult
		errs   []error
		err    error
	)
	result.Actions, err = a.queue.Flush(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("flush actions: %w", err))
	}
	result.Audio, err = a.audio.Flush(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("flush audio: %w", err))
	}
	return result, errors.Join(errs...)
}

// SyncResult combines the outcome of both queue flushes.
type SyncResult struct {
	Actions actions.FlushResult
	Audio   audio.FlushResult
}

func (a *Agent) autosave(ctx context.Context) error {
	if !a.monitor.Online() {
		return nil
	}
	_, err := a.queue.Flush(ctx)
	return err
}

// StartSession installs a bearer token and starts the inactivity guard.
func (a *Agent) StartSession(token string) {
	a.creds.SetToken(token)
	if a.running.Load() && strings.TrimSpace(token) != "" {
		a.session.Start(a.ctx)
	}
}

// Stop stops background processing and releases the agent lock.
func (a *Agent) Stop() {
	if !a.running.Load() {
		return
	}
	a.session.Stop()
	a.sync.Stop()
	if a.links != nil {
		a.links.Stop()
	}
	a.monitor.Stop()
	a.api.stop()
	a.stopGateway()
	if a.cancel != nil {
		a.cancel()
	}
	_ = a.capture.Close()
	a.wg.Wait()
	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}
	a.unsubscribe = nil
	if err := a.lock.Unlock(); err != nil {
		logging.WarnWithContext(a.logger, "failed to release agent lock", "agent_lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove "+a.cfg.LockPath()+" if no agent is running"),
		)
	}
	a.running.Store(false)
	a.logger.Info("carenote agent stopped")
}

// Close releases resources held by the agent.
func (a *Agent) Close() error {
	a.Stop()
	a.endLife()
	a.queue.Wait()
	a.audio.Wait()
	if a.port != nil {
		a.port.Close()
	}
	if a.gateway != nil {
		_ = a.gateway.Close()
	}
	if a.gwCache != nil {
		_ = a.gwCache.Close()
	}
	return a.store.Close()
}

// Running reports whether Start succeeded and Stop has not been called.
func (a *Agent) Running() bool {
	return a.running.Load()
}

// Bus exposes the event bus.
func (a *Agent) Bus() *events.Bus { return a.bus }

// Queue exposes the action queue.
func (a *Agent) Queue() *actions.Queue { return a.queue }

// Audio exposes the offline audio manager.
func (a *Agent) Audio() *audio.Manager { return a.audio }

// Capture exposes the capture pipeline.
func (a *Agent) Capture() *capture.Pipeline { return a.capture }

// Session exposes the session guard.
func (a *Agent) Session() *session.Guard { return a.session }

// Monitor exposes the connectivity monitor.
func (a *Agent) Monitor() *netmon.Monitor { return a.monitor }

// APIAddress returns the control API listen address once started.
func (a *Agent) APIAddress() string { return a.api.address() }

// GatewayAddress returns the gateway listen address once started.
func (a *Agent) GatewayAddress() string { return a.gwAddr }
