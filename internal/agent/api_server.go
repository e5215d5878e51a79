package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"carenote/internal/actions"
	"carenote/internal/api"
	"carenote/internal/capture"
	"carenote/internal/logging"
	"carenote/internal/services"
	"carenote/internal/store"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	agent  *Agent
	router *mux.Router

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(bind string, a *Agent, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(bind),
		logger: logger,
		agent:  a,
	}
	srv.router = srv.routes(a.cfg.Agent.APIToken)
	return srv
}

func (s *apiServer) routes(token string) *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.recoverMiddleware)
	r.Handle("/metrics", s.agent.metrics.Handler()).Methods(http.MethodGet)

	a := r.PathPrefix("/api").Subrouter()
	a.Use(authMiddleware(token))
	a.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	a.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	a.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)

	a.HandleFunc("/actions", s.handleListActions).Methods(http.MethodGet)
	a.HandleFunc("/actions", s.handleEnqueueAction).Methods(http.MethodPost)
	a.HandleFunc("/actions/retry", s.handleRetryActions).Methods(http.MethodPost)
	a.HandleFunc("/actions/{id}", s.handleDiscardAction).Methods(http.MethodDelete)

	a.HandleFunc("/audio", s.handleListArtifacts).Methods(http.MethodGet)
	a.HandleFunc("/audio/status", s.handleAudioStatus).Methods(http.MethodGet)
	a.HandleFunc("/audio/retry", s.handleRetryAudio).Methods(http.MethodPost)

	a.HandleFunc("/capture", s.handleCaptureState).Methods(http.MethodGet)
	a.HandleFunc("/capture/start", s.handleCaptureStart).Methods(http.MethodPost)
	a.HandleFunc("/capture/stop", s.handleCaptureStop).Methods(http.MethodPost)
	a.HandleFunc("/capture/wait", s.handleCaptureWait).Methods(http.MethodGet)
	a.HandleFunc("/capture/cancel", s.handleCaptureCancel).Methods(http.MethodPost)
	a.HandleFunc("/capture/reset", s.handleCaptureReset).Methods(http.MethodPost)

	a.HandleFunc("/session", s.handleSessionStart).Methods(http.MethodPost)
	a.HandleFunc("/session", s.handleSessionLogout).Methods(http.MethodDelete)
	a.HandleFunc("/session/activity", s.handleActivity).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	// Event streams never go idle, so end them as soon as shutdown begins.
	streamCtx, endStreams := context.WithCancel(ctx)
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}
	server.RegisterOnShutdown(endStreams)
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}

func (s *apiServer) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				id, _ := services.RequestIDFromContext(r.Context())
				s.log().Error("api handler panic",
					logging.String("path", r.URL.Path),
					logging.String("request_id", id),
					logging.String("panic", fmt.Sprint(rec)),
				)
				s.writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.agent.Status(r.Context()))
}

func (s *apiServer) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.agent.Sync(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SyncResponse{
		Actions: api.FromActionFlush(result.Actions),
		Audio:   api.FromAudioFlush(result.Audio),
	})
}

func (s *apiServer) handleListActions(w http.ResponseWriter, r *http.Request) {
	var statuses []store.ActionStatus
	for _, value := range r.URL.Query()["status"] {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			statuses = append(statuses, store.ActionStatus(trimmed))
		}
	}
	items, err := s.agent.queue.List(r.Context(), statuses...)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ActionListResponse{Actions: api.FromActions(items)})
}

func (s *apiServer) handleEnqueueAction(w http.ResponseWriter, r *http.Request) {
	var req api.EnqueueActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, err := s.agent.queue.Enqueue(r.Context(), actions.Draft{
		Kind:    actions.Kind(strings.TrimSpace(req.Kind)),
		Target:  strings.TrimSpace(req.Target),
		Payload: req.Payload,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if s.agent.monitor.Online() {
		s.agent.flushAsync("action queued")
	}
	s.writeJSON(w, http.StatusAccepted, api.ActionResponse{Action: api.FromAction(action)})
}

func (s *apiServer) handleRetryActions(w http.ResponseWriter, r *http.Request) {
	var req api.RetryRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	n, err := s.agent.queue.Retry(r.Context(), req.IDs...)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RetryResponse{Updated: n})
}

func (s *apiServer) handleDiscardAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.agent.queue.Discard(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	var statuses []store.ArtifactStatus
	for _, value := range r.URL.Query()["status"] {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			statuses = append(statuses, store.ArtifactStatus(trimmed))
		}
	}
	items, err := s.agent.audio.List(r.Context(), statuses...)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ArtifactListResponse{Artifacts: api.FromArtifacts(items)})
}

func (s *apiServer) handleAudioStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.agent.audio.Status(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromAudioStatus(status))
}

func (s *apiServer) handleRetryAudio(w http.ResponseWriter, r *http.Request) {
	var req api.RetryRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	n, err := s.agent.audio.Retry(r.Context(), req.IDs...)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if n > 0 && s.agent.monitor.Online() {
		s.agent.flushAsync("audio retried")
	}
	s.writeJSON(w, http.StatusOK, api.RetryResponse{Updated: n})
}

func (s *apiServer) handleCaptureState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.FromSnapshot(s.agent.capture.Snapshot()))
}

func (s *apiServer) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	var req api.CaptureStartRequest
	if !s.decode(w, r, &req) {
		return
	}
	entryID := strings.TrimSpace(req.EntryID)
	if entryID == "" {
		s.writeError(w, http.StatusBadRequest, "entryId is required")
		return
	}
	if err := s.agent.capture.Start(r.Context(), entryID); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.agent.session.Touch("key")
	s.writeJSON(w, http.StatusAccepted, api.FromSnapshot(s.agent.capture.Snapshot()))
}

func (s *apiServer) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.agent.capture.Stop(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromOutcome(outcome))
}

func (s *apiServer) handleCaptureWait(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.agent.capture.Wait(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromOutcome(outcome))
}

func (s *apiServer) handleCaptureCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.capture.Cancel(); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromSnapshot(s.agent.capture.Snapshot()))
}

func (s *apiServer) handleCaptureReset(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.capture.Reset(); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromSnapshot(s.agent.capture.Snapshot()))
}

func (s *apiServer) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req api.SessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		s.writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	s.agent.StartSession(token)
	s.writeJSON(w, http.StatusOK, api.SessionStatus{
		Active:       s.agent.session.Active(),
		LastActivity: api.FormatTime(s.agent.session.LastActivity()),
	})
}

func (s *apiServer) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	s.agent.session.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req api.ActivityRequest
	if !s.decode(w, r, &req) {
		return
	}
	accepted := s.agent.session.Touch(strings.TrimSpace(req.Kind))
	s.writeJSON(w, http.StatusOK, api.ActivityResponse{Accepted: accepted})
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional accepts an empty body as the zero value.
func (s *apiServer) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return s.decode(w, r, dst)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, actions.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, actions.ErrNotDiscardable),
		errors.Is(err, capture.ErrIllegalTransition),
		errors.Is(err, capture.ErrCancelNotAllowed),
		errors.Is(err, capture.ErrMicrophoneBusy):
		return http.StatusConflict
	case errors.Is(err, services.ErrResource):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrTransient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		id, _ := services.RequestIDFromContext(r.Context())
		s.log().Warn("api request failed",
			logging.String("path", r.URL.Path),
			logging.String("request_id", id),
			logging.Error(err),
		)
	}
	s.writeError(w, status, err.Error())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String("component", "api-server"))
	}
	return logging.NewNop()
}
