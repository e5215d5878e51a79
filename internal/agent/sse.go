package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"carenote/internal/events"
	"carenote/internal/logging"
)

const (
	eventBuffer       = 64
	keepAliveInterval = 15 * time.Second
)

// handleEvents streams bus events as server-sent events. Slow readers lose
// events rather than blocking publishers.
func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	queue := make(chan events.Envelope, eventBuffer)
	unsubscribe := s.agent.bus.SubscribeAll(func(env events.Envelope) {
		select {
		case queue <- env:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := s.agent.clock.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.Chan():
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env := <-queue:
			data, err := json.Marshal(env.Payload)
			if err != nil {
				s.log().Warn("event encode failed", logging.String("topic", env.Topic), logging.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Topic, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
