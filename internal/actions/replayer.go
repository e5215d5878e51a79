package actions

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"carenote/internal/services"
	"carenote/internal/store"
	"carenote/internal/upstream"
)

// Replayer sends one queued action to the server.
type Replayer interface {
	Replay(ctx context.Context, action *store.Action) error
}

// HTTPReplayer replays actions against the REST API. The action id travels
// as the Idempotency-Key header so a replay the server already applied is
// acknowledged instead of applied twice.
type HTTPReplayer struct {
	client *upstream.Client
}

// NewHTTPReplayer wraps an upstream client.
func NewHTTPReplayer(client *upstream.Client) *HTTPReplayer {
	return &HTTPReplayer{client: client}
}

// Replay implements Replayer.
func (r *HTTPReplayer) Replay(ctx context.Context, action *store.Action) error {
	method, path, err := endpoint(Kind(action.Kind), action.Target)
	if err != nil {
		return services.Wrap(services.ErrPermanent, "actions", "replay", action.ID, err)
	}
	var body io.Reader
	header := http.Header{}
	header.Set("Idempotency-Key", action.ID)
	if method != http.MethodDelete && len(action.Payload) > 0 {
		body = bytes.NewReader(action.Payload)
		header.Set("Content-Type", "application/json")
	}
	return r.client.Send(ctx, method, path, body, header)
}
