package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"carenote/internal/config"
)

const userAgent = "carenote-agent/0.1.0"

// Service defines the notification surface exposed to agent components.
type Service interface {
	NotifyActionFailed(ctx context.Context, kind, status string, attempts int, reason string) error
	NotifyAudioFailed(ctx context.Context, entryID, reason string) error
	NotifySyncCompleted(ctx context.Context, replayed, failed int, duration time.Duration) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		settings: cfg.Notifications,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	settings config.Notifications
}

func (n *ntfyService) NotifyActionFailed(ctx context.Context, kind, status string, attempts int, reason string) error {
	if !n.settings.ActionFailures {
		return nil
	}
	label := strings.ReplaceAll(strings.TrimSpace(kind), "_", " ")
	if label == "" {
		label = "change"
	}
	var message string
	if status == "rejected" {
		message = fmt.Sprintf("The server refused a queued %s: %s", label, reasonText(reason))
	} else {
		message = fmt.Sprintf("A queued %s could not be synced after %d attempts: %s", label, attempts, reasonText(reason))
	}
	return n.send(ctx, payload{
		title:    "carenote - Change not synced",
		message:  message + "\nOpen the sync queue to retry or discard it.",
		tags:     []string{"carenote", "queue", status},
		priority: "high",
	})
}

func (n *ntfyService) NotifyAudioFailed(ctx context.Context, entryID, reason string) error {
	if !n.settings.AudioFailures {
		return nil
	}
	message := fmt.Sprintf("A voice note could not be processed: %s", reasonText(reason))
	if entryID = strings.TrimSpace(entryID); entryID != "" {
		message = fmt.Sprintf("%s\nEntry: %s", message, entryID)
	}
	return n.send(ctx, payload{
		title:    "carenote - Voice note failed",
		message:  message,
		tags:     []string{"carenote", "audio", "error"},
		priority: "high",
	})
}

func (n *ntfyService) NotifySyncCompleted(ctx context.Context, replayed, failed int, duration time.Duration) error {
	if !n.settings.SyncCompleted || replayed+failed == 0 {
		return nil
	}
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	title := "carenote - Sync complete"
	message := fmt.Sprintf("Synced %d queued changes in %s", replayed, duration)
	if failed > 0 {
		title = "carenote - Sync complete (with errors)"
		message = fmt.Sprintf("Synced %d queued changes, %d need attention (%s)", replayed, failed, duration)
	}
	return n.send(ctx, payload{
		title:   title,
		message: message,
		tags:    []string{"carenote", "sync", "completed"},
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "carenote - Test",
		message:  "Notification system test",
		tags:     []string{"carenote", "test"},
		priority: "low",
	})
}

func reasonText(reason string) string {
	if reason = strings.TrimSpace(reason); reason != "" {
		return reason
	}
	return "unknown error"
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyActionFailed(context.Context, string, string, int, string) error { return nil }
func (noopService) NotifyAudioFailed(context.Context, string, string) error               { return nil }
func (noopService) NotifySyncCompleted(context.Context, int, int, time.Duration) error    { return nil }
func (noopService) TestNotification(context.Context) error                                { return nil }
