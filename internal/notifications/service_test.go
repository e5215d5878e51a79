package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"carenote/internal/notifications"
	"carenote/internal/testsupport"
)

type captured struct {
	title    string
	tags     string
	priority string
	body     string
}

func newNtfyServer(t *testing.T) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, captured{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), seen...)
	}
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	svc := notifications.NewService(cfg)
	if err := svc.NotifyAudioFailed(context.Background(), "entry-1", "boom"); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	srv, seen := newNtfyServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithNtfyTopic(srv.URL))
	cfg.Notifications.SyncCompleted = true
	svc := notifications.NewService(cfg)
	ctx := context.Background()

	if err := svc.NotifyActionFailed(ctx, "create_entry", "abandoned", 5, "503 Service Unavailable"); err != nil {
		t.Fatalf("NotifyActionFailed: %v", err)
	}
	if err := svc.NotifyAudioFailed(ctx, "entry-7", "unsupported audio format"); err != nil {
		t.Fatalf("NotifyAudioFailed: %v", err)
	}
	if err := svc.NotifySyncCompleted(ctx, 3, 1, 1500*time.Millisecond); err != nil {
		t.Fatalf("NotifySyncCompleted: %v", err)
	}

	got := seen()
	if len(got) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(got))
	}
	if got[0].title != "carenote - Change not synced" || got[0].priority != "high" || got[0].tags != "carenote,queue,abandoned" {
		t.Fatalf("unexpected action notification: %+v", got[0])
	}
	if !strings.Contains(got[0].body, "create entry could not be synced after 5 attempts") {
		t.Fatalf("unexpected action body: %q", got[0].body)
	}
	if !strings.Contains(got[1].body, "Entry: entry-7") {
		t.Fatalf("unexpected audio body: %q", got[1].body)
	}
	if got[2].title != "carenote - Sync complete (with errors)" {
		t.Fatalf("unexpected sync title: %q", got[2].title)
	}
}

func TestNtfyServiceHonoursToggles(t *testing.T) {
	srv, seen := newNtfyServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithNtfyTopic(srv.URL))
	cfg.Notifications.AudioFailures = false
	svc := notifications.NewService(cfg)

	_ = svc.NotifyAudioFailed(context.Background(), "entry", "reason")
	_ = svc.NotifySyncCompleted(context.Background(), 2, 0, time.Second)
	if n := len(seen()); n != 0 {
		t.Fatalf("expected disabled notifications to be skipped, got %d", n)
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic not found", http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithNtfyTopic(srv.URL))
	err := notifications.NewService(cfg).TestNotification(context.Background())
	if err == nil || !strings.Contains(err.Error(), "ntfy returned 404") {
		t.Fatalf("expected ntfy error, got %v", err)
	}
}
