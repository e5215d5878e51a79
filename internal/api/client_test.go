package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"carenote/internal/api"
	"carenote/internal/services"
)

func TestClientSendsTokenAndDecodes(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.ActionListResponse{Actions: []api.Action{{ID: "a1", Kind: "create_entry", Status: "pending"}}})
	}))
	defer srv.Close()

	client := api.NewClient(strings.TrimPrefix(srv.URL, "http://"), time.Second).WithToken("secret")
	items, err := client.ListActions(context.Background(), "pending", "rejected")
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(items) != 1 || items[0].ID != "a1" {
		t.Fatalf("unexpected items %+v", items)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotQuery != "status=pending&status=rejected" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
}

func TestClientSurfacesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "only abandoned or rejected actions can be discarded"})
	}))
	defer srv.Close()

	err := api.NewClient(srv.URL, time.Second).DiscardAction(context.Background(), "a1")
	var httpErr *services.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusConflict {
		t.Fatalf("unexpected status %d", httpErr.StatusCode)
	}
	if !strings.Contains(err.Error(), "can be discarded") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !services.IsPermanent(err) {
		t.Fatal("expected 409 to be permanent")
	}
}

func TestFormatTime(t *testing.T) {
	if api.FormatTime(time.Time{}) != "" {
		t.Fatal("expected empty string for zero time")
	}
	ts := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.FixedZone("x", 3600))
	if got := api.FormatTime(ts); got != "2026-03-04T04:06:07.008Z" {
		t.Fatalf("unexpected format %q", got)
	}
}
