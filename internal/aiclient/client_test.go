package aiclient_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/language"

	"carenote/internal/aiclient"
	"carenote/internal/services"
	"carenote/internal/upstream"
)

type capturedUpload struct {
	path     string
	values   map[string][]string
	filename string
	audio    string
}

func stageServer(t *testing.T, lines ...string) (*httptest.Server, <-chan capturedUpload) {
	t.Helper()
	captured := make(chan capturedUpload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		upload := capturedUpload{path: r.URL.Path, values: r.MultipartForm.Value}
		if files := r.MultipartForm.File["audio"]; len(files) == 1 {
			upload.filename = files[0].Filename
			if f, err := files[0].Open(); err == nil {
				data, _ := io.ReadAll(f)
				f.Close()
				upload.audio = string(data)
			}
		}
		captured <- upload

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func newUpload() aiclient.Upload {
	return aiclient.Upload{
		ArtifactID:     "art-1",
		EntryID:        "entry-9",
		MimeType:       "audio/wav",
		Duration:       42 * time.Second,
		TargetLanguage: language.German,
		Audio:          strings.NewReader("RIFFdata"),
	}
}

func TestSubmitFollowsStages(t *testing.T) {
	srv, captured := stageServer(t,
		`{"stage":"accepted"}`,
		`{"stage":"transcribed"}`,
		`{"stage":"translated"}`,
		`{"stage":"summarized"}`,
	)
	client := aiclient.New(upstream.New(srv.URL, "tok", time.Second))

	var stages []aiclient.Stage
	err := client.Submit(context.Background(), newUpload(), func(r aiclient.Report) {
		stages = append(stages, r.Stage)
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(stages) != 4 || stages[3] != aiclient.StageSummarized {
		t.Fatalf("unexpected stages: %v", stages)
	}
	got := <-captured
	if got.path != "/api/entries/entry-9/audio" {
		t.Fatalf("unexpected path %q", got.path)
	}
	want := map[string]string{"artifact_id": "art-1", "duration_seconds": "42.000", "target_language": "de"}
	for key, value := range want {
		if v := got.values[key]; len(v) != 1 || v[0] != value {
			t.Fatalf("%s = %v, want %s", key, v, value)
		}
	}
	if got.filename != "art-1.wav" || got.audio != "RIFFdata" {
		t.Fatalf("unexpected audio part: %q %q", got.filename, got.audio)
	}
}

func TestSubmitClassifiesFailedStage(t *testing.T) {
	cases := []struct {
		line      string
		permanent bool
	}{
		{`{"stage":"failed","error":"unsupported codec"}`, true},
		{`{"stage":"failed","error":"model overloaded","retryable":true}`, false},
	}
	for _, tc := range cases {
		srv, _ := stageServer(t, `{"stage":"accepted"}`, tc.line)
		client := aiclient.New(upstream.New(srv.URL, "", time.Second))
		err := client.Submit(context.Background(), newUpload(), nil)
		if err == nil {
			t.Fatalf("%s: expected error", tc.line)
		}
		if services.IsPermanent(err) != tc.permanent {
			t.Fatalf("%s: permanent=%v, err=%v", tc.line, services.IsPermanent(err), err)
		}
	}
}

func TestSubmitTruncatedStreamIsTransient(t *testing.T) {
	srv, _ := stageServer(t, `{"stage":"accepted"}`, `{"stage":"transcribed"}`)
	client := aiclient.New(upstream.New(srv.URL, "", time.Second))
	err := client.Submit(context.Background(), newUpload(), nil)
	if !errors.Is(err, aiclient.ErrIncompleteStream) || !services.IsTransient(err) {
		t.Fatalf("expected transient incomplete stream, got %v", err)
	}
}

func TestSubmitRejectedUploadIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, `{"error":"entry not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := aiclient.New(upstream.New(srv.URL, "", time.Second))
	err := client.Submit(context.Background(), newUpload(), nil)
	if !services.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestFileExtension(t *testing.T) {
	cases := map[string]string{
		"audio/wav":              ".wav",
		"audio/webm;codecs=opus": ".webm",
		"Audio/OGG":              ".ogg",
		"audio/mpeg":             ".mp3",
		"audio/mp4":              ".m4a",
		"application/x-unknown":  ".bin",
	}
	for mimeType, want := range cases {
		if got := aiclient.FileExtension(mimeType); got != want {
			t.Errorf("FileExtension(%q) = %q, want %q", mimeType, got, want)
		}
	}
}
