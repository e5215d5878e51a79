package logging_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"carenote/internal/logging"
)

func TestJSONLoggerWritesStructuredFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	component := logging.NewComponentLogger(logger, "action-queue")
	logging.WarnWithContext(component, "replay failed", "action_replay_failed",
		logging.String(logging.FieldActionID, "a-1"),
		logging.Error(errors.New("boom")),
	)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &payload); err != nil {
		t.Fatalf("decode log line %q: %v", data, err)
	}

	assertField := func(key string, want any) {
		t.Helper()
		if got := payload[key]; got != want {
			t.Fatalf("field %s: got %v want %v", key, got, want)
		}
	}
	assertField("level", "warn")
	assertField("msg", "replay failed")
	assertField(logging.FieldComponent, "action-queue")
	assertField(logging.FieldEventType, "action_replay_failed")
	assertField(logging.FieldErrorHint, "check logs for details")
	assertField(logging.FieldImpact, "operation completed with warnings")
	assertField(logging.FieldActionID, "a-1")
	assertField("error", "boom")
	if _, ok := payload["ts"]; !ok {
		t.Fatal("expected ts field")
	}
}

func TestConsoleLoggerFormatsComponentAndFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	noColor := false
	logger, err := logging.New(logging.Options{Level: "info", Format: "console", OutputPaths: []string{path}, Color: &noColor})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logging.NewComponentLogger(logger, "netmon").Info("connectivity changed", logging.Bool("online", false), logging.String("url", "http://x y"))
	logger.Debug("hidden")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, "INFO netmon: connectivity changed online=false") {
		t.Fatalf("unexpected console line: %q", line)
	}
	if !strings.Contains(line, `url="http://x y"`) {
		t.Fatalf("expected quoted value, got %q", line)
	}
	if strings.Contains(line, "hidden") || strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected debug output or colour codes: %q", line)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
