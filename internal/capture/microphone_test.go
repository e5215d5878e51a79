package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"carenote/internal/services"
)

func setHelperCommand(t *testing.T, mode string, captured *[]string) {
	t.Helper()
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if captured != nil {
			*captured = append([]string{name}, args...)
		}
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", fmt.Sprintf("RECORDER_HELPER_MODE=%s", mode))
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
}

func TestExecMicrophoneStreamsStdout(t *testing.T) {
	var args []string
	setHelperCommand(t, "success", &args)

	mic := ExecMicrophone{Command: []string{"arecord", "-q", "-f", "S16_LE", "-t", "wav", "-"}}
	stream, err := mic.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "RIFF-helper-audio" {
		t.Fatalf("unexpected audio %q", data)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if strings.Join(args, " ") != "arecord -q -f S16_LE -t wav -" {
		t.Fatalf("unexpected command %v", args)
	}
}

func TestExecMicrophoneReportsRecorderFailure(t *testing.T) {
	setHelperCommand(t, "failure", nil)

	stream, err := ExecMicrophone{Command: []string{"arecord"}}.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()
	_, err = io.ReadAll(stream)
	if err == nil || !strings.Contains(err.Error(), "no such audio device") {
		t.Fatalf("expected recorder stderr in error, got %v", err)
	}
	if !errors.Is(err, services.ErrResource) {
		t.Fatalf("expected resource error, got %v", err)
	}
}

func TestExecMicrophoneCloseStopsRecorder(t *testing.T) {
	setHelperCommand(t, "endless", nil)

	stream, err := ExecMicrophone{Command: []string{"arecord"}}.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 8)
	if _, err := stream.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the recorder")
	}
}

func TestExecMicrophoneWithoutCommand(t *testing.T) {
	_, err := ExecMicrophone{}.Open(context.Background())
	if !errors.Is(err, services.ErrUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

func TestDeviceIsExclusive(t *testing.T) {
	device := NewDevice()
	if !device.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if device.TryAcquire() {
		t.Fatal("second acquire should fail while held")
	}
	device.Release()
	if !device.TryAcquire() {
		t.Fatal("acquire after release should succeed")
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("RECORDER_HELPER_MODE") {
	case "success":
		fmt.Print("RIFF-helper-audio")
		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "arecord: main: no such audio device")
		os.Exit(1)
	case "endless":
		for {
			fmt.Print("00000000")
			time.Sleep(10 * time.Millisecond)
		}
	default:
		os.Exit(0)
	}
}
