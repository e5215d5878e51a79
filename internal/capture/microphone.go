package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"carenote/internal/services"
)

// Stream is an open microphone. Read returns captured audio; Close stops the
// capture and releases the hardware.
type Stream interface {
	io.ReadCloser
}

// Microphone opens capture streams.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Device grants exclusive access to the microphone.
type Device struct {
	sem *semaphore.Weighted
}

// NewDevice creates a device with a single slot.
func NewDevice() *Device {
	return &Device{sem: semaphore.NewWeighted(1)}
}

// TryAcquire claims the microphone without waiting.
func (d *Device) TryAcquire() bool {
	return d.sem.TryAcquire(1)
}

// Release returns the microphone.
func (d *Device) Release() {
	d.sem.Release(1)
}

var commandContext = exec.CommandContext

// ExecMicrophone captures audio by running an external recorder that writes
// the encoded stream to stdout (arecord by default).
type ExecMicrophone struct {
	Command []string
}

// Open starts the recorder process.
func (m ExecMicrophone) Open(ctx context.Context) (Stream, error) {
	if len(m.Command) == 0 || strings.TrimSpace(m.Command[0]) == "" {
		return nil, services.Wrap(services.ErrUnsupported, "capture", "open microphone", "no capture command configured", nil)
	}
	procCtx, cancel := context.WithCancel(ctx)
	cmd := commandContext(procCtx, m.Command[0], m.Command[1:]...) //nolint:gosec
	stderr := &limitedBuffer{limit: 4 << 10}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, services.Wrap(services.ErrResource, "capture", "open microphone", "stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, services.Wrap(services.ErrUnsupported, "capture", "open microphone", m.Command[0]+" not installed", err)
		}
		return nil, services.Wrap(services.ErrResource, "capture", "open microphone", m.Command[0], err)
	}
	return &execStream{cmd: cmd, stdout: stdout, stderr: stderr, cancel: cancel}, nil
}

type execStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *limitedBuffer
	cancel context.CancelFunc

	once     sync.Once
	closeErr error
}

func (s *execStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		if waitErr := s.wait(); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

func (s *execStream) wait() error {
	s.once.Do(func() {
		err := s.cmd.Wait()
		if err != nil {
			if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
			s.closeErr = services.Wrap(services.ErrResource, "capture", "recorder exited", "", err)
		}
	})
	return s.closeErr
}

// Close stops the recorder. Killing the process is the normal way to end a
// capture, so the resulting exit status is not reported.
func (s *execStream) Close() error {
	s.cancel()
	_ = s.wait()
	return nil
}

type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
