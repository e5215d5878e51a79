package audio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"carenote/internal/services"
)

func TestBlobStoreWriteAndRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	blobs := NewBlobStore(dir, 0)

	path, err := blobs.Write("a1", ".wav", []byte("RIFF"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(path) != "a1.wav" {
		t.Fatalf("unexpected path %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "RIFF" {
		t.Fatalf("blob contents = %q, %v", data, err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.part"))
	if len(leftovers) != 0 {
		t.Fatalf("temporary files left behind: %v", leftovers)
	}
	if err := blobs.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := blobs.Remove(path); err != nil {
		t.Fatalf("second Remove should be a no-op: %v", err)
	}
}

func TestBlobStoreRefusesWhenDiskIsFull(t *testing.T) {
	blobs := NewBlobStore(t.TempDir(), 1024)
	blobs.freeFn = func(string) (uint64, error) { return 1500, nil }

	if _, err := blobs.Write("small", ".wav", make([]byte, 100)); err != nil {
		t.Fatalf("small write should fit: %v", err)
	}
	_, err := blobs.Write("big", ".wav", make([]byte, 600))
	if !errors.Is(err, services.ErrResource) {
		t.Fatalf("expected resource error, got %v", err)
	}
}
