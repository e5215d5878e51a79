package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"carenote/internal/services"
)

// BlobStore writes artifact audio to files under one directory.
type BlobStore struct {
	dir     string
	minFree uint64
	freeFn  func(dir string) (uint64, error)
}

// NewBlobStore creates a store rooted at dir that refuses writes leaving less
// than minFreeBytes available.
func NewBlobStore(dir string, minFreeBytes int64) *BlobStore {
	if minFreeBytes < 0 {
		minFreeBytes = 0
	}
	return &BlobStore{dir: dir, minFree: uint64(minFreeBytes), freeFn: freeBytes}
}

// Dir returns the blob directory.
func (b *BlobStore) Dir() string {
	return b.dir
}

// Write stores data as <id><ext>. The file is synced and renamed into place so
// a crash leaves either the whole blob or nothing.
func (b *BlobStore) Write(id, ext string, data []byte) (string, error) {
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return "", services.Wrap(services.ErrResource, "audio", "blob dir", b.dir, err)
	}
	free, err := b.freeFn(b.dir)
	if err != nil {
		return "", services.Wrap(services.ErrResource, "audio", "statfs", b.dir, err)
	}
	if need := uint64(len(data)) + b.minFree; free < need {
		return "", services.Wrap(services.ErrResource, "audio", "disk space",
			fmt.Sprintf("%d bytes free, %d needed", free, need), nil)
	}

	target := filepath.Join(b.dir, id+ext)
	tmp, err := os.CreateTemp(b.dir, id+"-*.part")
	if err != nil {
		return "", services.Wrap(services.ErrResource, "audio", "create blob", target, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return "", services.Wrap(services.ErrResource, "audio", "write blob", target, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", services.Wrap(services.ErrResource, "audio", "sync blob", target, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", services.Wrap(services.ErrResource, "audio", "close blob", target, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", services.Wrap(services.ErrResource, "audio", "rename blob", target, err)
	}
	return target, nil
}

// Open returns a reader for a stored blob.
func (b *BlobStore) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Remove deletes a blob. Missing files are not an error.
func (b *BlobStore) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func freeBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
