package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/starford/healthvault/internal/apperr"
	"github.com/starford/healthvault/internal/checksum"
)

var pointerRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FS implements Store on the local file system. Pointers are the SHA-256
// hex digest of the blob, fanned out into two-character subdirectories.
type FS struct {
	root string // absolute path to the blob directory
}

// NewFS creates a store rooted at dir, creating it if needed.
func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("blobstore: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("blobstore: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("blobstore: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute directory blobs are stored in.
func (f *FS) Root() string { return f.root }

// path maps a pointer to its file and rejects anything that is not a digest
// or that would resolve outside root.
func (f *FS) path(pointer string) (string, error) {
	if !pointerRe.MatchString(pointer) {
		return "", apperr.Invalid("malformed content pointer %q", pointer)
	}
	abs := filepath.Join(f.root, pointer[:2], pointer)
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", apperr.Invalid("content pointer escapes store root")
	}
	return abs, nil
}

// Put writes blob atomically: tmp file, fsync, rename. Writing the same
// blob twice is a no-op.
func (f *FS) Put(ctx context.Context, blob []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("blobstore: put: %w: %w", apperr.ErrStorageUnavailable, err)
	}
	pointer := checksum.Sum(blob)
	abs, _ := f.path(pointer)
	if _, err := os.Stat(abs); err == nil {
		return pointer, nil
	}
	if err := f.write(abs, blob); err != nil {
		return "", fmt.Errorf("%w: %w", apperr.ErrStorageUnavailable, err)
	}
	return pointer, nil
}

func (f *FS) write(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("blobstore: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-tmp-*")
	if err != nil {
		return fmt.Errorf("blobstore: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("blobstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("blobstore: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blobstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("blobstore: rename: %w", err)
	}
	success = true
	return nil
}

// Get reads the blob stored under pointer. A missing blob is reported as
// storage unavailable: the ledger says it exists, so the store is at fault.
func (f *FS) Get(ctx context.Context, pointer string) ([]byte, error) {
	abs, err := f.path(pointer)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("blobstore: get: %w: %w", apperr.ErrStorageUnavailable, err)
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blobstore: get %s: %w: blob missing", pointer, apperr.ErrStorageUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w: %w", pointer, apperr.ErrStorageUnavailable, err)
	}
	return data, nil
}

var _ Store = (*FS)(nil)
