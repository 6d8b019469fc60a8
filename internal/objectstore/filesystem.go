package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/correlator-io/edgedetect/internal/detection"
)

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// Filesystem stores objects as files below a root directory.
type Filesystem struct {
	root string
}

var _ Store = (*Filesystem)(nil)

// NewFilesystem creates root if needed and returns a store rooted there.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		return nil, ErrRootRequired
	}

	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", detection.ErrStorage, root, err)
	}

	return &Filesystem{root: root}, nil
}

// Put writes data to a temp file next to the target and renames it into
// place, so readers never observe a partial image.
func (f *Filesystem) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	target := f.path(key)

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return "", fmt.Errorf("%w: %w", detection.ErrStorage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: %w", detection.ErrStorage, err)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}

	closeErr := tmp.Close()

	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(tmpName)

		return "", fmt.Errorf("%w: write %s: %w", detection.ErrStorage, key, err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		_ = os.Remove(tmpName)

		return "", fmt.Errorf("%w: %w", detection.ErrStorage, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)

		return "", fmt.Errorf("%w: rename %s: %w", detection.ErrStorage, key, err)
	}

	return key, nil
}

// Get reads the object stored under key.
func (f *Filesystem) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", detection.ErrStorage, key, err)
	}

	return data, nil
}

// Delete removes the object stored under key.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %w", detection.ErrStorage, key, err)
	}

	return nil
}

// HealthCheck verifies the root directory is still present.
func (f *Filesystem) HealthCheck(_ context.Context) error {
	info, err := os.Stat(f.root)
	if err != nil {
		return fmt.Errorf("%w: %w", detection.ErrStorage, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", detection.ErrStorage, f.root)
	}

	return nil
}

func (f *Filesystem) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}
