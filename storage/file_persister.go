// Package storage persists capture artifacts (screenshots, screencast frames
// and session metadata) and owns their on-disk naming scheme.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FilePersister will persist files. It abstracts away the where and how of
// writing files to the destination.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister persists files to a filesystem. The filesystem is an
// afero.Fs so tests can swap in an in-memory one.
type LocalFilePersister struct {
	fs afero.Fs
}

// NewLocalFilePersister returns a persister writing to the local disk.
func NewLocalFilePersister() *LocalFilePersister {
	return &LocalFilePersister{fs: afero.NewOsFs()}
}

// NewFilePersister returns a persister writing to the given filesystem.
func NewFilePersister(fs afero.Fs) *LocalFilePersister {
	return &LocalFilePersister{fs: fs}
}

// Persist writes the contents of data to path, creating parent directories
// as needed. Artifact filenames are unique (timestamp or session based), so
// concurrent writers never target the same path.
func (l *LocalFilePersister) Persist(_ context.Context, path string, data io.Reader) (err error) {
	cp := filepath.Clean(path)

	dir := filepath.Dir(cp)
	if err = l.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating artifact directory %q: %w", dir, err)
	}

	f, err := l.fs.OpenFile(cp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating artifact file %q: %w", cp, err)
	}
	defer func() {
		closeErr := f.Close()
		// Only return the close error if there isn't already an existing error.
		if closeErr != nil && err == nil {
			err = fmt.Errorf("closing artifact file %q: %w", cp, closeErr)
		}
	}()

	_, err = io.Copy(f, data)

	return err
}
