package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/teekit/securestore/interfaces"
)

// FileBackend stores blobs on the local filesystem. Blobs are sharded into
// subdirectories by the first byte of the handle to keep directory sizes
// bounded.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file backend rooted at baseDir, creating it if
// needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "blobs"), 0700); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Store writes data under the location hint. Same hint, same path, so
// overwrites of a logical key replace the previous blob.
func (b *FileBackend) Store(ctx context.Context, locationHint string, data []byte) (interfaces.StorageLocation, error) {
	path := b.blobPath(locationHint)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return interfaces.StorageLocation{}, backendErr(fmt.Errorf("creating shard directory: %w", err))
	}

	// Write-then-rename so a crash never leaves a torn blob at the final
	// path.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return interfaces.StorageLocation{}, backendErr(fmt.Errorf("writing blob: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return interfaces.StorageLocation{}, backendErr(fmt.Errorf("publishing blob: %w", err))
	}

	b.log.Debug("Stored blob to file", "path", path, "size", len(data))
	return interfaces.StorageLocation{BackendURI: b.locationURI, Handle: locationHint}, nil
}

// Load reads the blob at a location.
func (b *FileBackend) Load(ctx context.Context, loc interfaces.StorageLocation) ([]byte, error) {
	data, err := os.ReadFile(b.blobPath(loc.Handle))
	if os.IsNotExist(err) {
		return nil, notFoundErr(loc.Handle)
	}
	if err != nil {
		return nil, backendErr(fmt.Errorf("reading blob: %w", err))
	}
	return data, nil
}

// Overwrite replaces the blob bytes in place. Used to zero-fill before
// delete.
func (b *FileBackend) Overwrite(ctx context.Context, loc interfaces.StorageLocation, data []byte) error {
	path := b.blobPath(loc.Handle)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return notFoundErr(loc.Handle)
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return backendErr(fmt.Errorf("opening blob for overwrite: %w", err))
	}
	defer f.Close()

	if _, err := f.WriteAt(data, 0); err != nil {
		return backendErr(fmt.Errorf("overwriting blob: %w", err))
	}
	if err := f.Sync(); err != nil {
		return backendErr(fmt.Errorf("syncing overwrite: %w", err))
	}
	return nil
}

// Delete removes the blob at a location.
func (b *FileBackend) Delete(ctx context.Context, loc interfaces.StorageLocation) error {
	err := os.Remove(b.blobPath(loc.Handle))
	if os.IsNotExist(err) {
		return notFoundErr(loc.Handle)
	}
	if err != nil {
		return backendErr(fmt.Errorf("removing blob: %w", err))
	}
	return nil
}

// Available checks that the base directory is accessible.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	return err == nil
}

// Name returns the backend identifier for logging.
func (b *FileBackend) Name() string {
	return "file"
}

// LocationURI returns the URI identifying this backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) blobPath(handle string) string {
	shard := "00"
	if len(handle) >= 2 {
		shard = handle[:2]
	}
	return filepath.Join(b.baseDir, "blobs", shard, handle)
}

func backendErr(err error) *interfaces.StorageError {
	return interfaces.NewStorageError(interfaces.ErrBackendError, interfaces.StageBackend, err)
}

func notFoundErr(handle string) *interfaces.StorageError {
	return interfaces.NewStorageError(interfaces.ErrNotFound, interfaces.StageBackend,
		fmt.Errorf("no blob at handle %q", handle))
}
