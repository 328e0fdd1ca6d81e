package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// FileBackend stores artifacts as plain files in one directory. It backs
// development provisioning and pre-staged artifact directories on the host.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file storage backend rooted at baseDir, creating
// the directory if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads an artifact fully into memory.
func (b *FileBackend) Fetch(ctx context.Context, name interfaces.ArtifactName) ([]byte, error) {
	path, err := b.artifactPath(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	b.log.Debug("Fetched artifact from file",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return data, nil
}

// FetchTo streams an artifact into dst.
func (b *FileBackend) FetchTo(ctx context.Context, name interfaces.ArtifactName, dst io.Writer) (int64, error) {
	path, err := b.artifactPath(name)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, interfaces.ErrArtifactNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(dst, f)
	if err != nil {
		return n, fmt.Errorf("failed to stream artifact: %w", err)
	}

	b.log.Debug("Streamed artifact from file",
		slog.String("path", path),
		slog.Int64("size", n))
	return n, nil
}

// Store writes an artifact under its name.
func (b *FileBackend) Store(ctx context.Context, name interfaces.ArtifactName, data []byte) error {
	path, err := b.artifactPath(name)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}

	b.log.Debug("Stored artifact in file",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return nil
}

// Available checks the base directory still exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.baseDir); err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) artifactPath(name interfaces.ArtifactName) (string, error) {
	if err := name.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(b.baseDir, string(name)), nil
}
