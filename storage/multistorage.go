package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// MultiStorageBackend iterates over several backends with fallback: fetches
// return the first success, stores go to every available backend.
type MultiStorageBackend struct {
	backends []interfaces.ArtifactStorage
	log      *slog.Logger
}

// NewMultiStorageBackend creates a fallback backend over the given list.
func NewMultiStorageBackend(backends []interfaces.ArtifactStorage, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch returns the artifact from the first backend that has it.
func (m *MultiStorageBackend) Fetch(ctx context.Context, name interfaces.ArtifactName) ([]byte, error) {
	start := time.Now()
	var errs []error
	allMissing := true

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("artifact", string(name)))
			allMissing = false
			continue
		}

		data, err := backend.Fetch(ctx, name)
		if err == nil {
			m.log.Info("Fetched artifact",
				slog.String("backend_name", backend.Name()),
				slog.String("artifact", string(name)),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if !errors.Is(err, interfaces.ErrArtifactNotFound) {
			allMissing = false
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("artifact", string(name)),
			"err", err)
	}

	m.log.Error("All backends failed to fetch artifact",
		slog.String("artifact", string(name)),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	if allMissing && len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s missing from all backends", interfaces.ErrArtifactNotFound, name)
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %v", name, errs)
}

// FetchTo streams the artifact from the first backend that has it. Backends
// are asked for availability first so a partial stream from a dying backend
// is less likely; a failed stream is not resumed on the next backend since
// dst may already be partially written.
func (m *MultiStorageBackend) FetchTo(ctx context.Context, name interfaces.ArtifactName, dst io.Writer) (int64, error) {
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("artifact", string(name)))
			continue
		}

		n, err := backend.FetchTo(ctx, name, dst)
		if err == nil {
			return n, nil
		}
		if n > 0 {
			return n, fmt.Errorf("stream from %s failed mid-transfer: %w", backend.Name(), err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	return 0, fmt.Errorf("all backends failed to stream %s: %v", name, errs)
}

// Store writes the artifact to every available backend, succeeding if at
// least one write lands.
func (m *MultiStorageBackend) Store(ctx context.Context, name interfaces.ArtifactName, data []byte) error {
	start := time.Now()
	var success bool
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		err := backend.Store(ctx, name, data)
		if err == nil {
			if !success {
				success = true
				m.log.Info("Stored artifact",
					slog.String("backend_name", backend.Name()),
					slog.String("artifact", string(name)),
					slog.Duration("duration", time.Since(start)))
			}
			continue
		}
		if errors.Is(err, interfaces.ErrReadOnlyBackend) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to store to backend",
			slog.String("backend_name", backend.Name()),
			"err", err)
	}

	if !success {
		m.log.Error("All backends failed to store artifact",
			slog.String("artifact", string(name)),
			slog.Int("failed_backends", len(errs)))
		return fmt.Errorf("all backends failed to store %s: %v", name, errs)
	}
	return nil
}

// Available checks if any backend is available.
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend.
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns a combined URI covering all aggregated backends.
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
