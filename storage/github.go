package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// GitHubBackend reads artifacts from a repository path using the GitHub
// contents API with the raw media type. Read-only; trust anchor documents
// are its typical cargo.
type GitHubBackend struct {
	owner       string
	repo        string
	ref         string
	prefix      string
	client      *http.Client
	log         *slog.Logger
	locationURI string
}

// NewGitHubBackend creates a read-only GitHub storage backend. An empty ref
// follows the repository's default branch.
func NewGitHubBackend(owner, repo, ref, prefix string, httpClient *http.Client, log *slog.Logger) *GitHubBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	uri := fmt.Sprintf("github://%s/%s", owner, repo)
	if ref != "" || prefix != "" {
		uri += fmt.Sprintf("?ref=%s&path=%s", ref, prefix)
	}

	return &GitHubBackend{
		owner:       owner,
		repo:        repo,
		ref:         ref,
		prefix:      prefix,
		client:      httpClient,
		log:         log,
		locationURI: uri,
	}
}

// Fetch retrieves an artifact fully into memory.
func (b *GitHubBackend) Fetch(ctx context.Context, name interfaces.ArtifactName) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.FetchTo(ctx, name, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FetchTo streams an artifact into dst.
func (b *GitHubBackend) FetchTo(ctx context.Context, name interfaces.ArtifactName, dst io.Writer) (int64, error) {
	if err := name.Validate(); err != nil {
		return 0, err
	}

	contentPath := path.Join(b.prefix, string(name))
	apiURL := fmt.Sprintf("https://api.github.com/repos/%s/%s/contents/%s", b.owner, b.repo, contentPath)
	if b.ref != "" {
		apiURL += "?ref=" + url.QueryEscape(b.ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.raw")

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, interfaces.ErrArtifactNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("GitHub API error: %s, %s", resp.Status, string(body))
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read GitHub content: %w", err)
	}

	b.log.Debug("Fetched artifact from GitHub",
		slog.String("path", contentPath),
		slog.Int64("size", n))
	return n, nil
}

// Store is not implemented for this read-only backend.
func (b *GitHubBackend) Store(ctx context.Context, name interfaces.ArtifactName, data []byte) error {
	return interfaces.ErrReadOnlyBackend
}

// Available checks if the repository is accessible.
func (b *GitHubBackend) Available(ctx context.Context) bool {
	apiURL := fmt.Sprintf("https://api.github.com/repos/%s/%s", b.owner, b.repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		b.log.Debug("Failed to create request", "err", err)
		return false
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Debug("GitHub backend unavailable", "err", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.log.Debug("GitHub backend unavailable", slog.String("status", resp.Status))
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *GitHubBackend) Name() string {
	return fmt.Sprintf("github-%s-%s", b.owner, b.repo)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *GitHubBackend) LocationURI() string {
	return b.locationURI
}
