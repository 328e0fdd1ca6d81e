package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// IPFSBackend reads artifacts out of a pinned IPFS directory, addressed by
// the directory CID. It is a read-only mirror for provisioning transactions
// published alongside the object store.
type IPFSBackend struct {
	shell         *shell.Shell
	host          string
	port          string
	root          string
	useGateway    bool
	gatewayClient *http.Client
	log           *slog.Logger
	locationURI   string
}

// NewIPFSBackend creates an IPFS backend reading from the directory named by
// root (a CID). When useGateway is true it fetches over the node's HTTP
// gateway instead of the API.
func NewIPFSBackend(host, port, root string, useGateway bool, timeout string, log *slog.Logger) (*IPFSBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: ipfs location has no root directory CID", interfaces.ErrInvalidLocationURI)
	}

	d, err := time.ParseDuration(timeout)
	if err != nil || d <= 0 {
		d = 30 * time.Second
	}

	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	sh.SetTimeout(d)

	var uri string
	if useGateway {
		uri = fmt.Sprintf("ipfs://%s/%s?gateway=true&timeout=%s", apiURL, root, timeout)
	} else {
		uri = fmt.Sprintf("ipfs://%s/%s?timeout=%s", apiURL, root, timeout)
	}

	return &IPFSBackend{
		shell:         sh,
		host:          host,
		port:          port,
		root:          root,
		useGateway:    useGateway,
		gatewayClient: &http.Client{Timeout: d},
		log:           log,
		locationURI:   uri,
	}, nil
}

// Fetch retrieves an artifact fully into memory.
func (b *IPFSBackend) Fetch(ctx context.Context, name interfaces.ArtifactName) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.FetchTo(ctx, name, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FetchTo streams an artifact into dst.
func (b *IPFSBackend) FetchTo(ctx context.Context, name interfaces.ArtifactName, dst io.Writer) (int64, error) {
	if err := name.Validate(); err != nil {
		return 0, err
	}
	ipfsPath := fmt.Sprintf("/ipfs/%s/%s", b.root, name)
	start := time.Now()

	var body io.ReadCloser
	if b.useGateway {
		url := fmt.Sprintf("http://%s:%s%s", b.host, b.port, ipfsPath)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to create gateway request: %w", err)
		}
		resp, err := b.gatewayClient.Do(req)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return 0, interfaces.ErrArtifactNotFound
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return 0, fmt.Errorf("gateway returned status %d for %s", resp.StatusCode, ipfsPath)
		}
		body = resp.Body
	} else {
		reader, err := b.shell.Cat(ipfsPath)
		if err != nil {
			if strings.Contains(err.Error(), "no link named") {
				b.log.Debug("Artifact not found in IPFS",
					slog.String("path", ipfsPath),
					slog.Duration("duration", time.Since(start)))
				return 0, interfaces.ErrArtifactNotFound
			}
			return 0, fmt.Errorf("failed to fetch from IPFS: %w", err)
		}
		body = reader
	}
	defer body.Close()

	n, err := io.Copy(dst, body)
	if err != nil {
		return n, fmt.Errorf("failed to read IPFS content: %w", err)
	}

	b.log.Debug("Fetched artifact from IPFS",
		slog.String("path", ipfsPath),
		slog.Int64("size", n),
		slog.Duration("duration", time.Since(start)))
	return n, nil
}

// Store is not supported; the mirror is populated out of band.
func (b *IPFSBackend) Store(ctx context.Context, name interfaces.ArtifactName, data []byte) error {
	return interfaces.ErrReadOnlyBackend
}

// Available checks the IPFS node is reachable.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	if b.useGateway {
		url := fmt.Sprintf("http://%s:%s/ipfs/%s/", b.host, b.port, b.root)
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := b.gatewayClient.Do(req)
		if err != nil {
			b.log.Debug("IPFS gateway unavailable", "err", err)
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
	return b.shell.IsUp()
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
