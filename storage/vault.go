package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// maxVaultArtifactSize bounds what may be written through this backend. The
// KV store is for anchors, IVs and wrapped keys, not model blobs.
const maxVaultArtifactSize = 512 * 1024

// VaultBackend stores small artifacts in HashiCorp Vault's KV v2 engine.
// Authentication uses the VAULT_TOKEN environment or an optional TLS client
// certificate.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault storage backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "enclave/bootstrap")
//   - clientCert: optional TLS client certificate for cert-based auth
func NewVaultBackend(address, mountPath, dataPath string, clientCert *tls.Certificate, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address

	if clientCert != nil {
		transport := &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{*clientCert},
			},
		}
		config.HttpClient = &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Fetch retrieves an artifact from the KV store.
func (b *VaultBackend) Fetch(ctx context.Context, name interfaces.ArtifactName) ([]byte, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	path := b.secretPath(name)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrArtifactNotFound
	}

	// KV v2 wraps the payload in a "data" map.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response at %s", path)
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data at %s", path)
	}

	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		// Hand-provisioned entries may hold the value as a raw string.
		decoded = []byte(content)
	}

	b.log.Debug("Fetched artifact from Vault",
		slog.String("path", path),
		slog.Int("size", len(decoded)),
		slog.Duration("duration", time.Since(start)))
	return decoded, nil
}

// FetchTo streams an artifact into dst. Vault artifacts are small, so this
// reads through Fetch.
func (b *VaultBackend) FetchTo(ctx context.Context, name interfaces.ArtifactName, dst io.Writer) (int64, error) {
	data, err := b.Fetch(ctx, name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, bytes.NewReader(data))
	if err != nil {
		return n, fmt.Errorf("failed to stream Vault artifact: %w", err)
	}
	return n, nil
}

// Store writes an artifact into the KV store.
func (b *VaultBackend) Store(ctx context.Context, name interfaces.ArtifactName, data []byte) error {
	if err := name.Validate(); err != nil {
		return err
	}
	if len(data) > maxVaultArtifactSize {
		return fmt.Errorf("artifact %s is %d bytes, vault backend accepts at most %d", name, len(data), maxVaultArtifactSize)
	}
	path := b.secretPath(name)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored artifact in Vault",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return nil
}

// Available checks Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) secretPath(name interfaces.ArtifactName) string {
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, name)
}
