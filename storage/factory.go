package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// StorageBackendFactory creates artifact storage backends from URI strings
// and aggregates multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log            *slog.Logger
	httpClient     *http.Client
	awsCredentials S3Credentials
	tlsAuth        func() (tls.Certificate, error)
}

// NewStorageBackendFactory creates a factory instance.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// WithHTTPClient injects the HTTP client used by network backends. Inside
// the enclave this is the client whose dialer targets the object-store
// egress channel.
func (sf *StorageBackendFactory) WithHTTPClient(client *http.Client) *StorageBackendFactory {
	sf.httpClient = client
	return sf
}

// WithAWSCredentials sets the credentials S3 backends sign with when the
// location URI does not embed its own.
func (sf *StorageBackendFactory) WithAWSCredentials(creds S3Credentials) *StorageBackendFactory {
	sf.awsCredentials = creds
	return sf
}

// WithTLSAuth configures client certificate authentication for backends
// that support it (vault).
func (sf *StorageBackendFactory) WithTLSAuth(fn func() (tls.Certificate, error)) interfaces.StorageBackendFactory {
	sf.tlsAuth = fn
	return sf
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - local filesystem directory
//   - s3://   - Amazon S3 or compatible object storage
//   - ipfs:// - read-only IPFS directory mirror
//   - github:// - read-only GitHub repository path
//   - vault:// - HashiCorp Vault KV v2, small artifacts only
func (sf *StorageBackendFactory) StorageBackendFor(loc interfaces.StorageBackendLocation) (interfaces.ArtifactStorage, error) {
	switch {
	case loc.IsFile():
		return sf.createFileBackend(loc)
	case loc.IsS3():
		return sf.createS3Backend(loc)
	case loc.IsIPFS():
		return sf.createIPFSBackend(loc)
	case loc.IsGitHub():
		return sf.createGitHubBackend(loc)
	case loc.IsVault():
		return sf.createVaultBackend(loc)
	case loc.IsOnChain():
		return nil, fmt.Errorf("onchain locations hold trust anchors, not artifacts; configure it as a registry instead")
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", loc.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of
// location URIs, skipping URIs that fail to construct. Returns an error if
// no valid backend could be created.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []interfaces.StorageBackendLocation) (interfaces.ArtifactStorage, error) {
	backends := make([]interfaces.ArtifactStorage, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", uri.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.ArtifactStorage, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	return NewFileBackend(path, sf.log)
}

func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.ArtifactStorage, error) {
	sf.log.Debug("Creating S3 backend", slog.String("uri", loc.String()))

	bucketName := loc.Host
	prefix := strings.TrimPrefix(loc.Path, "/")
	region := loc.GetParam("region")
	endpoint := loc.GetParam("endpoint")

	creds := sf.awsCredentials
	if loc.Auth != "" {
		// auth is access:secret embedded in the URI.
		accessKey, secretKey, _ := strings.Cut(loc.Auth, ":")
		creds = S3Credentials{AccessKey: accessKey, SecretKey: secretKey}
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, creds, sf.httpClient, sf.log)
}

func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.ArtifactStorage, error) {
	sf.log.Debug("Creating IPFS backend", slog.String("uri", loc.String()))

	host, port, found := strings.Cut(loc.Host, ":")
	if !found {
		port = "5001"
	}

	root := strings.Trim(loc.Path, "/")
	useGateway := loc.GetParamBool("gateway")
	timeout := loc.GetParam("timeout")
	if timeout == "" {
		timeout = "30s"
	}

	return NewIPFSBackend(host, port, root, useGateway, timeout, sf.log)
}

func (sf *StorageBackendFactory) createGitHubBackend(loc interfaces.StorageBackendLocation) (interfaces.ArtifactStorage, error) {
	sf.log.Debug("Creating GitHub backend", slog.String("uri", loc.String()))

	owner := loc.Host
	repo := strings.Trim(loc.Path, "/")
	if owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("%w: expected github://owner/repo", interfaces.ErrInvalidLocationURI)
	}

	ref := loc.GetParam("ref")
	prefix := loc.GetParam("path")

	return NewGitHubBackend(owner, repo, ref, prefix, sf.httpClient, sf.log), nil
}

func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.ArtifactStorage, error) {
	sf.log.Debug("Creating Vault backend", slog.String("uri", loc.String()))

	scheme := "https"
	if loc.GetParamBool("insecure") {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, loc.Host)

	mountPath, dataPath, found := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	if !found || mountPath == "" || dataPath == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path", interfaces.ErrInvalidLocationURI)
	}

	var clientCert *tls.Certificate
	if sf.tlsAuth != nil {
		cert, err := sf.tlsAuth()
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS client certificate: %w", err)
		}
		clientCert = &cert
	}

	return NewVaultBackend(address, mountPath, dataPath, clientCert, sf.log)
}
