// Package imds retrieves the instance identity context and role credentials
// from the EC2 instance metadata service, reached through the bootstrap's
// metadata egress channel. All requests follow the IMDSv2 token flow.
package imds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrCredentialFetch wraps every failure in the metadata and credential
// retrieval sequence. There are no partial results behind it.
var ErrCredentialFetch = errors.New("instance credential fetch failed")

const (
	// DefaultBaseURL is the metadata service as seen with a routable
	// interface. Inside the enclave the base URL points at the metadata
	// channel's local endpoint instead.
	DefaultBaseURL = "http://169.254.169.254"

	tokenPath       = "/latest/api/token"
	identityDocPath = "/latest/dynamic/instance-identity/document"
	roleCredsPath   = "/latest/meta-data/iam/security-credentials/"

	tokenTTLHeader = "X-aws-ec2-metadata-token-ttl-seconds"
	tokenHeader    = "X-aws-ec2-metadata-token"
	tokenTTL       = "21600"
)

// InstanceContext identifies where this instance runs. Region and account
// seed the egress allowlist and the KMS call.
type InstanceContext struct {
	Region    string
	AccountID string
}

// Credentials are the role-scoped temporary credentials of the instance.
type Credentials struct {
	AccessKeyID     string    `json:"AccessKeyId"`
	SecretAccessKey string    `json:"SecretAccessKey"`
	SessionToken    string    `json:"Token"`
	Expiration      time.Time `json:"Expiration"`
}

// ClientConfig configures a metadata client.
type ClientConfig struct {
	// BaseURL of the metadata service. Defaults to DefaultBaseURL.
	BaseURL string

	// Client performs the HTTP requests and bounds each one with its
	// timeout. Defaults to a 10 second client.
	Client *http.Client

	// Log receives per-step diagnostics. Required.
	Log *slog.Logger
}

// Client talks IMDSv2 to the instance metadata service.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// NewClient creates a metadata client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Log == nil {
		return nil, errors.New("metadata client requires a logger")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.Client,
		log:     cfg.Log,
	}, nil
}

// FetchInstanceContext returns the region and account of the running
// instance from the instance identity document.
func (c *Client) FetchInstanceContext(ctx context.Context) (InstanceContext, error) {
	token, err := c.fetchToken(ctx)
	if err != nil {
		return InstanceContext{}, err
	}

	body, err := c.get(ctx, identityDocPath, token)
	if err != nil {
		return InstanceContext{}, err
	}

	var doc struct {
		Region    string `json:"region"`
		AccountID string `json:"accountId"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return InstanceContext{}, fmt.Errorf("%w: malformed instance identity document: %v", ErrCredentialFetch, err)
	}
	if doc.Region == "" || doc.AccountID == "" {
		return InstanceContext{}, fmt.Errorf("%w: instance identity document missing region or account", ErrCredentialFetch)
	}

	c.log.Info("Resolved instance context", "region", doc.Region, "account", doc.AccountID)
	return InstanceContext{Region: doc.Region, AccountID: doc.AccountID}, nil
}

// FetchCredentials returns the role credentials of the instance: token, then
// role name, then the role's credential document. A failure at any step fails
// the whole call.
func (c *Client) FetchCredentials(ctx context.Context) (Credentials, error) {
	token, err := c.fetchToken(ctx)
	if err != nil {
		return Credentials{}, err
	}

	roleBody, err := c.get(ctx, roleCredsPath, token)
	if err != nil {
		return Credentials{}, err
	}
	role, _, _ := strings.Cut(strings.TrimSpace(string(roleBody)), "\n")
	if role == "" {
		return Credentials{}, fmt.Errorf("%w: no IAM role attached to instance", ErrCredentialFetch)
	}

	credsBody, err := c.get(ctx, roleCredsPath+role, token)
	if err != nil {
		return Credentials{}, err
	}

	var creds Credentials
	if err := json.Unmarshal(credsBody, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: malformed credentials for role %s: %v", ErrCredentialFetch, role, err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" || creds.SessionToken == "" {
		return Credentials{}, fmt.Errorf("%w: credentials for role %s are missing fields", ErrCredentialFetch, role)
	}

	c.log.Info("Fetched role credentials", "role", role, "expiration", creds.Expiration)
	return creds, nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialFetch, err)
	}
	req.Header.Set(tokenTTLHeader, tokenTTL)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: could not request session token: %v", ErrCredentialFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned status %d", ErrCredentialFetch, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: could not read session token: %v", ErrCredentialFetch, err)
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", fmt.Errorf("%w: token endpoint returned an empty token", ErrCredentialFetch)
	}
	return token, nil
}

func (c *Client) get(ctx context.Context, path, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialFetch, err)
	}
	req.Header.Set(tokenHeader, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: could not request %s: %v", ErrCredentialFetch, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrCredentialFetch, path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read %s: %v", ErrCredentialFetch, path, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: %s returned an empty response", ErrCredentialFetch, path)
	}
	return body, nil
}
