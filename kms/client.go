// Package kms unwraps the model data key through the AWS KMS decrypt
// operation, presenting attestation evidence so the key policy can bind the
// release to this enclave's measurements.
package kms

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awskms "github.com/aws/aws-sdk-go/service/kms"

	"github.com/enclavekit/inference-bootstrap/attestation"
	"github.com/enclavekit/inference-bootstrap/envelope"
	"github.com/enclavekit/inference-bootstrap/imds"
)

// ErrUnwrap wraps every key unwrap failure. Unwrap outcomes are
// authorization decisions, so callers must not retry.
var ErrUnwrap = errors.New("key unwrap failed")

// UnwrapRequest carries one wrapped data key to the decrypt operation.
type UnwrapRequest struct {
	// Ciphertext is the KMS-wrapped data key blob.
	Ciphertext []byte

	// Region the key lives in.
	Region string

	// Credentials are the role credentials fetched over the metadata
	// channel.
	Credentials imds.Credentials
}

// ClientConfig configures an unwrap client.
type ClientConfig struct {
	// Endpoint overrides the KMS API endpoint. Empty selects the regional
	// default, with the transport expected to carry the traffic over the
	// kms egress channel.
	Endpoint string

	// HTTPClient performs the KMS API calls.
	HTTPClient *http.Client

	// Provider supplies attestation documents for the recipient flow. When
	// nil the client falls back to the plaintext response, which only works
	// against key policies without an attestation condition.
	Provider attestation.Provider

	// Log receives unwrap diagnostics. Required.
	Log *slog.Logger
}

// Client performs attested KMS decrypt calls.
type Client struct {
	endpoint string
	http     *http.Client
	provider attestation.Provider
	log      *slog.Logger
}

// NewClient creates an unwrap client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Log == nil {
		return nil, errors.New("kms client requires a logger")
	}
	return &Client{
		endpoint: cfg.Endpoint,
		http:     cfg.HTTPClient,
		provider: cfg.Provider,
		log:      cfg.Log,
	}, nil
}

// Unwrap decrypts the wrapped data key and returns exactly
// envelope.KeySize bytes of key material. Any API error, authorization
// denial, or unexpected plaintext length is ErrUnwrap; the call is never
// retried because a repeated attempt cannot change an authorization outcome.
func (c *Client) Unwrap(ctx context.Context, req UnwrapRequest) ([]byte, error) {
	if len(req.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: no wrapped key ciphertext", ErrUnwrap)
	}
	if req.Region == "" {
		return nil, fmt.Errorf("%w: no region", ErrUnwrap)
	}
	if req.Credentials.AccessKeyID == "" || req.Credentials.SecretAccessKey == "" || req.Credentials.SessionToken == "" {
		return nil, fmt.Errorf("%w: incomplete credentials", ErrUnwrap)
	}

	cfg := aws.Config{
		Region: aws.String(req.Region),
		Credentials: credentials.NewStaticCredentials(
			req.Credentials.AccessKeyID,
			req.Credentials.SecretAccessKey,
			req.Credentials.SessionToken,
		),
		// A failed unwrap is final. Keep the SDK from papering over it.
		MaxRetries: aws.Int(0),
	}
	if c.endpoint != "" {
		cfg.Endpoint = aws.String(c.endpoint)
	}
	if c.http != nil {
		cfg.HTTPClient = c.http
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: could not create session: %v", ErrUnwrap, err)
	}
	svc := awskms.New(sess)

	input := &awskms.DecryptInput{CiphertextBlob: req.Ciphertext}

	var recipientKey *rsa.PrivateKey
	if c.provider != nil {
		recipientKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("%w: could not generate recipient key: %v", ErrUnwrap, err)
		}
		defer zeroRSAKey(recipientKey)

		pubDER, err := x509.MarshalPKIXPublicKey(&recipientKey.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: could not encode recipient key: %v", ErrUnwrap, err)
		}
		doc, err := c.provider.Attest(attestation.AttestArgs{PublicKey: pubDER})
		if err != nil {
			return nil, fmt.Errorf("%w: could not obtain attestation document: %v", ErrUnwrap, err)
		}

		input.Recipient = &awskms.RecipientInfo{
			AttestationDocument:    doc,
			KeyEncryptionAlgorithm: aws.String(awskms.KeyEncryptionMechanismRsaesOaepSha256),
		}
		c.log.Info("Requesting attested key unwrap",
			"region", req.Region,
			"attestation_type", string(c.provider.AttestationType()))
	} else {
		c.log.Warn("Requesting key unwrap without attestation evidence", "region", req.Region)
	}

	out, err := svc.DecryptWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt call failed: %v", ErrUnwrap, err)
	}

	var key []byte
	switch {
	case c.provider != nil:
		if len(out.CiphertextForRecipient) == 0 {
			return nil, fmt.Errorf("%w: response carries no recipient envelope", ErrUnwrap)
		}
		key, err = decryptEnvelopedData(recipientKey, out.CiphertextForRecipient)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
		}
	default:
		key = out.Plaintext
	}

	if len(key) != envelope.KeySize {
		zeroBytes(key)
		return nil, fmt.Errorf("%w: unwrapped key is %d bytes, expected %d", ErrUnwrap, len(key), envelope.KeySize)
	}

	c.log.Info("Unwrapped data key", "key_id", aws.StringValue(out.KeyId))
	return key, nil
}

// ParseWrappedKey interprets a wrapped key artifact. Provisioning pipelines
// store the blob either raw or base64 encoded.
func ParseWrappedKey(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if decoded, err := base64.StdEncoding.DecodeString(string(trimmed)); err == nil && len(decoded) > 0 {
		return decoded
	}
	return trimmed
}
