package kms

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclavekit/inference-bootstrap/attestation"
	"github.com/enclavekit/inference-bootstrap/envelope"
	"github.com/enclavekit/inference-bootstrap/imds"
)

// echoProvider hands the recipient public key back as the attestation
// document so the fake KMS can wrap responses to it.
type echoProvider struct{}

func (echoProvider) AttestationType() attestation.AttestationType {
	return attestation.StaticAttestation
}

func (echoProvider) Attest(args attestation.AttestArgs) ([]byte, error) {
	return args.PublicKey, nil
}

type decryptRequest struct {
	CiphertextBlob []byte
	Recipient      *struct {
		AttestationDocument    []byte
		KeyEncryptionAlgorithm string
	}
}

func testCredentials() imds.Credentials {
	return imds.Credentials{
		AccessKeyID:     "ASIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "session",
	}
}

func testUnwrapClient(t *testing.T, handler http.Handler, provider attestation.Provider) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{
		Endpoint:   srv.URL,
		HTTPClient: srv.Client(),
		Provider:   provider,
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return client
}

func TestUnwrapPlaintextPath(t *testing.T) {
	wrapped := []byte("wrapped-data-key-blob")
	dataKey := bytes.Repeat([]byte{0xD4}, envelope.KeySize)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TrentService.Decrypt", r.Header.Get("X-Amz-Target"))

		var req decryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, wrapped, req.CiphertextBlob)
		assert.Nil(t, req.Recipient)

		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"KeyId":     "arn:aws:kms:us-east-1:123456789012:key/test",
			"Plaintext": dataKey,
		})
	})

	client := testUnwrapClient(t, handler, nil)
	key, err := client.Unwrap(context.Background(), UnwrapRequest{
		Ciphertext:  wrapped,
		Region:      "us-east-1",
		Credentials: testCredentials(),
	})
	require.NoError(t, err)
	assert.Equal(t, dataKey, key)
}

func TestUnwrapRecipientPath(t *testing.T) {
	wrapped := []byte("wrapped-data-key-blob")
	dataKey := bytes.Repeat([]byte{0x5A}, envelope.KeySize)
	cek := bytes.Repeat([]byte{0x31}, envelope.KeySize)
	iv := bytes.Repeat([]byte{0x07}, envelope.IVSize)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req decryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Recipient)
		assert.Equal(t, "RSAES_OAEP_SHA_256", req.Recipient.KeyEncryptionAlgorithm)

		pub, err := x509.ParsePKIXPublicKey(req.Recipient.AttestationDocument)
		require.NoError(t, err)

		der := buildRecipientEnvelope(t, pub.(*rsa.PublicKey), cek, iv, dataKey)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"KeyId":                  "arn:aws:kms:us-east-1:123456789012:key/test",
			"CiphertextForRecipient": der,
		})
	})

	client := testUnwrapClient(t, handler, echoProvider{})
	key, err := client.Unwrap(context.Background(), UnwrapRequest{
		Ciphertext:  wrapped,
		Region:      "us-east-1",
		Credentials: testCredentials(),
	})
	require.NoError(t, err)
	assert.Equal(t, dataKey, key)
}

func TestUnwrapRejectsWrongKeyLength(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"KeyId":     "arn:aws:kms:us-east-1:123456789012:key/test",
			"Plaintext": bytes.Repeat([]byte{0x01}, envelope.KeySize-1),
		})
	})

	client := testUnwrapClient(t, handler, nil)
	_, err := client.Unwrap(context.Background(), UnwrapRequest{
		Ciphertext:  []byte("blob"),
		Region:      "us-east-1",
		Credentials: testCredentials(),
	})
	require.ErrorIs(t, err, ErrUnwrap)
}

func TestUnwrapDeniedIsFatalAndNotRetried(t *testing.T) {
	requests := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		// A retryable status by SDK defaults. The unwrap client must still
		// make exactly one attempt.
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"__type":"KMSInternalException","message":"unavailable"}`) //nolint:errcheck
	})

	client := testUnwrapClient(t, handler, nil)
	_, err := client.Unwrap(context.Background(), UnwrapRequest{
		Ciphertext:  []byte("blob"),
		Region:      "us-east-1",
		Credentials: testCredentials(),
	})
	require.ErrorIs(t, err, ErrUnwrap)
	assert.Equal(t, 1, requests)
}

func TestUnwrapValidatesRequest(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request must reach the endpoint")
	})
	client := testUnwrapClient(t, handler, nil)

	cases := []struct {
		name string
		req  UnwrapRequest
	}{
		{"empty ciphertext", UnwrapRequest{Region: "us-east-1", Credentials: testCredentials()}},
		{"empty region", UnwrapRequest{Ciphertext: []byte("blob"), Credentials: testCredentials()}},
		{"incomplete credentials", UnwrapRequest{
			Ciphertext:  []byte("blob"),
			Region:      "us-east-1",
			Credentials: imds.Credentials{AccessKeyID: "only-this"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.Unwrap(context.Background(), tc.req)
			require.ErrorIs(t, err, ErrUnwrap)
		})
	}
}

func TestParseWrappedKey(t *testing.T) {
	raw := []byte{0x01, 0x02, 0xFF, 0xFE}

	assert.Equal(t, raw, ParseWrappedKey(append([]byte(nil), raw...)))

	encoded := base64.StdEncoding.EncodeToString(raw)
	assert.Equal(t, raw, ParseWrappedKey([]byte(encoded+"\n")))
}
