package attestation

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignerCertPEM(t *testing.T) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "image-signer"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestMeasureImageDeterministic(t *testing.T) {
	content := bytes.Repeat([]byte("enclave image bytes "), 1024)

	first, err := MeasureImage(bytes.NewReader(content))
	require.NoError(t, err)
	second, err := MeasureImage(bytes.NewReader(content))
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.False(t, first.IsZero())
}

func TestMeasureImageContentSensitive(t *testing.T) {
	base := bytes.Repeat([]byte{0xAB}, 4096)
	modified := append([]byte(nil), base...)
	modified[2048] ^= 0x01

	first, err := MeasureImage(bytes.NewReader(base))
	require.NoError(t, err)
	second, err := MeasureImage(bytes.NewReader(modified))
	require.NoError(t, err)

	assert.False(t, first.Equal(second))
}

func TestMeasureSigner(t *testing.T) {
	certPEM := testSignerCertPEM(t)

	fromPEM, err := MeasureSigner(certPEM)
	require.NoError(t, err)

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	fromDER, err := MeasureSigner(block.Bytes)
	require.NoError(t, err)

	assert.True(t, fromPEM.Equal(fromDER))
}

func TestMeasureSignerRejectsGarbage(t *testing.T) {
	_, err := MeasureSigner([]byte("not a certificate"))
	assert.Error(t, err)
}

func TestComputeMeasurements(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "enclave.eif")
	require.NoError(t, os.WriteFile(imagePath, bytes.Repeat([]byte{0x42}, 8192), 0o600))

	observed, err := ComputeMeasurements(imagePath, testSignerCertPEM(t))
	require.NoError(t, err)

	assert.Contains(t, observed, RegisterImage)
	assert.Contains(t, observed, RegisterSigner)
	assert.False(t, observed[RegisterImage].Equal(observed[RegisterSigner]))
}

func TestComputeMeasurementsWithoutSigner(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "enclave.eif")
	require.NoError(t, os.WriteFile(imagePath, []byte("tiny image"), 0o600))

	observed, err := ComputeMeasurements(imagePath, nil)
	require.NoError(t, err)

	assert.Contains(t, observed, RegisterImage)
	assert.NotContains(t, observed, RegisterSigner)
}

func TestAnchorDocumentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "enclave.eif")
	require.NoError(t, os.WriteFile(imagePath, bytes.Repeat([]byte{0x17}, 2048), 0o600))

	observed, err := ComputeMeasurements(imagePath, testSignerCertPEM(t))
	require.NoError(t, err)

	doc, err := EncodeAnchorDocument(observed)
	require.NoError(t, err)

	published, err := ParseAnchorDocument(doc)
	require.NoError(t, err)

	assert.NoError(t, Verify(observed, published))
}

func TestParseAnchorDocumentRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":        "pcr0=abc",
		"empty object":    "{}",
		"bad register":    `{"x":"00"}`,
		"short digest":    `{"0":"abcd"}`,
		"odd hex":         `{"0":"zz"}`,
		"negative index":  `{"-1":"` + testMeasurementHex() + `"}`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAnchorDocument([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func testMeasurementHex() string {
	raw := make([]byte, 48)
	for i := range raw {
		raw[i] = byte(i)
	}
	return hex.EncodeToString(raw)
}
