package kms

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclavekit/inference-bootstrap/envelope"
)

// buildRecipientEnvelope produces the EnvelopedData DER a KMS decrypt
// response carries for a recipient: plaintext under AES-256-CBC with a fresh
// CEK, CEK under RSAES-OAEP-SHA256 to the recipient public key.
func buildRecipientEnvelope(t *testing.T, pub *rsa.PublicKey, cek, iv, plaintext []byte) []byte {
	t.Helper()

	sealed, err := envelope.EncryptBytes(cek, iv, plaintext)
	require.NoError(t, err)

	wrappedCEK, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, cek, nil)
	require.NoError(t, err)

	ivParams, err := asn1.Marshal(iv)
	require.NoError(t, err)

	ci := contentInfo{
		ContentType: oidEnvelopedData,
		Content: envelopedData{
			Version: 2,
			RecipientInfos: []keyTransRecipientInfo{{
				Version: 2,
				RecipientID: asn1.RawValue{
					Class: asn1.ClassContextSpecific,
					Tag:   0,
					Bytes: []byte("recipient-key-id"),
				},
				KeyEncryptionAlgorithm: pkix.AlgorithmIdentifier{
					Algorithm:  oidRSAESOAEP,
					Parameters: asn1.RawValue{FullBytes: []byte{0x30, 0x00}},
				},
				EncryptedKey: wrappedCEK,
			}},
			EncryptedContentInfo: encryptedContentInfo{
				ContentType: oidData,
				ContentEncryptionAlgorithm: pkix.AlgorithmIdentifier{
					Algorithm:  oidAES256CBC,
					Parameters: asn1.RawValue{FullBytes: ivParams},
				},
				EncryptedContent: asn1.RawValue{
					Class: asn1.ClassContextSpecific,
					Tag:   0,
					Bytes: sealed,
				},
			},
		},
	}

	der, err := asn1.Marshal(ci)
	require.NoError(t, err)
	return der
}

func testEnvelopeInputs(t *testing.T) (*rsa.PrivateKey, []byte, []byte, []byte) {
	t.Helper()
	recipientKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cek := bytes.Repeat([]byte{0x31}, envelope.KeySize)
	iv := bytes.Repeat([]byte{0x07}, envelope.IVSize)
	dataKey := bytes.Repeat([]byte{0xD4}, envelope.KeySize)
	return recipientKey, cek, iv, dataKey
}

func TestDecryptEnvelopedData(t *testing.T) {
	recipientKey, cek, iv, dataKey := testEnvelopeInputs(t)
	der := buildRecipientEnvelope(t, &recipientKey.PublicKey, cek, iv, dataKey)

	got, err := decryptEnvelopedData(recipientKey, der)
	require.NoError(t, err)
	assert.Equal(t, dataKey, got)
}

func TestDecryptEnvelopedDataWrongRecipientKey(t *testing.T) {
	recipientKey, cek, iv, dataKey := testEnvelopeInputs(t)
	der := buildRecipientEnvelope(t, &recipientKey.PublicKey, cek, iv, dataKey)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = decryptEnvelopedData(otherKey, der)
	assert.Error(t, err)
}

func TestDecryptEnvelopedDataRejectsMalformed(t *testing.T) {
	recipientKey, cek, iv, dataKey := testEnvelopeInputs(t)
	der := buildRecipientEnvelope(t, &recipientKey.PublicKey, cek, iv, dataKey)

	cases := []struct {
		name string
		der  []byte
	}{
		{"not asn1", []byte("definitely not DER")},
		{"empty", nil},
		{"trailing bytes", append(append([]byte(nil), der...), 0x00)},
		{"truncated", der[:len(der)/2]},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decryptEnvelopedData(recipientKey, tc.der)
			assert.Error(t, err)
		})
	}
}

func TestDecryptEnvelopedDataRejectsWrongContentType(t *testing.T) {
	recipientKey, cek, iv, dataKey := testEnvelopeInputs(t)
	der := buildRecipientEnvelope(t, &recipientKey.PublicKey, cek, iv, dataKey)

	var ci contentInfo
	_, err := asn1.Unmarshal(der, &ci)
	require.NoError(t, err)
	ci.ContentType = oidData
	mutated, err := asn1.Marshal(ci)
	require.NoError(t, err)

	_, err = decryptEnvelopedData(recipientKey, mutated)
	assert.ErrorContains(t, err, "content type")
}

func TestZeroRSAKeyScrubsPrivateParts(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key.Precompute()

	zeroRSAKey(key)

	for _, w := range key.D.Bits() {
		assert.Zero(t, w)
	}
	for _, p := range key.Primes {
		for _, w := range p.Bits() {
			assert.Zero(t, w)
		}
	}
}
