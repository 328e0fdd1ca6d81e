package kms

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/enclavekit/inference-bootstrap/envelope"
)

// CiphertextForRecipient is CMS EnvelopedData (RFC 5652): one key transport
// recipient carrying the content encryption key under RSAES-OAEP-SHA256, and
// the response plaintext under AES-256-CBC with PKCS#7 padding.
var (
	oidEnvelopedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}
	oidData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidRSAESOAEP     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 7}
	oidAES256CBC     = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     envelopedData `asn1:"explicit,tag:0"`
}

type envelopedData struct {
	Version              int
	RecipientInfos       []keyTransRecipientInfo `asn1:"set"`
	EncryptedContentInfo encryptedContentInfo
}

type keyTransRecipientInfo struct {
	Version                int
	RecipientID            asn1.RawValue
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

type encryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedContent           asn1.RawValue `asn1:"optional,tag:0"`
}

// decryptEnvelopedData opens a CiphertextForRecipient blob with the
// ephemeral RSA key the attestation document was bound to. The intermediate
// content encryption key is scrubbed before returning.
func decryptEnvelopedData(key *rsa.PrivateKey, der []byte) ([]byte, error) {
	var ci contentInfo
	rest, err := asn1.Unmarshal(der, &ci)
	if err != nil {
		return nil, fmt.Errorf("malformed recipient envelope: %w", err)
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing bytes after recipient envelope")
	}
	if !ci.ContentType.Equal(oidEnvelopedData) {
		return nil, fmt.Errorf("unexpected content type %v in recipient envelope", ci.ContentType)
	}

	ed := ci.Content
	if len(ed.RecipientInfos) == 0 {
		return nil, errors.New("recipient envelope has no recipients")
	}
	ri := ed.RecipientInfos[0]
	if !ri.KeyEncryptionAlgorithm.Algorithm.Equal(oidRSAESOAEP) {
		return nil, fmt.Errorf("unexpected key encryption algorithm %v", ri.KeyEncryptionAlgorithm.Algorithm)
	}

	cek, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ri.EncryptedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("could not unwrap content encryption key: %w", err)
	}
	defer zeroBytes(cek)
	if len(cek) != envelope.KeySize {
		return nil, fmt.Errorf("content encryption key is %d bytes, expected %d", len(cek), envelope.KeySize)
	}

	eci := ed.EncryptedContentInfo
	if !eci.ContentType.Equal(oidData) {
		return nil, fmt.Errorf("unexpected encrypted content type %v", eci.ContentType)
	}
	if !eci.ContentEncryptionAlgorithm.Algorithm.Equal(oidAES256CBC) {
		return nil, fmt.Errorf("unexpected content encryption algorithm %v", eci.ContentEncryptionAlgorithm.Algorithm)
	}

	var iv []byte
	if _, err := asn1.Unmarshal(eci.ContentEncryptionAlgorithm.Parameters.FullBytes, &iv); err != nil {
		return nil, fmt.Errorf("malformed content encryption IV: %w", err)
	}

	content := eci.EncryptedContent.Bytes
	if len(content) == 0 {
		return nil, errors.New("recipient envelope has no encrypted content")
	}

	plaintext, err := envelope.DecryptBytes(cek, iv, content)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt recipient envelope content: %w", err)
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// zeroRSAKey scrubs the private parts of an ephemeral recipient key. The
// words backing each big.Int are overwritten in place.
func zeroRSAKey(key *rsa.PrivateKey) {
	if key == nil {
		return
	}
	parts := []*big.Int{key.D, key.Precomputed.Dp, key.Precomputed.Dq, key.Precomputed.Qinv}
	parts = append(parts, key.Primes...)
	for _, p := range parts {
		if p == nil {
			continue
		}
		words := p.Bits()
		for i := range words {
			words[i] = 0
		}
	}
}
