package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMaterial(t *testing.T) Material {
	t.Helper()
	m, err := NewMaterial(
		bytes.Repeat([]byte{0x42}, KeySize),
		bytes.Repeat([]byte{0x17}, IVSize),
	)
	require.NoError(t, err)
	return m
}

func TestRoundTripAllLengths(t *testing.T) {
	m := testMaterial(t)

	for _, size := range []int{0, 1, 15, 16, 17, 31, 32, 33, 4096, 100003} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			plaintext := make([]byte, size)
			_, err := rand.Read(plaintext)
			require.NoError(t, err)

			var sealed bytes.Buffer
			n, err := Encrypt(&sealed, bytes.NewReader(plaintext), m)
			require.NoError(t, err)
			assert.EqualValues(t, sealed.Len(), n)
			assert.Zero(t, sealed.Len()%aes.BlockSize)

			var opened bytes.Buffer
			n, err = Decrypt(&opened, bytes.NewReader(sealed.Bytes()), m)
			require.NoError(t, err)
			assert.EqualValues(t, size, n)
			assert.Equal(t, plaintext, opened.Bytes())
		})
	}
}

func TestDecryptHandlesFragmentedReads(t *testing.T) {
	m := testMaterial(t)
	plaintext := []byte("a payload that spans a few cipher blocks and is not block aligned")

	var sealed bytes.Buffer
	_, err := Encrypt(&sealed, bytes.NewReader(plaintext), m)
	require.NoError(t, err)

	var opened bytes.Buffer
	_, err = Decrypt(&opened, iotest.OneByteReader(bytes.NewReader(sealed.Bytes())), m)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened.Bytes())
}

func TestDecryptRejectsMisalignedCiphertext(t *testing.T) {
	m := testMaterial(t)

	for _, size := range []int{0, 1, 15, 17, 33} {
		var out bytes.Buffer
		_, err := Decrypt(&out, bytes.NewReader(make([]byte, size)), m)
		assert.ErrorIs(t, err, ErrCiphertextAlignment, "size %d", size)
	}
}

func TestDecryptRejectsInvalidPadding(t *testing.T) {
	m := testMaterial(t)

	// A block whose final byte claims more padding than a block holds.
	final := bytes.Repeat([]byte{0x00}, aes.BlockSize)
	final[aes.BlockSize-1] = aes.BlockSize + 1

	block, err := aes.NewCipher(m.Key[:])
	require.NoError(t, err)
	sealed := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, m.IV[:]).CryptBlocks(sealed, final)

	var out bytes.Buffer
	_, err = Decrypt(&out, bytes.NewReader(sealed), m)
	assert.ErrorIs(t, err, ErrPadding)
}

func TestWrongKeyNeverYieldsOriginalContent(t *testing.T) {
	m := testMaterial(t)
	plaintext := bytes.Repeat([]byte("model weights "), 1024)

	var sealed bytes.Buffer
	_, err := Encrypt(&sealed, bytes.NewReader(plaintext), m)
	require.NoError(t, err)

	wrong := m
	wrong.Key[0] ^= 0xff

	var opened bytes.Buffer
	_, err = Decrypt(&opened, bytes.NewReader(sealed.Bytes()), wrong)
	if err == nil {
		// Padding can coincidentally validate; the content must still differ.
		assert.NotEqual(t, plaintext, opened.Bytes())
	} else {
		assert.ErrorIs(t, err, ErrPadding)
	}
}

func TestWrongIVCorruptsContent(t *testing.T) {
	m := testMaterial(t)
	plaintext := bytes.Repeat([]byte("model weights "), 1024)

	var sealed bytes.Buffer
	_, err := Encrypt(&sealed, bytes.NewReader(plaintext), m)
	require.NoError(t, err)

	wrong := m
	wrong.IV[0] ^= 0xff

	// A wrong IV garbles the first block only, so padding stays valid and
	// the failure must be caught by content comparison.
	var opened bytes.Buffer
	_, err = Decrypt(&opened, bytes.NewReader(sealed.Bytes()), wrong)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, opened.Bytes())
	assert.Equal(t, plaintext[aes.BlockSize:], opened.Bytes()[aes.BlockSize:])
}

func TestBytesHelpersRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, KeySize)
	iv := bytes.Repeat([]byte{0x09}, IVSize)
	plaintext := []byte("content encryption key payload")

	sealed, err := EncryptBytes(key, iv, plaintext)
	require.NoError(t, err)
	opened, err := DecryptBytes(key, iv, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	_, err = DecryptBytes(key, iv, sealed[:len(sealed)-1])
	assert.ErrorIs(t, err, ErrCiphertextAlignment)
}

func TestMaterialZero(t *testing.T) {
	m := testMaterial(t)
	m.Zero()
	assert.Equal(t, Material{}, m)
}

func TestNewMaterialRejectsBadLengths(t *testing.T) {
	_, err := NewMaterial(make([]byte, KeySize-1), make([]byte, IVSize))
	assert.Error(t, err)
	_, err = NewMaterial(make([]byte, KeySize), make([]byte, IVSize+1))
	assert.Error(t, err)
}

func TestDeriveMaterialIsDeterministic(t *testing.T) {
	a := DeriveMaterial([]byte("passphrase"), []byte("salt-0001"))
	b := DeriveMaterial([]byte("passphrase"), []byte("salt-0001"))
	c := DeriveMaterial([]byte("passphrase"), []byte("salt-0002"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, Material{}, a)

	var used [KeySize]byte
	assert.NotEqual(t, used, a.Key)
}

func readAllDecrypted(t *testing.T, m Material, sealed []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	_, err := Decrypt(&out, bytes.NewReader(sealed), m)
	require.NoError(t, err)
	return out.Bytes()
}

func TestEncryptMatchesReferenceCBC(t *testing.T) {
	// Cross-check the streaming path against a one-shot reference so the
	// chunked writer cannot drift from standard CBC.
	m := testMaterial(t)
	plaintext := bytes.Repeat([]byte{0xAB}, 3*aes.BlockSize+5)

	var streamed bytes.Buffer
	_, err := Encrypt(&streamed, bytes.NewReader(plaintext), m)
	require.NoError(t, err)

	oneShot, err := EncryptBytes(m.Key[:], m.IV[:], plaintext)
	require.NoError(t, err)

	assert.Equal(t, oneShot, streamed.Bytes())
	assert.Equal(t, plaintext, readAllDecrypted(t, m, oneShot))
}
