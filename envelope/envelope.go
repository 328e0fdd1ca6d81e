// Package envelope decrypts envelope-encrypted model artifacts. Content is
// AES-256-CBC with an externally supplied IV and PKCS#7 padding; data keys
// come out of the key unwrap step or, for development provisioning, from a
// passphrase derivation.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the length of an unwrapped data key.
	KeySize = 32

	// IVSize is the CBC initialization vector length.
	IVSize = aes.BlockSize

	// MinPlaintextSize is the default lower bound on a decrypted primary
	// artifact. Model weights below this are corruption, not a model.
	MinPlaintextSize = 1 << 20
)

var (
	// ErrCiphertextAlignment means the ciphertext length is not a multiple
	// of the cipher block size.
	ErrCiphertextAlignment = errors.New("ciphertext is not block aligned")

	// ErrPadding means the final block carried no valid PKCS#7 padding,
	// which is what decrypting under a wrong key or IV usually looks like.
	ErrPadding = errors.New("invalid padding in final block")

	// ErrTooSmall means the decrypted artifact is below the plausibility
	// threshold for its kind.
	ErrTooSmall = errors.New("decrypted artifact is implausibly small")
)

// Material is one decryption key and IV pair.
type Material struct {
	Key [KeySize]byte
	IV  [IVSize]byte
}

// NewMaterial builds Material from raw key and IV bytes of exactly the
// required lengths.
func NewMaterial(key, iv []byte) (Material, error) {
	var m Material
	if len(key) != KeySize {
		return m, fmt.Errorf("data key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return m, fmt.Errorf("IV must be %d bytes, got %d", IVSize, len(iv))
	}
	copy(m.Key[:], key)
	copy(m.IV[:], iv)
	return m, nil
}

// Zero scrubs the key material in place.
func (m *Material) Zero() {
	for i := range m.Key {
		m.Key[i] = 0
	}
	for i := range m.IV {
		m.IV[i] = 0
	}
}

// Decrypt streams ciphertext from src to dst, decrypting with AES-CBC and
// stripping the PKCS#7 padding from the final block. It holds back one block
// until EOF so padding is never written to dst. Returns the plaintext byte
// count.
func Decrypt(dst io.Writer, src io.Reader, m Material) (int64, error) {
	block, err := aes.NewCipher(m.Key[:])
	if err != nil {
		return 0, err
	}
	mode := cipher.NewCBCDecrypter(block, m.IV[:])

	var (
		written int64
		carry   []byte // last decrypted block, held back for unpadding
		buf     = make([]byte, 64*1024)
		rem     []byte // partial block carried between reads
	)

	flushCarry := func() error {
		if carry == nil {
			return nil
		}
		n, err := dst.Write(carry)
		written += int64(n)
		carry = nil
		return err
	}

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := append(rem, buf[:n]...)
			usable := len(chunk) - len(chunk)%aes.BlockSize
			rem = append([]byte(nil), chunk[usable:]...)

			if usable > 0 {
				if err := flushCarry(); err != nil {
					return written, err
				}
				mode.CryptBlocks(chunk[:usable], chunk[:usable])
				if usable > aes.BlockSize {
					n, err := dst.Write(chunk[:usable-aes.BlockSize])
					written += int64(n)
					if err != nil {
						return written, err
					}
				}
				carry = append([]byte(nil), chunk[usable-aes.BlockSize:usable]...)
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, readErr
		}
	}

	if len(rem) != 0 {
		return written, ErrCiphertextAlignment
	}
	if carry == nil {
		return written, ErrCiphertextAlignment
	}

	final, err := unpad(carry)
	if err != nil {
		return written, err
	}
	n, err := dst.Write(final)
	written += int64(n)
	return written, err
}

// Encrypt streams plaintext from src to dst with AES-CBC and PKCS#7 padding.
// It is the inverse of Decrypt and backs the development seal helper.
func Encrypt(dst io.Writer, src io.Reader, m Material) (int64, error) {
	block, err := aes.NewCipher(m.Key[:])
	if err != nil {
		return 0, err
	}
	mode := cipher.NewCBCEncrypter(block, m.IV[:])

	var (
		written int64
		buf     = make([]byte, 64*1024)
		rem     []byte
	)

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := append(rem, buf[:n]...)
			usable := len(chunk) - len(chunk)%aes.BlockSize
			rem = append([]byte(nil), chunk[usable:]...)

			if usable > 0 {
				mode.CryptBlocks(chunk[:usable], chunk[:usable])
				n, err := dst.Write(chunk[:usable])
				written += int64(n)
				if err != nil {
					return written, err
				}
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, readErr
		}
	}

	final := pad(rem)
	mode.CryptBlocks(final, final)
	n, err := dst.Write(final)
	written += int64(n)
	return written, err
}

// DecryptBytes decrypts an in-memory AES-CBC ciphertext with a raw key and
// IV. The key unwrap path uses it for the recipient envelope, where key
// material arrives as plain slices.
func DecryptBytes(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrCiphertextAlignment
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpadInPlace(plaintext)
}

// EncryptBytes is the in-memory inverse of DecryptBytes.
func EncryptBytes(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	padded := pad(plaintext)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(padded, padded)
	return padded, nil
}

func pad(data []byte) []byte {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func unpad(finalBlock []byte) ([]byte, error) {
	if len(finalBlock) != aes.BlockSize {
		return nil, ErrPadding
	}
	padLen := int(finalBlock[aes.BlockSize-1])
	if padLen == 0 || padLen > aes.BlockSize {
		return nil, ErrPadding
	}
	for _, b := range finalBlock[aes.BlockSize-padLen:] {
		if int(b) != padLen {
			return nil, ErrPadding
		}
	}
	return finalBlock[:aes.BlockSize-padLen], nil
}

func unpadInPlace(plaintext []byte) ([]byte, error) {
	if len(plaintext) < aes.BlockSize {
		return nil, ErrPadding
	}
	trimmed, err := unpad(plaintext[len(plaintext)-aes.BlockSize:])
	if err != nil {
		return nil, err
	}
	return plaintext[:len(plaintext)-aes.BlockSize+len(trimmed)], nil
}

// DeriveMaterial derives a key and IV pair from a passphrase with argon2id.
// Development provisioning only; production keys come from the unwrap step.
func DeriveMaterial(passphrase, salt []byte) Material {
	derived := argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize+IVSize)
	var m Material
	copy(m.Key[:], derived[:KeySize])
	copy(m.IV[:], derived[KeySize:])
	for i := range derived {
		derived[i] = 0
	}
	return m
}
