package envelope

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
)

// DecryptFile decrypts srcPath into dstPath and checks the result is at
// least minSize bytes (MinPlaintextSize when minSize is zero). On any
// failure the partial output is removed; the ciphertext is left untouched.
func DecryptFile(dstPath, srcPath string, m Material, minSize int64) (int64, error) {
	if minSize <= 0 {
		minSize = MinPlaintextSize
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("could not open ciphertext: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("could not create plaintext output: %w", err)
	}

	n, err := Decrypt(dst, src, m)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dstPath) //nolint:errcheck
		return 0, fmt.Errorf("could not decrypt %s: %w", srcPath, err)
	}

	fi, err := os.Stat(dstPath)
	if err != nil {
		return 0, fmt.Errorf("decrypted output missing: %w", err)
	}
	if fi.Size() < minSize {
		os.Remove(dstPath) //nolint:errcheck
		return 0, fmt.Errorf("%w: %s is %d bytes, need at least %d", ErrTooSmall, dstPath, fi.Size(), minSize)
	}

	return n, nil
}

// EncryptFile seals srcPath into dstPath. Development tooling counterpart of
// DecryptFile.
func EncryptFile(dstPath, srcPath string, m Material) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("could not open plaintext: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("could not create ciphertext output: %w", err)
	}

	n, err := Encrypt(dst, src, m)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dstPath) //nolint:errcheck
		return 0, fmt.Errorf("could not encrypt %s: %w", srcPath, err)
	}
	return n, nil
}

// ParseIV interprets an IV artifact. Provisioning pipelines store the IV
// either as 16 raw bytes or as a 32 character hex string.
func ParseIV(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == IVSize {
		return append([]byte(nil), trimmed...), nil
	}
	if decoded, err := hex.DecodeString(string(trimmed)); err == nil && len(decoded) == IVSize {
		return decoded, nil
	}
	return nil, fmt.Errorf("IV artifact must be %d raw bytes or %d hex characters, got %d bytes", IVSize, 2*IVSize, len(trimmed))
}
