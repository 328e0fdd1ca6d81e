// Package interfaces defines the core interfaces and types for the enclave
// bootstrap system. It provides the contract between different components
// without implementation details.
package interfaces

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// MeasurementSize is the byte length of an enclave measurement register (SHA-384).
const MeasurementSize = 48

// Measurement is a fixed-length digest identifying an enclave image's code
// and configuration. Measurements from different sources (computed locally,
// read from a trust anchor) compare equal only bit-for-bit.
type Measurement [MeasurementSize]byte

// NewMeasurementFromBytes creates a measurement from a raw digest.
func NewMeasurementFromBytes(digest []byte) (Measurement, error) {
	if len(digest) != MeasurementSize {
		return Measurement{}, fmt.Errorf("invalid measurement length: must be %d bytes, got %d", MeasurementSize, len(digest))
	}

	var res Measurement
	copy(res[:], digest)
	return res, nil
}

// NewMeasurementFromHex creates a measurement from a hex string, with or
// without a 0x prefix.
func NewMeasurementFromHex(digest string) (Measurement, error) {
	clean := strings.TrimPrefix(digest, "0x")
	if len(clean) != MeasurementSize*2 {
		return Measurement{}, fmt.Errorf("invalid measurement length: hex string must be %d characters, got %d", MeasurementSize*2, len(clean))
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Measurement{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewMeasurementFromBytes(raw)
}

// String returns the hex string representation of the measurement.
func (m Measurement) String() string {
	return hex.EncodeToString(m[:])
}

// Bytes returns the raw digest.
func (m Measurement) Bytes() []byte {
	return m[:]
}

// Equal compares two measurements in constant time over the full digest.
func (m Measurement) Equal(other Measurement) bool {
	return subtle.ConstantTimeCompare(m[:], other[:]) == 1
}

// IsZero reports whether the measurement is all zeroes (unset).
func (m Measurement) IsZero() bool {
	return m == Measurement{}
}

// MeasurementMap maps a measurement register index to its digest. Register 0
// holds the image measurement, register 8 the signing certificate measurement.
type MeasurementMap map[int]Measurement

// ParseMeasurementMap converts the wire encoding of a measurement set, a map
// of decimal register indices to hex digests, into a MeasurementMap.
func ParseMeasurementMap(raw map[string]string) (MeasurementMap, error) {
	parsed := make(MeasurementMap, len(raw))
	for reg, digest := range raw {
		idx, err := strconv.Atoi(reg)
		if err != nil {
			return nil, fmt.Errorf("invalid register index %q: %w", reg, err)
		}
		if idx < 0 {
			return nil, fmt.Errorf("invalid register index %d", idx)
		}

		m, err := NewMeasurementFromHex(digest)
		if err != nil {
			return nil, fmt.Errorf("register %d: %w", idx, err)
		}
		parsed[idx] = m
	}
	return parsed, nil
}

// Encode converts the map back into its wire encoding.
func (mm MeasurementMap) Encode() map[string]string {
	encoded := make(map[string]string, len(mm))
	for idx, m := range mm {
		encoded[strconv.Itoa(idx)] = m.String()
	}
	return encoded
}

// Registers returns the register indices in ascending order.
func (mm MeasurementMap) Registers() []int {
	regs := make([]int, 0, len(mm))
	for idx := range mm {
		regs = append(regs, idx)
	}
	sort.Ints(regs)
	return regs
}

// ImageID identifies a provisioning transaction: one enclave image together
// with the ciphertext artifacts uploaded for it. It is the SHA-256 of the
// image artifact.
type ImageID [32]byte

// ComputeImageID calculates the image ID from an image artifact stream.
func ComputeImageID(r io.Reader) (ImageID, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return ImageID{}, fmt.Errorf("failed to hash image artifact: %w", err)
	}

	var id ImageID
	copy(id[:], h.Sum(nil))
	return id, nil
}

// NewImageIDFromHex creates an image ID from a hex string.
func NewImageIDFromHex(source string) (ImageID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ImageID{}, errors.New("invalid image ID length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return ImageID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id ImageID
	copy(id[:], raw)
	return id, nil
}

// String returns hex representation.
func (id ImageID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte identifier.
func (id ImageID) Bytes() []byte {
	return id[:]
}

// Equal compares two image IDs.
func (id ImageID) Equal(other ImageID) bool {
	return id == other
}

// ArtifactName names one object within a provisioning transaction's prefix.
type ArtifactName string

// Standard artifact names shared by the provisioning side and the enclave.
const (
	// ModelCiphertext is the envelope-encrypted model weights blob.
	ModelCiphertext ArtifactName = "model.bin.enc"

	// ModelIV is the initialization vector used for the envelope encryption.
	ModelIV ArtifactName = "model.iv"

	// WrappedModelKey is the KMS-wrapped data key ciphertext.
	WrappedModelKey ArtifactName = "model.key.enc"

	// ProjectorCiphertext is the optional multimodal projection weights blob.
	ProjectorCiphertext ArtifactName = "projector.bin.enc"

	// AnchorDocument is the published measurement document.
	AnchorDocument ArtifactName = "anchor.json"
)

// Validate rejects names that are empty or escape the transaction prefix.
func (n ArtifactName) Validate() error {
	if n == "" {
		return errors.New("empty artifact name")
	}
	if strings.Contains(string(n), "..") || strings.HasPrefix(string(n), "/") {
		return fmt.Errorf("artifact name %q escapes its prefix", string(n))
	}
	return nil
}

// String returns the artifact name as a string.
func (n ArtifactName) String() string {
	return string(n)
}
