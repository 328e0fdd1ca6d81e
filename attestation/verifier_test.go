package attestation

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

func testMeasurement(t *testing.T, seed string) interfaces.Measurement {
	t.Helper()

	// Derive a deterministic 48-byte digest from the seed.
	first := sha256.Sum256([]byte(seed))
	second := sha256.Sum256(first[:])
	m, err := interfaces.NewMeasurementFromBytes(append(first[:], second[:16]...))
	require.NoError(t, err)
	return m
}

func TestVerifyExactMatch(t *testing.T) {
	image := testMeasurement(t, "abc123")
	signer := testMeasurement(t, "signer")

	observed := interfaces.MeasurementMap{
		RegisterImage:  image,
		RegisterSigner: signer,
	}
	published := interfaces.MeasurementMap{
		RegisterImage:  image,
		RegisterSigner: signer,
	}

	assert.NoError(t, Verify(observed, published))
}

func TestVerifyMismatch(t *testing.T) {
	observed := interfaces.MeasurementMap{RegisterImage: testMeasurement(t, "abc123")}
	published := interfaces.MeasurementMap{RegisterImage: testMeasurement(t, "def456")}

	err := Verify(observed, published)
	require.Error(t, err)

	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Len(t, mismatch.Mismatches, 1)
	assert.Equal(t, RegisterImage, mismatch.Mismatches[0].Register)

	// Both digests must be reported for diagnosis.
	assert.Contains(t, err.Error(), observed[RegisterImage].String())
	assert.Contains(t, err.Error(), published[RegisterImage].String())
}

func TestVerifySingleBitDifference(t *testing.T) {
	image := testMeasurement(t, "abc123")
	flipped := image
	flipped[47] ^= 0x01

	err := Verify(
		interfaces.MeasurementMap{RegisterImage: flipped},
		interfaces.MeasurementMap{RegisterImage: image},
	)
	assert.Error(t, err)
}

func TestVerifyMissingRegister(t *testing.T) {
	image := testMeasurement(t, "abc123")

	// Anchor pins the signer register but the observed set has only the image.
	err := Verify(
		interfaces.MeasurementMap{RegisterImage: image},
		interfaces.MeasurementMap{RegisterImage: image, RegisterSigner: testMeasurement(t, "signer")},
	)
	require.Error(t, err)

	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Len(t, mismatch.Mismatches, 1)
	assert.Equal(t, RegisterSigner, mismatch.Mismatches[0].Register)
	assert.True(t, mismatch.Mismatches[0].Observed.IsZero())
}

func TestVerifyExtraObservedRegistersIgnored(t *testing.T) {
	image := testMeasurement(t, "abc123")

	// Registers the anchor does not pin are not compared.
	err := Verify(
		interfaces.MeasurementMap{RegisterImage: image, 4: testMeasurement(t, "extra")},
		interfaces.MeasurementMap{RegisterImage: image},
	)
	assert.NoError(t, err)
}

func TestVerifyReportsAllMismatches(t *testing.T) {
	observed := interfaces.MeasurementMap{
		RegisterImage:  testMeasurement(t, "image-a"),
		RegisterSigner: testMeasurement(t, "signer-a"),
	}
	published := interfaces.MeasurementMap{
		RegisterImage:  testMeasurement(t, "image-b"),
		RegisterSigner: testMeasurement(t, "signer-b"),
	}

	err := Verify(observed, published)
	require.Error(t, err)

	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Len(t, mismatch.Mismatches, 2)
}

func TestVerifyEmptyAnchor(t *testing.T) {
	err := Verify(interfaces.MeasurementMap{RegisterImage: testMeasurement(t, "abc123")}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "empty"))
}
