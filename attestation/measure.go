package attestation

import (
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// Measurement register assignments. Register 0 reflects the image contents,
// register 8 the certificate the image was signed with.
const (
	RegisterImage  = 0
	RegisterSigner = 8
)

// extendZero extends an all-zero register with a digest, the way measurement
// registers accumulate values: new = H(zeroes || digest).
func extendZero(digest []byte) interfaces.Measurement {
	h := sha512.New384()
	h.Write(make([]byte, interfaces.MeasurementSize))
	h.Write(digest)

	var m interfaces.Measurement
	copy(m[:], h.Sum(nil))
	return m
}

// MeasureImage computes the register 0 measurement from an image artifact
// stream.
func MeasureImage(r io.Reader) (interfaces.Measurement, error) {
	h := sha512.New384()
	if _, err := io.Copy(h, r); err != nil {
		return interfaces.Measurement{}, fmt.Errorf("failed to digest image artifact: %w", err)
	}
	return extendZero(h.Sum(nil)), nil
}

// MeasureImageFile computes the register 0 measurement of the image at path.
func MeasureImageFile(path string) (interfaces.Measurement, error) {
	f, err := os.Open(path)
	if err != nil {
		return interfaces.Measurement{}, fmt.Errorf("failed to open image artifact: %w", err)
	}
	defer f.Close()

	return MeasureImage(f)
}

// MeasureSigner computes the register 8 measurement from the signing
// certificate, accepted as PEM or raw DER.
func MeasureSigner(cert []byte) (interfaces.Measurement, error) {
	der := cert
	if block, _ := pem.Decode(cert); block != nil {
		if block.Type != "CERTIFICATE" {
			return interfaces.Measurement{}, fmt.Errorf("unexpected PEM block type %q", block.Type)
		}
		der = block.Bytes
	}

	// Reject garbage before measuring it.
	if _, err := x509.ParseCertificate(der); err != nil {
		return interfaces.Measurement{}, fmt.Errorf("failed to parse signing certificate: %w", err)
	}

	digest := sha512.Sum384(der)
	return extendZero(digest[:]), nil
}

// ComputeMeasurements produces the observed measurement set for a candidate
// image and its signing certificate. The result covers exactly the registers
// a published anchor document is expected to pin.
func ComputeMeasurements(imagePath string, signerCert []byte) (interfaces.MeasurementMap, error) {
	image, err := MeasureImageFile(imagePath)
	if err != nil {
		return nil, err
	}

	observed := interfaces.MeasurementMap{RegisterImage: image}

	if len(signerCert) > 0 {
		signer, err := MeasureSigner(signerCert)
		if err != nil {
			return nil, err
		}
		observed[RegisterSigner] = signer
	}

	return observed, nil
}
