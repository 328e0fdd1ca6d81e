package attestation

import (
	"errors"
	"fmt"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
)

// AttestationType identifies the mechanism that produced a document.
type AttestationType string

const (
	// NitroAttestation is a CBOR/COSE document signed by the Nitro Security Module.
	NitroAttestation AttestationType = "aws-nitro"

	// StaticAttestation is a canned document used in tests and development.
	StaticAttestation AttestationType = "static"
)

// AttestArgs carries the caller-chosen values the document must bind.
type AttestArgs struct {
	// Nonce proves freshness to the relying party.
	Nonce []byte

	// UserData is opaque caller data embedded in the document.
	UserData []byte

	// PublicKey is a DER-encoded public key the relying party may encrypt
	// responses to, verifiable against the document.
	PublicKey []byte
}

// Provider issues attestation documents for this enclave.
type Provider interface {
	AttestationType() AttestationType
	Attest(args AttestArgs) ([]byte, error)
}

// NSMProvider issues documents through the Nitro Security Module device.
// It is only usable inside an enclave.
type NSMProvider struct{}

// AttestationType returns NitroAttestation.
func (NSMProvider) AttestationType() AttestationType { return NitroAttestation }

// Attest requests a fresh document from /dev/nsm binding the supplied values.
func (NSMProvider) Attest(args AttestArgs) ([]byte, error) {
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open NSM session: %w", err)
	}
	defer sess.Close()

	res, err := sess.Send(&request.Attestation{
		Nonce:     args.Nonce,
		UserData:  args.UserData,
		PublicKey: args.PublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("NSM attestation request failed: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("NSM device error: %s", res.Error)
	}
	if res.Attestation == nil || len(res.Attestation.Document) == 0 {
		return nil, errors.New("NSM returned an empty attestation document")
	}

	return res.Attestation.Document, nil
}

// StaticProvider returns a fixed document regardless of arguments.
type StaticProvider struct {
	Document []byte
}

// AttestationType returns StaticAttestation.
func (StaticProvider) AttestationType() AttestationType { return StaticAttestation }

// Attest returns the canned document.
func (p StaticProvider) Attest(args AttestArgs) ([]byte, error) {
	if len(p.Document) == 0 {
		return nil, errors.New("static provider has no document configured")
	}
	return p.Document, nil
}
