package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/enclavekit/inference-bootstrap/attestation"
	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// AnchorVerifier implements ImageVerifier by measuring the candidate image
// artifact and comparing it against the anchor published for its image ID.
type AnchorVerifier struct {
	// Anchor is the trust anchor source. Required.
	Anchor interfaces.AnchorRegistry

	// Image identifies the provisioning transaction. Required.
	Image interfaces.ImageID

	// ImagePath is the candidate enclave image artifact. Required.
	ImagePath string

	// SignerCert is the signing certificate (PEM or DER). Optional; when
	// present the signer register is measured and must also match.
	SignerCert []byte

	// Log receives the verification verdict. Required.
	Log *slog.Logger
}

// Verify computes the observed measurements and checks them against the
// published anchor. On mismatch both digest sets are logged for operator
// diagnosis; the error is terminal regardless of any configuration.
func (v *AnchorVerifier) Verify(ctx context.Context) error {
	if v.Anchor == nil {
		return errors.New("verifier has no anchor registry")
	}

	observed, err := attestation.ComputeMeasurements(v.ImagePath, v.SignerCert)
	if err != nil {
		return fmt.Errorf("failed to measure candidate image: %w", err)
	}

	published, err := v.Anchor.PublishedAnchor(ctx, v.Image)
	if err != nil {
		return fmt.Errorf("failed to retrieve published anchor for image %s: %w", v.Image, err)
	}

	if err := attestation.Verify(observed, published); err != nil {
		var mismatch *attestation.MismatchError
		if errors.As(err, &mismatch) {
			for _, m := range mismatch.Mismatches {
				v.Log.Error("Measurement register mismatch",
					"register", m.Register,
					"observed", m.Observed.String(),
					"published", m.Published.String())
			}
		}
		return err
	}

	v.Log.Info("Image measurement verified",
		"image", v.Image.String(),
		"registers", len(published))
	return nil
}
