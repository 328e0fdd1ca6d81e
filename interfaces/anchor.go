package interfaces

import (
	"context"
	"errors"
)

// ErrAnchorNotFound is returned when no published measurement document exists
// for an image.
var ErrAnchorNotFound = errors.New("trust anchor not found")

// AnchorRegistry provides access to published measurement documents. The
// published side of a measurement comparison must come from a trust-anchored
// record, never from the image under verification.
type AnchorRegistry interface {
	// PublishedAnchor retrieves the measurement document published for the
	// image. Returns ErrAnchorNotFound if none was published.
	PublishedAnchor(ctx context.Context, image ImageID) (MeasurementMap, error)

	// PublishAnchor records the measurement document for an image. Used by
	// provisioning tooling, never by the enclave itself.
	PublishAnchor(ctx context.Context, image ImageID, measurements MeasurementMap) error
}
