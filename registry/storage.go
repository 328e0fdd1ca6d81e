package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/enclavekit/inference-bootstrap/attestation"
	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// StorageAnchorRegistry serves anchor documents from an artifact storage
// backend. The document lives under the image's transaction prefix as
// anchor.json, so a file:// or vault:// location can act as the trust
// anchor in deployments without a registry contract.
//
// The backend passed in must already be scoped to the image's transaction
// prefix; the image ID argument is validated against nothing further here.
type StorageAnchorRegistry struct {
	store interfaces.ArtifactStorage
}

// NewStorageAnchorRegistry wraps a storage backend as an anchor registry.
func NewStorageAnchorRegistry(store interfaces.ArtifactStorage) *StorageAnchorRegistry {
	return &StorageAnchorRegistry{store: store}
}

// PublishedAnchor fetches and decodes the anchor document.
func (r *StorageAnchorRegistry) PublishedAnchor(ctx context.Context, image interfaces.ImageID) (interfaces.MeasurementMap, error) {
	doc, err := r.store.Fetch(ctx, interfaces.AnchorDocument)
	if err != nil {
		if errors.Is(err, interfaces.ErrArtifactNotFound) {
			return nil, interfaces.ErrAnchorNotFound
		}
		return nil, fmt.Errorf("failed to fetch anchor document from %s: %w", r.store.Name(), err)
	}
	return attestation.ParseAnchorDocument(doc)
}

// PublishAnchor encodes and stores the anchor document.
func (r *StorageAnchorRegistry) PublishAnchor(ctx context.Context, image interfaces.ImageID, measurements interfaces.MeasurementMap) error {
	doc, err := attestation.EncodeAnchorDocument(measurements)
	if err != nil {
		return err
	}
	if err := r.store.Store(ctx, interfaces.AnchorDocument, doc); err != nil {
		return fmt.Errorf("failed to store anchor document in %s: %w", r.store.Name(), err)
	}
	return nil
}
