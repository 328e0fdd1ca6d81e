package registry

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// MockAnchorRegistry mocks the interfaces.AnchorRegistry interface.
type MockAnchorRegistry struct {
	mock.Mock
}

// PublishedAnchor mocks the PublishedAnchor method.
func (m *MockAnchorRegistry) PublishedAnchor(ctx context.Context, image interfaces.ImageID) (interfaces.MeasurementMap, error) {
	args := m.Called(ctx, image)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(interfaces.MeasurementMap), args.Error(1)
}

// PublishAnchor mocks the PublishAnchor method.
func (m *MockAnchorRegistry) PublishAnchor(ctx context.Context, image interfaces.ImageID, measurements interfaces.MeasurementMap) error {
	args := m.Called(ctx, image, measurements)
	return args.Error(0)
}
