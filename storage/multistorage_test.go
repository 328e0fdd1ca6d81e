package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// MockArtifactStorage implements interfaces.ArtifactStorage for testing.
type MockArtifactStorage struct {
	mock.Mock
	name string
}

func (m *MockArtifactStorage) Fetch(ctx context.Context, name interfaces.ArtifactName) ([]byte, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockArtifactStorage) FetchTo(ctx context.Context, name interfaces.ArtifactName, dst io.Writer) (int64, error) {
	args := m.Called(ctx, name, dst)
	if data, ok := args.Get(0).([]byte); ok {
		n, _ := dst.Write(data)
		return int64(n), args.Error(1)
	}
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockArtifactStorage) Store(ctx context.Context, name interfaces.ArtifactName, data []byte) error {
	args := m.Called(ctx, name, data)
	return args.Error(0)
}

func (m *MockArtifactStorage) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockArtifactStorage) Name() string {
	return m.name
}

func (m *MockArtifactStorage) LocationURI() string {
	return "mock:" + m.name
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiStorageAvailable(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{"all backends available", []bool{true, true, true}, true},
		{"some backends available", []bool{false, true, false}, true},
		{"no backends available", []bool{false, false, false}, false},
		{"no backends", []bool{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.ArtifactStorage
			for i, avail := range tt.backends {
				mockBackend := &MockArtifactStorage{name: string(rune('a' + i))}
				mockBackend.On("Available", mock.Anything).Return(avail).Maybe()
				backends = append(backends, mockBackend)
			}

			multi := NewMultiStorageBackend(backends, discardLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))
		})
	}
}

func TestMultiStorageFetchFallsBack(t *testing.T) {
	name := interfaces.ModelIV
	payload := []byte("iv-bytes-0123456")

	broken := &MockArtifactStorage{name: "broken"}
	broken.On("Available", mock.Anything).Return(true)
	broken.On("Fetch", mock.Anything, name).Return(nil, errors.New("connection reset"))

	offline := &MockArtifactStorage{name: "offline"}
	offline.On("Available", mock.Anything).Return(false)

	healthy := &MockArtifactStorage{name: "healthy"}
	healthy.On("Available", mock.Anything).Return(true)
	healthy.On("Fetch", mock.Anything, name).Return(payload, nil)

	multi := NewMultiStorageBackend([]interfaces.ArtifactStorage{broken, offline, healthy}, discardLogger())

	data, err := multi.Fetch(context.Background(), name)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	broken.AssertExpectations(t)
	healthy.AssertExpectations(t)
	offline.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestMultiStorageFetchReportsMissingEverywhere(t *testing.T) {
	name := interfaces.ProjectorCiphertext

	first := &MockArtifactStorage{name: "first"}
	first.On("Available", mock.Anything).Return(true)
	first.On("Fetch", mock.Anything, name).Return(nil, interfaces.ErrArtifactNotFound)

	second := &MockArtifactStorage{name: "second"}
	second.On("Available", mock.Anything).Return(true)
	second.On("Fetch", mock.Anything, name).Return(nil, interfaces.ErrArtifactNotFound)

	multi := NewMultiStorageBackend([]interfaces.ArtifactStorage{first, second}, discardLogger())

	_, err := multi.Fetch(context.Background(), name)
	assert.ErrorIs(t, err, interfaces.ErrArtifactNotFound)
}

func TestMultiStorageFetchToDoesNotResumeMidStream(t *testing.T) {
	name := interfaces.ModelCiphertext

	partial := &MockArtifactStorage{name: "partial"}
	partial.On("Available", mock.Anything).Return(true)
	partial.On("FetchTo", mock.Anything, name, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(2).(io.Writer).Write([]byte("half of the ")) //nolint:errcheck
	}).Return(int64(12), errors.New("stream cut"))

	fallback := &MockArtifactStorage{name: "fallback"}
	fallback.On("Available", mock.Anything).Return(true).Maybe()

	multi := NewMultiStorageBackend([]interfaces.ArtifactStorage{partial, fallback}, discardLogger())

	var buf bytes.Buffer
	_, err := multi.FetchTo(context.Background(), name, &buf)
	require.Error(t, err)
	fallback.AssertNotCalled(t, "FetchTo", mock.Anything, mock.Anything, mock.Anything)
}

func TestMultiStorageStoreSkipsReadOnly(t *testing.T) {
	name := interfaces.AnchorDocument
	payload := []byte(`{"0":"00"}`)

	readOnly := &MockArtifactStorage{name: "mirror"}
	readOnly.On("Available", mock.Anything).Return(true)
	readOnly.On("Store", mock.Anything, name, payload).Return(interfaces.ErrReadOnlyBackend)

	writable := &MockArtifactStorage{name: "writable"}
	writable.On("Available", mock.Anything).Return(true)
	writable.On("Store", mock.Anything, name, payload).Return(nil)

	multi := NewMultiStorageBackend([]interfaces.ArtifactStorage{readOnly, writable}, discardLogger())

	require.NoError(t, multi.Store(context.Background(), name, payload))
	writable.AssertExpectations(t)
}

func TestMultiStorageStoreFailsWhenNothingLands(t *testing.T) {
	name := interfaces.AnchorDocument

	down := &MockArtifactStorage{name: "down"}
	down.On("Available", mock.Anything).Return(false)

	multi := NewMultiStorageBackend([]interfaces.ArtifactStorage{down}, discardLogger())
	assert.Error(t, multi.Store(context.Background(), name, []byte("x")))
}
