package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/enclavekit/inference-bootstrap/interfaces"
	"github.com/enclavekit/inference-bootstrap/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStorageAnchorRegistryRoundTrip(t *testing.T) {
	backend, err := storage.NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	reg := NewStorageAnchorRegistry(backend)

	image, err := interfaces.NewImageIDFromHex("aa0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1eff")
	require.NoError(t, err)

	digest, err := interfaces.NewMeasurementFromHex(
		"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f202122232425262728292a2b2c2d2e2f")
	require.NoError(t, err)
	published := interfaces.MeasurementMap{0: digest}

	require.NoError(t, reg.PublishAnchor(context.Background(), image, published))

	got, err := reg.PublishedAnchor(context.Background(), image)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(digest))
}

func TestStorageAnchorRegistryNotFound(t *testing.T) {
	backend, err := storage.NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	reg := NewStorageAnchorRegistry(backend)

	_, err = reg.PublishedAnchor(context.Background(), interfaces.ImageID{})
	assert.ErrorIs(t, err, interfaces.ErrAnchorNotFound)
}

func TestOnchainAnchorRegistryABIParses(t *testing.T) {
	// The inline ABI must stay well formed; construction parses it.
	_, err := NewOnchainAnchorRegistry(nil, ethcommon.Address{})
	require.NoError(t, err)
}

func TestOnchainAnchorRegistryPublishRequiresAuth(t *testing.T) {
	reg, err := NewOnchainAnchorRegistry(nil, ethcommon.Address{})
	require.NoError(t, err)

	err = reg.PublishAnchor(context.Background(), interfaces.ImageID{}, interfaces.MeasurementMap{})
	assert.ErrorIs(t, err, ErrNoTransactOpts)
}
